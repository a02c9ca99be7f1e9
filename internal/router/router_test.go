package router_test

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/auth"
	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/dav"
	"github.com/dav-engine/server/internal/router"
	"github.com/dav-engine/server/internal/store/memstore"
)

// multiStatus is a minimal RFC 4918 §13 / RFC 6578 multistatus parser, just
// enough to assert on hrefs, statuses and the rolled-up sync-token.
type multiStatus struct {
	XMLName   xml.Name     `xml:"multistatus"`
	Responses []msResponse `xml:"response"`
	SyncToken string       `xml:"sync-token"`
}

type msResponse struct {
	Href     string     `xml:"href"`
	Status   string     `xml:"status"`
	PropStat []propStat `xml:"propstat"`
}

type propStat struct {
	Status string `xml:"status"`
	Prop   struct {
		Inner string `xml:",innerxml"`
	} `xml:"prop"`
}

func parseMultiStatus(t *testing.T, body []byte) *multiStatus {
	t.Helper()
	var ms multiStatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		t.Fatalf("parse multistatus: %v (body: %s)", err, body)
	}
	return &ms
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.HTTP.BasePath = "/dav"
	cfg.HTTP.MaxICSBytes = 1 << 20
	cfg.HTTP.MaxVCFBytes = 1 << 20
	cfg.Auth.EnableBasic = true
	cfg.Auth.SessionCookieName = "dav_session"

	st := memstore.New()
	st.SetPassword("alice", "Alice", "s3cret")

	logger := zerolog.Nop()
	authn := auth.NewChain(cfg, st, logger)
	cal := &dav.CalService{Store: st, Principals: st, Cfg: cfg}
	card := &dav.CardService{Store: st, Principals: st, Cfg: cfg}
	handler := dav.NewHandler(cfg, cal, card, st, st, logger)
	mux := router.New(cfg, handler, authn, logger)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func basicAuthHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func doReq(t *testing.T, srv *httptest.Server, method, path, auth string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doReq(t, srv, http.MethodGet, "/healthz", "", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := doReq(t, srv, "PROPFIND", "/dav/calendars/alice/", "", "", map[string]string{"Depth": "0"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Fatalf("expected WWW-Authenticate challenge, got %q", got)
	}
}

func TestCalendarLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	// MKCALENDAR creates the collection.
	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/work/", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("MKCALENDAR: expected 201, got %d", resp.StatusCode)
	}

	ics := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:event-1\r\nSUMMARY:Standup\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/work/event-1.ics", creds, ics, map[string]string{"Content-Type": "text/calendar"})
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT: expected 201, got %d", resp.StatusCode)
	}
	if etag == "" {
		t.Fatal("PUT: expected ETag header")
	}

	// GET returns the exact bytes back with a matching ETag.
	resp = doReq(t, srv, http.MethodGet, "/dav/calendars/alice/work/event-1.ics", creds, "", nil)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", resp.StatusCode)
	}
	if string(got) != ics {
		t.Fatalf("GET: body mismatch, got %q", got)
	}
	if resp.Header.Get("ETag") != etag {
		t.Fatalf("GET: ETag mismatch, want %q got %q", etag, resp.Header.Get("ETag"))
	}

	// PROPFIND depth 1 on the calendar lists the event as a member.
	resp = doReq(t, srv, "PROPFIND", "/dav/calendars/alice/work/", creds, "", map[string]string{"Depth": "1"})
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 207 {
		t.Fatalf("PROPFIND: expected 207, got %d (%s)", resp.StatusCode, body)
	}
	ms := parseMultiStatus(t, body)
	var foundObject bool
	for _, r := range ms.Responses {
		if strings.HasSuffix(r.Href, "event-1.ics") {
			foundObject = true
		}
	}
	if !foundObject {
		t.Fatalf("PROPFIND: expected a response for event-1.ics, got %+v", ms.Responses)
	}

	// sync-collection REPORT from token 0 surfaces the new object and a token.
	syncBody := `<?xml version="1.0"?><sync-collection xmlns="DAV:"><sync-token>0</sync-token><sync-level>1</sync-level><prop><getetag/></prop></sync-collection>`
	resp = doReq(t, srv, "REPORT", "/dav/calendars/alice/work/", creds, syncBody, nil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 207 {
		t.Fatalf("REPORT sync-collection: expected 207, got %d (%s)", resp.StatusCode, body)
	}
	ms = parseMultiStatus(t, body)
	if ms.SyncToken == "" {
		t.Fatal("REPORT sync-collection: expected a sync-token")
	}
	if len(ms.Responses) != 1 || !strings.HasSuffix(ms.Responses[0].Href, "event-1.ics") {
		t.Fatalf("REPORT sync-collection: expected one response for event-1.ics, got %+v", ms.Responses)
	}

	// MOVE relocates the object within the same calendar.
	resp = doReq(t, srv, "MOVE", "/dav/calendars/alice/work/event-1.ics", creds, "", map[string]string{"Destination": "/dav/calendars/alice/work/event-moved.ics"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("MOVE: expected 201, got %d", resp.StatusCode)
	}
	resp = doReq(t, srv, http.MethodGet, "/dav/calendars/alice/work/event-1.ics", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET old path after MOVE: expected 404, got %d", resp.StatusCode)
	}
	resp = doReq(t, srv, http.MethodGet, "/dav/calendars/alice/work/event-moved.ics", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET new path after MOVE: expected 200, got %d", resp.StatusCode)
	}

	// DELETE removes the object.
	resp = doReq(t, srv, http.MethodDelete, "/dav/calendars/alice/work/event-moved.ics", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE: expected 204, got %d", resp.StatusCode)
	}
}

func TestPushRegistration(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/home/", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("MKCALENDAR: expected 201, got %d", resp.StatusCode)
	}

	pushBody := `<?xml version="1.0"?>
<push-register xmlns="https://bitfire.at/webdav-push">
  <subscription>
    <web-push-subscription>
      <push-resource>https://push.example.com/r/abc123</push-resource>
    </web-push-subscription>
  </subscription>
</push-register>`
	resp = doReq(t, srv, http.MethodPost, "/dav/calendars/alice/home/", creds, pushBody, map[string]string{"Content-Type": "application/xml"})
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST push-register: expected 201, got %d (%s)", resp.StatusCode, body)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/push_subscription/") {
		t.Fatalf("expected Location under /push_subscription/, got %q", loc)
	}
	if resp.Header.Get("Expires") == "" {
		t.Fatal("expected an Expires header on push registration")
	}

	id := strings.TrimPrefix(loc, "/push_subscription/")
	resp = doReq(t, srv, http.MethodDelete, loc, "", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE %s: expected 204, got %d", loc, resp.StatusCode)
	}
	_ = id
}

func TestAddressbookObjectRoundtrip(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCOL", "/dav/addressbooks/alice/contacts/", creds, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("MKCOL: expected 201, got %d", resp.StatusCode)
	}

	vcard := "BEGIN:VCARD\r\nVERSION:3.0\r\nFN:John Doe\r\nUID:contact-1\r\nEND:VCARD\r\n"
	resp = doReq(t, srv, http.MethodPut, "/dav/addressbooks/alice/contacts/contact-1.vcf", creds, vcard, map[string]string{"Content-Type": "text/vcard"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT vcard: expected 201, got %d", resp.StatusCode)
	}

	resp = doReq(t, srv, http.MethodGet, "/dav/addressbooks/alice/contacts/contact-1.vcf", creds, "", nil)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(got) != vcard {
		t.Fatalf("GET vcard: expected 200 with matching body, got %d %q", resp.StatusCode, got)
	}
}

func TestPutIfNoneMatchPreventsOverwrite(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/ifmatch/", creds, "", nil)
	resp.Body.Close()

	ics := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:event-2\r\nSUMMARY:First\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/ifmatch/event-2.ics", creds, ics, map[string]string{"If-None-Match": "*"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first PUT with If-None-Match=*: expected 201, got %d", resp.StatusCode)
	}

	// A second PUT with If-None-Match: * must not overwrite the existing object.
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/ifmatch/event-2.ics", creds, ics, map[string]string{"If-None-Match": "*"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed && resp.StatusCode != http.StatusConflict {
		t.Fatalf("second PUT with If-None-Match=*: expected a conflict/precondition status, got %d", resp.StatusCode)
	}

	// Without If-None-Match, a PUT to the same id is a plain overwrite returning 204.
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/ifmatch/event-2.ics", creds, ics, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("overwriting PUT: expected 204, got %d", resp.StatusCode)
	}
}

func TestDeleteWithNoTrashbinHeaderBypassesTombstone(t *testing.T) {
	srv, st := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/trash/", creds, "", nil)
	resp.Body.Close()

	ics := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:event-3\r\nSUMMARY:Gone\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/trash/event-3.ics", creds, ics, nil)
	resp.Body.Close()

	resp = doReq(t, srv, http.MethodDelete, "/dav/calendars/alice/trash/event-3.ics", creds, "", map[string]string{"X-No-Trashbin": "1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE with X-No-Trashbin: expected 204, got %d", resp.StatusCode)
	}

	// A hard-deleted object leaves no tombstone behind to restore.
	if err := st.RestoreObject(context.Background(), "alice", "trash", "event-3"); err == nil {
		t.Fatal("expected RestoreObject to fail after a hard delete, but it succeeded")
	}
}

func TestImportSplitsMultiObjectCalendar(t *testing.T) {
	srv, st := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/imported/", creds, "", nil)
	resp.Body.Close()

	blob := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\nUID:import-1\r\nSUMMARY:One\r\nDTSTART:20260101T090000Z\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:import-2\r\nSUMMARY:Two\r\nDTSTART:20260102T090000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	resp = doReq(t, srv, "IMPORT", "/dav/calendars/alice/imported/", creds, blob, map[string]string{"Content-Type": "text/calendar"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("IMPORT: expected 204, got %d", resp.StatusCode)
	}

	objs, err := st.GetObjects(context.Background(), "alice", "imported")
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 imported objects, got %d", len(objs))
	}
}

func TestMoveOverwriteHeaderDefaultsToTrueAndHonorsF(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/moves/", creds, "", nil)
	resp.Body.Close()

	src := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:src\r\nSUMMARY:Src\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	dst := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:dst\r\nSUMMARY:Dst\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/moves/src.ics", creds, src, nil)
	resp.Body.Close()
	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/moves/dst.ics", creds, dst, nil)
	resp.Body.Close()

	// Overwrite: F must refuse to clobber an existing destination.
	resp = doReq(t, srv, "MOVE", "/dav/calendars/alice/moves/src.ics", creds, "", map[string]string{
		"Destination": "/dav/calendars/alice/moves/dst.ics",
		"Overwrite":   "F",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed && resp.StatusCode != http.StatusConflict {
		t.Fatalf("MOVE with Overwrite=F onto existing destination: expected a conflict/precondition status, got %d", resp.StatusCode)
	}

	// Default (no Overwrite header) is equivalent to T and allows the clobber.
	resp = doReq(t, srv, "MOVE", "/dav/calendars/alice/moves/src.ics", creds, "", map[string]string{
		"Destination": "/dav/calendars/alice/moves/dst.ics",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("MOVE with default Overwrite onto existing destination: expected success, got %d", resp.StatusCode)
	}
}

func TestBadRequestBodyIsRejectedGracefully(t *testing.T) {
	srv, _ := newTestServer(t)
	creds := basicAuthHeader("alice", "s3cret")

	resp := doReq(t, srv, "MKCALENDAR", "/dav/calendars/alice/home2/", creds, "", nil)
	resp.Body.Close()

	resp = doReq(t, srv, http.MethodPut, "/dav/calendars/alice/home2/not-ics.ics", creds, "not an ics file", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("PUT garbage ICS: expected 415, got %d", resp.StatusCode)
	}
}
