package dav

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dav-engine/server/internal/config"
	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/report"
	"github.com/dav-engine/server/internal/resource"
	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/sync"
	"github.com/dav-engine/server/internal/xmlcodec"
	"github.com/dav-engine/server/pkg/ical"
	"github.com/dav-engine/server/pkg/vcard"
)

// Handler dispatches every DAV HTTP method over whichever resource.Service
// owns the request path. It holds no per-request state; each call derives
// everything it needs from the request and the context's authenticated
// principal.
type Handler struct {
	cfg      *config.Config
	cal      *CalService
	card     *CardService
	subs     store.SubscriptionStore
	webhooks store.WebhookSubscriptionStore
	logger   zerolog.Logger
}

func NewHandler(cfg *config.Config, cal *CalService, card *CardService, subs store.SubscriptionStore, webhooks store.WebhookSubscriptionStore, logger zerolog.Logger) *Handler {
	return &Handler{cfg: cfg, cal: cal, card: card, subs: subs, webhooks: webhooks, logger: logger}
}

func (h *Handler) serviceFor(route Route) resource.Service {
	switch route.Service {
	case "caldav":
		return h.cal
	case "carddav":
		return h.card
	default:
		return nil
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, h.cfg.HTTP.BasePath)
	route := ParsePath(path)
	svc := h.serviceFor(route)
	if svc == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("DAV", svc.DAVHeader())

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", strings.Join(svc.AllowedMethods(), ", "))
		w.WriteHeader(http.StatusOK)
	case "PROPFIND":
		h.handlePropfind(w, r, svc, route, path)
	case "PROPPATCH":
		h.handleProppatch(w, r, svc, route, path)
	case http.MethodGet, http.MethodHead:
		h.handleGet(w, r, route)
	case http.MethodPut:
		h.handlePut(w, r, route)
	case http.MethodDelete:
		h.handleDelete(w, r, route)
	case "MKCOL":
		h.handleMkcol(w, r, route)
	case "MKCALENDAR":
		h.handleMkcalendar(w, r, route)
	case "REPORT":
		h.handleReport(w, r, route, path)
	case http.MethodPost:
		h.handlePost(w, r, route)
	case "MOVE":
		h.handleMove(w, r, route)
	case "IMPORT":
		h.handleImport(w, r, route)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func depthOf(r *http.Request) string {
	d := r.Header.Get("Depth")
	if d == "" {
		return "infinity"
	}
	return d
}

func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request, svc resource.Service, route Route, path string) {
	req, err := xmlcodec.ParsePropfind(r.Body)
	if err != nil {
		http.Error(w, "bad propfind", http.StatusBadRequest)
		return
	}
	res, err := svc.Resolve(r.Context(), path)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	targets := []*resource.Resource{res}
	if depthOf(r) != "0" && res.IsCollection {
		members, err := svc.Members(r.Context(), path)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		for _, m := range members {
			targets = append(targets, m.Resource)
		}
	}

	ms := &xmlcodec.MultiStatus{}
	for _, t := range targets {
		ms.Responses = append(ms.Responses, h.propfindResponse(r.Context(), t, req))
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	xmlcodec.WriteMultiStatus(w, ms)
}

func (h *Handler) propfindResponse(ctx context.Context, res *resource.Resource, req *xmlcodec.PropfindRequest) *xmlcodec.Response {
	resp := xmlcodec.NewResponse(res.Path)
	var names []xml.Name
	switch req.Kind() {
	case xmlcodec.PropfindPropName:
		names = res.PropNames
		ps := resp.PropStatFor(200)
		for _, n := range names {
			ps.AddProp(n, xmlcodec.Empty{})
		}
		return resp
	case xmlcodec.PropfindAllProp:
		names = res.PropNames
	default:
		for _, n := range req.Prop.Names() {
			names = append(names, xml.Name{Space: n.Space, Local: n.Local})
		}
	}
	for _, n := range names {
		v, status := res.GetProp(ctx, n)
		switch status {
		case resource.PropOK:
			resp.PropStatFor(200).AddProp(n, v)
		case resource.PropForbidden:
			resp.PropStatFor(403).AddProp(n, xmlcodec.Empty{})
		default:
			resp.PropStatFor(404).AddProp(n, xmlcodec.Empty{})
		}
	}
	return resp
}

func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request, svc resource.Service, route Route, path string) {
	pu, err := xmlcodec.ParsePropertyUpdate(r.Body)
	if err != nil {
		http.Error(w, "bad propertyupdate", http.StatusBadRequest)
		return
	}
	res, err := svc.Resolve(r.Context(), path)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	var sets []xmlcodec.RawElement
	var names []xml.Name
	for _, op := range pu.Ops {
		if op.Set != nil {
			for _, el := range op.Set.Prop.Inner {
				sets = append(sets, el)
				names = append(names, xml.Name{Space: el.XMLName.Space, Local: el.XMLName.Local})
			}
		}
		if op.Remove != nil {
			for _, n := range op.Remove.Prop.Names() {
				names = append(names, xml.Name{Space: n.Space, Local: n.Local})
			}
		}
	}

	// All-or-nothing: verify every referenced property has a setter before
	// applying any of them.
	failed := map[xml.Name]bool{}
	ok := true
	for _, n := range names {
		if _, has := res.Setters[n]; !has {
			failed[n] = true
			ok = false
		}
	}

	resp := xmlcodec.NewResponse(res.Path)
	if !ok {
		for _, n := range names {
			if failed[n] {
				resp.PropStatFor(403).AddProp(n, xmlcodec.Empty{})
			} else {
				resp.PropStatFor(424).AddProp(n, xmlcodec.Empty{})
			}
		}
	} else {
		for _, el := range sets {
			_ = res.SetProp(r.Context(), el)
		}
		for _, n := range names {
			resp.PropStatFor(200).AddProp(n, xmlcodec.Empty{})
		}
	}

	ms := &xmlcodec.MultiStatus{Responses: []*xmlcodec.Response{resp}}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	xmlcodec.WriteMultiStatus(w, ms)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, route Route) {
	if !route.IsObject {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var data, etag, contentType string
	var err error
	switch route.Service {
	case "caldav":
		data, etag, err = h.cal.GetObjectData(r.Context(), route)
		contentType = "text/calendar; charset=utf-8"
	case "carddav":
		data, etag, err = h.card.GetObjectData(r.Context(), route)
		contentType = "text/vcard; charset=utf-8"
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", `"`+etag+`"`)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	io.WriteString(w, data)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request, route Route) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes(route)))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	switch route.Service {
	case "caldav":
		h.putCalendarObject(w, r, route, body)
	case "carddav":
		h.putAddressObject(w, r, route, body)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) maxBytes(route Route) int64 {
	if route.Service == "carddav" {
		return h.cfg.HTTP.MaxVCFBytes
	}
	return h.cfg.HTTP.MaxICSBytes
}

// handleImport is the non-standard IMPORT method: a whole VCALENDAR/VCF
// blob is split into its constituent objects (one per UID, synthesizing a
// UID where absent) and bulk-written to the target collection. Overwrite
// defaults to T, same as MOVE/COPY, per RFC 4918 §9.9.3.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request, route Route) {
	if route.CollID == "" || route.IsObject {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBytes(route)))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	overwrite := r.Header.Get("Overwrite") != "F"

	switch route.Service {
	case "caldav":
		split, err := ical.SplitICSObjects(body)
		if err != nil {
			http.Error(w, "invalid calendar data", http.StatusUnsupportedMediaType)
			return
		}
		objects := make([]*domain.CalendarObject, 0, len(split))
		for _, o := range split {
			objects = append(objects, &domain.CalendarObject{
				ID:        o.UID,
				UID:       o.UID,
				ETag:      computeETag(o.UID, string(o.Data)),
				RawData:   string(o.Data),
				Component: domain.Component(o.Component),
			})
		}
		cal := &domain.Calendar{ID: route.CollID, OwnerID: route.Principal}
		if err := h.cal.Store.ImportCalendar(r.Context(), cal, objects, overwrite); err != nil {
			writeStoreErr(w, err)
			return
		}
	case "carddav":
		split, err := vcard.SplitVCFObjects(body)
		if err != nil {
			http.Error(w, "invalid vcard data", http.StatusUnsupportedMediaType)
			return
		}
		objects := make([]*domain.AddressObject, 0, len(split))
		for _, o := range split {
			objects = append(objects, &domain.AddressObject{
				ID:      o.UID,
				UID:     o.UID,
				ETag:    computeETag(o.UID, string(o.Data)),
				RawData: string(o.Data),
			})
		}
		ab := &domain.Addressbook{ID: route.CollID, OwnerID: route.Principal}
		if err := h.card.Store.ImportAddressbook(r.Context(), ab, objects, overwrite); err != nil {
			writeStoreErr(w, err)
			return
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putCalendarObject(w http.ResponseWriter, r *http.Request, route Route, body []byte) {
	if _, err := ical.DetectICSComponent(body); err != nil {
		http.Error(w, "unsupported calendar component", http.StatusUnsupportedMediaType)
		return
	}
	objectID := route.ObjectID
	if objectID == "" {
		objectID = extractICSUID(body)
		if objectID == "" {
			objectID = uuid.NewString()
		}
	}
	comp, _ := ical.DetectICSComponent(body)
	etag := computeETag(objectID, string(body))
	obj := &domain.CalendarObject{
		ID:        objectID,
		UID:       extractICSUID(body),
		ETag:      etag,
		RawData:   string(body),
		Component: domain.Component(comp),
	}
	_, existsErr := h.cal.Store.GetObject(r.Context(), route.Principal, route.CollID, objectID)
	existed := existsErr == nil
	overwrite := r.Header.Get("If-None-Match") != "*"
	if err := h.cal.Store.PutObject(r.Context(), route.Principal, route.CollID, obj, overwrite); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) putAddressObject(w http.ResponseWriter, r *http.Request, route Route, body []byte) {
	if err := vcard.ValidateVCard(body); err != nil {
		http.Error(w, "invalid vcard", http.StatusUnsupportedMediaType)
		return
	}
	objectID := route.ObjectID
	if objectID == "" {
		objectID = uuid.NewString()
	}
	etag := computeETag(objectID, string(body))
	obj := &domain.AddressObject{ID: objectID, ETag: etag, RawData: string(body)}
	_, existsErr := h.card.Store.GetAddressObject(r.Context(), route.Principal, route.CollID, objectID)
	existed := existsErr == nil
	overwrite := r.Header.Get("If-None-Match") != "*"
	if err := h.card.Store.PutAddressObject(r.Context(), route.Principal, route.CollID, obj, overwrite); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	if existed {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// computeETag hashes (id, raw) the same way memstore does, so an object's
// ETag is stable across GET and PUT regardless of which store backend wrote it.
func computeETag(id, raw string) string {
	h := sha256.Sum256([]byte(id + "\x00" + raw))
	return hex.EncodeToString(h[:])
}

func extractICSUID(data []byte) string {
	cal, err := goical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return ""
	}
	for _, child := range cal.Children {
		if p := child.Props.Get("UID"); p != nil {
			return p.Value
		}
	}
	return ""
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, route Route) {
	useTrashbin := r.Header.Get("X-No-Trashbin") != "1"
	var err error
	switch {
	case route.Service == "caldav" && route.IsObject:
		err = h.cal.Store.DeleteObject(r.Context(), route.Principal, route.CollID, route.ObjectID, useTrashbin)
	case route.Service == "caldav":
		err = h.cal.Store.DeleteCalendar(r.Context(), route.Principal, route.CollID, useTrashbin)
	case route.Service == "carddav" && route.IsObject:
		err = h.card.Store.DeleteAddressObject(r.Context(), route.Principal, route.CollID, route.ObjectID, useTrashbin)
	case route.Service == "carddav":
		err = h.card.Store.DeleteAddressbook(r.Context(), route.Principal, route.CollID, useTrashbin)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request, route Route) {
	if route.Service != "carddav" || route.CollID == "" || route.IsObject {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ab := &domain.Addressbook{ID: route.CollID, OwnerID: route.Principal, URI: route.CollID}
	if err := h.card.Store.InsertAddressbook(r.Context(), ab); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleMkcalendar(w http.ResponseWriter, r *http.Request, route Route) {
	if route.Service != "caldav" || route.CollID == "" || route.IsObject {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cal := &domain.Calendar{
		ID:             route.CollID,
		OwnerID:        route.Principal,
		URI:            route.CollID,
		SupportedComps: []domain.Component{domain.Component("VEVENT"), domain.Component("VTODO")},
	}
	if err := h.cal.Store.InsertCalendar(r.Context(), cal); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// handleMove moves a calendar or address object to the Destination path,
// which may lie in another collection of the same principal and service:
// fetch the source body, PUT it at the destination, delete the source.
// Moving a whole collection, or across principals/services, is not supported.
func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request, route Route) {
	if !route.IsObject {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dest := r.Header.Get("Destination")
	if dest == "" {
		http.Error(w, "missing Destination", http.StatusBadRequest)
		return
	}
	destPath := strings.TrimPrefix(dest, h.cfg.HTTP.BasePath)
	if u, err := url.Parse(dest); err == nil && u.Path != "" {
		destPath = strings.TrimPrefix(u.Path, h.cfg.HTTP.BasePath)
	}
	destRoute := ParsePath(destPath)
	if destRoute.Service != route.Service || destRoute.Principal != route.Principal || !destRoute.IsObject {
		http.Error(w, "move across principals or services not supported", http.StatusForbidden)
		return
	}
	// RFC 4918 §9.9.3: Overwrite defaults to T when absent.
	overwrite := r.Header.Get("Overwrite") != "F"

	switch route.Service {
	case "caldav":
		obj, err := h.cal.Store.GetObject(r.Context(), route.Principal, route.CollID, route.ObjectID)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		moved := &domain.CalendarObject{ID: destRoute.ObjectID, UID: obj.UID, ETag: obj.ETag, RawData: obj.RawData, Component: obj.Component}
		if err := h.cal.Store.PutObject(r.Context(), route.Principal, destRoute.CollID, moved, overwrite); err != nil {
			writeStoreErr(w, err)
			return
		}
		_ = h.cal.Store.DeleteObject(r.Context(), route.Principal, route.CollID, route.ObjectID, true)
	case "carddav":
		obj, err := h.card.Store.GetAddressObject(r.Context(), route.Principal, route.CollID, route.ObjectID)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		moved := &domain.AddressObject{ID: destRoute.ObjectID, UID: obj.UID, ETag: obj.ETag, RawData: obj.RawData}
		if err := h.card.Store.PutAddressObject(r.Context(), route.Principal, destRoute.CollID, moved, overwrite); err != nil {
			writeStoreErr(w, err)
			return
		}
		_ = h.card.Store.DeleteAddressObject(r.Context(), route.Principal, route.CollID, route.ObjectID, true)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// pushRegisterRequest is the WebDAV-Push registration body posted to a
// calendar or addressbook collection: <push-register><subscription>
// <web-push-subscription><push-resource>https://...</push-resource>
// ...</web-push-subscription></subscription></push-register>.
type pushRegisterRequest struct {
	XMLName      xml.Name `xml:"push-register"`
	Subscription struct {
		WebPushSubscription struct {
			PushResource string `xml:"push-resource"`
			VapidPubKey  string `xml:"vapid-key"`
			AuthSecret   string `xml:"auth-secret"`
		} `xml:"web-push-subscription"`
	} `xml:"subscription"`
}

// handlePost registers a push subscription on a calendar or addressbook
// collection, per the WebDAV-Push registration flow.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request, route Route) {
	if route.IsObject || route.CollID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var req pushRegisterRequest
	if err := xml.Unmarshal(body, &req); err != nil || req.Subscription.WebPushSubscription.PushResource == "" {
		http.Error(w, "bad push-register body", http.StatusBadRequest)
		return
	}

	var topic string
	switch route.Service {
	case "caldav":
		cal, err := h.cal.Store.GetCalendar(r.Context(), route.Principal, route.CollID, false)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		topic = cal.PushTopic
	case "carddav":
		ab, err := h.card.Store.GetAddressbook(r.Context(), route.Principal, route.CollID, false)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		topic = ab.PushTopic
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	expires := time.Now().Add(7 * 24 * time.Hour)
	sub := &domain.Subscription{
		ID:           uuid.NewString(),
		Topic:        topic,
		PushResource: req.Subscription.WebPushSubscription.PushResource,
		Expiration:   expires,
		VapidPubKey:  req.Subscription.WebPushSubscription.VapidPubKey,
		AuthSecret:   req.Subscription.WebPushSubscription.AuthSecret,
	}
	if err := h.subs.InsertSubscription(r.Context(), sub); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("Location", "/push_subscription/"+sub.ID)
	w.Header().Set("Expires", expires.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

// HandlePushSubscriptionDelete serves DELETE /push_subscription/{id}.
func (h *Handler) HandlePushSubscriptionDelete(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.subs.DeleteSubscription(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// webhookUpsertRequest is the JSON body for POST /webhooks/subscriptions/upsert.
type webhookUpsertRequest struct {
	ID           string `json:"id"`
	TargetURL    string `json:"target_url"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	SecretKey    string `json:"secret_key"`
}

// HandleWebhookUpsert serves POST /webhooks/subscriptions/upsert.
func (h *Handler) HandleWebhookUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req webhookUpsertRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "bad json body", http.StatusBadRequest)
		return
	}
	sub := &domain.WebhookSubscription{
		ID:           req.ID,
		TargetURL:    req.TargetURL,
		ResourceType: domain.ResourceKind(req.ResourceType),
		ResourceID:   req.ResourceID,
		SecretKey:    req.SecretKey,
	}
	if err := h.webhooks.UpsertWebhookSubscription(r.Context(), sub); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(webhookUpsertRequest{ID: sub.ID, TargetURL: sub.TargetURL, ResourceType: string(sub.ResourceType), ResourceID: sub.ResourceID})
}

// HandleWebhookDelete serves DELETE /webhooks/subscriptions/delete/{id}.
func (h *Handler) HandleWebhookDelete(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.webhooks.DeleteWebhookSubscription(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReport sniffs the XML root element and dispatches to the matching
// report package function, per §4.F's algorithm table.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request, route Route, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(body, &probe); err != nil {
		http.Error(w, "bad report body", http.StatusBadRequest)
		return
	}

	switch route.Service {
	case "caldav":
		h.handleCalendarReport(w, r, route, probe.XMLName.Local, body)
	case "carddav":
		h.handleAddressReport(w, r, route, probe.XMLName.Local, body)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) calendarPropFunc(route Route) report.PropFunc {
	return func(ctx context.Context, obj *domain.CalendarObject) []*xmlcodec.PropStat {
		ps := &xmlcodec.PropStat{Status: 200}
		ps.AddProp(nGetETag, xmlcodec.Text(obj.ETag))
		ps.AddProp(xml.Name{Space: "urn:ietf:params:xml:ns:caldav", Local: "calendar-data"}, xmlcodec.Text(obj.RawData))
		return []*xmlcodec.PropStat{ps}
	}
}

func (h *Handler) addressPropFunc(route Route) report.AddressPropFunc {
	return func(ctx context.Context, obj *domain.AddressObject) []*xmlcodec.PropStat {
		ps := &xmlcodec.PropStat{Status: 200}
		ps.AddProp(nGetETag, xmlcodec.Text(obj.ETag))
		ps.AddProp(xml.Name{Space: "urn:ietf:params:xml:ns:carddav", Local: "address-data"}, xmlcodec.Text(obj.RawData))
		return []*xmlcodec.PropStat{ps}
	}
}

func (h *Handler) handleCalendarReport(w http.ResponseWriter, r *http.Request, route Route, root string, body []byte) {
	ctx := r.Context()
	collectionPath := CalendarPath(route.Principal, route.CollID)
	var ms *xmlcodec.MultiStatus
	var err error

	switch root {
	case "calendar-query":
		inner, ferr := extractFilterXML(body)
		if ferr != nil {
			http.Error(w, "missing filter", http.StatusBadRequest)
			return
		}
		filter, ferr := report.ParseFilter(inner)
		if ferr != nil {
			http.Error(w, ferr.Error(), http.StatusBadRequest)
			return
		}
		ms, err = report.CalendarQuery(ctx, h.cal.Store, route.Principal, route.CollID, collectionPath, filter, h.calendarPropFunc(route))
	case "calendar-multiget":
		hrefs, herr := parseHrefs(body)
		if herr != nil {
			http.Error(w, herr.Error(), http.StatusBadRequest)
			return
		}
		ms, err = report.CalendarMultiget(ctx, h.cal.Store, route.Principal, route.CollID, collectionPath, hrefs, h.calendarPropFunc(route))
	case "sync-collection":
		req, serr := report.ParseSyncCollection(body)
		if serr != nil {
			http.Error(w, serr.Error(), http.StatusBadRequest)
			return
		}
		since := sync.Parse(req.SyncToken)
		ms, err = report.CalendarSyncCollection(ctx, h.cal.Store, route.Principal, route.CollID, collectionPath, since, h.calendarPropFunc(route))
	case "free-busy-query":
		req, ferr := report.ParseFreeBusyQuery(body)
		if ferr != nil {
			http.Error(w, ferr.Error(), http.StatusBadRequest)
			return
		}
		text, qerr := report.FreeBusyQuery(ctx, h.cal.Store, route.Principal, route.CollID, req)
		if qerr != nil {
			writeStoreErr(w, qerr)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, text)
		return
	default:
		http.Error(w, "unsupported report", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	xmlcodec.WriteMultiStatus(w, ms)
}

func (h *Handler) handleAddressReport(w http.ResponseWriter, r *http.Request, route Route, root string, body []byte) {
	ctx := r.Context()
	collectionPath := AddressbookPath(route.Principal, route.CollID)
	var ms *xmlcodec.MultiStatus
	var err error

	switch root {
	case "addressbook-query":
		inner, ferr := extractFilterXML(body)
		if ferr != nil {
			http.Error(w, "missing filter", http.StatusBadRequest)
			return
		}
		filter, ferr := report.ParseFilter(inner)
		if ferr != nil {
			http.Error(w, ferr.Error(), http.StatusBadRequest)
			return
		}
		ms, err = report.AddressbookQuery(ctx, h.card.Store, route.Principal, route.CollID, collectionPath, filter, h.addressPropFunc(route))
	case "addressbook-multiget":
		hrefs, herr := parseHrefs(body)
		if herr != nil {
			http.Error(w, herr.Error(), http.StatusBadRequest)
			return
		}
		ms, err = report.AddressbookMultiget(ctx, h.card.Store, route.Principal, route.CollID, collectionPath, hrefs, h.addressPropFunc(route))
	case "sync-collection":
		req, serr := report.ParseSyncCollection(body)
		if serr != nil {
			http.Error(w, serr.Error(), http.StatusBadRequest)
			return
		}
		since := sync.Parse(req.SyncToken)
		ms, err = report.AddressbookSyncCollection(ctx, h.card.Store, route.Principal, route.CollID, collectionPath, since, h.addressPropFunc(route))
	default:
		http.Error(w, "unsupported report", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(207)
	xmlcodec.WriteMultiStatus(w, ms)
}

// extractFilterXML pulls the inner XML of the <filter> child out of a
// calendar-query/addressbook-query request body, independent of namespace
// prefix, for hand-off to report.ParseFilter.
func extractFilterXML(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "filter" {
			continue
		}
		var raw struct {
			InnerXML string `xml:",innerxml"`
		}
		if err := dec.DecodeElement(&raw, &start); err != nil {
			return "", err
		}
		return raw.InnerXML, nil
	}
}

func parseHrefs(body []byte) ([]string, error) {
	var probe struct {
		XMLName xml.Name
		Hrefs   []string `xml:"DAV: href"`
	}
	if err := xml.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	return probe.Hrefs, nil
}

func writeStoreErr(w http.ResponseWriter, err error) {
	switch err {
	case store.ErrNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	case store.ErrAlreadyExists:
		http.Error(w, "conflict", http.StatusConflict)
	case store.ErrReadOnly:
		http.Error(w, "read only", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
