package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dav-engine/server/internal/domain"
	"github.com/dav-engine/server/internal/store/memstore"
)

// FreeBusyQuery must contribute one busy interval per expanded occurrence of
// a recurring VEVENT that falls inside the query range, not just the master.
func TestFreeBusyQueryExpandsRecurringEvents(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	principal := "alice"
	if _, err := st.EnsurePrincipal(ctx, principal, "Alice"); err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	cal := &domain.Calendar{ID: "work", OwnerID: principal}
	if err := st.InsertCalendar(ctx, cal); err != nil {
		t.Fatalf("InsertCalendar: %v", err)
	}
	obj := &domain.CalendarObject{
		ID:        "recur-1",
		UID:       "recur-1",
		ETag:      "etag",
		RawData:   recurringDaily,
		Component: domain.ComponentVEvent,
	}
	if err := st.PutObject(ctx, principal, "work", obj, true); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	req := &FreeBusyRequest{Range: TimeRange{
		Start: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}}
	out, err := FreeBusyQuery(ctx, st, principal, "work", req)
	if err != nil {
		t.Fatalf("FreeBusyQuery: %v", err)
	}
	if n := strings.Count(out, "FREEBUSY;FBTYPE=BUSY:"); n != 2 {
		t.Fatalf("expected 2 busy intervals for the two occurrences in range, got %d:\n%s", n, out)
	}
	if !strings.Contains(out, "20260103T090000Z") || !strings.Contains(out, "20260104T090000Z") {
		t.Fatalf("expected busy intervals for 01-03 and 01-04, got:\n%s", out)
	}
}
