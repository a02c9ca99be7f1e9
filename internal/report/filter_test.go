package report

import (
	"bytes"
	"testing"
	"time"

	goical "github.com/emersion/go-ical"
)

const recurringDaily = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
	"BEGIN:VEVENT\r\nUID:recur-1\r\nSUMMARY:Standup\r\nDTSTART:20260101T090000Z\r\nDTEND:20260101T093000Z\r\nRRULE:FREQ=DAILY;COUNT=5\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func decodeCal(t *testing.T, raw string) *goical.Calendar {
	t.Helper()
	cal, err := goical.NewDecoder(bytes.NewReader([]byte(raw))).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return cal
}

// A query time-range that misses the master occurrence (2026-01-01) but
// falls inside a later expanded occurrence (2026-01-04) must still match.
func TestMatchCalendarExpandsRecurringTimeRange(t *testing.T) {
	cal := decodeCal(t, recurringDaily)
	f := &Filter{
		Reduction: ReductionAnyOf,
		Root: CompFilter{
			Name: "VCALENDAR",
			Comps: []CompFilter{
				{
					Name: "VEVENT",
					TimeRange: &TimeRange{
						Start: time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
						End:   time.Date(2026, 1, 4, 23, 59, 59, 0, time.UTC),
					},
				},
			},
		},
	}
	matched, err := MatchCalendar(cal, f)
	if err != nil {
		t.Fatalf("MatchCalendar: %v", err)
	}
	if !matched {
		t.Fatal("expected the 2026-01-04 occurrence of the recurring event to match")
	}
}

// A time-range entirely past the RRULE's COUNT=5 window (ending 2026-01-05)
// must not match any expanded occurrence.
func TestMatchCalendarExcludesRangePastRecurrenceEnd(t *testing.T) {
	cal := decodeCal(t, recurringDaily)
	f := &Filter{
		Reduction: ReductionAnyOf,
		Root: CompFilter{
			Name: "VCALENDAR",
			Comps: []CompFilter{
				{
					Name: "VEVENT",
					TimeRange: &TimeRange{
						Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
						End:   time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
					},
				},
			},
		},
	}
	matched, err := MatchCalendar(cal, f)
	if err != nil {
		t.Fatalf("MatchCalendar: %v", err)
	}
	if matched {
		t.Fatal("expected no match past the recurring event's last occurrence")
	}
}
