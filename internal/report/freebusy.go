package report

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/dav-engine/server/internal/store"
	"github.com/dav-engine/server/internal/xmlcodec"
	"github.com/dav-engine/server/pkg/ical"
)

// FreeBusyRequest carries the decoded <free-busy-query> payload: a single
// time-range bounding the query.
type FreeBusyRequest struct {
	Range TimeRange
}

type xmlFreeBusyQuery struct {
	XMLName   xml.Name     `xml:"urn:ietf:params:xml:ns:caldav free-busy-query"`
	TimeRange xmlTimeRange `xml:"urn:ietf:params:xml:ns:caldav time-range"`
}

// ParseFreeBusyQuery decodes a free-busy-query REPORT body.
func ParseFreeBusyQuery(raw []byte) (*FreeBusyRequest, error) {
	var x xmlFreeBusyQuery
	if err := xml.Unmarshal(raw, &x); err != nil {
		return nil, &xmlcodec.ErrUnsupportedEvent{Detail: err.Error()}
	}
	tr, err := x.TimeRange.toTimeRange()
	if err != nil {
		return nil, err
	}
	return &FreeBusyRequest{Range: *tr}, nil
}

type busyInterval struct{ start, end time.Time }

// FreeBusyQuery answers a free-busy-query by merging the busy intervals of
// every VEVENT overlapping req.Range into a VFREEBUSY component, returned as
// serialized iCalendar text (the response body, not a multistatus).
func FreeBusyQuery(ctx context.Context, st store.CalendarStore, principal, calID string, req *FreeBusyRequest) (string, error) {
	objects, err := st.GetObjects(ctx, principal, calID)
	if err != nil {
		return "", err
	}
	var busy []busyInterval
	for _, obj := range objects {
		cal, err := goical.NewDecoder(bytes.NewReader([]byte(obj.RawData))).Decode()
		if err != nil {
			continue
		}
		for _, child := range cal.Children {
			if child.Name != goical.CompEvent {
				continue
			}
			if tm := child.Props.Get("TRANSP"); tm != nil && tm.Value == "TRANSPARENT" {
				continue
			}
			rangeStart, rangeEnd := req.Range.Start, req.Range.End
			if rangeStart.IsZero() {
				rangeStart = unboundedRangeStart
			}
			if rangeEnd.IsZero() {
				rangeEnd = unboundedRangeEnd
			}
			intervals, err := ical.ExpandOccurrencesInRange(child, rangeStart, rangeEnd)
			if err != nil {
				continue
			}
			for _, iv := range intervals {
				busy = append(busy, busyInterval{iv.S, iv.E})
			}
		}
	}
	merged := mergeBusy(busy)
	return renderFreeBusy(merged, req.Range), nil
}

func mergeBusy(intervals []busyInterval) []busyInterval {
	if len(intervals) == 0 {
		return nil
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start.Before(intervals[j].start) })
	out := []busyInterval{intervals[0]}
	for _, iv := range intervals[1:] {
		last := &out[len(out)-1]
		if !iv.start.After(last.end) {
			if iv.end.After(last.end) {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func renderFreeBusy(busy []busyInterval, r TimeRange) string {
	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//dav-engine//free-busy//EN\r\nBEGIN:VFREEBUSY\r\n")
	if !r.Start.IsZero() {
		fmt.Fprintf(&buf, "DTSTART:%s\r\n", r.Start.UTC().Format("20060102T150405Z"))
	}
	if !r.End.IsZero() {
		fmt.Fprintf(&buf, "DTEND:%s\r\n", r.End.UTC().Format("20060102T150405Z"))
	}
	for _, iv := range busy {
		fmt.Fprintf(&buf, "FREEBUSY;FBTYPE=BUSY:%s/%s\r\n",
			iv.start.UTC().Format("20060102T150405Z"), iv.end.UTC().Format("20060102T150405Z"))
	}
	buf.WriteString("END:VFREEBUSY\r\nEND:VCALENDAR\r\n")
	return buf.String()
}
