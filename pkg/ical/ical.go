package ical

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

type Interval struct{ S, E time.Time }

// ICSObject is one UID-grouped component set split out of a multi-object
// ICS blob, ready to become a CalendarObject.
type ICSObject struct {
	UID       string
	Component string
	Data      []byte
}

// SplitICSObjects parses a VCALENDAR that may carry components for several
// unrelated UIDs (an IMPORT blob) and groups its VEVENT/VTODO/VJOURNAL
// children by UID, synthesizing one where absent, so each group can be
// stored as its own object. Components sharing a UID (an event plus its
// RECURRENCE-ID overrides) stay together in the same group.
func SplitICSObjects(data []byte) ([]ICSObject, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	var order []string
	groups := map[string][]*ical.Component{}
	for _, comp := range cal.Children {
		switch comp.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
		default:
			continue
		}
		uid := ""
		if p := comp.Props.Get(ical.PropUID); p != nil {
			uid = p.Value
		}
		if uid == "" {
			uid = uuid.NewString()
			comp.Props.Set(&ical.Prop{Name: ical.PropUID, Value: uid})
		}
		if _, ok := groups[uid]; !ok {
			order = append(order, uid)
		}
		groups[uid] = append(groups[uid], comp)
	}

	out := make([]ICSObject, 0, len(order))
	for _, uid := range order {
		comps := groups[uid]
		sub := &ical.Calendar{Component: &ical.Component{Name: ical.CompCalendar, Props: cal.Props}}
		sub.Children = comps
		var buf bytes.Buffer
		if err := ical.NewEncoder(&buf).Encode(sub); err != nil {
			return nil, err
		}
		out = append(out, ICSObject{UID: uid, Component: comps[0].Name, Data: buf.Bytes()})
	}
	return out, nil
}

func NormalizeICS(data []byte) ([]byte, error) {
	// Optionally parse and re-serialize to ensure validity and consistent formatting
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DetectICSComponent(data []byte) (string, error) {
	dec := ical.NewDecoder(bytes.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return "", err
	}

	// Get first component of supported type
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent ||
			child.Name == ical.CompToDo ||
			child.Name == ical.CompJournal {
			return child.Name, nil
		}
	}

	return "", errors.New("unsupported component")
}

func EnsureDTStamp(data []byte) ([]byte, bool) {
	dec := ical.NewDecoder(bytes.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return data, false
	}

	modified := false

	// Process all components in the calendar
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			// Check if DTSTAMP already exists
			if child.Props.Get(ical.PropDateTimeStamp) == nil {
				// Add DTSTAMP property
				now := time.Now().UTC()
				prop := ical.NewProp(ical.PropDateTimeStamp)
				prop.SetDateTime(now)
				child.Props.Set(prop)
				modified = true
			}
		}
	}

	if !modified {
		return data, false
	}

	// Re-encode the calendar
	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	if err := enc.Encode(cal); err != nil {
		return data, false
	}

	return buf.Bytes(), true
}

func BuildFreeBusyICS(start, end time.Time, busyIntervals []Interval, prodID string) []byte {
	cal := &ical.Calendar{
		Component: &ical.Component{
			Name:  ical.CompCalendar,
			Props: ical.Props{},
		},
	}

	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	freeBusy := &ical.Component{
		Name:  ical.CompFreeBusy,
		Props: ical.Props{},
	}

	freeBusy.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	freeBusy.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())

	for _, interval := range busyIntervals {
		prop := ical.NewProp(ical.PropFreeBusy)
		prop.Params.Set("FBTYPE", "BUSY")
		prop.SetText(fmt.Sprintf("%s/%s",
			interval.S.UTC().Format("20060102T150405Z"),
			interval.E.UTC().Format("20060102T150405Z")))
		freeBusy.Props.Add(prop)
	}

	cal.Children = []*ical.Component{freeBusy}

	var buf bytes.Buffer
	enc := ical.NewEncoder(&buf)
	enc.Encode(cal)
	return buf.Bytes()
}
