package ical

import "testing"

const sampleEvent = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nUID:evt-1\r\nSUMMARY:Standup\r\nDTSTART:20260101T090000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"

const sampleTodo = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VTODO\r\nUID:todo-1\r\nSUMMARY:Ship it\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"

func TestDetectICSComponentRecognizesEvent(t *testing.T) {
	kind, err := DetectICSComponent([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("DetectICSComponent: %v", err)
	}
	if kind != "VEVENT" {
		t.Fatalf("expected VEVENT, got %q", kind)
	}
}

func TestDetectICSComponentRecognizesTodo(t *testing.T) {
	kind, err := DetectICSComponent([]byte(sampleTodo))
	if err != nil {
		t.Fatalf("DetectICSComponent: %v", err)
	}
	if kind != "VTODO" {
		t.Fatalf("expected VTODO, got %q", kind)
	}
}

func TestDetectICSComponentRejectsUnsupportedBody(t *testing.T) {
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VTIMEZONE\r\nTZID:UTC\r\nEND:VTIMEZONE\r\nEND:VCALENDAR\r\n"
	if _, err := DetectICSComponent([]byte(body)); err == nil {
		t.Fatal("expected an error for a calendar with no event/todo/journal component")
	}
}

func TestDetectICSComponentRejectsGarbage(t *testing.T) {
	if _, err := DetectICSComponent([]byte("not an ics file at all")); err == nil {
		t.Fatal("expected an error for non-ICS input")
	}
}

func TestSplitICSObjectsGroupsByUID(t *testing.T) {
	blob := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n" +
		"BEGIN:VEVENT\r\nUID:a\r\nSUMMARY:First\r\nEND:VEVENT\r\n" +
		"BEGIN:VEVENT\r\nUID:b\r\nSUMMARY:Second\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	out, err := SplitICSObjects([]byte(blob))
	if err != nil {
		t.Fatalf("SplitICSObjects: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(out))
	}
	if out[0].UID != "a" || out[1].UID != "b" {
		t.Fatalf("expected UIDs a, b in order, got %q, %q", out[0].UID, out[1].UID)
	}
	for _, o := range out {
		if kind, err := DetectICSComponent(o.Data); err != nil || kind != "VEVENT" {
			t.Fatalf("expected split object %q to re-decode as VEVENT, got %q, %v", o.UID, kind, err)
		}
	}
}

func TestSplitICSObjectsSynthesizesMissingUID(t *testing.T) {
	blob := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\nSUMMARY:No UID\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	out, err := SplitICSObjects([]byte(blob))
	if err != nil {
		t.Fatalf("SplitICSObjects: %v", err)
	}
	if len(out) != 1 || out[0].UID == "" {
		t.Fatalf("expected a single object with a synthesized UID, got %+v", out)
	}
}

func TestNormalizeICSRoundtripsAValidCalendar(t *testing.T) {
	out, err := NormalizeICS([]byte(sampleEvent))
	if err != nil {
		t.Fatalf("NormalizeICS: %v", err)
	}
	if kind, err := DetectICSComponent(out); err != nil || kind != "VEVENT" {
		t.Fatalf("expected normalized output to still detect as VEVENT, got %q, %v", kind, err)
	}
}
