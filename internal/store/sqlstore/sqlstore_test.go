package sqlstore

import (
	"testing"
	"time"
)

func TestRebindLeavesSqliteUntouched(t *testing.T) {
	s := &Store{dialect: "sqlite"}
	q := "SELECT * FROM calendars WHERE owner_id = ? AND id = ?"
	if got := s.rebind(q); got != q {
		t.Fatalf("expected sqlite query unchanged, got %q", got)
	}
}

func TestRebindConvertsPostgresPlaceholders(t *testing.T) {
	s := &Store{dialect: "postgres"}
	q := "SELECT * FROM calendars WHERE owner_id = ? AND id = ?"
	want := "SELECT * FROM calendars WHERE owner_id = $1 AND id = $2"
	if got := s.rebind(q); got != want {
		t.Fatalf("rebind mismatch:\n got  %q\n want %q", got, want)
	}
}

func TestRebindHandlesRepeatedQuestionMarksInOrder(t *testing.T) {
	s := &Store{dialect: "postgres"}
	q := "INSERT INTO x (a, b, c) VALUES (?, ?, ?)"
	want := "INSERT INTO x (a, b, c) VALUES ($1, $2, $3)"
	if got := s.rebind(q); got != want {
		t.Fatalf("rebind mismatch:\n got  %q\n want %q", got, want)
	}
}

func TestTimeStrRoundtripsThroughParseTime(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	s := timeStr(now)
	got := parseTime(s)
	if !got.Equal(now) {
		t.Fatalf("expected roundtrip to preserve instant, got %v want %v", got, now)
	}
}

func TestNullTimeStrAndTimePtrRoundtripNil(t *testing.T) {
	ns := nullTimeStr(nil)
	if ns.Valid {
		t.Fatal("expected nullTimeStr(nil) to be invalid")
	}
	if got := timePtr(ns); got != nil {
		t.Fatalf("expected timePtr of an invalid NullString to be nil, got %v", got)
	}
}

func TestNullTimeStrAndTimePtrRoundtripValue(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ns := nullTimeStr(&now)
	if !ns.Valid {
		t.Fatal("expected nullTimeStr(&now) to be valid")
	}
	got := timePtr(ns)
	if got == nil || !got.Equal(now) {
		t.Fatalf("expected roundtrip to preserve instant, got %v", got)
	}
}
