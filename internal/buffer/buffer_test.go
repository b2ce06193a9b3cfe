package buffer

import (
	"errors"
	"testing"
	"time"

	"ecg-server/internal/model"
)

func TestKeyRoundTrip(t *testing.T) {
	pair := model.Pair{DoctorID: 12, PatientID: 34}
	key := Key(pair)
	if key != "ecg:session:12/34" {
		t.Fatalf("unexpected key %q", key)
	}
	got, err := ParseKey(key)
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if got != pair {
		t.Fatalf("expected %v, got %v", pair, got)
	}
}

func TestParseKey_Rejects(t *testing.T) {
	for _, key := range []string{"other:1/2", "ecg:session:1", "ecg:session:a/2", "ecg:session:1/b"} {
		if _, err := ParseKey(key); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}

func TestParseMarker(t *testing.T) {
	id, err := ParseMarker(Entry{ID: "1-1", Fields: map[string]string{FieldSessionID: "7"}})
	if err != nil || id != 7 {
		t.Fatalf("expected 7, got %d (%v)", id, err)
	}

	for _, fields := range []map[string]string{
		{FieldTimestamp: "1"},
		{FieldSessionID: "abc"},
		{FieldSessionID: "0"},
	} {
		if _, err := ParseMarker(Entry{ID: "1-1", Fields: fields}); !errors.Is(err, ErrMalformedEntry) {
			t.Fatalf("expected ErrMalformedEntry for %v, got %v", fields, err)
		}
	}
}

func TestParseSample(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	fields, err := sampleFields(ts, []float64{0.5, -1})
	if err != nil {
		t.Fatalf("sampleFields: %v", err)
	}
	gotTS, values, err := ParseSample(Entry{ID: "1-2", Fields: fields})
	if err != nil {
		t.Fatalf("ParseSample: %v", err)
	}
	if !gotTS.Equal(ts) || len(values) != 2 || values[1] != -1 {
		t.Fatalf("unexpected sample %v %v", gotTS, values)
	}

	bad := []map[string]string{
		{FieldValues: "[1]"},
		{FieldTimestamp: "x", FieldValues: "[1]"},
		{FieldTimestamp: "1"},
		{FieldTimestamp: "1", FieldValues: "not json"},
	}
	for _, f := range bad {
		if _, _, err := ParseSample(Entry{ID: "1-3", Fields: f}); !errors.Is(err, ErrMalformedEntry) {
			t.Fatalf("expected ErrMalformedEntry for %v, got %v", f, err)
		}
	}
}
