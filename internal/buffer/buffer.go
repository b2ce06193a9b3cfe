// Package buffer holds per-session sample streams between ingestion and
// persistence. Each doctor/patient pair owns one append-only stream whose
// first entry names the session the samples belong to.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ecg-server/internal/model"
)

const (
	KeyPrefix = "ecg:session:"

	FieldSessionID = "session_id"
	FieldTimestamp = "ts"
	FieldValues    = "values"
)

var ErrMalformedEntry = errors.New("malformed buffer entry")

// Entry is one stream record in insertion order.
type Entry struct {
	ID     string
	Fields map[string]string
}

type Buffer interface {
	// Init replaces whatever the stream holds with a single marker entry.
	Init(ctx context.Context, key string, sessionID int64) error
	// Append adds a sample, trimming the oldest entries beyond the bound.
	Append(ctx context.Context, key string, ts time.Time, values []float64) error
	// Drain returns the whole stream without removing anything.
	Drain(ctx context.Context, key string) ([]Entry, error)
	// Streams lists every session stream key, each once.
	Streams(ctx context.Context) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Remove(ctx context.Context, key string, ids ...string) error
}

func Key(pair model.Pair) string {
	return fmt.Sprintf("%s%d/%d", KeyPrefix, pair.DoctorID, pair.PatientID)
}

func ParseKey(key string) (model.Pair, error) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return model.Pair{}, fmt.Errorf("not a session stream key: %q", key)
	}
	doctor, patient, ok := strings.Cut(rest, "/")
	if !ok {
		return model.Pair{}, fmt.Errorf("not a session stream key: %q", key)
	}
	d, err := strconv.ParseInt(doctor, 10, 64)
	if err != nil {
		return model.Pair{}, fmt.Errorf("invalid doctor id in %q", key)
	}
	p, err := strconv.ParseInt(patient, 10, 64)
	if err != nil {
		return model.Pair{}, fmt.Errorf("invalid patient id in %q", key)
	}
	return model.Pair{DoctorID: d, PatientID: p}, nil
}

func IsMarker(e Entry) bool {
	_, ok := e.Fields[FieldSessionID]
	return ok
}

func ParseMarker(e Entry) (int64, error) {
	raw, ok := e.Fields[FieldSessionID]
	if !ok {
		return 0, fmt.Errorf("%w: entry %s has no %s", ErrMalformedEntry, e.ID, FieldSessionID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: entry %s has invalid %s %q", ErrMalformedEntry, e.ID, FieldSessionID, raw)
	}
	return id, nil
}

func ParseSample(e Entry) (time.Time, []float64, error) {
	rawTS, ok := e.Fields[FieldTimestamp]
	if !ok {
		return time.Time{}, nil, fmt.Errorf("%w: entry %s has no %s", ErrMalformedEntry, e.ID, FieldTimestamp)
	}
	ns, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: entry %s has invalid %s %q", ErrMalformedEntry, e.ID, FieldTimestamp, rawTS)
	}

	rawValues, ok := e.Fields[FieldValues]
	if !ok {
		return time.Time{}, nil, fmt.Errorf("%w: entry %s has no %s", ErrMalformedEntry, e.ID, FieldValues)
	}
	var values []float64
	if err := json.Unmarshal([]byte(rawValues), &values); err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: entry %s values: %v", ErrMalformedEntry, e.ID, err)
	}
	return time.Unix(0, ns).UTC(), values, nil
}

func sampleFields(ts time.Time, values []float64) (map[string]string, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	return map[string]string{
		FieldTimestamp: strconv.FormatInt(ts.UnixNano(), 10),
		FieldValues:    string(encoded),
	}, nil
}
