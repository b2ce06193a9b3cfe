package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ecg-server/internal/model"
)

// Numeric timestamps at or above this are unix nanoseconds, below it unix
// seconds.
const nanosThreshold = 1e15

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type registrationPayload struct {
	DeviceID *string `json:"device_id"`
}

type samplePayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Values    []float64       `json:"values"`
}

type predictionPayload struct {
	Prediction *string  `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}

func decodeRegistration(payload []byte) (string, error) {
	var p registrationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("%w: registration: %v", ErrMalformed, err)
	}
	if p.DeviceID == nil || strings.TrimSpace(*p.DeviceID) == "" {
		return "", fmt.Errorf("%w: registration without device_id", ErrMalformed)
	}
	return *p.DeviceID, nil
}

func decodeSample(payload []byte) (model.Sample, error) {
	var p samplePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Sample{}, fmt.Errorf("%w: sample: %v", ErrMalformed, err)
	}
	if len(p.Values) == 0 {
		return model.Sample{}, fmt.Errorf("%w: sample without values", ErrMalformed)
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return model.Sample{}, err
	}
	return model.Sample{Timestamp: ts, Values: p.Values}, nil
}

func decodePrediction(payload []byte) (model.Prediction, error) {
	var p predictionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Prediction{}, fmt.Errorf("%w: prediction: %v", ErrMalformed, err)
	}
	if p.Prediction == nil {
		return model.Prediction{}, fmt.Errorf("%w: prediction without label", ErrMalformed)
	}
	return model.Prediction{Label: *p.Prediction, Confidence: p.Confidence}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, fmt.Errorf("%w: sample without timestamp", ErrMalformed)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		return parseTimestampString(strings.TrimSpace(s))
	}
	return parseTimestampNumber(string(raw))
}

func parseTimestampString(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformed)
	}
	if isDigits(s) {
		return parseTimestampNumber(s)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrMalformed, s)
}

// 2^63, the first float that no longer fits in int64 nanoseconds.
const maxUnixNanos = float64(1 << 63)

func parseTimestampNumber(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return time.Time{}, fmt.Errorf("%w: negative timestamp %q", ErrMalformed, s)
		}
		if n >= nanosThreshold {
			return time.Unix(0, n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= maxUnixNanos {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}
	if f >= nanosThreshold {
		return time.Unix(0, int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
