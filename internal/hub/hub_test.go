package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ecg-server/internal/model"
)

type testWriter struct {
	messages [][]byte
	fail     bool
	closed   bool
}

func (w *testWriter) Write(message []byte) error {
	if w.fail {
		return errors.New("outbox full")
	}
	w.messages = append(w.messages, message)
	return nil
}

func (w *testWriter) Close() error {
	w.closed = true
	return nil
}

func TestGroupName(t *testing.T) {
	if got := GroupName(model.Pair{DoctorID: 3, PatientID: 9}); got != "live_signals_3_9" {
		t.Fatalf("unexpected group %q", got)
	}
}

func TestHub_JoinBroadcastLeave(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{ID: "a", Group: "g", Writer: w1}

	h.Join(c1)
	if n := h.Broadcast("g", []byte("x")); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	h.Leave(c1)
	h.Broadcast("g", []byte("x"))
	if len(w1.messages) != 1 {
		t.Fatalf("expected no more writes, got %d", len(w1.messages))
	}
	if h.Count("g") != 0 {
		t.Fatalf("expected empty group")
	}
}

func TestHub_DropsFailingObserverOnly(t *testing.T) {
	h := New()
	slow := &testWriter{fail: true}
	fast := &testWriter{}
	h.Join(&Connection{ID: "slow", Group: "g", Writer: slow})
	h.Join(&Connection{ID: "fast", Group: "g", Writer: fast})

	h.Broadcast("g", []byte("1"))
	h.Broadcast("g", []byte("2"))

	if !slow.closed {
		t.Fatalf("expected failing observer to be closed")
	}
	if len(fast.messages) != 2 {
		t.Fatalf("expected healthy observer to get 2 messages, got %d", len(fast.messages))
	}
	if h.Count("g") != 1 {
		t.Fatalf("expected 1 remaining observer, got %d", h.Count("g"))
	}
}

func TestHub_PublishWithoutObservers(t *testing.T) {
	h := New()
	if err := h.Publish(model.Pair{DoctorID: 1, PatientID: 1}, map[string]string{"type": "ecg"}); err != nil {
		t.Fatalf("expected no error without observers, got %v", err)
	}
}

func TestHub_PublishSampleAndPrediction(t *testing.T) {
	h := New()
	pair := model.Pair{DoctorID: 4, PatientID: 5}
	w := &testWriter{}
	h.Join(&Connection{ID: "a", Group: GroupName(pair), Writer: w})
	// other pairs do not receive it
	other := &testWriter{}
	h.Join(&Connection{ID: "b", Group: GroupName(model.Pair{DoctorID: 4, PatientID: 6}), Writer: other})

	ts := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	if err := h.PublishSample(context.Background(), model.Sample{Pair: pair, Timestamp: ts, Values: []float64{0.25}}); err != nil {
		t.Fatalf("PublishSample: %v", err)
	}
	conf := 0.9
	if err := h.PublishPrediction(context.Background(), model.Prediction{Pair: pair, Label: "N", Confidence: &conf}); err != nil {
		t.Fatalf("PublishPrediction: %v", err)
	}

	if len(w.messages) != 2 || len(other.messages) != 0 {
		t.Fatalf("expected 2/0 messages, got %d/%d", len(w.messages), len(other.messages))
	}

	var sample map[string]any
	_ = json.Unmarshal(w.messages[0], &sample)
	if sample["type"] != "ecg" || sample["doctor_id"] != float64(4) || sample["timestamp"] != "2026-02-03T04:05:06Z" {
		t.Fatalf("unexpected sample event %v", sample)
	}

	var pred map[string]any
	_ = json.Unmarshal(w.messages[1], &pred)
	if pred["type"] != "prediction" || pred["prediction"] != "N" || pred["confidence"] != 0.9 {
		t.Fatalf("unexpected prediction event %v", pred)
	}
}
