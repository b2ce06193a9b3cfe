package hub

import (
	"time"

	"ecg-server/internal/model"
)

const (
	EventSample     = "ecg"
	EventPrediction = "prediction"
)

type SampleEvent struct {
	Type      string    `json:"type"`
	DoctorID  int64     `json:"doctor_id"`
	PatientID int64     `json:"patient_id"`
	Values    []float64 `json:"values"`
	Timestamp string    `json:"timestamp"`
}

type PredictionEvent struct {
	Type       string   `json:"type"`
	DoctorID   int64    `json:"doctor_id"`
	PatientID  int64    `json:"patient_id"`
	Prediction string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}

func NewSampleEvent(s model.Sample) SampleEvent {
	values := s.Values
	if values == nil {
		values = []float64{}
	}
	return SampleEvent{
		Type:      EventSample,
		DoctorID:  s.Pair.DoctorID,
		PatientID: s.Pair.PatientID,
		Values:    values,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func NewPredictionEvent(p model.Prediction) PredictionEvent {
	return PredictionEvent{
		Type:       EventPrediction,
		DoctorID:   p.Pair.DoctorID,
		PatientID:  p.Pair.PatientID,
		Prediction: p.Label,
		Confidence: p.Confidence,
	}
}
