package model

import (
	"fmt"
	"time"
)

const DefaultVerdict = "pending"

// Pair identifies one doctor/patient monitoring relationship. Topics, buffer
// keys and live groups are all derived from it.
type Pair struct {
	DoctorID  int64
	PatientID int64
}

func (p Pair) String() string {
	return fmt.Sprintf("%d/%d", p.DoctorID, p.PatientID)
}

type Session struct {
	ID        int64
	DoctorID  int64
	PatientID int64
	StartedAt time.Time
	StoppedAt *time.Time
	Verdict   string
}

func (s Session) Pair() Pair {
	return Pair{DoctorID: s.DoctorID, PatientID: s.PatientID}
}

func (s Session) Active() bool {
	return s.StoppedAt == nil
}

type Reading struct {
	SessionID int64
	Timestamp time.Time
	Values    []float64
}

type Device struct {
	DeviceID     string
	RegisteredAt time.Time
	LastSeen     time.Time
}

type Sample struct {
	Pair      Pair
	Timestamp time.Time
	Values    []float64
}

// Prediction is forwarded to live observers only; it is never persisted here.
type Prediction struct {
	Pair       Pair
	Label      string
	Confidence *float64
}
