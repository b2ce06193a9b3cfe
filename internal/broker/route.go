// Package broker connects the server to the MQTT broker: it routes inbound
// device and inference traffic and publishes start/stop commands.
package broker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ecg-server/internal/model"
)

const (
	DefaultRegisterTopic = "devices/register"
	SampleTopicFilter    = "stream/+/+"
	PredictionFilter     = "prediction/+/+"

	CommandStart = "start"
	CommandStop  = "stop"
)

var ErrMalformed = errors.New("malformed message")

type Kind int

const (
	KindUnknown Kind = iota
	KindRegistration
	KindSample
	KindPrediction
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindSample:
		return "sample"
	case KindPrediction:
		return "prediction"
	default:
		return "unknown"
	}
}

// Event is the routed form of one inbound message. Only the field matching
// Kind is set.
type Event struct {
	Kind       Kind
	DeviceID   string
	Sample     model.Sample
	Prediction model.Prediction
}

type Router struct {
	RegisterTopic string
}

// Route classifies a message by topic and decodes its payload. Unknown
// topics yield KindUnknown and no error.
func Route(topic string, payload []byte) (Event, error) {
	return Router{RegisterTopic: DefaultRegisterTopic}.Route(topic, payload)
}

func (r Router) Route(topic string, payload []byte) (Event, error) {
	register := r.RegisterTopic
	if register == "" {
		register = DefaultRegisterTopic
	}
	if topic == register {
		deviceID, err := decodeRegistration(payload)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: KindRegistration, DeviceID: deviceID}, nil
	}

	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return Event{Kind: KindUnknown}, nil
	}

	switch parts[0] {
	case "stream":
		pair, err := parsePair(parts[1], parts[2])
		if err != nil {
			return Event{}, err
		}
		sample, err := decodeSample(payload)
		if err != nil {
			return Event{}, err
		}
		sample.Pair = pair
		return Event{Kind: KindSample, Sample: sample}, nil
	case "prediction":
		pair, err := parsePair(parts[1], parts[2])
		if err != nil {
			return Event{}, err
		}
		pred, err := decodePrediction(payload)
		if err != nil {
			return Event{}, err
		}
		pred.Pair = pair
		return Event{Kind: KindPrediction, Prediction: pred}, nil
	default:
		return Event{Kind: KindUnknown}, nil
	}
}

func CommandTopic(pair model.Pair) string {
	return fmt.Sprintf("commands/%d/%d", pair.DoctorID, pair.PatientID)
}

func parsePair(doctor, patient string) (model.Pair, error) {
	d, err := strconv.ParseInt(doctor, 10, 64)
	if err != nil {
		return model.Pair{}, fmt.Errorf("%w: doctor id %q", ErrMalformed, doctor)
	}
	p, err := strconv.ParseInt(patient, 10, 64)
	if err != nil {
		return model.Pair{}, fmt.Errorf("%w: patient id %q", ErrMalformed, patient)
	}
	return model.Pair{DoctorID: d, PatientID: p}, nil
}
