package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind is the closed set of broker-to-client event names. Payloads are
// decoded per kind at the boundary; unknown kinds fail decode.
type Kind string

const (
	KindQueueStatus    Kind = "queue:status"
	KindTurnSoon       Kind = "queue:turn_soon"
	KindYourTurn       Kind = "queue:your_turn"
	KindDelay          Kind = "queue:delay"
	KindMessage        Kind = "queue:message"
	KindCompleted      Kind = "queue:completed"
	KindReminder       Kind = "appointment:reminder"
	KindError          Kind = "error"
)

var ErrUnknownKind = errors.New("unknown event kind")

func (k Kind) Valid() bool {
	switch k {
	case KindQueueStatus, KindTurnSoon, KindYourTurn, KindDelay,
		KindMessage, KindCompleted, KindReminder, KindError:
		return true
	}
	return false
}

// Envelope wraps every broker-to-client frame. Seq is a monotonic
// per-room sequence number; direct (non-room) frames carry Seq 0 and an
// empty Room. A gap in Seq tells the client to refetch the snapshot.
type Envelope struct {
	Type      Kind            `json:"type"`
	Room      string          `json:"room,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type QueueStatus struct {
	ChamberID             string    `json:"chamber_id"`
	CurrentSerial         int       `json:"current_serial"`
	EstimatedWaitMinutes  int       `json:"estimated_wait_minutes"`
	DelayMinutes          int       `json:"delay_minutes"`
	DoctorMessage         *string   `json:"doctor_message,omitempty"`
	TotalInQueue          int       `json:"total_in_queue"`
	AverageConsultMinutes int       `json:"average_consult_minutes"`
	LastUpdated           time.Time `json:"last_updated"`
}

type TurnSoon struct {
	AppointmentID string    `json:"appointment_id"`
	Message       string    `json:"message"`
	MessageBn     string    `json:"message_bn"`
	PatientsAhead int       `json:"patients_ahead"`
	Timestamp     time.Time `json:"timestamp"`
}

type YourTurn struct {
	AppointmentID string    `json:"appointment_id"`
	Message       string    `json:"message"`
	MessageBn     string    `json:"message_bn"`
	Timestamp     time.Time `json:"timestamp"`
}

type Delay struct {
	ChamberID    string    `json:"chamber_id"`
	Message      string    `json:"message"`
	MessageBn    string    `json:"message_bn"`
	DelayMinutes int       `json:"delay_minutes"`
	Timestamp    time.Time `json:"timestamp"`
}

type Message struct {
	ChamberID string    `json:"chamber_id"`
	Message   string    `json:"message"`
	MessageBn *string   `json:"message_bn,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Completed struct {
	AppointmentID string    `json:"appointment_id"`
	Message       string    `json:"message"`
	MessageBn     string    `json:"message_bn"`
	Timestamp     time.Time `json:"timestamp"`
}

type Reminder struct {
	AppointmentID string    `json:"appointment_id"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if !env.Type.Valid() {
		return Envelope{}, ErrUnknownKind
	}
	return env, nil
}

// DecodePayload returns the typed payload for an envelope.
func DecodePayload(env Envelope) (interface{}, error) {
	var target interface{}
	switch env.Type {
	case KindQueueStatus:
		target = &QueueStatus{}
	case KindTurnSoon:
		target = &TurnSoon{}
	case KindYourTurn:
		target = &YourTurn{}
	case KindDelay:
		target = &Delay{}
	case KindMessage:
		target = &Message{}
	case KindCompleted:
		target = &Completed{}
	case KindReminder:
		target = &Reminder{}
	case KindError:
		target = &ErrorPayload{}
	default:
		return nil, ErrUnknownKind
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return nil, err
	}
	return target, nil
}
