package events

import (
	"encoding/json"
	"errors"
)

// Client-to-broker operation names.
const (
	OpDoctorJoin      = "doctor:join"
	OpUpdateQueue     = "doctor:update_queue"
	OpAnnounceDelay   = "doctor:announce_delay"
	OpCallPatient     = "doctor:call_patient"
	OpCompletePatient = "doctor:complete_patient"
	OpSendMessage     = "doctor:send_message"
	OpPatientJoin     = "patient:join"
)

var ErrUnknownOp = errors.New("unknown operation")

// Frame is the wire shape of a client operation.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type DoctorJoin struct {
	DoctorID   string   `json:"doctor_id"`
	ChamberIDs []string `json:"chamber_ids"`
}

type UpdateQueue struct {
	ChamberID            string `json:"chamber_id"`
	CurrentSerial        int    `json:"current_serial"`
	EstimatedWaitMinutes *int   `json:"estimated_wait_minutes,omitempty"`
}

type AnnounceDelay struct {
	ChamberID    string `json:"chamber_id"`
	DelayMinutes int    `json:"delay_minutes"`
	Message      string `json:"message,omitempty"`
}

type CallPatient struct {
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	SerialNumber  int    `json:"serial_number"`
}

type CompletePatient struct {
	AppointmentID string `json:"appointment_id"`
	ChamberID     string `json:"chamber_id"`
	NextSerial    int    `json:"next_serial"`
}

type SendMessage struct {
	ChamberID string  `json:"chamber_id"`
	Message   string  `json:"message"`
	MessageBn *string `json:"message_bn,omitempty"`
}

type PatientJoin struct {
	PatientID      string   `json:"patient_id"`
	AppointmentIDs []string `json:"appointment_ids"`
	ChamberIDs     []string `json:"chamber_ids"`
}

func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, err
	}
	switch frame.Op {
	case OpDoctorJoin, OpUpdateQueue, OpAnnounceDelay, OpCallPatient,
		OpCompletePatient, OpSendMessage, OpPatientJoin:
		return frame, nil
	}
	return Frame{}, ErrUnknownOp
}

func EncodeFrame(op string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Op: op, Data: payload})
}
