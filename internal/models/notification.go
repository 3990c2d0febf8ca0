package models

import "time"

// QueueNotification is a fire-once push. It is not system-of-record state;
// the receiving client keeps a bounded log of the most recent ones.
type QueueNotification struct {
	NotificationID string    `json:"notification_id"`
	Type           string    `json:"type"`
	AppointmentID  string    `json:"appointment_id,omitempty"`
	ChamberID      string    `json:"chamber_id,omitempty"`
	PatientID      string    `json:"patient_id,omitempty"`
	DoctorID       string    `json:"doctor_id,omitempty"`
	Message        string    `json:"message"`
	MessageBn      string    `json:"message_bn,omitempty"`
	PatientsAhead  *int      `json:"patients_ahead,omitempty"`
	DelayMinutes   *int      `json:"delay_minutes,omitempty"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Appointment struct {
	AppointmentID  string     `json:"appointment_id"`
	PatientID      string     `json:"patient_id"`
	ChamberID      string     `json:"chamber_id"`
	DoctorID       string     `json:"doctor_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`
}
