package models

import "time"

type QueueEntry struct {
	AppointmentID        string     `json:"appointment_id"`
	ChamberID            string     `json:"chamber_id"`
	DoctorID             string     `json:"doctor_id"`
	PatientID            string     `json:"patient_id"`
	SerialNumber         int        `json:"serial_number"`
	TotalInQueue         int        `json:"total_in_queue"`
	EstimatedWaitMinutes *int       `json:"estimated_wait_minutes,omitempty"`
	DelayMinutes         int        `json:"delay_minutes"`
	DoctorMessage        *string    `json:"doctor_message,omitempty"`
	Status               string     `json:"status"`
	UpdatedAt            time.Time  `json:"updated_at"`
	ArchivedAt           *time.Time `json:"archived_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusNext      = "next"
	StatusCurrent   = "current"
	StatusCompleted = "completed"
)

type Chamber struct {
	ChamberID             string    `json:"chamber_id"`
	DoctorID              string    `json:"doctor_id"`
	AverageConsultMinutes int       `json:"average_consult_minutes"`
	CurrentSerial         int       `json:"current_serial"`
	DelayMinutes          int       `json:"delay_minutes"`
	DoctorMessage         *string   `json:"doctor_message,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type QueueSnapshot struct {
	ChamberID             string       `json:"chamber_id"`
	CurrentSerial         int          `json:"current_serial"`
	TotalInQueue          int          `json:"total_in_queue"`
	DelayMinutes          int          `json:"delay_minutes"`
	DoctorMessage         *string      `json:"doctor_message,omitempty"`
	AverageConsultMinutes int          `json:"average_consult_minutes"`
	Entries               []QueueEntry `json:"entries"`
	LastUpdated           time.Time    `json:"last_updated"`
}
