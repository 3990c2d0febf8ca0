package store

import (
	"context"
	"time"

	"nirnoy/realtime-service/internal/models"
)

type CheckinInput struct {
	RequestID     string
	AppointmentID string
	ChamberID     string
	PatientID     string
	SerialNumber  int
	CreatedAt     time.Time
}

// QueueStore is the persistence surface of the realtime queue. The store is
// the source of truth; the broker is a cache and router over it.
type QueueStore interface {
	GetChamber(ctx context.Context, chamberID string) (models.Chamber, error)
	ListActiveEntries(ctx context.Context, chamberID string) ([]models.QueueEntry, error)
	GetEntry(ctx context.Context, appointmentID string) (models.QueueEntry, error)

	// ApplyStatuses persists a recomputed queue in one transaction: the
	// chamber's current serial plus every entry's status and wait estimate.
	ApplyStatuses(ctx context.Context, chamberID string, currentSerial int, estimatedWait *int, entries []models.QueueEntry) error
	SetDelay(ctx context.Context, chamberID string, delayMinutes int, message *string) error
	// MarkCurrent promotes the entry to current and demotes any other
	// current entry in the same chamber back to waiting.
	MarkCurrent(ctx context.Context, appointmentID string, serialNumber int) error
	MarkCompleted(ctx context.Context, appointmentID string) error

	CreateEntry(ctx context.Context, input CheckinInput) (models.QueueEntry, bool, error)
	CancelEntry(ctx context.Context, appointmentID string) error
	ArchiveChamber(ctx context.Context, chamberID string, before time.Time) error

	Snapshot(ctx context.Context, chamberID string) (models.QueueSnapshot, error)

	InsertNotification(ctx context.Context, notification models.QueueNotification) error
	ListDueReminders(ctx context.Context, within time.Duration, limit int) ([]models.Appointment, error)
	MarkReminderSent(ctx context.Context, appointmentID string) error
}
