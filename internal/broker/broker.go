package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nirnoy/realtime-service/internal/cache"
	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/hub"
	"nirnoy/realtime-service/internal/models"
	"nirnoy/realtime-service/internal/notify"
	"nirnoy/realtime-service/internal/queue"
	"nirnoy/realtime-service/internal/store"

	"github.com/google/uuid"
)

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("invalid request")
)

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID    string
	Role      string
	DoctorID  string
	PatientID string
}

type Config struct {
	TurnSoonThreshold     int // positions ahead that trigger turn_soon, default 1
	AverageConsultMinutes int // fallback when the chamber has none, default 10
}

// Broker validates and executes doctor write operations, persists them
// through the store, and fans the resulting events out to rooms. It is a
// router over the store, never the source of truth. Writes to the same
// chamber are serialized; different chambers proceed independently.
type Broker struct {
	store    store.QueueStore
	hub      *hub.Hub
	chambers *cache.Cache
	cfg      Config

	locks sync.Map // chamberID -> *sync.Mutex
}

func New(queueStore store.QueueStore, h *hub.Hub, chamberCache *cache.Cache, cfg Config) *Broker {
	if cfg.TurnSoonThreshold <= 0 {
		cfg.TurnSoonThreshold = 1
	}
	if cfg.AverageConsultMinutes <= 0 {
		cfg.AverageConsultMinutes = 10
	}
	return &Broker{store: queueStore, hub: h, chambers: chamberCache, cfg: cfg}
}

func (b *Broker) chamberLock(chamberID string) *sync.Mutex {
	lock, _ := b.locks.LoadOrStore(chamberID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (b *Broker) chamber(ctx context.Context, chamberID string) (models.Chamber, error) {
	if b.chambers != nil {
		if cached, ok := b.chambers.Get(chamberID); ok {
			return cached.(models.Chamber), nil
		}
	}
	chamber, err := b.store.GetChamber(ctx, chamberID)
	if err != nil {
		return models.Chamber{}, err
	}
	if b.chambers != nil {
		b.chambers.Set(chamberID, chamber)
	}
	return chamber, nil
}

func (b *Broker) authorizeDoctor(ctx context.Context, p Principal, chamberID string) (models.Chamber, error) {
	if p.Role != RoleDoctor || p.DoctorID == "" {
		return models.Chamber{}, fmt.Errorf("%w: doctor role required", ErrUnauthorized)
	}
	chamber, err := b.chamber(ctx, chamberID)
	if err != nil {
		if errors.Is(err, store.ErrChamberNotFound) {
			return models.Chamber{}, fmt.Errorf("%w: unknown chamber", ErrValidation)
		}
		return models.Chamber{}, err
	}
	if chamber.DoctorID != p.DoctorID {
		return models.Chamber{}, fmt.Errorf("%w: chamber %s is not owned by doctor %s", ErrUnauthorized, chamberID, p.DoctorID)
	}
	return chamber, nil
}

func (b *Broker) avgConsult(chamber models.Chamber) int {
	if chamber.AverageConsultMinutes > 0 {
		return chamber.AverageConsultMinutes
	}
	return b.cfg.AverageConsultMinutes
}

// JoinDoctor puts the connection in the doctor's queue room and the rooms
// of every owned chamber it asked for.
func (b *Broker) JoinDoctor(ctx context.Context, p Principal, client *hub.Client, in events.DoctorJoin) error {
	if p.Role != RoleDoctor || p.DoctorID == "" || p.DoctorID != in.DoctorID {
		return fmt.Errorf("%w: doctor identity mismatch", ErrUnauthorized)
	}
	rooms := []string{hub.DoctorRoom(in.DoctorID)}
	for _, chamberID := range in.ChamberIDs {
		if _, err := b.authorizeDoctor(ctx, p, chamberID); err != nil {
			return err
		}
		rooms = append(rooms, hub.ChamberRoom(chamberID))
	}
	b.hub.Join(client, rooms...)

	// Push the current state directly so the doctor converges without a
	// separate fetch.
	for _, chamberID := range in.ChamberIDs {
		if status, err := b.statusFor(ctx, chamberID); err == nil {
			_ = b.hub.SendTo(client, events.KindQueueStatus, status)
		}
	}
	return nil
}

// JoinPatient puts the connection in the rooms of the appointments it owns
// and the chambers it tracks. Read-only.
func (b *Broker) JoinPatient(ctx context.Context, p Principal, client *hub.Client, in events.PatientJoin) error {
	if p.Role != RolePatient || p.PatientID == "" || p.PatientID != in.PatientID {
		return fmt.Errorf("%w: patient identity mismatch", ErrUnauthorized)
	}
	rooms := make([]string, 0, len(in.AppointmentIDs)+len(in.ChamberIDs))
	for _, appointmentID := range in.AppointmentIDs {
		entry, err := b.store.GetEntry(ctx, appointmentID)
		if err != nil {
			if errors.Is(err, store.ErrEntryNotFound) {
				return fmt.Errorf("%w: unknown appointment %s", ErrValidation, appointmentID)
			}
			return err
		}
		if entry.PatientID != p.PatientID {
			return fmt.Errorf("%w: appointment %s does not belong to patient", ErrUnauthorized, appointmentID)
		}
		rooms = append(rooms, hub.AppointmentRoom(appointmentID))
	}
	for _, chamberID := range in.ChamberIDs {
		rooms = append(rooms, hub.ChamberRoom(chamberID))
	}
	b.hub.Join(client, rooms...)
	return nil
}

// UpdateQueue advances the current serial, recomputes every entry's status
// and wait, persists, and fans out queue:status plus derived turn events.
func (b *Broker) UpdateQueue(ctx context.Context, p Principal, in events.UpdateQueue) error {
	if in.ChamberID == "" {
		return fmt.Errorf("%w: chamber_id is required", ErrValidation)
	}
	if in.CurrentSerial < 1 {
		return fmt.Errorf("%w: current_serial must be >= 1", ErrValidation)
	}
	chamber, err := b.authorizeDoctor(ctx, p, in.ChamberID)
	if err != nil {
		return err
	}

	lock := b.chamberLock(in.ChamberID)
	lock.Lock()
	defer lock.Unlock()
	return b.updateQueueLocked(ctx, chamber, in.CurrentSerial, in.EstimatedWaitMinutes)
}

func (b *Broker) updateQueueLocked(ctx context.Context, chamber models.Chamber, currentSerial int, estimatedWait *int) error {
	entries, err := b.store.ListActiveEntries(ctx, chamber.ChamberID)
	if err != nil {
		return err
	}
	if len(entries) > 0 && !queue.HasSerial(entries, currentSerial) {
		return fmt.Errorf("%w: no active entry holds serial %d", ErrValidation, currentSerial)
	}

	derived, inconsistencies := queue.DeriveStatuses(entries, currentSerial)
	for _, inconsistency := range inconsistencies {
		log.Printf("queue: inconsistent entry appointment=%s serial=%d status=%s current=%d",
			inconsistency.AppointmentID, inconsistency.SerialNumber, inconsistency.Status, currentSerial)
	}

	avg := b.avgConsult(chamber)
	for i := range derived {
		wait := queue.EstimateWait(derived[i].SerialNumber, currentSerial, avg, chamber.DelayMinutes)
		derived[i].EstimatedWaitMinutes = &wait
	}

	if err := b.store.ApplyStatuses(ctx, chamber.ChamberID, currentSerial, estimatedWait, derived); err != nil {
		return err
	}
	if b.chambers != nil {
		b.chambers.Delete(chamber.ChamberID)
	}

	status := b.buildStatus(chamber, currentSerial, estimatedWait, derived)
	b.broadcastStatus(chamber, status)

	for _, entry := range derived {
		if entry.Status == models.StatusCompleted {
			continue
		}
		ahead := queue.PatientsAhead(entry.SerialNumber, currentSerial)
		switch {
		case entry.SerialNumber == currentSerial:
			b.emitYourTurn(ctx, entry)
		case ahead >= 1 && ahead <= b.cfg.TurnSoonThreshold:
			b.emitTurnSoon(ctx, entry, ahead)
		}
	}
	return nil
}

// AnnounceDelay sets the delay on all active entries and fans out
// queue:delay. Idempotent with respect to the persisted state.
func (b *Broker) AnnounceDelay(ctx context.Context, p Principal, in events.AnnounceDelay) error {
	if in.ChamberID == "" {
		return fmt.Errorf("%w: chamber_id is required", ErrValidation)
	}
	if in.DelayMinutes < 0 {
		return fmt.Errorf("%w: delay_minutes must be >= 0", ErrValidation)
	}
	chamber, err := b.authorizeDoctor(ctx, p, in.ChamberID)
	if err != nil {
		return err
	}

	lock := b.chamberLock(in.ChamberID)
	lock.Lock()
	defer lock.Unlock()

	var message *string
	if in.Message != "" {
		message = &in.Message
	}
	if err := b.store.SetDelay(ctx, in.ChamberID, in.DelayMinutes, message); err != nil {
		return err
	}
	if b.chambers != nil {
		b.chambers.Delete(in.ChamberID)
	}

	delay := notify.Delay(in.ChamberID, in.DelayMinutes, in.Message)
	_ = b.hub.Broadcast(hub.DoctorRoom(chamber.DoctorID), events.KindDelay, delay)
	_ = b.hub.Broadcast(hub.ChamberRoom(in.ChamberID), events.KindDelay, delay)
	b.persistNotification(ctx, models.QueueNotification{
		NotificationID: uuid.NewString(),
		Type:           string(events.KindDelay),
		ChamberID:      in.ChamberID,
		DoctorID:       chamber.DoctorID,
		Message:        delay.Message,
		MessageBn:      delay.MessageBn,
		DelayMinutes:   &in.DelayMinutes,
		CreatedAt:      delay.Timestamp,
	})
	return nil
}

// CallPatient marks the entry current and pushes queue:your_turn to that
// patient's appointment room only.
func (b *Broker) CallPatient(ctx context.Context, p Principal, in events.CallPatient) error {
	if in.AppointmentID == "" || in.PatientID == "" {
		return fmt.Errorf("%w: appointment_id and patient_id are required", ErrValidation)
	}
	if in.SerialNumber < 1 {
		return fmt.Errorf("%w: serial_number must be >= 1", ErrValidation)
	}
	entry, err := b.store.GetEntry(ctx, in.AppointmentID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return fmt.Errorf("%w: unknown appointment", ErrValidation)
		}
		return err
	}
	if entry.PatientID != in.PatientID || entry.SerialNumber != in.SerialNumber {
		return fmt.Errorf("%w: appointment does not match patient/serial", ErrValidation)
	}
	chamber, err := b.authorizeDoctor(ctx, p, entry.ChamberID)
	if err != nil {
		return err
	}

	lock := b.chamberLock(entry.ChamberID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.store.MarkCurrent(ctx, in.AppointmentID, in.SerialNumber); err != nil {
		return err
	}
	if b.chambers != nil {
		b.chambers.Delete(chamber.ChamberID)
	}
	b.emitYourTurn(ctx, entry)
	return nil
}

// CompletePatient closes out the entry and advances the queue to
// nextSerial with update_queue semantics.
func (b *Broker) CompletePatient(ctx context.Context, p Principal, in events.CompletePatient) error {
	if in.AppointmentID == "" || in.ChamberID == "" {
		return fmt.Errorf("%w: appointment_id and chamber_id are required", ErrValidation)
	}
	if in.NextSerial < 1 {
		return fmt.Errorf("%w: next_serial must be >= 1", ErrValidation)
	}
	chamber, err := b.authorizeDoctor(ctx, p, in.ChamberID)
	if err != nil {
		return err
	}
	entry, err := b.store.GetEntry(ctx, in.AppointmentID)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotFound) {
			return fmt.Errorf("%w: unknown appointment", ErrValidation)
		}
		return err
	}
	if entry.ChamberID != in.ChamberID {
		return fmt.Errorf("%w: appointment is not in that chamber", ErrValidation)
	}

	lock := b.chamberLock(in.ChamberID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.store.MarkCompleted(ctx, in.AppointmentID); err != nil {
		return err
	}
	completed := notify.Completed(in.AppointmentID)
	_ = b.hub.Broadcast(hub.AppointmentRoom(in.AppointmentID), events.KindCompleted, completed)
	b.persistNotification(ctx, models.QueueNotification{
		NotificationID: uuid.NewString(),
		Type:           string(events.KindCompleted),
		AppointmentID:  in.AppointmentID,
		ChamberID:      in.ChamberID,
		PatientID:      entry.PatientID,
		DoctorID:       chamber.DoctorID,
		Message:        completed.Message,
		MessageBn:      completed.MessageBn,
		CreatedAt:      completed.Timestamp,
	})

	return b.updateQueueLocked(ctx, chamber, in.NextSerial, nil)
}

// SendMessage broadcasts a doctor announcement. No state mutation.
func (b *Broker) SendMessage(ctx context.Context, p Principal, in events.SendMessage) error {
	if in.ChamberID == "" {
		return fmt.Errorf("%w: chamber_id is required", ErrValidation)
	}
	if in.Message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	chamber, err := b.authorizeDoctor(ctx, p, in.ChamberID)
	if err != nil {
		return err
	}
	message := notify.DoctorMessage(in.ChamberID, in.Message, in.MessageBn)
	_ = b.hub.Broadcast(hub.DoctorRoom(chamber.DoctorID), events.KindMessage, message)
	_ = b.hub.Broadcast(hub.ChamberRoom(in.ChamberID), events.KindMessage, message)
	return nil
}

// RefreshChamber rebroadcasts the chamber's current status. Called after
// queue membership changes that bypass the websocket path, such as an HTTP
// check-in or cancellation.
func (b *Broker) RefreshChamber(ctx context.Context, chamberID string) error {
	lock := b.chamberLock(chamberID)
	lock.Lock()
	defer lock.Unlock()

	if b.chambers != nil {
		b.chambers.Delete(chamberID)
	}
	chamber, err := b.chamber(ctx, chamberID)
	if err != nil {
		return err
	}
	status, err := b.statusFor(ctx, chamberID)
	if err != nil {
		return err
	}
	b.broadcastStatus(chamber, status)
	return nil
}

func (b *Broker) statusFor(ctx context.Context, chamberID string) (events.QueueStatus, error) {
	snapshot, err := b.store.Snapshot(ctx, chamberID)
	if err != nil {
		return events.QueueStatus{}, err
	}
	avg := snapshot.AverageConsultMinutes
	if avg <= 0 {
		avg = b.cfg.AverageConsultMinutes
	}
	return events.QueueStatus{
		ChamberID:             snapshot.ChamberID,
		CurrentSerial:         snapshot.CurrentSerial,
		EstimatedWaitMinutes:  queue.EstimateWait(snapshot.CurrentSerial+1, snapshot.CurrentSerial, avg, snapshot.DelayMinutes),
		DelayMinutes:          snapshot.DelayMinutes,
		DoctorMessage:         snapshot.DoctorMessage,
		TotalInQueue:          snapshot.TotalInQueue,
		AverageConsultMinutes: avg,
		LastUpdated:           snapshot.LastUpdated,
	}, nil
}

func (b *Broker) buildStatus(chamber models.Chamber, currentSerial int, estimatedWait *int, entries []models.QueueEntry) events.QueueStatus {
	avg := b.avgConsult(chamber)
	active := 0
	for _, entry := range entries {
		if entry.Status != models.StatusCompleted {
			active++
		}
	}
	wait := queue.EstimateWait(currentSerial+1, currentSerial, avg, chamber.DelayMinutes)
	if estimatedWait != nil {
		wait = *estimatedWait
	}
	return events.QueueStatus{
		ChamberID:             chamber.ChamberID,
		CurrentSerial:         currentSerial,
		EstimatedWaitMinutes:  wait,
		DelayMinutes:          chamber.DelayMinutes,
		DoctorMessage:         chamber.DoctorMessage,
		TotalInQueue:          active,
		AverageConsultMinutes: avg,
		LastUpdated:           time.Now().UTC(),
	}
}

func (b *Broker) broadcastStatus(chamber models.Chamber, status events.QueueStatus) {
	_ = b.hub.Broadcast(hub.DoctorRoom(chamber.DoctorID), events.KindQueueStatus, status)
	_ = b.hub.Broadcast(hub.ChamberRoom(chamber.ChamberID), events.KindQueueStatus, status)
}

func (b *Broker) emitYourTurn(ctx context.Context, entry models.QueueEntry) {
	yourTurn := notify.YourTurn(entry.AppointmentID)
	_ = b.hub.Broadcast(hub.AppointmentRoom(entry.AppointmentID), events.KindYourTurn, yourTurn)
	b.persistNotification(ctx, models.QueueNotification{
		NotificationID: uuid.NewString(),
		Type:           string(events.KindYourTurn),
		AppointmentID:  entry.AppointmentID,
		ChamberID:      entry.ChamberID,
		PatientID:      entry.PatientID,
		DoctorID:       entry.DoctorID,
		Message:        yourTurn.Message,
		MessageBn:      yourTurn.MessageBn,
		CreatedAt:      yourTurn.Timestamp,
	})
}

func (b *Broker) emitTurnSoon(ctx context.Context, entry models.QueueEntry, ahead int) {
	turnSoon := notify.TurnSoon(entry.AppointmentID, ahead)
	_ = b.hub.Broadcast(hub.AppointmentRoom(entry.AppointmentID), events.KindTurnSoon, turnSoon)
	b.persistNotification(ctx, models.QueueNotification{
		NotificationID: uuid.NewString(),
		Type:           string(events.KindTurnSoon),
		AppointmentID:  entry.AppointmentID,
		ChamberID:      entry.ChamberID,
		PatientID:      entry.PatientID,
		DoctorID:       entry.DoctorID,
		Message:        turnSoon.Message,
		MessageBn:      turnSoon.MessageBn,
		PatientsAhead:  &ahead,
		CreatedAt:      turnSoon.Timestamp,
	})
}

// persistNotification records the push for audit and for external
// consumers; delivery does not depend on it.
func (b *Broker) persistNotification(ctx context.Context, notification models.QueueNotification) {
	notification.Source = notify.BrokerSource
	if err := b.store.InsertNotification(ctx, notification); err != nil {
		log.Printf("broker: persist notification %s: %v", notification.Type, err)
	}
}
