package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"nirnoy/realtime-service/internal/models"
	"nirnoy/realtime-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool    *pgxpool.Pool
	channel string
}

type Options struct {
	// Channel is the pg_notify channel row changes are published on.
	Channel string
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	channel := options.Channel
	if channel == "" {
		channel = "queue_changes"
	}
	return &Store{pool: pool, channel: channel}
}

func (s *Store) GetChamber(ctx context.Context, chamberID string) (models.Chamber, error) {
	var chamber models.Chamber
	var messageNull sql.NullString
	err := s.pool.QueryRow(ctx, `
		SELECT chamber_id, doctor_id, average_consult_minutes, current_serial, delay_minutes, doctor_message, updated_at
		FROM chambers
		WHERE chamber_id = $1
	`, chamberID).Scan(&chamber.ChamberID, &chamber.DoctorID, &chamber.AverageConsultMinutes,
		&chamber.CurrentSerial, &chamber.DelayMinutes, &messageNull, &chamber.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chamber{}, store.ErrChamberNotFound
	}
	if err != nil {
		return models.Chamber{}, err
	}
	if messageNull.Valid {
		chamber.DoctorMessage = &messageNull.String
	}
	return chamber, nil
}

func (s *Store) ListActiveEntries(ctx context.Context, chamberID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT appointment_id, chamber_id, doctor_id, patient_id, serial_number,
			estimated_wait_minutes, delay_minutes, doctor_message, status, updated_at
		FROM queue_entries
		WHERE chamber_id = $1 AND archived_at IS NULL
		ORDER BY serial_number ASC
	`, chamberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].TotalInQueue = len(entries)
	}
	return entries, nil
}

func (s *Store) GetEntry(ctx context.Context, appointmentID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT appointment_id, chamber_id, doctor_id, patient_id, serial_number,
			estimated_wait_minutes, delay_minutes, doctor_message, status, updated_at
		FROM queue_entries
		WHERE appointment_id = $1 AND archived_at IS NULL
	`, appointmentID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ApplyStatuses(ctx context.Context, chamberID string, currentSerial int, estimatedWait *int, entries []models.QueueEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE chambers
		SET current_serial = $2, updated_at = $3
		WHERE chamber_id = $1
	`, chamberID, currentSerial, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrChamberNotFound
		return err
	}

	for _, entry := range entries {
		var wait *int
		if entry.EstimatedWaitMinutes != nil {
			wait = entry.EstimatedWaitMinutes
		} else if estimatedWait != nil {
			wait = estimatedWait
		}
		if _, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $2, estimated_wait_minutes = $3, updated_at = $4
			WHERE appointment_id = $1 AND archived_at IS NULL
		`, entry.AppointmentID, entry.Status, wait, now); err != nil {
			return err
		}
	}

	if err = s.notifyChange(ctx, tx, "chambers", "update", map[string]interface{}{
		"chamber_id":     chamberID,
		"current_serial": currentSerial,
		"updated_at":     now,
	}, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SetDelay(ctx context.Context, chamberID string, delayMinutes int, message *string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE chambers
		SET delay_minutes = $2, doctor_message = COALESCE($3, doctor_message), updated_at = $4
		WHERE chamber_id = $1
	`, chamberID, delayMinutes, message, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrChamberNotFound
		return err
	}

	if _, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET delay_minutes = $2, updated_at = $3
		WHERE chamber_id = $1 AND archived_at IS NULL AND status != 'completed'
	`, chamberID, delayMinutes, now); err != nil {
		return err
	}

	if err = s.notifyChange(ctx, tx, "chambers", "update", map[string]interface{}{
		"chamber_id":    chamberID,
		"delay_minutes": delayMinutes,
		"updated_at":    now,
	}, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) MarkCurrent(ctx context.Context, appointmentID string, serialNumber int) error {
	return s.markStatus(ctx, appointmentID, models.StatusCurrent, &serialNumber)
}

func (s *Store) MarkCompleted(ctx context.Context, appointmentID string) error {
	return s.markStatus(ctx, appointmentID, models.StatusCompleted, nil)
}

func (s *Store) markStatus(ctx context.Context, appointmentID, status string, serialNumber *int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var chamberID string
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, updated_at = $3
		WHERE appointment_id = $1 AND archived_at IS NULL
		RETURNING chamber_id
	`, appointmentID, status, now)
	if err = row.Scan(&chamberID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEntryNotFound
		}
		return err
	}

	if status == models.StatusCurrent {
		// Only one entry per chamber may be current; demote any stale one.
		if _, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $3, updated_at = $4
			WHERE chamber_id = $1 AND status = $2 AND appointment_id <> $5 AND archived_at IS NULL
		`, chamberID, models.StatusCurrent, models.StatusWaiting, now, appointmentID); err != nil {
			return err
		}
	}
	if status == models.StatusCurrent && serialNumber != nil {
		if _, err = tx.Exec(ctx, `
			UPDATE chambers SET current_serial = $2, updated_at = $3 WHERE chamber_id = $1
		`, chamberID, *serialNumber, now); err != nil {
			return err
		}
	}

	if err = s.notifyChange(ctx, tx, "queue_entries", "update", map[string]interface{}{
		"appointment_id": appointmentID,
		"chamber_id":     chamberID,
		"status":         status,
		"updated_at":     now,
	}, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateEntry(ctx context.Context, input store.CheckinInput) (models.QueueEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing := tx.QueryRow(ctx, `
		SELECT appointment_id, chamber_id, doctor_id, patient_id, serial_number,
			estimated_wait_minutes, delay_minutes, doctor_message, status, updated_at
		FROM queue_entries
		WHERE appointment_id = $1 AND archived_at IS NULL
	`, input.AppointmentID)
	if entry, scanErr := scanEntry(existing); scanErr == nil {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		return entry, false, nil
	} else if !errors.Is(scanErr, pgx.ErrNoRows) {
		err = scanErr
		return models.QueueEntry{}, false, err
	}

	var doctorID string
	var delayMinutes int
	row := tx.QueryRow(ctx, `
		SELECT doctor_id, delay_minutes FROM chambers WHERE chamber_id = $1
	`, input.ChamberID)
	if err = row.Scan(&doctorID, &delayMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrChamberNotFound
		}
		return models.QueueEntry{}, false, err
	}

	serial := input.SerialNumber
	if serial <= 0 {
		if err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(serial_number), 0) + 1
			FROM queue_entries
			WHERE chamber_id = $1 AND archived_at IS NULL
		`, input.ChamberID).Scan(&serial); err != nil {
			return models.QueueEntry{}, false, err
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	entry := models.QueueEntry{
		AppointmentID: input.AppointmentID,
		ChamberID:     input.ChamberID,
		DoctorID:      doctorID,
		PatientID:     input.PatientID,
		SerialNumber:  serial,
		DelayMinutes:  delayMinutes,
		Status:        models.StatusWaiting,
		UpdatedAt:     createdAt,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (appointment_id, chamber_id, doctor_id, patient_id, serial_number, delay_minutes, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chamber_id, serial_number) WHERE archived_at IS NULL DO NOTHING
	`, entry.AppointmentID, entry.ChamberID, entry.DoctorID, entry.PatientID, entry.SerialNumber, entry.DelayMinutes, entry.Status, createdAt)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrDuplicateSerial
		return models.QueueEntry{}, false, err
	}

	if err = s.notifyChange(ctx, tx, "queue_entries", "insert", entry, nil); err != nil {
		return models.QueueEntry{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) CancelEntry(ctx context.Context, appointmentID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var chamberID string
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET archived_at = $2, updated_at = $2
		WHERE appointment_id = $1 AND archived_at IS NULL
		RETURNING chamber_id
	`, appointmentID, now)
	if err = row.Scan(&chamberID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEntryNotFound
		}
		return err
	}

	if err = s.notifyChange(ctx, tx, "queue_entries", "delete", nil, map[string]interface{}{
		"appointment_id": appointmentID,
		"chamber_id":     chamberID,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ArchiveChamber(ctx context.Context, chamberID string, before time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	if _, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET archived_at = $3
		WHERE chamber_id = $1 AND archived_at IS NULL AND updated_at < $2
	`, chamberID, before, now); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE chambers
		SET current_serial = 0, delay_minutes = 0, doctor_message = NULL, updated_at = $2
		WHERE chamber_id = $1
	`, chamberID, now); err != nil {
		return err
	}

	if err = s.notifyChange(ctx, tx, "chambers", "update", map[string]interface{}{
		"chamber_id": chamberID,
		"archived":   true,
		"updated_at": now,
	}, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Snapshot(ctx context.Context, chamberID string) (models.QueueSnapshot, error) {
	chamber, err := s.GetChamber(ctx, chamberID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	entries, err := s.ListActiveEntries(ctx, chamberID)
	if err != nil {
		return models.QueueSnapshot{}, err
	}
	return models.QueueSnapshot{
		ChamberID:             chamber.ChamberID,
		CurrentSerial:         chamber.CurrentSerial,
		TotalInQueue:          len(entries),
		DelayMinutes:          chamber.DelayMinutes,
		DoctorMessage:         chamber.DoctorMessage,
		AverageConsultMinutes: chamber.AverageConsultMinutes,
		Entries:               entries,
		LastUpdated:           chamber.UpdatedAt,
	}, nil
}

func (s *Store) InsertNotification(ctx context.Context, notification models.QueueNotification) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
		INSERT INTO queue_notifications (notification_id, type, appointment_id, chamber_id, patient_id, doctor_id,
			message, message_bn, patients_ahead, delay_minutes, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, notification.NotificationID, notification.Type, nullIfEmpty(notification.AppointmentID),
		nullIfEmpty(notification.ChamberID), nullIfEmpty(notification.PatientID), nullIfEmpty(notification.DoctorID),
		notification.Message, nullIfEmpty(notification.MessageBn), notification.PatientsAhead,
		notification.DelayMinutes, nullIfEmpty(notification.Source), notification.CreatedAt); err != nil {
		return err
	}

	if err = s.notifyChange(ctx, tx, "queue_notifications", "insert", notification, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListDueReminders(ctx context.Context, within time.Duration, limit int) ([]models.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT appointment_id, patient_id, chamber_id, doctor_id, scheduled_at
		FROM appointments
		WHERE reminder_sent_at IS NULL
			AND scheduled_at > NOW()
			AND scheduled_at <= NOW() + $1::interval
		ORDER BY scheduled_at ASC
		LIMIT $2
	`, within.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appointments []models.Appointment
	for rows.Next() {
		var appointment models.Appointment
		if err := rows.Scan(&appointment.AppointmentID, &appointment.PatientID, &appointment.ChamberID,
			&appointment.DoctorID, &appointment.ScheduledAt); err != nil {
			return nil, err
		}
		appointments = append(appointments, appointment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return appointments, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, appointmentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = NOW() WHERE appointment_id = $1 AND reminder_sent_at IS NULL
	`, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAppointmentNotFound
	}
	return nil
}

// notifyChange publishes a row change on the listen channel inside the
// mutating transaction, so the changefeed only observes committed writes.
func (s *Store) notifyChange(ctx context.Context, tx pgx.Tx, table, op string, newRow, oldRow interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"table": table,
		"op":    op,
		"new":   newRow,
		"old":   oldRow,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var waitNull sql.NullInt64
	var messageNull sql.NullString
	if err := row.Scan(&entry.AppointmentID, &entry.ChamberID, &entry.DoctorID, &entry.PatientID,
		&entry.SerialNumber, &waitNull, &entry.DelayMinutes, &messageNull, &entry.Status, &entry.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if waitNull.Valid {
		wait := int(waitNull.Int64)
		entry.EstimatedWaitMinutes = &wait
	}
	if messageNull.Valid {
		entry.DoctorMessage = &messageNull.String
	}
	return entry, nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
