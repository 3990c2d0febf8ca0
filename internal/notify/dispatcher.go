package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"nirnoy/realtime-service/internal/changefeed"
	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/hub"
	"nirnoy/realtime-service/internal/store"
)

type Config struct {
	ReminderInterval time.Duration // default 60s
	ReminderLead     time.Duration // default 30m
	ReminderBatch    int
}

// Dispatcher turns changefeed observations into room events: notification
// rows written by other services are routed to the owning patient rooms,
// and due appointment reminders are swept on a ticker. One changefeed
// subscription pair is held per watched doctor, scoped by room occupancy.
type Dispatcher struct {
	bridge *changefeed.Bridge
	hub    *hub.Hub
	store  store.QueueStore
	cfg    Config

	mu      sync.Mutex
	watches map[string][]*changefeed.Subscription
}

func NewDispatcher(bridge *changefeed.Bridge, h *hub.Hub, queueStore store.QueueStore, cfg Config) *Dispatcher {
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = time.Minute
	}
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = 30 * time.Minute
	}
	if cfg.ReminderBatch <= 0 {
		cfg.ReminderBatch = 50
	}
	return &Dispatcher{
		bridge:  bridge,
		hub:     h,
		store:   queueStore,
		cfg:     cfg,
		watches: make(map[string][]*changefeed.Subscription),
	}
}

// WatchDoctor subscribes to externally-written notification rows for one
// doctor. Called when the doctor's queue room gains its first member.
func (d *Dispatcher) WatchDoctor(doctorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watches[doctorID]; ok {
		return
	}

	filter := changefeed.Filter{Column: "doctor_id", Value: doctorID}
	sub, err := d.bridge.Subscribe("queue_notifications", filter,
		[]changefeed.Op{changefeed.OpInsert}, d.handleNotificationRow)
	if err != nil {
		log.Printf("notify: watch doctor %s: %v", doctorID, err)
		return
	}
	d.watches[doctorID] = []*changefeed.Subscription{sub}
}

// UnwatchDoctor releases the doctor's subscriptions. Idempotent.
func (d *Dispatcher) UnwatchDoctor(doctorID string) {
	d.mu.Lock()
	subs := d.watches[doctorID]
	delete(d.watches, doctorID)
	d.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// RoomHooks adapts watch/unwatch to hub room occupancy callbacks.
func (d *Dispatcher) RoomHooks() (onFirstMember, onLastLeft func(room string)) {
	const prefix = "doctor-queue:"
	onFirstMember = func(room string) {
		if len(room) > len(prefix) && room[:len(prefix)] == prefix {
			d.WatchDoctor(room[len(prefix):])
		}
	}
	onLastLeft = func(room string) {
		if len(room) > len(prefix) && room[:len(prefix)] == prefix {
			d.UnwatchDoctor(room[len(prefix):])
		}
	}
	return onFirstMember, onLastLeft
}

// BrokerSource marks notification rows the broker itself wrote; those
// were already fanned out directly and must not be echoed back.
const BrokerSource = "realtime-service"

type notificationRow struct {
	Type          string `json:"type"`
	AppointmentID string `json:"appointment_id"`
	ChamberID     string `json:"chamber_id"`
	Message       string `json:"message"`
	MessageBn     string `json:"message_bn"`
	PatientsAhead *int   `json:"patients_ahead"`
	DelayMinutes  *int   `json:"delay_minutes"`
	Source        string `json:"source"`
}

func (d *Dispatcher) handleNotificationRow(ev changefeed.ChangeEvent) {
	var row notificationRow
	if err := json.Unmarshal(ev.New, &row); err != nil {
		log.Printf("notify: malformed notification row: %v", err)
		return
	}
	if row.Source == BrokerSource {
		return
	}

	kind := events.Kind(row.Type)
	if !kind.Valid() || kind == events.KindError || kind == events.KindQueueStatus {
		return
	}
	now := time.Now().UTC()
	switch kind {
	case events.KindTurnSoon:
		ahead := 0
		if row.PatientsAhead != nil {
			ahead = *row.PatientsAhead
		}
		d.broadcast(hub.AppointmentRoom(row.AppointmentID), kind, events.TurnSoon{
			AppointmentID: row.AppointmentID, Message: row.Message, MessageBn: row.MessageBn,
			PatientsAhead: ahead, Timestamp: now,
		})
	case events.KindYourTurn:
		d.broadcast(hub.AppointmentRoom(row.AppointmentID), kind, events.YourTurn{
			AppointmentID: row.AppointmentID, Message: row.Message, MessageBn: row.MessageBn, Timestamp: now,
		})
	case events.KindCompleted:
		d.broadcast(hub.AppointmentRoom(row.AppointmentID), kind, events.Completed{
			AppointmentID: row.AppointmentID, Message: row.Message, MessageBn: row.MessageBn, Timestamp: now,
		})
	case events.KindDelay:
		minutes := 0
		if row.DelayMinutes != nil {
			minutes = *row.DelayMinutes
		}
		d.broadcast(hub.ChamberRoom(row.ChamberID), kind, events.Delay{
			ChamberID: row.ChamberID, Message: row.Message, MessageBn: row.MessageBn,
			DelayMinutes: minutes, Timestamp: now,
		})
	case events.KindMessage:
		var messageBn *string
		if row.MessageBn != "" {
			messageBn = &row.MessageBn
		}
		d.broadcast(hub.ChamberRoom(row.ChamberID), kind, events.Message{
			ChamberID: row.ChamberID, Message: row.Message, MessageBn: messageBn, Timestamp: now,
		})
	case events.KindReminder:
		d.broadcast(hub.AppointmentRoom(row.AppointmentID), kind, events.Reminder{
			AppointmentID: row.AppointmentID, Message: row.Message, Timestamp: now,
		})
	}
}

func (d *Dispatcher) broadcast(room string, kind events.Kind, payload interface{}) {
	if err := d.hub.Broadcast(room, kind, payload); err != nil {
		log.Printf("notify: broadcast %s to %s: %v", kind, room, err)
	}
}

// Run sweeps due appointment reminders until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReminderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.sweepReminders(ctx); err != nil {
				log.Printf("notify: reminder sweep: %v", err)
			}
		}
	}
}

func (d *Dispatcher) sweepReminders(ctx context.Context) error {
	due, err := d.store.ListDueReminders(ctx, d.cfg.ReminderLead, d.cfg.ReminderBatch)
	if err != nil {
		return err
	}
	for _, appointment := range due {
		reminder := Reminder(appointment.AppointmentID, appointment.ScheduledAt)
		d.broadcast(hub.AppointmentRoom(appointment.AppointmentID), events.KindReminder, reminder)
		if err := d.store.MarkReminderSent(ctx, appointment.AppointmentID); err != nil {
			log.Printf("notify: mark reminder sent %s: %v", appointment.AppointmentID, err)
		}
	}
	return nil
}
