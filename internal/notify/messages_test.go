package notify

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"nirnoy/realtime-service/internal/events"
)

func TestTurnSoonCarriesBothLanguages(t *testing.T) {
	msg := TurnSoon("a1", 2)
	if !strings.Contains(msg.Message, "2 patient(s)") {
		t.Fatalf("english message %q missing count", msg.Message)
	}
	if !strings.Contains(msg.MessageBn, "২") && !strings.Contains(msg.MessageBn, "2") {
		t.Fatalf("bangla message %q missing count", msg.MessageBn)
	}
	if msg.PatientsAhead != 2 {
		t.Fatalf("patients ahead %d, want 2", msg.PatientsAhead)
	}
}

func TestDelayCustomMessageOverridesDefault(t *testing.T) {
	msg := Delay("c1", 20, "Doctor stuck in traffic, back by 5pm.")
	if msg.Message != "Doctor stuck in traffic, back by 5pm." {
		t.Fatalf("custom message not used: %q", msg.Message)
	}
	if msg.DelayMinutes != 20 {
		t.Fatalf("delay minutes %d, want 20", msg.DelayMinutes)
	}

	fallback := Delay("c1", 20, "")
	if !strings.Contains(fallback.Message, "20 minutes") {
		t.Fatalf("default message %q missing minutes", fallback.Message)
	}
}

func envelopeFor(t *testing.T, kind events.Kind, payload interface{}) events.Envelope {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{Type: kind, Payload: body, CreatedAt: time.Now().UTC()}
}

func TestRecordConvertsNotificationEvents(t *testing.T) {
	yourTurn := YourTurn("a1")
	notification, ok := Record(envelopeFor(t, events.KindYourTurn, yourTurn), &yourTurn)
	if !ok {
		t.Fatal("your_turn not recorded")
	}
	if notification.AppointmentID != "a1" || notification.Type != string(events.KindYourTurn) {
		t.Fatalf("unexpected record %+v", notification)
	}
	if notification.MessageBn == "" {
		t.Fatal("bangla message dropped")
	}

	turnSoon := TurnSoon("a2", 1)
	notification, ok = Record(envelopeFor(t, events.KindTurnSoon, turnSoon), &turnSoon)
	if !ok {
		t.Fatal("turn_soon not recorded")
	}
	if notification.PatientsAhead == nil || *notification.PatientsAhead != 1 {
		t.Fatalf("patients ahead not carried: %+v", notification)
	}
}

func TestRecordSkipsStateEvents(t *testing.T) {
	status := events.QueueStatus{ChamberID: "c1"}
	if _, ok := Record(envelopeFor(t, events.KindQueueStatus, status), &status); ok {
		t.Fatal("queue:status recorded as a notification")
	}
	errPayload := events.ErrorPayload{Code: "validation_error"}
	if _, ok := Record(envelopeFor(t, events.KindError, errPayload), &errPayload); ok {
		t.Fatal("error frame recorded as a notification")
	}
}
