package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/models"
)

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) firstWrite() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil, false
	}
	return c.writes[0], true
}

func (c *fakeConn) deliver(t *testing.T, env events.Envelope) {
	t.Helper()
	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.in <- frame
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (f *fakeTransport) Dial(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dials >= len(f.conns) {
		return nil, errors.New("no more connections")
	}
	conn := f.conns[f.dials]
	f.dials++
	return conn, nil
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func yourTurnEnvelope(t *testing.T, appointmentID string, seq uint64) events.Envelope {
	t.Helper()
	payload, err := json.Marshal(events.YourTurn{
		AppointmentID: appointmentID,
		Message:       "It's your turn now.",
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{
		Type:      events.KindYourTurn,
		Room:      "appointment:" + appointmentID,
		Seq:       seq,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func statusEnvelope(t *testing.T, chamberID string, seq uint64) events.Envelope {
	t.Helper()
	payload, err := json.Marshal(events.QueueStatus{ChamberID: chamberID, CurrentSerial: int(seq)})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{
		Type:      events.KindQueueStatus,
		Room:      "chamber:" + chamberID,
		Seq:       seq,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRejoinSentOnEveryConnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	transport := &fakeTransport{conns: []*fakeConn{first, second}}

	var mu sync.Mutex
	snapshots := 0

	c, err := New(Config{
		Transport:  transport,
		JoinOp:     events.OpPatientJoin,
		JoinData:   events.PatientJoin{PatientID: "p1", AppointmentIDs: []string{"a1"}, ChamberIDs: []string{"c1"}},
		ChamberIDs: []string{"c1"},
		Snapshot: func(_ context.Context, chamberID string) (models.QueueSnapshot, error) {
			mu.Lock()
			snapshots++
			mu.Unlock()
			return models.QueueSnapshot{ChamberID: chamberID, CurrentSerial: 3}, nil
		},
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	waitFor(t, "first join frame", func() bool { _, ok := first.firstWrite(); return ok })
	waitFor(t, "initial snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots == 1
	})
	close(first.in)

	waitFor(t, "second join frame", func() bool { _, ok := second.firstWrite(); return ok })
	for _, conn := range []*fakeConn{first, second} {
		raw, _ := conn.firstWrite()
		frame, err := events.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("decode join frame: %v", err)
		}
		if frame.Op != events.OpPatientJoin {
			t.Fatalf("first write op %q, want %q", frame.Op, events.OpPatientJoin)
		}
	}
	// The reconnect must reconcile from a fresh snapshot, not trust the
	// rejoined rooms to replay what was missed.
	waitFor(t, "reconnect snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots == 2
	})

	cancel()
	<-done
}

func TestSequenceGapTriggersReconcile(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conns: []*fakeConn{conn}}

	var mu sync.Mutex
	snapshots := 0
	var statuses []events.QueueStatus

	c, err := New(Config{
		Transport: transport,
		Snapshot: func(_ context.Context, chamberID string) (models.QueueSnapshot, error) {
			mu.Lock()
			snapshots++
			mu.Unlock()
			return models.QueueSnapshot{ChamberID: chamberID, CurrentSerial: 7}, nil
		},
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Handle(events.KindQueueStatus, func(_ events.Envelope, payload interface{}) {
		mu.Lock()
		statuses = append(statuses, *payload.(*events.QueueStatus))
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	conn.deliver(t, statusEnvelope(t, "c1", 1))
	conn.deliver(t, statusEnvelope(t, "c1", 2))
	waitFor(t, "contiguous events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	})
	mu.Lock()
	if snapshots != 0 {
		mu.Unlock()
		t.Fatalf("contiguous events triggered %d snapshots", snapshots)
	}
	mu.Unlock()

	// Seq jumps from 2 to 5: events were missed, expect a reconcile.
	conn.deliver(t, statusEnvelope(t, "c1", 5))
	waitFor(t, "reconcile snapshot", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return snapshots == 1
	})
	waitFor(t, "synthesized status", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, status := range statuses {
			if status.CurrentSerial == 7 {
				return true
			}
		}
		return false
	})

	cancel()
	<-done
}

func TestNotificationLogIsBounded(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conns: []*fakeConn{conn}}

	c, err := New(Config{
		Transport:          transport,
		NotificationLogCap: 2,
		BaseDelay:          time.Millisecond,
		MaxDelay:           time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	conn.deliver(t, yourTurnEnvelope(t, "a1", 1))
	conn.deliver(t, yourTurnEnvelope(t, "a2", 2))
	conn.deliver(t, yourTurnEnvelope(t, "a3", 3))

	waitFor(t, "log eviction", func() bool {
		log := c.Notifications()
		return len(log) == 2 && log[0].AppointmentID == "a2" && log[1].AppointmentID == "a3"
	})

	cancel()
	<-done
}

type countingAlerter struct {
	mu          sync.Mutex
	permissions int
	alerts      []models.QueueNotification
}

func (a *countingAlerter) RequestPermission(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions++
	return nil
}

func (a *countingAlerter) Alert(notification models.QueueNotification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, notification)
}

func TestAlertPermissionRequestedOnce(t *testing.T) {
	conn := newFakeConn()
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	alerter := &countingAlerter{}

	c, err := New(Config{
		Transport: transport,
		Alerter:   alerter,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	conn.deliver(t, yourTurnEnvelope(t, "a1", 1))
	conn.deliver(t, yourTurnEnvelope(t, "a1", 2))

	waitFor(t, "two alerts", func() bool {
		alerter.mu.Lock()
		defer alerter.mu.Unlock()
		return len(alerter.alerts) == 2
	})
	alerter.mu.Lock()
	if alerter.permissions != 1 {
		alerter.mu.Unlock()
		t.Fatalf("permission requested %d times, want 1", alerter.permissions)
	}
	alerter.mu.Unlock()

	cancel()
	<-done
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{} // every dial fails

	c, err := New(Config{
		Transport:   transport,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var seen []Status
	c.OnStatus(func(status Status) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil, want give-up error")
	}
	if c.Connected() {
		t.Fatal("client reports connected after giving up")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != StatusDisconnected {
		t.Fatalf("status transitions %v, want to end disconnected", seen)
	}
}
