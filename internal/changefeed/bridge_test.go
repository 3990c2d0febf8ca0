package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu       sync.Mutex
	channels []chan Raw
	failures int
}

func (f *fakeSource) Changes(ctx context.Context) (<-chan Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transport down")
	}
	ch := make(chan Raw, 16)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeSource) emit(raw Raw) {
	f.mu.Lock()
	ch := f.channels[len(f.channels)-1]
	f.mu.Unlock()
	ch <- raw
}

func rawRow(table, op string, row map[string]interface{}) Raw {
	payload, _ := json.Marshal(row)
	return Raw{Table: table, Op: op, New: payload}
}

func fastConfig() Config {
	return Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubscribeFilterDispatch(t *testing.T) {
	source := &fakeSource{}
	bridge := New(source, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	var mu sync.Mutex
	var gotA, gotB []ChangeEvent
	subA, err := bridge.Subscribe("queue_entries", Filter{Column: "doctor_id", Value: "d1"}, []Op{OpInsert, OpUpdate}, func(ev ChangeEvent) {
		mu.Lock()
		gotA = append(gotA, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subA.Close()
	subB, err := bridge.Subscribe("queue_entries", Filter{Column: "doctor_id", Value: "d2"}, []Op{OpUpdate}, func(ev ChangeEvent) {
		mu.Lock()
		gotB = append(gotB, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subB.Close()

	waitFor(t, func() bool { return bridge.Status() == StatusConnected })

	source.emit(rawRow("queue_entries", "update", map[string]interface{}{"doctor_id": "d1", "serial_number": 4}))
	source.emit(rawRow("queue_entries", "insert", map[string]interface{}{"doctor_id": "d1"}))
	source.emit(rawRow("queue_entries", "update", map[string]interface{}{"doctor_id": "d2"}))
	source.emit(rawRow("queue_entries", "delete", map[string]interface{}{"doctor_id": "d1"}))
	source.emit(rawRow("appointments", "update", map[string]interface{}{"doctor_id": "d1"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotA) == 2 && len(gotB) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if gotA[0].Op != OpUpdate || gotA[1].Op != OpInsert {
		t.Fatalf("wrong ops for d1: %v %v", gotA[0].Op, gotA[1].Op)
	}
	if gotB[0].Op != OpUpdate {
		t.Fatalf("wrong op for d2: %v", gotB[0].Op)
	}
}

func TestSubscribeRejectsUnindexedFilter(t *testing.T) {
	bridge := New(&fakeSource{}, fastConfig())
	if _, err := bridge.Subscribe("queue_entries", Filter{Column: "doctor_message", Value: "x"}, []Op{OpUpdate}, func(ChangeEvent) {}); !errors.Is(err, ErrFilterNotIndexed) {
		t.Fatalf("expected ErrFilterNotIndexed, got %v", err)
	}
	if _, err := bridge.Subscribe("queue_entries", Filter{Column: "doctor_id", Value: "x"}, nil, func(ChangeEvent) {}); !errors.Is(err, ErrNoEventTypes) {
		t.Fatalf("expected ErrNoEventTypes, got %v", err)
	}
}

func TestUnsubscribeIdempotentAndRefCounted(t *testing.T) {
	bridge := New(&fakeSource{}, fastConfig())
	filter := Filter{Column: "doctor_id", Value: "d1"}

	subA, _ := bridge.Subscribe("queue_entries", filter, []Op{OpUpdate}, func(ChangeEvent) {})
	subB, _ := bridge.Subscribe("queue_entries", filter, []Op{OpUpdate}, func(ChangeEvent) {})

	key := groupKey("queue_entries", filter)
	subA.Close()
	subA.Close() // idempotent

	bridge.mu.RLock()
	_, stillThere := bridge.groups[key]
	bridge.mu.RUnlock()
	if !stillThere {
		t.Fatal("group released while a listener remained")
	}

	subB.Close()
	bridge.mu.RLock()
	_, stillThere = bridge.groups[key]
	bridge.mu.RUnlock()
	if stillThere {
		t.Fatal("group not released after last listener closed")
	}
}

func TestReconnectThenDisconnectedStatus(t *testing.T) {
	source := &fakeSource{failures: 2}
	bridge := New(source, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var statuses []Status
	bridge.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	// Survives two failures, then connects.
	waitFor(t, func() bool { return bridge.Status() == StatusConnected })

	// Now make every reopen fail; dropping the channel triggers retries
	// until the budget is exhausted.
	source.mu.Lock()
	source.failures = 1 << 30
	ch := source.channels[len(source.channels)-1]
	source.mu.Unlock()
	close(ch)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected retry budget error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not give up")
	}
	if bridge.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %v", bridge.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	sawReconnecting := false
	for _, s := range statuses {
		if s == StatusReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Fatal("reconnecting status never surfaced")
	}
}
