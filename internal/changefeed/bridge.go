package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Raw is one untyped row change as published by the store.
type Raw struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	New   json.RawMessage `json:"new"`
	Old   json.RawMessage `json:"old"`
}

// ChangeEvent is the typed diff handed to listeners.
type ChangeEvent struct {
	Table string
	Op    Op
	New   json.RawMessage
	Old   json.RawMessage
}

// Source is the transport the bridge consumes raw changes from. The
// returned channel closes when the transport drops; the bridge reopens it.
type Source interface {
	Changes(ctx context.Context) (<-chan Raw, error)
}

// Filter scopes a subscription to rows where Column equals Value. Column
// must be indexed to bound event volume.
type Filter struct {
	Column string
	Value  string
}

type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

var (
	ErrFilterNotIndexed = errors.New("filter column is not indexed")
	ErrNoEventTypes     = errors.New("at least one event type is required")
)

var indexedColumns = map[string]bool{
	"id":             true,
	"doctor_id":      true,
	"patient_id":     true,
	"appointment_id": true,
	"chamber_id":     true,
}

type Config struct {
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 5s
	MaxAttempts int           // default 5
}

type listener struct {
	id  int
	ops map[Op]bool
	fn  func(ChangeEvent)
}

type subGroup struct {
	table     string
	filter    Filter
	listeners map[int]*listener
}

// Bridge maintains one logical subscription per (table, filter) pair and
// fans each translated change out to the registered listeners.
type Bridge struct {
	source Source
	cfg    Config

	mu        sync.RWMutex
	groups    map[string]*subGroup
	nextID    int
	status    Status
	statusFns map[int]func(Status)
}

func New(source Source, cfg Config) *Bridge {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Bridge{
		source:    source,
		cfg:       cfg,
		groups:    make(map[string]*subGroup),
		status:    StatusConnecting,
		statusFns: make(map[int]func(Status)),
	}
}

// Subscription is a disposable handle. Close is idempotent and releases
// the (table, filter) pair only when no other listener still needs it.
type Subscription struct {
	bridge *Bridge
	key    string
	id     int
	once   sync.Once
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bridge.remove(s.key, s.id)
	})
}

func (b *Bridge) Subscribe(table string, filter Filter, ops []Op, fn func(ChangeEvent)) (*Subscription, error) {
	if filter.Column != "" && !indexedColumns[filter.Column] {
		return nil, fmt.Errorf("%w: %s", ErrFilterNotIndexed, filter.Column)
	}
	if len(ops) == 0 {
		return nil, ErrNoEventTypes
	}

	opSet := make(map[Op]bool, len(ops))
	for _, op := range ops {
		opSet[op] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := groupKey(table, filter)
	group, ok := b.groups[key]
	if !ok {
		group = &subGroup{table: table, filter: filter, listeners: make(map[int]*listener)}
		b.groups[key] = group
	}
	b.nextID++
	id := b.nextID
	group.listeners[id] = &listener{id: id, ops: opSet, fn: fn}
	return &Subscription{bridge: b, key: key, id: id}, nil
}

func (b *Bridge) remove(key string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	group, ok := b.groups[key]
	if !ok {
		return
	}
	delete(group.listeners, id)
	if len(group.listeners) == 0 {
		delete(b.groups, key)
	}
}

// OnStatus registers a status listener; it is invoked immediately with the
// current status and on every change. Returns a disposer.
func (b *Bridge) OnStatus(fn func(Status)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.statusFns[id] = fn
	current := b.status
	b.mu.Unlock()

	fn(current)
	return func() {
		b.mu.Lock()
		delete(b.statusFns, id)
		b.mu.Unlock()
	}
}

func (b *Bridge) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *Bridge) setStatus(status Status) {
	b.mu.Lock()
	if b.status == status {
		b.mu.Unlock()
		return
	}
	b.status = status
	fns := make([]func(Status), 0, len(b.statusFns))
	for _, fn := range b.statusFns {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// Run consumes the source until ctx is cancelled or the retry budget is
// exhausted. Reconnection backs off exponentially from BaseDelay to
// MaxDelay; after MaxAttempts consecutive failures the bridge surfaces
// StatusDisconnected and returns.
func (b *Bridge) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		changes, err := b.source.Changes(ctx)
		if err != nil {
			attempts++
			if attempts >= b.cfg.MaxAttempts {
				b.setStatus(StatusDisconnected)
				return fmt.Errorf("changefeed: retry budget exhausted: %w", err)
			}
			b.setStatus(StatusReconnecting)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.backoff(attempts)):
			}
			continue
		}

		attempts = 0
		b.setStatus(StatusConnected)
		for raw := range changes {
			b.dispatch(raw)
		}
		// Channel closed: transport dropped, go around and resubscribe.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.setStatus(StatusReconnecting)
	}
}

func (b *Bridge) backoff(attempt int) time.Duration {
	delay := b.cfg.BaseDelay << (attempt - 1)
	if delay > b.cfg.MaxDelay || delay <= 0 {
		delay = b.cfg.MaxDelay
	}
	return delay
}

func (b *Bridge) dispatch(raw Raw) {
	op := Op(raw.Op)
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		log.Printf("changefeed: unknown op %q on table %s", raw.Op, raw.Table)
		return
	}
	event := ChangeEvent{Table: raw.Table, Op: op, New: raw.New, Old: raw.Old}

	b.mu.RLock()
	var fns []func(ChangeEvent)
	for _, group := range b.groups {
		if group.table != raw.Table {
			continue
		}
		if !matchFilter(group.filter, raw) {
			continue
		}
		for _, l := range group.listeners {
			if l.ops[op] {
				fns = append(fns, l.fn)
			}
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

func matchFilter(filter Filter, raw Raw) bool {
	if filter.Column == "" {
		return true
	}
	if value, ok := columnValue(raw.New, filter.Column); ok {
		return value == filter.Value
	}
	if value, ok := columnValue(raw.Old, filter.Column); ok {
		return value == filter.Value
	}
	return false
}

func columnValue(row json.RawMessage, column string) (string, bool) {
	if len(row) == 0 {
		return "", false
	}
	var data map[string]interface{}
	if err := json.Unmarshal(row, &data); err != nil {
		return "", false
	}
	value, ok := data[column]
	if !ok || value == nil {
		return "", false
	}
	if text, ok := value.(string); ok {
		return text, true
	}
	return fmt.Sprint(value), true
}

func groupKey(table string, filter Filter) string {
	return table + "|" + filter.Column + "=" + filter.Value
}
