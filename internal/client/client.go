package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/models"
	"nirnoy/realtime-service/internal/notify"
	"nirnoy/realtime-service/internal/queue"

	"github.com/gorilla/websocket"
)

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

// Conn is one live connection to the broker.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials broker connections. Separated from the client so tests
// can inject a scripted connection.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error { return c.conn.Close() }

type wsTransport struct {
	url    string
	header http.Header
}

func NewWebSocketTransport(url string, header http.Header) Transport {
	return &wsTransport{url: url, header: header}
}

func (t *wsTransport) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	return &wsConn{conn: conn}, nil
}

// SnapshotFunc fetches the authoritative chamber state, normally from the
// snapshot HTTP endpoint.
type SnapshotFunc func(ctx context.Context, chamberID string) (models.QueueSnapshot, error)

// Alerter surfaces notifications on the device. Permission is requested
// lazily, the first time an alert actually needs to fire.
type Alerter interface {
	RequestPermission(ctx context.Context) error
	Alert(notification models.QueueNotification)
}

type Handler func(env events.Envelope, payload interface{})

type Config struct {
	Transport  Transport
	JoinOp     string
	JoinData   interface{}
	ChamberIDs []string
	Snapshot   SnapshotFunc
	Alerter    Alerter

	MaxAttempts        int           // default 5
	BaseDelay          time.Duration // default 1s
	MaxDelay           time.Duration // default 5s
	NotificationLogCap int           // default 50
}

var ErrNoTransport = errors.New("client: transport is required")

// Client maintains a broker connection: it rejoins its rooms after every
// reconnect, reconciles from snapshots when events may have been missed,
// and keeps a bounded log of received notifications.
type Client struct {
	cfg       Config
	joinFrame []byte

	mu            sync.Mutex
	status        Status
	handlers      map[events.Kind]map[int]Handler
	nextHandlerID int
	statusSubs    map[int]func(Status)
	nextStatusID  int
	seqs          map[string]uint64
	notifications []models.QueueNotification
	alertReady    bool
	alertFailed   bool
}

func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.NotificationLogCap <= 0 {
		cfg.NotificationLogCap = 50
	}

	var joinFrame []byte
	if cfg.JoinOp != "" {
		frame, err := events.EncodeFrame(cfg.JoinOp, cfg.JoinData)
		if err != nil {
			return nil, fmt.Errorf("client: encode join frame: %w", err)
		}
		joinFrame = frame
	}

	return &Client{
		cfg:        cfg,
		joinFrame:  joinFrame,
		status:     StatusConnecting,
		handlers:   make(map[events.Kind]map[int]Handler),
		statusSubs: make(map[int]func(Status)),
		seqs:       make(map[string]uint64),
	}, nil
}

// Handle registers a callback for one event kind. The returned func
// removes it.
func (c *Client) Handle(kind events.Kind, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[int]Handler)
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[kind][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[kind], id)
	}
}

func (c *Client) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextStatusID
	c.nextStatusID++
	c.statusSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusConnected
}

// Notifications returns a copy of the bounded notification log, newest
// last.
func (c *Client) Notifications() []models.QueueNotification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.QueueNotification, len(c.notifications))
	copy(out, c.notifications)
	return out
}

func (c *Client) setStatus(status Status) {
	c.mu.Lock()
	if c.status == status {
		c.mu.Unlock()
		return
	}
	c.status = status
	subs := make([]func(Status), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// Run connects and processes events until ctx is cancelled or the
// reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.cfg.Transport.Dial(ctx)
		if err != nil {
			attempts++
			if attempts >= c.cfg.MaxAttempts {
				c.setStatus(StatusDisconnected)
				return fmt.Errorf("client: gave up after %d attempts: %w", attempts, err)
			}
			c.setStatus(StatusReconnecting)
			if !sleep(ctx, backoff(attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)) {
				return ctx.Err()
			}
			continue
		}
		attempts = 0
		c.setStatus(StatusConnected)

		if err := c.resume(ctx, conn); err != nil {
			_ = conn.Close()
			c.setStatus(StatusReconnecting)
			continue
		}

		c.readLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setStatus(StatusReconnecting)
	}
}

// resume re-sends the join frame and reconciles each chamber from a
// snapshot, since events emitted while disconnected are gone.
func (c *Client) resume(ctx context.Context, conn Conn) error {
	if c.joinFrame != nil {
		if err := conn.WriteMessage(c.joinFrame); err != nil {
			return err
		}
	}
	for _, chamberID := range c.cfg.ChamberIDs {
		c.reconcile(ctx, chamberID)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := events.DecodeEnvelope(data)
		if err != nil {
			log.Printf("client: dropping malformed frame: %v", err)
			continue
		}
		c.handleEnvelope(ctx, env)
	}
}

func (c *Client) handleEnvelope(ctx context.Context, env events.Envelope) {
	if env.Seq > 0 && env.Room != "" {
		c.mu.Lock()
		last, seen := c.seqs[env.Room]
		gap := seen && env.Seq != last+1
		c.seqs[env.Room] = env.Seq
		c.mu.Unlock()
		if gap {
			if chamberID, ok := chamberFromRoom(env.Room); ok {
				log.Printf("client: sequence gap in %s (have %d, got %d), reconciling", env.Room, last, env.Seq)
				c.reconcile(ctx, chamberID)
			}
		}
	}

	payload, err := events.DecodePayload(env)
	if err != nil {
		log.Printf("client: dropping undecodable %s payload: %v", env.Type, err)
		return
	}

	if notification, ok := notify.Record(env, payload); ok {
		c.record(notification)
		if env.Type == events.KindYourTurn {
			c.alert(ctx, notification)
		}
	}
	c.dispatch(env, payload)
}

func (c *Client) dispatch(env events.Envelope, payload interface{}) {
	c.mu.Lock()
	fns := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, fn := range c.handlers[env.Type] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env, payload)
	}
}

// record appends to the notification log, evicting the oldest entries
// past the cap.
func (c *Client) record(notification models.QueueNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, notification)
	if overflow := len(c.notifications) - c.cfg.NotificationLogCap; overflow > 0 {
		c.notifications = append(c.notifications[:0], c.notifications[overflow:]...)
	}
}

func (c *Client) alert(ctx context.Context, notification models.QueueNotification) {
	if c.cfg.Alerter == nil {
		return
	}
	c.mu.Lock()
	ready, failed := c.alertReady, c.alertFailed
	c.mu.Unlock()
	if failed {
		return
	}
	if !ready {
		if err := c.cfg.Alerter.RequestPermission(ctx); err != nil {
			log.Printf("client: alert permission denied: %v", err)
			c.mu.Lock()
			c.alertFailed = true
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		c.alertReady = true
		c.mu.Unlock()
	}
	c.cfg.Alerter.Alert(notification)
}

// reconcile replaces event-derived state with a fresh snapshot, delivered
// through the queue:status handlers so callers have a single update path.
func (c *Client) reconcile(ctx context.Context, chamberID string) {
	if c.cfg.Snapshot == nil {
		return
	}
	snapshot, err := c.cfg.Snapshot(ctx, chamberID)
	if err != nil {
		log.Printf("client: snapshot %s: %v", chamberID, err)
		return
	}
	status := statusFromSnapshot(snapshot)
	body, err := json.Marshal(status)
	if err != nil {
		return
	}
	env := events.Envelope{
		Type:      events.KindQueueStatus,
		Room:      "chamber:" + chamberID,
		Payload:   body,
		CreatedAt: snapshot.LastUpdated,
	}
	c.dispatch(env, &status)
}

func statusFromSnapshot(snapshot models.QueueSnapshot) events.QueueStatus {
	return events.QueueStatus{
		ChamberID:             snapshot.ChamberID,
		CurrentSerial:         snapshot.CurrentSerial,
		EstimatedWaitMinutes:  queue.EstimateWait(snapshot.CurrentSerial+1, snapshot.CurrentSerial, snapshot.AverageConsultMinutes, snapshot.DelayMinutes),
		DelayMinutes:          snapshot.DelayMinutes,
		DoctorMessage:         snapshot.DoctorMessage,
		TotalInQueue:          snapshot.TotalInQueue,
		AverageConsultMinutes: snapshot.AverageConsultMinutes,
		LastUpdated:           snapshot.LastUpdated,
	}
}

func chamberFromRoom(room string) (string, bool) {
	const prefix = "chamber:"
	if len(room) > len(prefix) && room[:len(prefix)] == prefix {
		return room[len(prefix):], true
	}
	return "", false
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
