package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	readLimit  = 4096
)

// AuthFunc resolves the request to an authenticated principal.
type AuthFunc func(r *http.Request) (Principal, error)

// Server upgrades HTTP requests to broker sessions. Each connection gets a
// hub client, a write pump draining its ordered send channel, and a read
// loop dispatching operation frames; operations from one connection are
// handled serially.
type Server struct {
	broker   *Broker
	hub      *hub.Hub
	auth     AuthFunc
	upgrader websocket.Upgrader
}

func NewServer(b *Broker, h *hub.Hub, auth AuthFunc) *Server {
	return &Server{
		broker: b,
		hub:    h,
		auth:   auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("session: upgrade failed: %v", err)
		return
	}

	client := s.hub.NewClient(uuid.NewString())
	log.Printf("session: connected client=%s role=%s", client.ID, principal.Role)

	go s.writePump(conn, client)
	s.readLoop(r.Context(), conn, client, principal)

	s.hub.Unregister(client)
	_ = conn.Close()
	log.Printf("session: closed client=%s", client.ID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client, principal Principal) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := events.DecodeFrame(message)
		if err != nil {
			s.reject(client, "validation_error", "malformed operation frame")
			continue
		}
		if err := s.dispatch(ctx, client, principal, frame); err != nil {
			s.rejectErr(client, err)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, client *hub.Client, principal Principal, frame events.Frame) error {
	switch frame.Op {
	case events.OpDoctorJoin:
		var in events.DoctorJoin
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.JoinDoctor(ctx, principal, client, in)
	case events.OpPatientJoin:
		var in events.PatientJoin
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.JoinPatient(ctx, principal, client, in)
	case events.OpUpdateQueue:
		var in events.UpdateQueue
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.UpdateQueue(ctx, principal, in)
	case events.OpAnnounceDelay:
		var in events.AnnounceDelay
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.AnnounceDelay(ctx, principal, in)
	case events.OpCallPatient:
		var in events.CallPatient
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.CallPatient(ctx, principal, in)
	case events.OpCompletePatient:
		var in events.CompletePatient
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.CompletePatient(ctx, principal, in)
	case events.OpSendMessage:
		var in events.SendMessage
		if err := decodeData(frame.Data, &in); err != nil {
			return err
		}
		return s.broker.SendMessage(ctx, principal, in)
	}
	return events.ErrUnknownOp
}

func decodeData(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		return ErrValidation
	}
	if err := json.Unmarshal(data, target); err != nil {
		return ErrValidation
	}
	return nil
}

func (s *Server) rejectErr(client *hub.Client, err error) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		s.reject(client, "authorization_error", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, events.ErrUnknownOp):
		s.reject(client, "validation_error", err.Error())
	default:
		log.Printf("session: operation failed for client %s: %v", client.ID, err)
		s.reject(client, "internal_error", "operation failed")
	}
}

func (s *Server) reject(client *hub.Client, code, message string) {
	_ = s.hub.SendTo(client, events.KindError, events.ErrorPayload{Code: code, Message: message})
}

func (s *Server) writePump(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
