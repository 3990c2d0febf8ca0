package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"nirnoy/realtime-service/internal/broker"
	"nirnoy/realtime-service/internal/store"
)

type Handler struct {
	store            store.QueueStore
	broker           *broker.Broker
	changefeedStatus func() string
}

type healthResponse struct {
	Status     string `json:"status"`
	Changefeed string `json:"changefeed,omitempty"`
}

type checkinRequest struct {
	RequestID     string `json:"request_id"`
	AppointmentID string `json:"appointment_id"`
	ChamberID     string `json:"chamber_id"`
	PatientID     string `json:"patient_id"`
	SerialNumber  int    `json:"serial_number"`
}

type cancelRequest struct {
	RequestID     string `json:"request_id"`
	AppointmentID string `json:"appointment_id"`
}

type archiveRequest struct {
	RequestID string `json:"request_id"`
	ChamberID string `json:"chamber_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queueStore store.QueueStore, b *broker.Broker) *Handler {
	return &Handler{store: queueStore, broker: b}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/queue/checkin", h.handleCheckin)
	mux.HandleFunc("/api/queue/cancel", h.handleCancel)
	mux.HandleFunc("/api/queue/archive", h.handleArchive)
	return mux
}

// SetChangefeedStatus wires the changefeed bridge's status into the
// health endpoint. Live traffic keeps flowing when the bridge is down;
// the health response is how operators see the degradation.
func (h *Handler) SetChangefeedStatus(fn func() string) {
	h.changefeedStatus = fn
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.changefeedStatus == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	resp := healthResponse{Status: "ok", Changefeed: h.changefeedStatus()}
	if resp.Changefeed == "disconnected" {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSnapshot serves the full chamber state clients reconcile against
// after a reconnect or a sequence gap.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := principalFromContext(r.Context()); !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}

	chamberID := strings.TrimSpace(r.URL.Query().Get("chamber_id"))
	if chamberID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "chamber_id is required")
		return
	}

	snapshot, err := h.store.Snapshot(r.Context(), chamberID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := requireDoctor(w, r)
	if !ok {
		return
	}

	var req checkinRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.ChamberID = strings.TrimSpace(req.ChamberID)
	req.PatientID = strings.TrimSpace(req.PatientID)

	if req.AppointmentID == "" || req.ChamberID == "" || req.PatientID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id, chamber_id, and patient_id are required")
		return
	}
	if req.SerialNumber < 1 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "serial_number must be >= 1")
		return
	}
	if !h.ownsChamber(w, r, principal, req.RequestID, req.ChamberID) {
		return
	}

	entry, created, err := h.store.CreateEntry(r.Context(), store.CheckinInput{
		RequestID:     req.RequestID,
		AppointmentID: req.AppointmentID,
		ChamberID:     req.ChamberID,
		PatientID:     req.PatientID,
		SerialNumber:  req.SerialNumber,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	if created {
		h.refresh(r, req.ChamberID)
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleCancel removes an entry from the queue. Doctors may cancel entries
// in their own chambers; patients only their own appointments.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}

	var req cancelRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id is required")
		return
	}

	entry, err := h.store.GetEntry(r.Context(), req.AppointmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	switch principal.Role {
	case broker.RoleDoctor:
		if entry.DoctorID != principal.DoctorID {
			writeError(w, req.RequestID, http.StatusForbidden, "access_denied", "entry belongs to another doctor")
			return
		}
	case broker.RolePatient:
		if entry.PatientID != principal.PatientID {
			writeError(w, req.RequestID, http.StatusForbidden, "access_denied", "entry belongs to another patient")
			return
		}
	default:
		writeError(w, req.RequestID, http.StatusForbidden, "access_denied", "access denied")
		return
	}

	if err := h.store.CancelEntry(r.Context(), req.AppointmentID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	h.refresh(r, entry.ChamberID)
	w.WriteHeader(http.StatusNoContent)
}

// handleArchive closes out a chamber's day: completed and stale entries
// are archived so the next session starts clean.
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := requireDoctor(w, r)
	if !ok {
		return
	}

	var req archiveRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ChamberID = strings.TrimSpace(req.ChamberID)
	if req.ChamberID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "chamber_id is required")
		return
	}
	if !h.ownsChamber(w, r, principal, req.RequestID, req.ChamberID) {
		return
	}

	if err := h.store.ArchiveChamber(r.Context(), req.ChamberID, time.Now().UTC()); err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	h.refresh(r, req.ChamberID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ownsChamber(w http.ResponseWriter, r *http.Request, principal broker.Principal, requestID, chamberID string) bool {
	chamber, err := h.store.GetChamber(r.Context(), chamberID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return false
	}
	if chamber.DoctorID != principal.DoctorID {
		writeError(w, requestID, http.StatusForbidden, "access_denied", "chamber belongs to another doctor")
		return false
	}
	return true
}

func (h *Handler) refresh(r *http.Request, chamberID string) {
	if h.broker == nil {
		return
	}
	if err := h.broker.RefreshChamber(r.Context(), chamberID); err != nil {
		log.Printf("httpapi: refresh chamber %s: %v", chamberID, err)
	}
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrChamberNotFound):
		return http.StatusNotFound, "chamber_not_found", "chamber not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrEntryCompleted):
		return http.StatusConflict, "entry_completed", "queue entry already completed"
	case errors.Is(err, store.ErrDuplicateSerial):
		return http.StatusConflict, "duplicate_serial", "serial number already taken"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
