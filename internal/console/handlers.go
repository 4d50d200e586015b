package console

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/alarmsync/internal/api"
	"github.com/markus-barta/alarmsync/internal/protocol"
	"github.com/markus-barta/alarmsync/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness and whether a session is active.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": s.session.Authenticated(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	v := s.cache.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"alarmState":        v.AlarmState,
		"effectiveSettings": v.Settings,
		"version":           v.Version,
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.cache.RecentEvents()})
}

func (s *Server) handleGetCountdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"countdown": s.cache.Countdown()})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": s.cache.ConnectionStatus()})
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.State())
}

// handleRetry is the manual reconnect button.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if !s.session.Authenticated() {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var started bool
	if s.tracker != nil {
		started = s.tracker.Retry(s.session.Retry)
	} else {
		started = s.session.Retry()
	}
	status := http.StatusAccepted
	if !started {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]bool{"started": started})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Refresh(r.Context()); err != nil {
		s.writeActionError(w, "refresh", err)
		return
	}
	s.handleGetState(w, r)
}

type actionRequest struct {
	TargetState protocol.AlarmState `json:"targetState"`
	Code        string              `json:"code"`
}

func decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	snap, err := s.session.Arm(r.Context(), req.TargetState, req.Code)
	if err != nil {
		s.writeActionError(w, "arm", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": snap})
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	snap, err := s.session.Disarm(r.Context(), req.Code)
	if err != nil {
		s.writeActionError(w, "disarm", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": snap})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	snap, err := s.session.CancelArming(r.Context(), req.Code)
	if err != nil {
		s.writeActionError(w, "cancel_arming", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": snap})
}

// writeActionError maps session and REST errors to console responses.
func (s *Server) writeActionError(w http.ResponseWriter, op string, err error) {
	var statusErr *api.StatusError
	var validationErr *protocol.ValidationError

	switch {
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, api.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, api.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrStaleResponse):
		writeError(w, http.StatusConflict, "session ended before the server answered")
	case errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
		writeError(w, statusErr.StatusCode, statusErr.Detail)
	case errors.As(err, &validationErr):
		s.log.Warn().Err(err).Str("op", op).Msg("alarm server sent an invalid response")
		writeError(w, http.StatusBadGateway, "invalid response from alarm server")
	default:
		s.log.Error().Err(err).Str("op", op).Msg("action failed")
		writeError(w, http.StatusBadGateway, "alarm server unavailable")
	}
}

// handleWebSocket registers a viewer and sends it the current snapshot and
// connection state.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  s.hub,
	}

	if data, err := encodeViewerMessage(typeSnapshot, s.cache.Snapshot()); err == nil {
		client.send <- data
	}
	if s.tracker != nil {
		if data, err := encodeViewerMessage(typeConnection, s.tracker.State()); err == nil {
			client.send <- data
		}
	}

	if !s.hub.Register(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
