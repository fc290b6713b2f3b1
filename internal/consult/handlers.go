package consult

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/carecall/internal/auth"
	"github.com/tjfontaine/carecall/internal/callsession"
	"github.com/tjfontaine/carecall/internal/server"
	"github.com/tjfontaine/carecall/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler serves the consultation HTTP and websocket API.
type Handler struct {
	manager  *Manager
	events   storage.SessionEventStore
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the handler. originAllowed gates websocket upgrades; nil
// keeps gorilla's same-origin check.
func NewHandler(m *Manager, events storage.SessionEventStore, originAllowed func(string) bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{manager: m, events: events, logger: logger}
	if originAllowed != nil {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(origin)
		}
	}
	return h
}

// Routes mounts the consultation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handleStart)
	r.Get("/{session_id}", h.handleGet)
	r.Post("/{session_id}/stop", h.handleStop)
	r.Delete("/{session_id}", h.handleDispose)
	r.Get("/{session_id}/events", h.handleEvents)
	r.Get("/{session_id}/timeline", h.handleTimeline)
}

type startRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if err := h.manager.Ready(); err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusServiceUnavailable, "voice consultations are not configured")
		return
	}

	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		server.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.manager.Start(r.Context(), userID, req.Metadata)
	switch {
	case errors.Is(err, callsession.ErrAlreadyActive):
		server.WriteError(w, http.StatusConflict, "a consultation is already in progress")
		return
	case errors.Is(err, ErrClosed):
		server.WriteError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "failed to start consultation")
		return
	}

	server.AddLogField(r.Context(), "session_id", c.ID())
	server.WriteJSON(w, http.StatusCreated, c.View())
}

func (h *Handler) consultation(w http.ResponseWriter, r *http.Request) (*Consultation, bool) {
	id := chi.URLParam(r, "session_id")
	server.AddLogField(r.Context(), "session_id", id)
	c, err := h.manager.Get(id, auth.UserIDFromContext(r.Context()))
	if err != nil {
		server.WriteError(w, http.StatusNotFound, "consultation not found")
		return nil, false
	}
	return c, true
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := h.consultation(w, r)
	if !ok {
		return
	}
	server.WriteJSON(w, http.StatusOK, c.View())
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	server.AddLogField(r.Context(), "session_id", id)

	c, err := h.manager.Stop(r.Context(), id, auth.UserIDFromContext(r.Context()))
	switch {
	case errors.Is(err, ErrNotFound):
		server.WriteError(w, http.StatusNotFound, "consultation not found")
		return
	case err != nil:
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusBadGateway, "failed to stop the call")
		return
	}
	server.WriteJSON(w, http.StatusAccepted, c.View())
}

func (h *Handler) handleDispose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	server.AddLogField(r.Context(), "session_id", id)

	if err := h.manager.Dispose(r.Context(), id, auth.UserIDFromContext(r.Context())); err != nil {
		server.WriteError(w, http.StatusNotFound, "consultation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if h.events == nil {
		server.WriteError(w, http.StatusServiceUnavailable, "session history is not configured")
		return
	}
	events, err := h.events.ListSessionEvents(r.Context(), id)
	if err != nil {
		server.AddError(r.Context(), err)
		server.WriteError(w, http.StatusInternalServerError, "failed to load session history")
		return
	}
	if len(events) == 0 || events[0].UserID != auth.UserIDFromContext(r.Context()) {
		server.WriteError(w, http.StatusNotFound, "consultation not found")
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

// handleEvents streams snapshots and the final outcome over a websocket.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := h.consultation(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		server.AddError(r.Context(), err)
		return
	}
	defer conn.Close()

	sub := c.hub.subscribe()
	defer c.hub.unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader: handles pongs and notices the client going away.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := c.View().Snapshot
	if err := h.write(conn, message{Type: messageSnapshot, Snapshot: &snap}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.ch:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, closeFrame(sub))
				return
			}
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// closeFrame ends the stream once sub's channel is closed. A dropped
// subscriber is told to reconnect rather than that the call finished.
func closeFrame(sub *subscriber) []byte {
	if sub.lagged {
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream fell behind, reconnect")
	}
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "consultation finished")
}

func (h *Handler) write(conn *websocket.Conn, msg message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}
