package vapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/carecall/internal/callsession"
)

// Metadata keys attached to every web call so webhooks can be routed back.
const (
	MetadataSessionID = "session_id"
	MetadataUserID    = "user_id"
)

// ErrSessionClosed is returned by Start after Close.
var ErrSessionClosed = errors.New("vapi: call session closed")

// webCall is the handle returned to the coordinator.
type webCall struct {
	id         string
	joinURL    string
	controlURL string
}

func (w *webCall) CallID() string  { return w.id }
func (w *webCall) JoinURL() string { return w.joinURL }

// SessionConfig configures a CallSession.
type SessionConfig struct {
	AssistantID  string
	AnalysisPlan *AnalysisPlan
	Logger       *slog.Logger
}

// CallSession adapts one consultation's vendor call to the coordinator's
// vendor port. Webhook events reach it through Emit.
type CallSession struct {
	client *Client
	cfg    SessionConfig
	logger *slog.Logger

	mu          sync.Mutex
	handlers    map[callsession.EventType]map[uint64]callsession.Handler
	nextHandler uint64
	call        *webCall
	stopPending bool
	closed      bool
}

// NewCallSession creates an adapter bound to client.
func NewCallSession(client *Client, cfg SessionConfig) *CallSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CallSession{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[callsession.EventType]map[uint64]callsession.Handler),
	}
}

// Start creates the web call. The local session id travels in the call
// metadata and is echoed back on every server message.
func (s *CallSession) Start(ctx context.Context, cfg callsession.StartConfig) (callsession.CallHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	assistantID := cfg.AssistantID
	if assistantID == "" {
		assistantID = s.cfg.AssistantID
	}

	metadata := make(map[string]string, len(cfg.Metadata)+2)
	for k, v := range cfg.Metadata {
		metadata[k] = v
	}
	metadata[MetadataSessionID] = cfg.SessionID
	if cfg.UserID != "" {
		metadata[MetadataUserID] = cfg.UserID
	}

	req := &WebCallRequest{
		AssistantID: assistantID,
		AssistantOverrides: &AssistantOverrides{
			AnalysisPlan: s.cfg.AnalysisPlan,
			Metadata:     metadata,
		},
		Metadata: metadata,
	}

	call, err := s.client.CreateWebCall(ctx, req)
	if err != nil {
		return nil, err
	}

	wc := &webCall{id: call.ID, joinURL: call.WebCallURL}
	if call.Monitor != nil {
		wc.controlURL = call.Monitor.ControlURL
	}

	s.mu.Lock()
	s.call = wc
	endNow := s.stopPending
	s.mu.Unlock()

	if endNow {
		s.logger.Info("ending web call stopped during start", slog.String("call_id", wc.id))
		if err := s.client.EndCall(ctx, wc.controlURL); err != nil {
			s.logger.Warn("failed to end web call", slog.String("call_id", wc.id), slog.String("error", err.Error()))
		}
	}
	return wc, nil
}

// Stop ends the current web call. A stop that arrives before the vendor
// accepted the start is deferred until the call exists.
func (s *CallSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	wc := s.call
	if wc == nil {
		s.stopPending = true
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.client.EndCall(ctx, wc.controlURL); err != nil {
		return fmt.Errorf("end call %s: %w", wc.id, err)
	}
	return nil
}

// On registers h for event.
func (s *CallSession) On(event callsession.EventType, h callsession.Handler) callsession.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextHandler
	s.nextHandler++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]callsession.Handler)
	}
	s.handlers[event][id] = h

	return callsession.SubscriptionFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], id)
	})
}

// Emit delivers ev to the registered handlers outside the adapter lock.
func (s *CallSession) Emit(ev callsession.Event) {
	s.mu.Lock()
	hs := make([]callsession.Handler, 0, len(s.handlers[ev.Type]))
	for _, h := range s.handlers[ev.Type] {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// CallID returns the vendor id of the current web call, if created.
func (s *CallSession) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return ""
	}
	return s.call.id
}

// Close drops all handlers and rejects further starts.
func (s *CallSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.handlers = make(map[callsession.EventType]map[uint64]callsession.Handler)
}
