package vapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tjfontaine/carecall/internal/callsession"
)

// SecretHeader carries the shared server-message secret.
const SecretHeader = "X-Vapi-Secret"

// Server message types the dispatcher understands.
const (
	MessageStatusUpdate    = "status-update"
	MessageTranscript      = "transcript"
	MessageSpeechUpdate    = "speech-update"
	MessageEndOfCallReport = "end-of-call-report"
)

// ErrMalformedMessage is returned for bodies that are not server messages.
var ErrMalformedMessage = errors.New("vapi: malformed server message")

// ServerMessage is the "message" object of a webhook body.
type ServerMessage struct {
	Type           string    `json:"type"`
	Status         string    `json:"status,omitempty"`
	EndedReason    string    `json:"endedReason,omitempty"`
	Role           string    `json:"role,omitempty"`
	TranscriptType string    `json:"transcriptType,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	Artifact       *Artifact `json:"artifact,omitempty"`
	Cost           float64   `json:"cost,omitempty"`
	Call           *Call     `json:"call,omitempty"`
}

// SessionID returns the local session the message belongs to, falling back
// to the vendor call id when metadata was not echoed.
func (m *ServerMessage) SessionID() string {
	if m.Call == nil {
		return ""
	}
	if id := m.Call.Metadata[MetadataSessionID]; id != "" {
		return id
	}
	return m.Call.ID
}

// CallID returns the vendor call id, if present.
func (m *ServerMessage) CallID() string {
	if m.Call == nil {
		return ""
	}
	return m.Call.ID
}

// ParseServerMessage decodes a webhook body of the form {"message": {...}}.
func ParseServerMessage(body []byte) (*ServerMessage, error) {
	var envelope struct {
		Message *ServerMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if envelope.Message == nil || envelope.Message.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedMessage)
	}
	return envelope.Message, nil
}

// VerifySecret compares the webhook secret header in constant time. Nothing
// verifies against an empty expected secret.
func VerifySecret(got, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// Report is a finished call's end-of-call report.
type Report struct {
	SessionID   string
	CallID      string
	UserID      string
	EndedReason string
	Summary     string
	Transcript  string
	Analysis    *Analysis
	Cost        float64
}

// ReportHandler receives end-of-call reports, routed or not.
type ReportHandler func(Report)

// Dispatcher routes server messages to the CallSession that owns them.
type Dispatcher struct {
	logger   *slog.Logger
	onReport ReportHandler

	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewDispatcher creates a dispatcher. onReport may be nil.
func NewDispatcher(logger *slog.Logger, onReport ReportHandler) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		onReport: onReport,
		sessions: make(map[string]*CallSession),
	}
}

// Register associates a session id with its adapter.
func (d *Dispatcher) Register(sessionID string, s *CallSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = s
}

// Unregister drops a session id.
func (d *Dispatcher) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

func (d *Dispatcher) lookup(msg *ServerMessage) *CallSession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.sessions[msg.SessionID()]; ok {
		return s
	}
	if id := msg.CallID(); id != "" {
		for _, s := range d.sessions {
			if s.CallID() == id {
				return s
			}
		}
	}
	return nil
}

// Dispatch translates msg into coordinator events. It reports whether a live
// session consumed the message.
func (d *Dispatcher) Dispatch(msg *ServerMessage) bool {
	if msg.Type == MessageEndOfCallReport {
		d.report(msg)
	}

	target := d.lookup(msg)
	events := Translate(msg)
	if target == nil {
		if len(events) > 0 {
			d.logger.Debug("server message for unknown session",
				slog.String("type", msg.Type),
				slog.String("session_id", msg.SessionID()))
		}
		return false
	}
	for _, ev := range events {
		target.Emit(ev)
	}
	return true
}

func (d *Dispatcher) report(msg *ServerMessage) {
	if d.onReport == nil {
		return
	}
	r := Report{
		SessionID:   msg.SessionID(),
		CallID:      msg.CallID(),
		EndedReason: msg.EndedReason,
		Summary:     msg.Summary,
		Analysis:    msg.Analysis,
		Cost:        msg.Cost,
	}
	if msg.Call != nil {
		r.UserID = msg.Call.Metadata[MetadataUserID]
	}
	if msg.Artifact != nil {
		r.Transcript = msg.Artifact.Transcript
	}
	if r.Transcript == "" {
		r.Transcript = msg.Transcript
	}
	if r.Summary == "" && msg.Analysis != nil {
		r.Summary = msg.Analysis.Summary
	}
	d.onReport(r)
}

// Translate maps one server message onto coordinator events. Messages with
// no coordinator meaning yield nil.
func Translate(msg *ServerMessage) []callsession.Event {
	callID := msg.CallID()

	switch msg.Type {
	case MessageStatusUpdate:
		switch msg.Status {
		case "in-progress":
			return []callsession.Event{{Type: callsession.EventCallStart, CallID: callID}}
		case "ended":
			return endEvents(callID, msg.EndedReason)
		}
	case MessageTranscript:
		if msg.TranscriptType == "final" && strings.TrimSpace(msg.Transcript) != "" {
			return []callsession.Event{{
				Type:    callsession.EventMessage,
				Speaker: msg.Role,
				Text:    msg.Transcript,
			}}
		}
	case MessageSpeechUpdate:
		if msg.Role != "" && msg.Role != "assistant" {
			return nil
		}
		switch msg.Status {
		case "started":
			return []callsession.Event{{Type: callsession.EventSpeechStart}}
		case "stopped":
			return []callsession.Event{{Type: callsession.EventSpeechEnd}}
		}
	case MessageEndOfCallReport:
		return endEvents(callID, msg.EndedReason)
	}
	return nil
}

func endEvents(callID, reason string) []callsession.Event {
	end := callsession.Event{Type: callsession.EventCallEnd, CallID: callID}
	if IsErrorReason(reason) {
		return []callsession.Event{
			{Type: callsession.EventError, CallID: callID, Err: fmt.Errorf("call ended: %s", reason)},
			end,
		}
	}
	return []callsession.Event{end}
}

// IsErrorReason reports whether an endedReason describes a failure rather
// than a normal hangup.
func IsErrorReason(reason string) bool {
	return strings.Contains(reason, "error") ||
		strings.Contains(reason, "failed") ||
		strings.HasPrefix(reason, "call.start.")
}
