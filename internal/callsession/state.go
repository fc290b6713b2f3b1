package callsession

import (
	"time"

	"github.com/tjfontaine/carecall/internal/fsm"
)

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Snapshot is a read-only view of the current session.
type Snapshot struct {
	SessionID       string            `json:"session_id"`
	Phase           fsm.Phase         `json:"phase"`
	VendorCallID    string            `json:"vendor_call_id,omitempty"`
	JoinURL         string            `json:"join_url,omitempty"`
	Speaking        bool              `json:"speaking"`
	Transcript      []TranscriptEntry `json:"transcript"`
	LastError       string            `json:"last_error,omitempty"`
	VendorError     string            `json:"vendor_error,omitempty"`
	IdentifierError string            `json:"identifier_error,omitempty"`
	StaleEvents     int               `json:"stale_events"`
	StartedAt       time.Time         `json:"started_at"`
}

// Outcome is delivered once when a session reaches a terminal phase.
type Outcome struct {
	SessionID    string
	Phase        fsm.Phase
	VendorCallID string
	Transcript   []TranscriptEntry
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// ErrorMessage returns the failure reason, or "" for a completed session.
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func copyTranscript(in []TranscriptEntry) []TranscriptEntry {
	out := make([]TranscriptEntry, len(in))
	copy(out, in)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type joinURLer interface {
	JoinURL() string
}

func (c *Coordinator) snapshotLocked(sess *session) Snapshot {
	snap := Snapshot{
		SessionID:       sess.id,
		Phase:           sess.phase,
		VendorCallID:    sess.vendorCallID,
		Speaking:        sess.speaking,
		Transcript:      copyTranscript(sess.transcript),
		LastError:       errString(sess.lastError),
		VendorError:     errString(sess.vendorError),
		IdentifierError: errString(sess.idError),
		StaleEvents:     c.staleEvents,
		StartedAt:       sess.startedAt,
	}
	if j, ok := sess.handle.(joinURLer); ok {
		snap.JoinURL = j.JoinURL()
	}
	return snap
}

func (c *Coordinator) outcomeLocked(sess *session) Outcome {
	out := Outcome{
		SessionID:    sess.id,
		Phase:        sess.phase,
		VendorCallID: sess.vendorCallID,
		Transcript:   copyTranscript(sess.transcript),
		StartedAt:    sess.startedAt,
		FinishedAt:   sess.finishedAt,
	}
	if sess.phase == fsm.PhaseFailed {
		out.Err = sess.lastError
	}
	return out
}

// Phase returns the current session phase, or idle when no session exists.
func (c *Coordinator) Phase() fsm.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return fsm.PhaseIdle
	}
	return c.session.phase
}

// SessionID returns the current session identifier.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// VendorCallID returns the validated vendor call identifier, if one was accepted.
func (c *Coordinator) VendorCallID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.vendorCallID == "" {
		return "", false
	}
	return c.session.vendorCallID, true
}

// Transcript returns a copy of the finalized transcript.
func (c *Coordinator) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return copyTranscript(c.session.transcript)
}

// LastError returns the error that failed the session, if any.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.lastError
}

// Snapshot returns the current session view. ok is false before the first start.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Snapshot{Phase: fsm.PhaseIdle, StaleEvents: c.staleEvents}, false
	}
	return c.snapshotLocked(c.session), true
}

// StaleEvents counts vendor callbacks discarded because they arrived for a
// superseded session or in a phase that ignores them.
func (c *Coordinator) StaleEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleEvents
}
