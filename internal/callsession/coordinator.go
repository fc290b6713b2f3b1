// Package callsession coordinates one voice consultation between the caller's
// start/stop intents and the voice vendor's asynchronous events.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/carecall/internal/callid"
	"github.com/tjfontaine/carecall/internal/fsm"
)

// DefaultConnectTimeout bounds the connecting phase when Options leaves it unset.
const DefaultConnectTimeout = 30 * time.Second

// Observer receives session updates in the order the state changed, one call
// at a time. SessionComplete or SessionFailed is called exactly once per
// session. Observer methods must not call RequestStart, RequestStop or Dispose.
type Observer interface {
	SessionUpdated(Snapshot)
	SessionComplete(Outcome)
	SessionFailed(Outcome)
}

// noopObserver preserves coordinator flow when nothing is listening.
type noopObserver struct{}

func (noopObserver) SessionUpdated(Snapshot) {}
func (noopObserver) SessionComplete(Outcome) {}
func (noopObserver) SessionFailed(Outcome)   {}

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Logger         *slog.Logger
	Observer       Observer
	Validator      *callid.Validator
	ConnectTimeout time.Duration
}

// Coordinator owns at most one live session at a time.
type Coordinator struct {
	logger         *slog.Logger
	vendor         Vendor
	observer       Observer
	validator      *callid.Validator
	connectTimeout time.Duration

	mu          sync.Mutex
	session     *session
	disposed    bool
	staleEvents int
	issued      uint64

	// Effects run one batch at a time, in the order c.mu handed them out.
	flushMu   sync.Mutex
	flushTurn *sync.Cond
	flushed   uint64
}

type session struct {
	id           string
	phase        fsm.Phase
	vendorCallID string
	handle       CallHandle
	transcript   []TranscriptEntry
	lastError    error
	vendorError  error
	idError      error
	speaking     bool
	listening    bool
	subs         []Subscription
	stopIssued   bool
	notified     bool
	timer        *time.Timer
	startedAt    time.Time
	finishedAt   time.Time
}

// takeSubs hands the session's subscriptions to exactly one caller.
func (s *session) takeSubs() []Subscription {
	subs := s.subs
	s.subs = nil
	return subs
}

// effects collects observer calls and detachments to run after the lock is released.
type effects struct {
	updates []Snapshot
	outcome *Outcome
	detach  []Subscription
}

// New constructs a coordinator around an explicitly owned vendor instance.
func New(vendor Vendor, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	validator := opts.Validator
	if validator == nil {
		validator = callid.Default()
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	c := &Coordinator{
		logger:         logger,
		vendor:         vendor,
		observer:       observer,
		validator:      validator,
		connectTimeout: timeout,
	}
	c.flushTurn = sync.NewCond(&c.flushMu)
	return c
}

// RequestStart opens a new session and asks the vendor to start a call. The
// vendor request runs in the background; progress is reported to the Observer.
func (c *Coordinator) RequestStart(ctx context.Context, cfg StartConfig) (string, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return "", ErrDisposed
	}
	if prev := c.session; prev != nil && !prev.phase.Terminal() && prev.phase != fsm.PhaseIdle {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: session %s is %s", ErrAlreadyActive, prev.id, prev.phase)
	}

	var e effects
	if prev := c.session; prev != nil {
		e.detach = append(e.detach, prev.takeSubs()...)
	}

	sess := &session{
		id:        uuid.NewString(),
		phase:     fsm.PhaseIdle,
		startedAt: time.Now(),
	}
	c.session = sess
	c.listenLocked(sess)
	if err := c.transitionLocked(sess, fsm.EventStart, &e); err != nil {
		c.unlock(&e)
		return "", err
	}
	if c.connectTimeout > 0 {
		sess.timer = time.AfterFunc(c.connectTimeout, func() { c.onConnectTimeout(sess) })
	}
	c.unlock(&e)

	cfg.SessionID = sess.id
	c.logger.Info("consultation start requested", slog.String("session_id", sess.id))

	go c.start(context.WithoutCancel(ctx), sess, cfg)
	return sess.id, nil
}

func (c *Coordinator) start(ctx context.Context, sess *session, cfg StartConfig) {
	handle, err := c.vendor.Start(ctx, cfg)

	c.mu.Lock()
	var e effects
	var orphan CallHandle

	switch {
	case err != nil && sess.phase == fsm.PhaseConnecting:
		c.failLocked(sess, fsm.EventFail, fmt.Errorf("%w: %w", ErrVendorStartFailed, err), &e)
	case err != nil:
		c.logger.Debug("vendor start failed after session moved on",
			slog.String("session_id", sess.id),
			slog.String("phase", string(sess.phase)),
			slog.String("error", err.Error()))
	case sess.phase == fsm.PhaseConnecting || sess.phase == fsm.PhaseActive:
		sess.handle = handle
		if handle != nil && handle.CallID() != "" {
			_ = c.setVendorCallIDLocked(sess, handle.CallID())
		}
		e.updates = append(e.updates, c.snapshotLocked(sess))
	default:
		sess.handle = handle
		// A session that failed while the start was in flight leaves an orphan call.
		if sess.phase == fsm.PhaseFailed && !sess.stopIssued {
			orphan = handle
		}
	}
	c.unlock(&e)

	if orphan != nil {
		path, err := c.invokeStop(ctx, orphan)
		c.logStopResult(sess.id, "orphan", path, err)
	}
}

// RequestStop ends the live call. It is a no-op unless the session is
// connecting or active.
func (c *Coordinator) RequestStop(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil || (sess.phase != fsm.PhaseConnecting && sess.phase != fsm.PhaseActive) {
		c.mu.Unlock()
		return nil
	}
	var e effects
	if err := c.transitionLocked(sess, fsm.EventStop, &e); err != nil {
		c.mu.Unlock()
		return err
	}
	sess.stopIssued = true
	handle := sess.handle
	c.unlock(&e)

	return c.stop(ctx, sess, handle, "request")
}

// Dispose detaches vendor listeners and force-stops a connecting or active
// call. Repeated calls do nothing.
func (c *Coordinator) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true

	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return
	}

	var e effects
	e.detach = append(e.detach, sess.takeSubs()...)

	needStop := false
	var handle CallHandle
	if sess.phase == fsm.PhaseConnecting || sess.phase == fsm.PhaseActive {
		if err := c.transitionLocked(sess, fsm.EventStop, &e); err == nil {
			sess.stopIssued = true
			needStop = true
			handle = sess.handle
		}
	}
	c.unlock(&e)

	c.logger.Info("consultation disposed",
		slog.String("session_id", sess.id),
		slog.Bool("force_stop", needStop))

	if needStop {
		_ = c.stop(ctx, sess, handle, "dispose")
	}
}

func (c *Coordinator) stop(ctx context.Context, sess *session, handle CallHandle, reason string) error {
	path, err := c.invokeStop(ctx, handle)
	c.logStopResult(sess.id, reason, path, err)

	c.mu.Lock()
	var e effects
	var result error
	if err != nil {
		result = fmt.Errorf("%w: %w", ErrVendorStopFailed, err)
		if sess.phase == fsm.PhaseEnding {
			c.failLocked(sess, fsm.EventFail, result, &e)
		}
	} else if sess.phase == fsm.PhaseEnding {
		_ = c.transitionLocked(sess, fsm.EventConfirmed, &e)
	}
	c.unlock(&e)

	return result
}

// invokeStop prefers the vendor's documented Stop and falls back to the
// alternates only when it is unavailable.
func (c *Coordinator) invokeStop(ctx context.Context, handle CallHandle) (string, error) {
	if s, ok := c.vendor.(Stopper); ok {
		return "vendor.stop", s.Stop(ctx)
	}
	if e, ok := c.vendor.(Ender); ok {
		return "vendor.end", e.End(ctx)
	}
	if s, ok := handle.(Stopper); ok {
		return "call.stop", s.Stop(ctx)
	}
	if e, ok := handle.(Ender); ok {
		return "call.end", e.End(ctx)
	}
	return "", ErrNoStopMethod
}

func (c *Coordinator) logStopResult(sessionID, reason, path string, err error) {
	attrs := []any{
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.String("stop_path", path),
	}
	if err != nil {
		c.logger.Warn("vendor stop failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	c.logger.Info("vendor stop issued", attrs...)
}

func (c *Coordinator) onConnectTimeout(sess *session) {
	c.mu.Lock()
	if c.session != sess || sess.phase != fsm.PhaseConnecting {
		c.mu.Unlock()
		return
	}
	var e effects
	c.failLocked(sess, fsm.EventTimeout, fmt.Errorf("%w: %w", ErrVendorStartFailed, ErrConnectTimeout), &e)
	handle := sess.handle
	c.unlock(&e)

	if handle != nil {
		path, err := c.invokeStop(context.Background(), handle)
		c.logStopResult(sess.id, "connect_timeout", path, err)
	}
}

// listenLocked registers the vendor handlers for sess. Handlers are bound to
// the session so callbacks for a superseded session are discarded.
func (c *Coordinator) listenLocked(sess *session) {
	if sess.listening {
		return
	}
	sess.listening = true
	sess.subs = []Subscription{
		c.vendor.On(EventCallStart, func(ev Event) { c.onCallStart(sess, ev) }),
		c.vendor.On(EventCallEnd, func(ev Event) { c.onCallEnd(sess, ev) }),
		c.vendor.On(EventMessage, func(ev Event) { c.onTranscript(sess, ev.Speaker, ev.Text) }),
		c.vendor.On(EventSpeechStart, func(ev Event) { c.onSpeech(sess, ev.Type) }),
		c.vendor.On(EventSpeechEnd, func(ev Event) { c.onSpeech(sess, ev.Type) }),
		c.vendor.On(EventError, func(ev Event) { c.onVendorError(sess, ev) }),
	}
}

// currentLocked reports whether callbacks for sess may still change state.
func (c *Coordinator) currentLocked(sess *session) bool {
	return !c.disposed && c.session == sess
}

func (c *Coordinator) discardLocked(sess *session, ev EventType) {
	c.staleEvents++
	c.logger.Debug(ErrStaleEvent.Error(),
		slog.String("session_id", sess.id),
		slog.String("event", string(ev)),
		slog.String("phase", string(sess.phase)))
}

func (c *Coordinator) onCallStart(sess *session, ev Event) {
	c.mu.Lock()
	var e effects
	switch {
	case !c.currentLocked(sess) || sess.phase != fsm.PhaseConnecting:
		c.discardLocked(sess, ev.Type)
	default:
		_ = c.setVendorCallIDLocked(sess, ev.CallID)
		_ = c.transitionLocked(sess, fsm.EventAccepted, &e)
	}
	c.unlock(&e)
}

func (c *Coordinator) onCallEnd(sess *session, ev Event) {
	c.mu.Lock()
	var e effects
	if !c.currentLocked(sess) {
		c.discardLocked(sess, ev.Type)
		c.mu.Unlock()
		return
	}
	if ev.CallID != "" && !sess.phase.Terminal() {
		_ = c.setVendorCallIDLocked(sess, ev.CallID)
	}

	switch sess.phase {
	case fsm.PhaseConnecting:
		c.failLocked(sess, fsm.EventFail,
			fmt.Errorf("%w: call ended before it was accepted", ErrVendorStartFailed), &e)
	case fsm.PhaseActive:
		if err := c.transitionLocked(sess, fsm.EventVendorEnd, &e); err == nil {
			_ = c.transitionLocked(sess, fsm.EventConfirmed, &e)
		}
	case fsm.PhaseEnding:
		_ = c.transitionLocked(sess, fsm.EventConfirmed, &e)
	default:
		c.discardLocked(sess, ev.Type)
	}
	c.unlock(&e)
}

func (c *Coordinator) onTranscript(sess *session, speaker, text string) {
	c.mu.Lock()
	var e effects
	if !c.currentLocked(sess) || sess.phase != fsm.PhaseActive {
		c.discardLocked(sess, EventMessage)
	} else {
		sess.transcript = append(sess.transcript, TranscriptEntry{Speaker: speaker, Text: text})
		e.updates = append(e.updates, c.snapshotLocked(sess))
	}
	c.unlock(&e)
}

func (c *Coordinator) onSpeech(sess *session, ev EventType) {
	speaking := ev == EventSpeechStart

	c.mu.Lock()
	var e effects
	if !c.currentLocked(sess) || sess.phase != fsm.PhaseActive {
		c.discardLocked(sess, ev)
	} else if sess.speaking != speaking {
		sess.speaking = speaking
		e.updates = append(e.updates, c.snapshotLocked(sess))
	}
	c.unlock(&e)
}

func (c *Coordinator) onVendorError(sess *session, ev Event) {
	err := ev.Err
	if err == nil {
		err = errors.New("unspecified vendor error")
	}

	c.mu.Lock()
	var e effects
	switch {
	case !c.currentLocked(sess) || sess.phase.Terminal():
		c.discardLocked(sess, ev.Type)
	case sess.phase == fsm.PhaseConnecting:
		c.failLocked(sess, fsm.EventFail, fmt.Errorf("%w: %w", ErrVendorStartFailed, err), &e)
	default:
		sess.vendorError = err
		c.logger.Warn("vendor error during call",
			slog.String("session_id", sess.id),
			slog.String("phase", string(sess.phase)),
			slog.String("error", err.Error()))
	}
	c.unlock(&e)
}

// setVendorCallIDLocked is the only writer of vendorCallID.
func (c *Coordinator) setVendorCallIDLocked(sess *session, id string) error {
	if err := c.validator.Validate(id); err != nil {
		sess.idError = err
		c.logger.Warn("rejected vendor call identifier",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		return err
	}
	switch sess.vendorCallID {
	case "":
		sess.vendorCallID = id
		return nil
	case id:
		return nil
	default:
		err := fmt.Errorf("%w: have %s, got %s", ErrIdentifierConflict, sess.vendorCallID, id)
		sess.idError = err
		c.logger.Error("vendor call identifier anomaly",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()))
		return err
	}
}

func (c *Coordinator) failLocked(sess *session, event fsm.Event, err error, e *effects) {
	sess.lastError = err
	if terr := c.transitionLocked(sess, event, e); terr != nil {
		c.logger.Error("failed to record session failure",
			slog.String("session_id", sess.id),
			slog.String("error", terr.Error()))
	}
}

func (c *Coordinator) transitionLocked(sess *session, event fsm.Event, e *effects) error {
	next, err := fsm.Transition(sess.phase, event)
	if err != nil {
		return err
	}
	c.logger.Debug("session transition",
		slog.String("session_id", sess.id),
		slog.String("from", string(sess.phase)),
		slog.String("to", string(next)))
	sess.phase = next

	if next != fsm.PhaseConnecting && sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	if next != fsm.PhaseActive {
		sess.speaking = false
	}
	if next.Terminal() && !sess.notified {
		sess.notified = true
		sess.finishedAt = time.Now()
		out := c.outcomeLocked(sess)
		e.outcome = &out
		e.detach = append(e.detach, sess.takeSubs()...)
	}
	e.updates = append(e.updates, c.snapshotLocked(sess))
	return nil
}

// unlock releases c.mu and then runs e. Batches are flushed in the order they
// were collected, so an observer never sees an older phase after a newer one.
func (c *Coordinator) unlock(e *effects) {
	c.issued++
	turn := c.issued
	c.mu.Unlock()

	c.flushMu.Lock()
	for c.flushed != turn-1 {
		c.flushTurn.Wait()
	}
	c.flushMu.Unlock()

	c.flush(e)

	c.flushMu.Lock()
	c.flushed = turn
	c.flushTurn.Broadcast()
	c.flushMu.Unlock()
}

// flush runs observer callbacks and detachments outside the lock.
func (c *Coordinator) flush(e *effects) {
	for _, snap := range e.updates {
		c.observer.SessionUpdated(snap)
	}
	if e.outcome != nil {
		if e.outcome.Phase == fsm.PhaseFailed {
			c.logger.Warn("consultation failed",
				slog.String("session_id", e.outcome.SessionID),
				slog.String("error", e.outcome.ErrorMessage()))
			c.observer.SessionFailed(*e.outcome)
		} else {
			c.logger.Info("consultation complete",
				slog.String("session_id", e.outcome.SessionID),
				slog.String("call_id", e.outcome.VendorCallID))
			c.observer.SessionComplete(*e.outcome)
		}
	}
	for _, sub := range e.detach {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}
