// Package consult runs live voice consultations: one call session
// coordinator per consultation, wired to the vendor adapter, persistence,
// handoff sinks and websocket subscribers.
package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/carecall/internal/callid"
	"github.com/tjfontaine/carecall/internal/callsession"
	"github.com/tjfontaine/carecall/internal/fsm"
	"github.com/tjfontaine/carecall/internal/handoff"
	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/vapi"
)

const (
	DefaultRetention   = 15 * time.Minute
	DefaultSummaryPath = "/hospital-call/{callId}/summary"

	sweepInterval = time.Minute
)

var (
	// ErrNotFound covers unknown consultations and those owned by another user.
	ErrNotFound = errors.New("consultation not found")
	ErrClosed   = errors.New("consultation manager closed")
)

// Store is the persistence the manager writes to.
type Store interface {
	storage.SessionEventStore
	storage.CallStore
}

// Handoff receives finished consultations.
type Handoff interface {
	Deliver(ctx context.Context, p *handoff.Payload) error
}

// Settings are the reloadable parts of the manager's configuration.
type Settings struct {
	AssistantID    string
	AnalysisPlan   *vapi.AnalysisPlan
	ConnectTimeout time.Duration
	Retention      time.Duration
	SummaryPath    string
}

// Options configures a Manager.
type Options struct {
	Client    *vapi.Client
	Store     Store
	Handoff   Handoff
	Validator *callid.Validator
	Logger    *slog.Logger
	Settings  Settings
}

// Manager owns every live consultation.
type Manager struct {
	client     *vapi.Client
	store      Store
	handoff    Handoff
	validator  *callid.Validator
	logger     *slog.Logger
	dispatcher *vapi.Dispatcher
	settings   atomic.Pointer[Settings]
	now        func() time.Time

	mu            sync.RWMutex
	consultations map[string]*Consultation
	live          map[string]string // user id -> live consultation id
	closed        bool
	drained       bool

	deliveries sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := opts.Validator
	if validator == nil {
		validator = callid.Default()
	}

	m := &Manager{
		client:        opts.Client,
		store:         opts.Store,
		handoff:       opts.Handoff,
		validator:     validator,
		logger:        logger,
		now:           time.Now,
		consultations: make(map[string]*Consultation),
		live:          make(map[string]string),
	}
	m.dispatcher = vapi.NewDispatcher(logger, m.saveReport)
	m.UpdateSettings(opts.Settings)
	return m
}

// UpdateSettings swaps the reloadable settings. Running consultations keep
// the settings they started with.
func (m *Manager) UpdateSettings(s Settings) {
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = callsession.DefaultConnectTimeout
	}
	if s.Retention <= 0 {
		s.Retention = DefaultRetention
	}
	if s.SummaryPath == "" {
		s.SummaryPath = DefaultSummaryPath
	}
	m.settings.Store(&s)
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings {
	return *m.settings.Load()
}

// Ready reports whether consultations can be started.
func (m *Manager) Ready() error {
	if m.client == nil || !m.client.HasAPIKey() {
		return vapi.ErrMissingAPIKey
	}
	return nil
}

// Dispatcher routes vendor webhooks to live consultations.
func (m *Manager) Dispatcher() *vapi.Dispatcher {
	return m.dispatcher
}

// Start opens a consultation for userID and asks the vendor for a web call.
// A user has at most one live consultation.
func (m *Manager) Start(ctx context.Context, userID string, metadata map[string]string) (*Consultation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if id, ok := m.live[userID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: consultation %s", callsession.ErrAlreadyActive, id)
	}
	// Reserve the slot until the coordinator assigns the session id.
	m.live[userID] = ""
	m.mu.Unlock()

	settings := m.Settings()
	c := &Consultation{
		userID:      userID,
		summaryPath: settings.SummaryPath,
		createdAt:   m.now(),
		hub:         newHub(),
		manager:     m,
	}
	c.adapter = vapi.NewCallSession(m.client, vapi.SessionConfig{
		AssistantID:  settings.AssistantID,
		AnalysisPlan: settings.AnalysisPlan,
		Logger:       m.logger,
	})
	c.coord = callsession.New(c.adapter, callsession.Options{
		Logger:         m.logger.With(slog.String("user_id", userID)),
		Observer:       c,
		Validator:      m.validator,
		ConnectTimeout: settings.ConnectTimeout,
	})

	id, err := c.coord.RequestStart(ctx, callsession.StartConfig{
		UserID:      userID,
		AssistantID: settings.AssistantID,
		Metadata:    metadata,
	})
	if err != nil {
		m.mu.Lock()
		if m.live[userID] == "" {
			delete(m.live, userID)
		}
		m.mu.Unlock()
		c.adapter.Close()
		return nil, err
	}
	// attach already ran from the first SessionUpdated; this covers an
	// observer that was never called.
	m.attach(c, id)
	return c, nil
}

// attach registers c under its session id. It runs once per consultation,
// before the vendor start is issued.
func (m *Manager) attach(c *Consultation, id string) {
	c.mu.Lock()
	if c.id != "" {
		c.mu.Unlock()
		return
	}
	c.id = id
	c.mu.Unlock()

	m.dispatcher.Register(id, c.adapter)

	m.mu.Lock()
	m.consultations[id] = c
	if cur, ok := m.live[c.userID]; ok && cur == "" {
		m.live[c.userID] = id
	}
	m.mu.Unlock()
}

// Get returns the consultation id owned by userID.
func (m *Manager) Get(id, userID string) (*Consultation, error) {
	m.mu.RLock()
	c, ok := m.consultations[id]
	m.mu.RUnlock()
	if !ok || c.userID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Stop asks the vendor to end the consultation's call.
func (m *Manager) Stop(ctx context.Context, id, userID string) (*Consultation, error) {
	c, err := m.Get(id, userID)
	if err != nil {
		return nil, err
	}
	if err := c.coord.RequestStop(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Dispose tears the consultation down, ending a live call, and forgets it.
func (m *Manager) Dispose(ctx context.Context, id, userID string) error {
	c, err := m.Get(id, userID)
	if err != nil {
		return err
	}
	m.evict(ctx, c)
	return nil
}

// Len reports how many consultations are held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.consultations)
}

func (m *Manager) evict(ctx context.Context, c *Consultation) {
	c.coord.Dispose(ctx)
	m.dispatcher.Unregister(c.ID())
	c.adapter.Close()
	c.hub.close()

	m.mu.Lock()
	delete(m.consultations, c.ID())
	if m.live[c.userID] == c.ID() {
		delete(m.live, c.userID)
	}
	m.mu.Unlock()
}

// release frees the user's live slot once the consultation is terminal.
func (m *Manager) release(c *Consultation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[c.userID] == c.ID() {
		delete(m.live, c.userID)
	}
}

// Run evicts finished consultations after the retention period until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, m.now())
		}
	}
}

func (m *Manager) sweep(ctx context.Context, now time.Time) int {
	retention := m.Settings().Retention

	m.mu.RLock()
	var expired []*Consultation
	for _, c := range m.consultations {
		if fin, ok := c.finished(); ok && now.Sub(fin) >= retention {
			expired = append(expired, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range expired {
		m.evict(ctx, c)
	}
	if len(expired) > 0 {
		m.logger.Debug("evicted finished consultations", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Close disposes every consultation, ending live calls, and waits for
// pending handoff deliveries until ctx is done.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	all := make([]*Consultation, 0, len(m.consultations))
	for _, c := range m.consultations {
		all = append(all, c)
	}
	m.mu.Unlock()

	for _, c := range all {
		m.evict(ctx, c)
	}

	m.mu.Lock()
	m.drained = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown before handoff deliveries finished", slog.String("error", ctx.Err().Error()))
	}
}

func (m *Manager) recordEvent(c *Consultation, snap callsession.Snapshot, detail string) {
	if m.store == nil {
		return
	}
	ev := &storage.SessionEvent{
		SessionID: snap.SessionID,
		UserID:    c.userID,
		Phase:     string(snap.Phase),
		CallID:    snap.VendorCallID,
		Detail:    detail,
	}
	if err := m.store.AppendSessionEvent(context.Background(), ev); err != nil {
		m.logger.Error("failed to record session event",
			slog.String("session_id", snap.SessionID),
			slog.String("error", err.Error()))
	}
}

// deliver hands the outcome to the handoff sinks in the background so slow
// sinks never hold up the vendor webhook that ended the call.
func (m *Manager) deliver(c *Consultation, out callsession.Outcome) {
	if m.handoff == nil {
		return
	}
	p := handoff.NewPayload(c.userID, c.SummaryPath(), out)
	send := func() {
		if err := m.handoff.Deliver(context.Background(), p); err != nil {
			m.logger.Error("consultation handoff failed",
				slog.String("session_id", out.SessionID),
				slog.String("error", err.Error()))
		}
	}

	m.mu.Lock()
	if m.drained {
		m.mu.Unlock()
		send()
		return
	}
	m.deliveries.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.deliveries.Done()
		send()
	}()
}

// saveReport persists an end-of-call report as the call's summary.
func (m *Manager) saveReport(r vapi.Report) {
	if m.store == nil || r.CallID == "" {
		return
	}
	if err := m.validator.Validate(r.CallID); err != nil {
		m.logger.Warn("end-of-call report with invalid call id", slog.String("error", err.Error()))
		return
	}

	userID := r.UserID
	if userID == "" {
		m.mu.RLock()
		if c, ok := m.consultations[r.SessionID]; ok {
			userID = c.userID
		}
		m.mu.RUnlock()
	}

	sum := &storage.CallSummary{
		CallID:      r.CallID,
		UserID:      userID,
		SessionID:   r.SessionID,
		Summary:     r.Summary,
		Transcript:  r.Transcript,
		EndedReason: r.EndedReason,
		Cost:        r.Cost,
	}
	if r.Analysis != nil {
		if b, err := json.Marshal(r.Analysis); err == nil {
			sum.Analysis = b
		}
	}

	err := m.store.SaveCallSummary(context.Background(), sum)
	switch {
	case err == nil:
		m.logger.Info("call summary saved",
			slog.String("call_id", r.CallID),
			slog.String("session_id", r.SessionID))
	case errors.Is(err, storage.ErrDuplicate):
		m.logger.Debug("call summary already saved", slog.String("call_id", r.CallID))
	default:
		m.logger.Error("failed to save call summary",
			slog.String("call_id", r.CallID),
			slog.String("error", err.Error()))
	}
}

// Consultation is one user's voice consultation.
type Consultation struct {
	userID      string
	summaryPath string
	createdAt   time.Time
	manager     *Manager
	adapter     *vapi.CallSession
	coord       *callsession.Coordinator
	hub         *hub

	mu         sync.Mutex
	id         string
	lastPhase  fsm.Phase
	outcome    *callsession.Outcome
	finishedAt time.Time
}

// View is the JSON representation of a consultation.
type View struct {
	callsession.Snapshot
	UserID      string    `json:"user_id"`
	SummaryPath string    `json:"summary_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Consultation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Consultation) UserID() string { return c.userID }

// SummaryPath is the frontend route of the call summary, once the vendor
// call id is known.
func (c *Consultation) SummaryPath() string {
	id, ok := c.coord.VendorCallID()
	if !ok {
		return ""
	}
	return strings.ReplaceAll(c.summaryPath, "{callId}", id)
}

// View returns the consultation's current state.
func (c *Consultation) View() View {
	snap, _ := c.coord.Snapshot()
	if snap.Transcript == nil {
		snap.Transcript = []callsession.TranscriptEntry{}
	}
	return View{
		Snapshot:    snap,
		UserID:      c.userID,
		SummaryPath: c.SummaryPath(),
		CreatedAt:   c.createdAt,
	}
}

// Outcome returns the terminal outcome, if the consultation finished.
func (c *Consultation) Outcome() (callsession.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == nil {
		return callsession.Outcome{}, false
	}
	return *c.outcome, true
}

func (c *Consultation) finished() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedAt, c.outcome != nil
}

// SessionUpdated implements callsession.Observer.
func (c *Consultation) SessionUpdated(snap callsession.Snapshot) {
	c.manager.attach(c, snap.SessionID)

	c.mu.Lock()
	if c.outcome != nil {
		c.mu.Unlock()
		return
	}
	changed := snap.Phase != c.lastPhase
	c.lastPhase = snap.Phase
	c.mu.Unlock()

	if changed {
		detail := ""
		if snap.Phase == fsm.PhaseFailed {
			detail = snap.LastError
		}
		c.manager.recordEvent(c, snap, detail)
	}
	c.hub.broadcast(message{Type: messageSnapshot, Snapshot: &snap})
}

// SessionComplete implements callsession.Observer.
func (c *Consultation) SessionComplete(out callsession.Outcome) {
	c.finish(out)
}

// SessionFailed implements callsession.Observer.
func (c *Consultation) SessionFailed(out callsession.Outcome) {
	c.finish(out)
}

func (c *Consultation) finish(out callsession.Outcome) {
	c.mu.Lock()
	c.outcome = &out
	c.finishedAt = c.manager.now()
	c.mu.Unlock()

	m := c.manager
	m.release(c)
	m.dispatcher.Unregister(out.SessionID)

	m.logger.Info("consultation finished",
		slog.String("session_id", out.SessionID),
		slog.String("phase", string(out.Phase)),
		slog.String("call_id", out.VendorCallID),
		slog.Duration("duration", out.FinishedAt.Sub(out.StartedAt)))

	m.deliver(c, out)
	c.hub.broadcast(message{Type: messageOutcome, Outcome: newOutcomeView(out, c.SummaryPath())})
	c.hub.finish()
}

var _ callsession.Observer = (*Consultation)(nil)
