package consult

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/carecall/internal/callsession"
	"github.com/tjfontaine/carecall/internal/fsm"
	"github.com/tjfontaine/carecall/internal/handoff"
	"github.com/tjfontaine/carecall/internal/storage"
	"github.com/tjfontaine/carecall/internal/storage/memory"
	"github.com/tjfontaine/carecall/internal/vapi"
)

const testCallID = "019c1f8a-0cc3-7002-9f51-e1d40b86e676"

type fakeVapi struct {
	*httptest.Server

	mu      sync.Mutex
	created int
	ends    int
}

func newFakeVapi(t *testing.T) *fakeVapi {
	t.Helper()
	f := &fakeVapi{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call/web", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.created++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"id":         testCallID,
			"webCallUrl": "https://vapi.daily.co/room-1",
			"monitor":    map[string]string{"controlUrl": f.URL + "/control/" + testCallID},
		})
	})
	mux.HandleFunc("POST /control/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.ends++
		f.mu.Unlock()
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeVapi) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

type recordingHandoff struct {
	mu       sync.Mutex
	payloads []*handoff.Payload
}

func (h *recordingHandoff) Deliver(ctx context.Context, p *handoff.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, p)
	return nil
}

func (h *recordingHandoff) all() []*handoff.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*handoff.Payload(nil), h.payloads...)
}

type fixture struct {
	vapi    *fakeVapi
	store   *memory.Store
	handoff *recordingHandoff
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		vapi:    newFakeVapi(t),
		store:   memory.New(),
		handoff: &recordingHandoff{},
	}
	client := vapi.NewClient("test-key", vapi.WithBaseURL(f.vapi.URL), vapi.WithHTTPClient(f.vapi.Client()))
	f.manager = NewManager(Options{
		Client:  client,
		Store:   f.store,
		Handoff: f.handoff,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings: Settings{
			AssistantID:    "asst-1",
			ConnectTimeout: 5 * time.Second,
		},
	})
	t.Cleanup(func() { f.manager.Close(context.Background()) })
	return f
}

// startAccepted starts a consultation and waits for the vendor to return the call.
func (f *fixture) startAccepted(t *testing.T, userID string) *Consultation {
	t.Helper()
	c, err := f.manager.Start(context.Background(), userID, map[string]string{"source": "test"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := c.coord.VendorCallID()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

func (f *fixture) dispatch(t *testing.T, sessionID string, msg map[string]any) bool {
	t.Helper()
	msg["call"] = map[string]any{
		"id":       testCallID,
		"metadata": map[string]string{vapi.MetadataSessionID: sessionID},
	}
	body, err := json.Marshal(map[string]any{"message": msg})
	require.NoError(t, err)
	parsed, err := vapi.ParseServerMessage(body)
	require.NoError(t, err)
	return f.manager.Dispatcher().Dispatch(parsed)
}

func (f *fixture) phases(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := f.store.ListSessionEvents(context.Background(), sessionID)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Phase
	}
	return out
}

func TestManager_ConsultationLifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")
	id := c.ID()
	require.NotEmpty(t, id)

	view := c.View()
	require.Equal(t, fsm.PhaseConnecting, view.Phase)
	require.Equal(t, "https://vapi.daily.co/room-1", view.JoinURL)
	require.Equal(t, "/hospital-call/"+testCallID+"/summary", view.SummaryPath)

	require.True(t, f.dispatch(t, id, map[string]any{"type": "status-update", "status": "in-progress"}))
	require.Equal(t, fsm.PhaseActive, c.View().Phase)

	f.dispatch(t, id, map[string]any{"type": "transcript", "transcriptType": "final", "role": "user", "transcript": "I have a headache."})
	f.dispatch(t, id, map[string]any{"type": "transcript", "transcriptType": "partial", "role": "user", "transcript": "I have"})
	require.Len(t, c.View().Transcript, 1)

	f.dispatch(t, id, map[string]any{"type": "status-update", "status": "ended", "endedReason": "customer-ended-call"})

	out, ok := c.Outcome()
	require.True(t, ok)
	require.Equal(t, fsm.PhaseEnded, out.Phase)
	require.Equal(t, testCallID, out.VendorCallID)

	f.manager.deliveries.Wait()
	payloads := f.handoff.all()
	require.Len(t, payloads, 1)
	require.Equal(t, "user_1", payloads[0].UserID)
	require.Equal(t, testCallID, payloads[0].CallID)
	require.Equal(t, "/hospital-call/"+testCallID+"/summary", payloads[0].SummaryPath)
	require.Len(t, payloads[0].Transcript, 1)

	require.Equal(t, []string{"connecting", "active", "ending", "ended"}, f.phases(t, id))

	// Finished consultations stay readable but no longer receive webhooks.
	_, err := f.manager.Get(id, "user_1")
	require.NoError(t, err)
	require.False(t, f.dispatch(t, id, map[string]any{"type": "status-update", "status": "in-progress"}))
}

func TestManager_OneLiveConsultationPerUser(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")

	_, err := f.manager.Start(context.Background(), "user_1", nil)
	require.ErrorIs(t, err, callsession.ErrAlreadyActive)

	other := f.startAccepted(t, "user_2")
	require.NotEqual(t, c.ID(), other.ID())

	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "in-progress"})
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "ended"})
	_, done := c.Outcome()
	require.True(t, done)

	again := f.startAccepted(t, "user_1")
	require.NotEqual(t, c.ID(), again.ID())
	require.Equal(t, 3, f.manager.Len())
}

func TestManager_GetChecksOwner(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")

	_, err := f.manager.Get(c.ID(), "user_2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Get("missing", "user_1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Stop(context.Background(), c.ID(), "user_2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StopEndsCall(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "in-progress"})

	_, err := f.manager.Stop(context.Background(), c.ID(), "user_1")
	require.NoError(t, err)
	require.Equal(t, 1, f.vapi.endCount())

	out, ok := c.Outcome()
	require.True(t, ok)
	require.Equal(t, fsm.PhaseEnded, out.Phase)
}

func TestManager_VendorFailureRecordsDetail(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")

	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "ended", "endedReason": "pipeline-error-openai-llm-failed"})

	out, ok := c.Outcome()
	require.True(t, ok)
	require.Equal(t, fsm.PhaseFailed, out.Phase)
	require.Error(t, out.Err)

	events, err := f.store.ListSessionEvents(context.Background(), c.ID())
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, "failed", last.Phase)
	require.NotEmpty(t, last.Detail)

	f.manager.deliveries.Wait()
	payloads := f.handoff.all()
	require.Len(t, payloads, 1)
	require.NotEmpty(t, payloads[0].Error)
}

func TestManager_SavesEndOfCallReport(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "in-progress"})

	report := map[string]any{
		"type":        "end-of-call-report",
		"endedReason": "assistant-ended-call",
		"analysis":    map[string]any{"summary": "Tension headache, hydrate and rest."},
		"artifact":    map[string]any{"transcript": "AI: Hello\nUser: I have a headache."},
		"cost":        0.12,
	}
	f.dispatch(t, c.ID(), report)

	sum, err := f.store.GetCallSummary(context.Background(), testCallID)
	require.NoError(t, err)
	require.Equal(t, "user_1", sum.UserID)
	require.Equal(t, c.ID(), sum.SessionID)
	require.Equal(t, "Tension headache, hydrate and rest.", sum.Summary)
	require.Contains(t, sum.Transcript, "headache")
	require.JSONEq(t, `{"summary":"Tension headache, hydrate and rest."}`, string(sum.Analysis))

	// A redelivered report is ignored, even after the session is unregistered.
	f.dispatch(t, c.ID(), report)
	list, err := f.store.ListCallSummaries(context.Background(), "user_1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, ok := c.Outcome()
	require.True(t, ok)
}

func TestManager_RejectsReportWithInvalidCallID(t *testing.T) {
	f := newFixture(t)
	f.manager.saveReport(vapi.Report{CallID: "not-a-uuid", UserID: "user_1", Summary: "x"})

	_, err := f.store.GetCallSummary(context.Background(), "not-a-uuid")
	require.True(t, errors.Is(err, storage.ErrNotFound), "err = %v", err)
}

func TestManager_SweepEvictsAfterRetention(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.manager.now = func() time.Time { return base }
	f.manager.UpdateSettings(Settings{AssistantID: "asst-1", Retention: 10 * time.Minute})

	c := f.startAccepted(t, "user_1")
	live := f.startAccepted(t, "user_2")
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "in-progress"})
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "ended"})

	require.Equal(t, 0, f.manager.sweep(context.Background(), base.Add(9*time.Minute)))
	require.Equal(t, 1, f.manager.sweep(context.Background(), base.Add(10*time.Minute)))
	require.Equal(t, 1, f.manager.Len())

	_, err := f.manager.Get(c.ID(), "user_1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.manager.Get(live.ID(), "user_2")
	require.NoError(t, err)
}

func TestManager_DisposeEndsLiveCall(t *testing.T) {
	f := newFixture(t)
	c := f.startAccepted(t, "user_1")

	require.NoError(t, f.manager.Dispose(context.Background(), c.ID(), "user_1"))
	require.Equal(t, 1, f.vapi.endCount())
	require.Equal(t, 0, f.manager.Len())

	// The slot is free again.
	f.startAccepted(t, "user_1")
}

func TestManager_CloseRejectsNewConsultations(t *testing.T) {
	f := newFixture(t)
	f.startAccepted(t, "user_1")
	f.startAccepted(t, "user_2")

	f.manager.Close(context.Background())
	require.Equal(t, 0, f.manager.Len())
	require.Equal(t, 2, f.vapi.endCount())

	_, err := f.manager.Start(context.Background(), "user_3", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestManager_Ready(t *testing.T) {
	m := NewManager(Options{})
	require.ErrorIs(t, m.Ready(), vapi.ErrMissingAPIKey)

	m = NewManager(Options{Client: vapi.NewClient("")})
	require.ErrorIs(t, m.Ready(), vapi.ErrMissingAPIKey)

	m = NewManager(Options{Client: vapi.NewClient("k")})
	require.NoError(t, m.Ready())
}

func TestManager_UpdateSettingsAppliesDefaults(t *testing.T) {
	m := NewManager(Options{Settings: Settings{AssistantID: "a"}})
	s := m.Settings()
	require.Equal(t, "a", s.AssistantID)
	require.Equal(t, DefaultRetention, s.Retention)
	require.Equal(t, DefaultSummaryPath, s.SummaryPath)
	require.Equal(t, callsession.DefaultConnectTimeout, s.ConnectTimeout)

	m.UpdateSettings(Settings{AssistantID: "b", SummaryPath: "/calls/{callId}"})
	require.Equal(t, "b", m.Settings().AssistantID)
	require.Equal(t, "/calls/{callId}", m.Settings().SummaryPath)
}

type blockingHandoff struct {
	release   chan struct{}
	delivered atomic.Int32
}

func (h *blockingHandoff) Deliver(ctx context.Context, p *handoff.Payload) error {
	<-h.release
	h.delivered.Add(1)
	return nil
}

func TestManager_HandoffDoesNotBlockWebhook(t *testing.T) {
	f := newFixture(t)
	slow := &blockingHandoff{release: make(chan struct{})}
	f.manager.handoff = slow

	c := f.startAccepted(t, "user_1")
	f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "in-progress"})

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		f.dispatch(t, c.ID(), map[string]any{"type": "status-update", "status": "ended", "endedReason": "customer-ended-call"})
	}()
	select {
	case <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook dispatch waited on the handoff sink")
	}
	_, ok := c.Outcome()
	require.True(t, ok)
	require.Zero(t, slow.delivered.Load())

	close(slow.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.manager.Close(ctx)
	require.Equal(t, int32(1), slow.delivered.Load(), "Close must drain pending deliveries")
}
