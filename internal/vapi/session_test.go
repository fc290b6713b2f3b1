package vapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/carecall/internal/callsession"
	"github.com/tjfontaine/carecall/internal/fsm"
)

const testCallID = "019c1f8a-0cc3-7002-9f51-e1d40b86e676"

type fakeVapi struct {
	*httptest.Server

	mu       sync.Mutex
	created  []WebCallRequest
	ends     int
	release  chan struct{}
	failWith int
}

func newFakeVapi(t *testing.T) *fakeVapi {
	t.Helper()
	f := &fakeVapi{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /call/web", func(w http.ResponseWriter, r *http.Request) {
		var req WebCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode web call: %v", err)
		}
		f.mu.Lock()
		f.created = append(f.created, req)
		release, failWith := f.release, f.failWith
		f.mu.Unlock()
		if release != nil {
			<-release
		}
		if failWith != 0 {
			w.WriteHeader(failWith)
			w.Write([]byte(`{"message":"assistant not found"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         testCallID,
			"webCallUrl": "https://vapi.daily.co/room-1",
			"monitor":    map[string]string{"controlUrl": f.URL + "/control/" + testCallID},
		})
	})
	mux.HandleFunc("POST /control/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"type":"end-call"}` {
			t.Errorf("control body = %s", body)
		}
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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCallSession_StartSendsMetadata(t *testing.T) {
	f := newFakeVapi(t)
	client := NewClient("k", WithBaseURL(f.URL), WithHTTPClient(f.Client()))
	cs := NewCallSession(client, SessionConfig{
		AssistantID:  "asst-default",
		AnalysisPlan: &AnalysisPlan{SummaryPrompt: "Summarize."},
	})

	handle, err := cs.Start(context.Background(), callsession.StartConfig{SessionID: "s-1", UserID: "user_1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if handle.CallID() != testCallID {
		t.Errorf("CallID() = %q", handle.CallID())
	}
	if j, ok := handle.(interface{ JoinURL() string }); !ok || j.JoinURL() != "https://vapi.daily.co/room-1" {
		t.Error("handle should expose the join url")
	}

	req := f.created[0]
	if req.AssistantID != "asst-default" {
		t.Errorf("AssistantID = %q", req.AssistantID)
	}
	if req.Metadata[MetadataSessionID] != "s-1" || req.Metadata[MetadataUserID] != "user_1" {
		t.Errorf("Metadata = %v", req.Metadata)
	}
	if req.AssistantOverrides == nil || req.AssistantOverrides.AnalysisPlan.SummaryPrompt != "Summarize." {
		t.Errorf("AssistantOverrides = %+v", req.AssistantOverrides)
	}
}

func TestCallSession_StopBeforeCreatedIsDeferred(t *testing.T) {
	f := newFakeVapi(t)
	client := NewClient("k", WithBaseURL(f.URL), WithHTTPClient(f.Client()))
	cs := NewCallSession(client, SessionConfig{AssistantID: "a"})

	if err := cs.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if f.endCount() != 0 {
		t.Fatal("nothing to end yet")
	}
	if _, err := cs.Start(context.Background(), callsession.StartConfig{SessionID: "s"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if f.endCount() != 1 {
		t.Errorf("ends = %d, want deferred end after start", f.endCount())
	}
}

func TestCallSession_UnsubscribeAndClose(t *testing.T) {
	cs := NewCallSession(NewClient("k"), SessionConfig{})
	calls := 0
	sub := cs.On(callsession.EventCallStart, func(callsession.Event) { calls++ })

	cs.Emit(callsession.Event{Type: callsession.EventCallStart})
	sub.Unsubscribe()
	cs.Emit(callsession.Event{Type: callsession.EventCallStart})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	cs.Close()
	if _, err := cs.Start(context.Background(), callsession.StartConfig{}); err != ErrSessionClosed {
		t.Errorf("Start() after Close error = %v", err)
	}
}

// TestCallSession_WithCoordinator drives a full consultation: REST start,
// webhook events through the dispatcher, then a user stop.
func TestCallSession_WithCoordinator(t *testing.T) {
	f := newFakeVapi(t)
	client := NewClient("k", WithBaseURL(f.URL), WithHTTPClient(f.Client()))
	cs := NewCallSession(client, SessionConfig{AssistantID: "a", Logger: quietLogger()})
	d := NewDispatcher(quietLogger(), nil)

	coord := callsession.New(cs, callsession.Options{Logger: quietLogger(), ConnectTimeout: 5 * time.Second})
	sessionID, err := coord.RequestStart(context.Background(), callsession.StartConfig{UserID: "user_1"})
	if err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	d.Register(sessionID, cs)

	waitFor(t, func() bool { _, ok := coord.VendorCallID(); return ok })

	call := &Call{ID: testCallID, Metadata: map[string]string{MetadataSessionID: sessionID}}
	d.Dispatch(&ServerMessage{Type: MessageStatusUpdate, Status: "in-progress", Call: call})
	d.Dispatch(&ServerMessage{Type: MessageTranscript, TranscriptType: "final", Role: "assistant", Transcript: "Hello", Call: call})
	if coord.Phase() != fsm.PhaseActive {
		t.Fatalf("Phase() = %s, want active", coord.Phase())
	}

	if err := coord.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if coord.Phase() != fsm.PhaseEnded {
		t.Errorf("Phase() = %s, want ended", coord.Phase())
	}
	if f.endCount() != 1 {
		t.Errorf("ends = %d, want 1", f.endCount())
	}
	if tr := coord.Transcript(); len(tr) != 1 || tr[0].Text != "Hello" {
		t.Errorf("Transcript() = %+v", tr)
	}

	// The vendor's trailing end-of-call report arrives after the session ended.
	d.Dispatch(&ServerMessage{Type: MessageEndOfCallReport, Call: call})
	if coord.Phase() != fsm.PhaseEnded {
		t.Errorf("Phase() after report = %s", coord.Phase())
	}
}

func TestCallSession_StartFailureFailsSession(t *testing.T) {
	f := newFakeVapi(t)
	f.failWith = http.StatusBadRequest
	client := NewClient("k", WithBaseURL(f.URL), WithHTTPClient(f.Client()))
	cs := NewCallSession(client, SessionConfig{AssistantID: "missing"})

	coord := callsession.New(cs, callsession.Options{Logger: quietLogger()})
	if _, err := coord.RequestStart(context.Background(), callsession.StartConfig{}); err != nil {
		t.Fatalf("RequestStart() error = %v", err)
	}
	waitFor(t, func() bool { return coord.Phase() == fsm.PhaseFailed })

	apiErr, ok := AsAPIError(coord.LastError())
	if !ok || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("LastError() = %v", coord.LastError())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
