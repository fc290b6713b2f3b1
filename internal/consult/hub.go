package consult

import (
	"sync"
	"time"

	"github.com/tjfontaine/carecall/internal/callsession"
)

type messageType string

const (
	messageSnapshot messageType = "snapshot"
	messageOutcome  messageType = "outcome"
)

// message is one frame on the consultation event stream.
type message struct {
	Type     messageType           `json:"type"`
	Snapshot *callsession.Snapshot `json:"snapshot,omitempty"`
	Outcome  *OutcomeView          `json:"outcome,omitempty"`
}

// OutcomeView is the JSON form of a terminal outcome.
type OutcomeView struct {
	SessionID   string                        `json:"session_id"`
	Phase       string                        `json:"phase"`
	CallID      string                        `json:"call_id,omitempty"`
	Error       string                        `json:"error,omitempty"`
	Transcript  []callsession.TranscriptEntry `json:"transcript"`
	SummaryPath string                        `json:"summary_path,omitempty"`
	StartedAt   time.Time                     `json:"started_at"`
	FinishedAt  time.Time                     `json:"finished_at"`
}

func newOutcomeView(out callsession.Outcome, summaryPath string) *OutcomeView {
	transcript := out.Transcript
	if transcript == nil {
		transcript = []callsession.TranscriptEntry{}
	}
	return &OutcomeView{
		SessionID:   out.SessionID,
		Phase:       string(out.Phase),
		CallID:      out.VendorCallID,
		Error:       out.ErrorMessage(),
		Transcript:  transcript,
		SummaryPath: summaryPath,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
	}
}

const subscriberBuffer = 32

type subscriber struct {
	ch chan message
	// lagged is set before ch is closed for a full buffer.
	lagged bool
}

// hub fans consultation messages out to websocket subscribers. Once the
// outcome has been broadcast every subscriber channel is closed, and late
// subscribers receive the outcome alone.
type hub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	outcome *message
	done    bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan message, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		if h.outcome != nil {
			s.ch <- *h.outcome
		}
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// broadcast never blocks; a subscriber whose buffer is full is dropped.
func (h *hub) broadcast(msg message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	if msg.Type == messageOutcome {
		h.outcome = &msg
	}
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			delete(h.subs, s)
			s.lagged = true
			close(s.ch)
		}
	}
}

// finish closes every subscriber after the outcome.
func (h *hub) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) close() { h.finish() }

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
