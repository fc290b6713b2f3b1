package consult

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/carecall/internal/callsession"
	"github.com/tjfontaine/carecall/internal/fsm"
)

func drain(ch <-chan message) []message {
	var out []message
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}

func TestHub_BroadcastAndFinish(t *testing.T) {
	h := newHub()
	a, b := h.subscribe(), h.subscribe()
	require.Equal(t, 2, h.len())

	snap := callsession.Snapshot{SessionID: "s-1", Phase: fsm.PhaseActive}
	h.broadcast(message{Type: messageSnapshot, Snapshot: &snap})
	h.broadcast(message{Type: messageOutcome, Outcome: &OutcomeView{SessionID: "s-1", Phase: "ended"}})
	h.finish()

	for _, s := range []*subscriber{a, b} {
		msgs := drain(s.ch)
		require.Len(t, msgs, 2)
		require.Equal(t, messageSnapshot, msgs[0].Type)
		require.Equal(t, messageOutcome, msgs[1].Type)
	}
	require.Equal(t, 0, h.len())

	// Broadcasts after finish are ignored.
	h.broadcast(message{Type: messageSnapshot, Snapshot: &snap})
}

func TestHub_LateSubscriberGetsOutcome(t *testing.T) {
	h := newHub()
	h.broadcast(message{Type: messageOutcome, Outcome: &OutcomeView{SessionID: "s-1", Phase: "failed", Error: "boom"}})
	h.finish()

	msgs := drain(h.subscribe().ch)
	require.Len(t, msgs, 1)
	require.Equal(t, "boom", msgs[0].Outcome.Error)
}

func TestHub_ClosedWithoutOutcome(t *testing.T) {
	h := newHub()
	h.close()
	require.Empty(t, drain(h.subscribe().ch))
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := newHub()
	slow := h.subscribe()

	snap := callsession.Snapshot{SessionID: "s-1"}
	for i := 0; i < subscriberBuffer+1; i++ {
		h.broadcast(message{Type: messageSnapshot, Snapshot: &snap})
	}
	require.Equal(t, 0, h.len())
	require.Len(t, drain(slow.ch), subscriberBuffer)
	require.True(t, slow.lagged)
	require.Equal(t, uint16(websocket.CloseTryAgainLater), binary.BigEndian.Uint16(closeFrame(slow)))
}

func TestCloseFrame_Finished(t *testing.T) {
	h := newHub()
	sub := h.subscribe()
	h.close()
	require.Empty(t, drain(sub.ch))
	require.False(t, sub.lagged)
	require.Equal(t, uint16(websocket.CloseNormalClosure), binary.BigEndian.Uint16(closeFrame(sub)))
}

func TestHub_Unsubscribe(t *testing.T) {
	h := newHub()
	s := h.subscribe()
	h.unsubscribe(s)
	h.unsubscribe(s)
	require.Equal(t, 0, h.len())

	_, open := <-s.ch
	require.False(t, open)
}

func TestNewOutcomeView(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := newOutcomeView(callsession.Outcome{
		SessionID:    "s-1",
		Phase:        fsm.PhaseFailed,
		VendorCallID: testCallID,
		Err:          errors.New("vendor start failed"),
		StartedAt:    start,
		FinishedAt:   start.Add(time.Minute),
	}, "/hospital-call/x/summary")

	require.Equal(t, "failed", v.Phase)
	require.Equal(t, "vendor start failed", v.Error)
	require.NotNil(t, v.Transcript)
	require.Empty(t, v.Transcript)
	require.Equal(t, "/hospital-call/x/summary", v.SummaryPath)
}
