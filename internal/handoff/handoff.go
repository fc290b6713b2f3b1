// Package handoff delivers finished consultations to downstream systems
// (EHR intake, triage queues) through configured webhook sinks.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/carecall/internal/callsession"
)

// Payload is the JSON document posted to each sink.
type Payload struct {
	SessionID   string                        `json:"session_id"`
	UserID      string                        `json:"user_id,omitempty"`
	CallID      string                        `json:"call_id,omitempty"`
	Phase       string                        `json:"phase"`
	Error       string                        `json:"error,omitempty"`
	Transcript  []callsession.TranscriptEntry `json:"transcript"`
	SummaryPath string                        `json:"summary_path,omitempty"`
	StartedAt   time.Time                     `json:"started_at"`
	FinishedAt  time.Time                     `json:"finished_at"`
	DeliveredAt time.Time                     `json:"delivered_at"`
}

// NewPayload builds a payload from a terminal outcome.
func NewPayload(userID, summaryPath string, out callsession.Outcome) *Payload {
	transcript := out.Transcript
	if transcript == nil {
		transcript = []callsession.TranscriptEntry{}
	}
	return &Payload{
		SessionID:   out.SessionID,
		UserID:      userID,
		CallID:      out.VendorCallID,
		Phase:       string(out.Phase),
		Error:       out.ErrorMessage(),
		Transcript:  transcript,
		SummaryPath: summaryPath,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
	}
}

// OnError selects what a sink failure means for the delivery as a whole.
type OnError string

const (
	OnErrorIgnore OnError = "ignore"
	OnErrorFail   OnError = "fail"
)

// Sink receives finished consultations.
type Sink interface {
	Name() string
	OnError() OnError
	Deliver(ctx context.Context, p *Payload) error
}

// Dispatcher fans a payload out to every sink in order.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{sinks: sinks, logger: logger, now: time.Now}
}

// Len reports the number of configured sinks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

// Deliver posts p to every sink. Failures of "ignore" sinks are logged; the
// failures of "fail" sinks are returned together as *FailedError values.
func (d *Dispatcher) Deliver(ctx context.Context, p *Payload) error {
	if d.Len() == 0 {
		return nil
	}
	p.DeliveredAt = d.now().UTC()

	var errs []error
	for _, s := range d.sinks {
		err := s.Deliver(ctx, p)
		if err == nil {
			d.logger.Debug("handoff delivered",
				slog.String("sink", s.Name()),
				slog.String("session_id", p.SessionID))
			continue
		}

		if s.OnError() == OnErrorIgnore {
			d.logger.Warn("handoff failed, ignoring",
				slog.String("sink", s.Name()),
				slog.String("session_id", p.SessionID),
				slog.String("error", err.Error()))
			continue
		}
		d.logger.Error("handoff failed",
			slog.String("sink", s.Name()),
			slog.String("session_id", p.SessionID),
			slog.String("error", err.Error()))
		errs = append(errs, &FailedError{Sink: s.Name(), Err: err})
	}
	return errors.Join(errs...)
}

// FailedError is returned for a failed delivery to a "fail" sink.
type FailedError struct {
	Sink string
	Err  error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("handoff to %s failed: %v", e.Sink, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// IsFailed reports whether err contains a sink failure.
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}
