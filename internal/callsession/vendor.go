package callsession

import "context"

// EventType names a voice vendor event.
type EventType string

const (
	EventCallStart   EventType = "call-start"
	EventCallEnd     EventType = "call-end"
	EventMessage     EventType = "message"
	EventSpeechStart EventType = "speech-start"
	EventSpeechEnd   EventType = "speech-end"
	EventError       EventType = "error"
)

// Event is one vendor callback. CallID is populated for call-start and
// call-end, Speaker/Text for final transcript messages, Err for errors.
type Event struct {
	Type    EventType
	CallID  string
	Speaker string
	Text    string
	Err     error
}

// Handler receives vendor events.
type Handler func(Event)

// Subscription detaches one handler registration.
type Subscription interface {
	Unsubscribe()
}

// StartConfig is passed to the vendor when a call is requested.
type StartConfig struct {
	SessionID   string
	UserID      string
	AssistantID string
	Metadata    map[string]string
}

// CallHandle is what the vendor returns for an accepted start request.
// Implementations may also implement Stopper, Ender or JoinURL() string.
type CallHandle interface {
	CallID() string
}

// Vendor is the voice vendor surface the coordinator depends on. A vendor
// may additionally implement Stopper (preferred) or Ender.
type Vendor interface {
	Start(ctx context.Context, cfg StartConfig) (CallHandle, error)
	On(event EventType, h Handler) Subscription
}

// Stopper is the documented way to end a call.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Ender is the alternate stop surface some SDK versions expose.
type Ender interface {
	End(ctx context.Context) error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }
