// Package storage defines the persisted records and the store ports shared
// by the SQL and in-memory implementations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("storage: duplicate")
)

// Contact is a message left through the public contact form.
type Contact struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Subject   string    `json:"subject" db:"subject"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewsletterSubscription is a unique subscribed email address.
type NewsletterSubscription struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// User mirrors an identity-provider account. ID is the provider's user id.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CallSummary is the persisted result of a finished consultation.
type CallSummary struct {
	ID          string          `json:"id" db:"id"`
	CallID      string          `json:"call_id" db:"call_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	SessionID   string          `json:"session_id,omitempty" db:"session_id"`
	Summary     string          `json:"summary" db:"summary"`
	Transcript  string          `json:"transcript,omitempty" db:"transcript"`
	Analysis    json.RawMessage `json:"analysis,omitempty" db:"-"`
	EndedReason string          `json:"ended_reason,omitempty" db:"ended_reason"`
	Cost        float64         `json:"cost,omitempty" db:"cost"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SessionEvent audits one coordinator phase change.
type SessionEvent struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Phase     string    `json:"phase" db:"phase"`
	CallID    string    `json:"call_id,omitempty" db:"call_id"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ContactStore persists contact form submissions.
type ContactStore interface {
	CreateContact(ctx context.Context, c *Contact) error
}

// NewsletterStore persists newsletter subscriptions. Subscribe returns
// ErrDuplicate when the email is already subscribed.
type NewsletterStore interface {
	Subscribe(ctx context.Context, sub *NewsletterSubscription) error
}

// UserStore mirrors identity-provider users.
type UserStore interface {
	UpsertUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// CallStore persists consultation summaries. Call ids are unique.
type CallStore interface {
	SaveCallSummary(ctx context.Context, c *CallSummary) error
	GetCallSummary(ctx context.Context, callID string) (*CallSummary, error)
	ListCallSummaries(ctx context.Context, userID string, limit int) ([]*CallSummary, error)
}

// SessionEventStore records coordinator phase changes.
type SessionEventStore interface {
	AppendSessionEvent(ctx context.Context, ev *SessionEvent) error
	ListSessionEvents(ctx context.Context, sessionID string) ([]*SessionEvent, error)
}

// Store is everything the service persists.
type Store interface {
	ContactStore
	NewsletterStore
	UserStore
	CallStore
	SessionEventStore
	Close() error
}
