package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/carecall/internal/storage"
)

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu          sync.RWMutex
	contacts    []*storage.Contact
	subscribers map[string]*storage.NewsletterSubscription
	users       map[string]*storage.User
	calls       map[string]*storage.CallSummary
	events      map[string][]*storage.SessionEvent
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		subscribers: make(map[string]*storage.NewsletterSubscription),
		users:       make(map[string]*storage.User),
		calls:       make(map[string]*storage.CallSummary),
		events:      make(map[string][]*storage.SessionEvent),
	}
}

func (s *Store) CreateContact(ctx context.Context, c *storage.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	cp := *c
	s.contacts = append(s.contacts, &cp)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, sub *storage.NewsletterSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(sub.Email)
	if _, exists := s.subscribers[key]; exists {
		return fmt.Errorf("newsletter subscription: %w", storage.ErrDuplicate)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now().UTC()
	cp := *sub
	s.subscribers[key] = &cp
	return nil
}

func (s *Store) UpsertUser(ctx context.Context, u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	u.UpdatedAt = now
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	delete(s.users, id)
	return nil
}

func (s *Store) SaveCallSummary(ctx context.Context, c *storage.CallSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[c.CallID]; exists {
		return fmt.Errorf("call summary: %w", storage.ErrDuplicate)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.calls[c.CallID] = &cp
	return nil
}

func (s *Store) GetCallSummary(ctx context.Context, callID string) (*storage.CallSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCallSummaries(ctx context.Context, userID string, limit int) ([]*storage.CallSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var out []*storage.CallSummary
	for _, c := range s.calls {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AppendSessionEvent(ctx context.Context, ev *storage.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	s.events[ev.SessionID] = append(s.events[ev.SessionID], &cp)
	return nil
}

func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]*storage.SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[sessionID]
	out := make([]*storage.SessionEvent, len(src))
	for i, ev := range src {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
