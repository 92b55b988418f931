// Package history keeps each user's ordered prompt/reply turns in memory.
package history

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"chatdesk.dev/pkg/contracts"
)

var ErrUnknownUser = errors.New("unknown_user")

type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Turn is immutable once appended. Status separates real assistant replies
// from recorded upstream failures; it never leaves the process.
type Turn struct {
	Prompt    string
	Reply     string
	Status    Status
	CreatedAt time.Time
}

func (t Turn) Exchange() contracts.Exchange {
	return contracts.Exchange{Prompt: t.Prompt, Reply: t.Reply}
}

func Exchanges(turns []Turn) []contracts.Exchange {
	out := make([]contracts.Exchange, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Exchange())
	}
	return out
}

type userHistory struct {
	mu    sync.RWMutex
	turns []Turn
}

// Store guards the user map with one lock and each history with its own,
// so appends for different users never contend.
type Store struct {
	mu    sync.RWMutex
	users map[string]*userHistory
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		users: map[string]*userHistory{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Create(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		s.users[username] = &userHistory{}
	}
}

func (s *Store) Exists(username string) bool {
	return s.lookup(username) != nil
}

// Append adds turn at the end of username's history and returns the new
// length. A zero CreatedAt is stamped with the store clock.
func (s *Store) Append(username string, turn Turn) (int, error) {
	h := s.lookup(username)
	if h == nil {
		return 0, fmt.Errorf("append %s: %w", username, ErrUnknownUser)
	}
	if turn.Status == "" {
		turn.Status = StatusOK
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
	return len(h.turns), nil
}

func (s *Store) Get(username string) ([]Turn, error) {
	h := s.lookup(username)
	if h == nil {
		return nil, fmt.Errorf("get %s: %w", username, ErrUnknownUser)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out, nil
}

func (s *Store) lookup(username string) *userHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[username]
}
