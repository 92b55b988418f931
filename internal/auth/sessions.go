package auth

import (
	"fmt"
	"sync"

	"chatdesk.dev/pkg/contracts"
)

const tokenBytes = 32

// SessionManager binds opaque tokens to usernames. A user may hold several
// tokens at once, one per login.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: map[string]string{}}
}

func (m *SessionManager) Create(username string) (string, error) {
	token, err := contracts.NewToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	m.mu.Lock()
	m.sessions[token] = username
	m.mu.Unlock()
	return token, nil
}

func (m *SessionManager) CurrentUser(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("no session: %w", contracts.ErrUnauthorized)
	}
	m.mu.RLock()
	username, ok := m.sessions[token]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown session: %w", contracts.ErrUnauthorized)
	}
	return username, nil
}

func (m *SessionManager) Destroy(token string) {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
}

func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
