// Package auth holds the credential store and the session manager that
// gate the chat endpoints.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"chatdesk.dev/pkg/contracts"
	"golang.org/x/crypto/bcrypt"
)

// HistoryCreator is told about every newly registered user so a History
// exists from the moment registration succeeds.
type HistoryCreator interface {
	Create(username string)
}

type CredentialStore struct {
	mu      sync.RWMutex
	hashes  map[string][]byte
	cost    int
	history HistoryCreator
}

func NewCredentialStore(history HistoryCreator, cost int) *CredentialStore {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &CredentialStore{
		hashes:  map[string][]byte{},
		cost:    cost,
		history: history,
	}
}

func (c *CredentialStore) Register(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("register: %w", contracts.ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword(prehash(password), c.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hashes[username]; ok {
		return fmt.Errorf("register %s: %w", username, contracts.ErrConflict)
	}
	c.hashes[username] = hash
	if c.history != nil {
		c.history.Create(username)
	}
	return nil
}

func (c *CredentialStore) Verify(username, password string) (string, error) {
	c.mu.RLock()
	hash, ok := c.hashes[username]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("verify %s: %w", username, contracts.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(hash, prehash(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return "", fmt.Errorf("verify %s: %w", username, contracts.ErrUnauthorized)
		}
		return "", fmt.Errorf("verify %s: %w", username, err)
	}
	return username, nil
}

// prehash folds a password of any length into 44 bytes, under bcrypt's
// 72-byte input limit, so long passwords neither fail nor get truncated.
func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sum)))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}
