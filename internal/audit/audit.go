// Package audit records authentication and chat outcomes for operators.
// The service never reads the trail back.
package audit

import (
	"context"
	"sync"
	"time"

	"chatdesk.dev/pkg/contracts"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ActionRegister = "register"
	ActionLogin    = "login"
	ActionLogout   = "logout"
	ActionChat     = "chat"

	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Event struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS chatdesk_audit_log (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS chatdesk_audit_log_username_idx ON chatdesk_audit_log (username, created_at);
`

type PostgresSink struct {
	pg *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, pg *pgxpool.Pool) (*PostgresSink, error) {
	if _, err := pg.Exec(ctx, schema); err != nil {
		return nil, err
	}
	return &PostgresSink{pg: pg}, nil
}

func (s *PostgresSink) Record(ctx context.Context, ev Event) error {
	ev = normalize(ev)
	_, err := s.pg.Exec(ctx, `
		INSERT INTO chatdesk_audit_log (id, username, action, outcome, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, ev.ID, ev.Username, ev.Action, ev.Outcome, ev.RequestID, ev.At)
	return err
}

type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, normalize(ev))
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func normalize(ev Event) Event {
	if ev.ID == "" {
		ev.ID = contracts.NewID("audit")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}
