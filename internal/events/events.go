// Package events fans chat activity out to subscribers. Delivery is best
// effort and nothing reads events back.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	TypeTurnAppended = "turn_appended"

	DefaultChannelPrefix = "chatdesk:events:"
)

type Event struct {
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	TurnIndex int       `json:"turn_index"`
	Status    string    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes each event as JSON on <prefix><username>.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(username string) string {
	return p.prefix + username
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(ev.Username), payload).Err()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
