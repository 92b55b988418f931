// Package chat replays a user's history to the completion backend and
// records the outcome, success or failure, as a new turn.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatdesk.dev/internal/completion"
	"chatdesk.dev/internal/events"
	"chatdesk.dev/internal/history"
	"chatdesk.dev/pkg/contracts"
	"chatdesk.dev/pkg/observability"
)

type Result struct {
	Reply   string
	History []history.Turn
	Failed  bool
}

type Gateway struct {
	logger    *slog.Logger
	history   *history.Store
	completer completion.Completer
	model     string
	publisher events.Publisher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGateway(logger *slog.Logger, store *history.Store, completer completion.Completer, model string, publisher events.Publisher) *Gateway {
	if model == "" {
		model = completion.DefaultModel
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Gateway{
		logger:    logger,
		history:   store,
		completer: completer,
		model:     model,
		publisher: publisher,
		locks:     map[string]*sync.Mutex{},
	}
}

func (g *Gateway) Model() string { return g.model }

// BuildMessages expands turns into alternating user/assistant entries and
// appends prompt as the final user entry.
func BuildMessages(turns []history.Turn, prompt string) []completion.Message {
	out := make([]completion.Message, 0, 2*len(turns)+1)
	for _, t := range turns {
		out = append(out,
			completion.Message{Role: completion.RoleUser, Content: t.Prompt},
			completion.Message{Role: completion.RoleAssistant, Content: t.Reply},
		)
	}
	return append(out, completion.Message{Role: completion.RoleUser, Content: prompt})
}

func FailureReply(err error) string {
	return fmt.Sprintf("Error communicating with the chatbot: %v. Please check your API key and internet connection.", err)
}

// Converse sends prompt with username's history as context and appends the
// resulting turn. On upstream failure the error text is appended as the
// reply and the returned error wraps contracts.ErrUpstreamFailure; the
// Result is still populated.
func (g *Gateway) Converse(ctx context.Context, username, prompt string) (Result, error) {
	if prompt == "" {
		return Result{}, fmt.Errorf("prompt: %w", contracts.ErrInvalidInput)
	}

	// Same-user requests run one at a time so the replayed context always
	// matches what ends up stored. Only this user's lock is held during the
	// completion call.
	lock := g.userLock(username)
	lock.Lock()
	defer lock.Unlock()

	turns, err := g.history.Get(username)
	if err != nil {
		return Result{}, err
	}
	messages := BuildMessages(turns, prompt)

	started := time.Now()
	reply, callErr := g.completer.Complete(ctx, g.model, messages)
	elapsed := time.Since(started)

	turn := history.Turn{Prompt: prompt, Reply: reply, Status: history.StatusOK}
	if callErr != nil {
		turn.Reply = FailureReply(callErr)
		turn.Status = history.StatusError
		observability.ObserveCompletion(g.model, "error", elapsed)
		g.logger.Error("completion_failed",
			"username", username,
			"model", g.model,
			"request_id", observability.RequestIDFromContext(ctx),
			"latency_ms", elapsed.Milliseconds(),
			"error", callErr,
		)
	} else {
		observability.ObserveCompletion(g.model, "ok", elapsed)
	}

	n, err := g.history.Append(username, turn)
	if err != nil {
		return Result{}, err
	}
	g.publish(ctx, username, n-1, turn.Status)

	updated, err := g.history.Get(username)
	if err != nil {
		return Result{}, err
	}
	res := Result{Reply: turn.Reply, History: updated, Failed: callErr != nil}
	if callErr != nil {
		return res, fmt.Errorf("complete: %w: %w", contracts.ErrUpstreamFailure, callErr)
	}
	return res, nil
}

func (g *Gateway) publish(ctx context.Context, username string, index int, status history.Status) {
	err := g.publisher.Publish(ctx, events.Event{
		Type:      events.TypeTurnAppended,
		Username:  username,
		TurnIndex: index,
		Status:    string(status),
		RequestID: observability.RequestIDFromContext(ctx),
		At:        time.Now().UTC(),
	})
	if err != nil {
		g.logger.Warn("turn_event_publish_failed", "username", username, "error", err)
	}
}

func (g *Gateway) userLock(username string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	l, ok := g.locks[username]
	if !ok {
		l = &sync.Mutex{}
		g.locks[username] = l
	}
	return l
}
