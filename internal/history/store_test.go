package history

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestGetReturnsEmptyForNewUser(t *testing.T) {
	s := NewStore()
	s.Create("alice")
	turns, err := s.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if turns == nil || len(turns) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", turns)
	}
	if got := Exchanges(turns); got == nil {
		t.Fatal("expected non-nil exchange slice so JSON encodes []")
	}
}

func TestAppendPreservesOrderAndStampsTurns(t *testing.T) {
	s := NewStore()
	s.Create("alice")
	for i := 1; i <= 3; i++ {
		n, err := s.Append("alice", Turn{Prompt: fmt.Sprintf("p%d", i), Reply: fmt.Sprintf("r%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("expected length %d, got %d", i, n)
		}
	}
	turns, _ := s.Get("alice")
	for i, turn := range turns {
		if turn.Prompt != fmt.Sprintf("p%d", i+1) {
			t.Fatalf("turn %d out of order: %#v", i, turn)
		}
		if turn.Status != StatusOK || turn.CreatedAt.IsZero() {
			t.Fatalf("expected defaulted status and timestamp, got %#v", turn)
		}
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := NewStore()
	s.Create("alice")
	_, _ = s.Append("alice", Turn{Prompt: "p", Reply: "r"})
	s.Create("alice")
	turns, _ := s.Get("alice")
	if len(turns) != 1 {
		t.Fatalf("expected Create to leave existing history alone, got %d turns", len(turns))
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Create("alice")
	_, _ = s.Append("alice", Turn{Prompt: "p", Reply: "r"})
	turns, _ := s.Get("alice")
	turns[0].Reply = "mutated"
	again, _ := s.Get("alice")
	if again[0].Reply != "r" {
		t.Fatalf("expected stored turn to be unchanged, got %q", again[0].Reply)
	}
}

func TestUnknownUser(t *testing.T) {
	s := NewStore()
	if _, err := s.Append("ghost", Turn{}); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if _, err := s.Get("ghost"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if s.Exists("ghost") {
		t.Fatal("expected ghost not to exist")
	}
}

func TestConcurrentAppendsAcrossUsers(t *testing.T) {
	s := NewStore()
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		s.Create(u)
	}
	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, _ = s.Append(user, Turn{Prompt: "p", Reply: "r"})
			}(u)
		}
	}
	wg.Wait()
	for _, u := range users {
		turns, _ := s.Get(u)
		if len(turns) != 50 {
			t.Fatalf("expected 50 turns for %s, got %d", u, len(turns))
		}
	}
}
