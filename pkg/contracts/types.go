package contracts

import (
	"encoding/json"
	"fmt"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderAuthorization = "Authorization"
	SessionCookieName   = "chatdesk_session"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type LoginResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

type AuthStatus struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	Username        string `json:"username,omitempty"`
}

type ChatRequest struct {
	Prompt string `json:"prompt"`
}

type ChatResponse struct {
	Reply   string     `json:"reply"`
	History []Exchange `json:"history"`
}

type HistoryResponse struct {
	History []Exchange `json:"history"`
}

// Exchange is one prompt/reply pair as it travels over the wire: a two
// element JSON array.
type Exchange struct {
	Prompt string
	Reply  string
}

func (e Exchange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Prompt, e.Reply})
}

func (e *Exchange) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("exchange must have 2 elements, got %d", len(pair))
	}
	e.Prompt, e.Reply = pair[0], pair[1]
	return nil
}
