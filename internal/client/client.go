// Package client is a typed HTTP client for the chatdesk API. It keeps the
// session cookie in a jar so one Client behaves like one browser.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"chatdesk.dev/pkg/contracts"
)

const maxBodyBytes = 10 << 20

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatdesk API error (HTTP %d): %s", e.Status, e.Message)
}

type ChatResult struct {
	Reply   string
	History []contracts.Exchange
	// Failed is set when the server recorded an upstream error as the reply.
	Failed bool
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client rooted at baseURL (for example
// http://localhost:5000/api). A nil httpClient gets a fresh cookie jar.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Jar: jar, Timeout: 90 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	var out contracts.MessageResponse
	if err := c.call(ctx, http.MethodPost, "/register", contracts.Credentials{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out contracts.LoginResponse
	if err := c.call(ctx, http.MethodPost, "/login", contracts.Credentials{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/logout", nil, nil)
}

func (c *Client) CheckAuth(ctx context.Context) (contracts.AuthStatus, error) {
	var out contracts.AuthStatus
	err := c.call(ctx, http.MethodGet, "/check_auth", nil, &out)
	return out, err
}

// Chat sends prompt. When the server answers 500 with a recorded error
// turn, the returned result is populated and err is an *APIError.
func (c *Client) Chat(ctx context.Context, prompt string) (ChatResult, error) {
	status, raw, err := c.do(ctx, http.MethodPost, "/chat", contracts.ChatRequest{Prompt: prompt})
	if err != nil {
		return ChatResult{}, err
	}
	var out contracts.ChatResponse
	switch {
	case status == http.StatusOK:
		if err := json.Unmarshal(raw, &out); err != nil {
			return ChatResult{}, fmt.Errorf("decode chat response: %w", err)
		}
		return ChatResult{Reply: out.Reply, History: out.History}, nil
	case status == http.StatusInternalServerError && json.Unmarshal(raw, &out) == nil && out.Reply != "":
		return ChatResult{Reply: out.Reply, History: out.History, Failed: true}, &APIError{Status: status, Message: out.Reply}
	default:
		return ChatResult{}, apiError(status, raw)
	}
}

func (c *Client) History(ctx context.Context) ([]contracts.Exchange, error) {
	var out contracts.HistoryResponse
	if err := c.call(ctx, http.MethodGet, "/history", nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	status, raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return apiError(status, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func apiError(status int, raw []byte) error {
	var env contracts.ErrorEnvelope
	msg := ""
	if err := json.Unmarshal(raw, &env); err == nil {
		msg = env.Message
		if msg == "" {
			msg = env.Error.Message
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}
