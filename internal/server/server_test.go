package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"chatdesk.dev/internal/audit"
	"chatdesk.dev/internal/completion"
	"chatdesk.dev/pkg/contracts"
	"golang.org/x/crypto/bcrypt"
)

type scriptedCompleter struct {
	mu    sync.Mutex
	calls [][]completion.Message
	err   error
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, messages []completion.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, messages)
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + messages[len(messages)-1].Content, nil
}

func (c *scriptedCompleter) callCount() int {
	return len(c.snapshot())
}

func (c *scriptedCompleter) snapshot() [][]completion.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]completion.Message(nil), c.calls...)
}

func testConfig(c completion.Completer) Config {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 7)
	}
	return Config{
		SessionKey:     key,
		BcryptCost:     bcrypt.MinCost,
		AllowedOrigins: []string{"http://localhost:3000"},
		Completer:      c,
	}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, url, err, raw)
		}
	}
	return resp, out
}

func registerAndLogin(t *testing.T, ts *httptest.Server, client *http.Client, user, pass string) {
	t.Helper()
	resp, _ := doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": user, "password": pass})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status=%d", resp.StatusCode)
	}
	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": user, "password": pass})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status=%d body=%v", resp.StatusCode, body)
	}
}

func historyPairs(t *testing.T, body map[string]any) [][]any {
	t.Helper()
	raw, ok := body["history"].([]any)
	if !ok {
		t.Fatalf("expected history array, got %#v", body["history"])
	}
	out := make([][]any, 0, len(raw))
	for _, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			t.Fatalf("expected [prompt, reply] pair, got %#v", item)
		}
		out = append(out, pair)
	}
	return out
}

func TestRegisterValidationAndConflict(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice"})
	if resp.StatusCode != http.StatusBadRequest || body["message"] != "Username and password are required" {
		t.Fatalf("expected 400 missing fields, got %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice", "password": "pw"})
	if resp.StatusCode != http.StatusCreated || body["message"] != "Registration successful! You can now login." {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice", "password": "other"})
	if resp.StatusCode != http.StatusConflict || body["message"] != "Username already exists." {
		t.Fatalf("expected 409, got %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "alice", "password": "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first password to remain valid, got %d", resp.StatusCode)
	}
	resp, body = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	if resp.StatusCode != http.StatusOK || len(historyPairs(t, body)) != 0 {
		t.Fatalf("expected empty history after duplicate registration, got %d %v", resp.StatusCode, body)
	}
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	resp, err := http.Post(ts.URL+"/api/register", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLoginThenCheckAuth(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)

	resp, body := doJSON(t, client, http.MethodGet, ts.URL+"/api/check_auth", nil)
	if resp.StatusCode != http.StatusOK || body["isAuthenticated"] != false {
		t.Fatalf("expected anonymous check_auth, got %d %v", resp.StatusCode, body)
	}
	if _, ok := body["username"]; ok {
		t.Fatalf("expected no username for anonymous session, got %v", body)
	}

	registerAndLogin(t, ts, client, "alice", "pw")
	resp, body = doJSON(t, client, http.MethodGet, ts.URL+"/api/check_auth", nil)
	if body["isAuthenticated"] != true || body["username"] != "alice" {
		t.Fatalf("expected alice authenticated, got %d %v", resp.StatusCode, body)
	}
}

func TestLoginFailures(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")

	other := newBrowser(t)
	resp, body := doJSON(t, other, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "alice", "password": "bad"})
	if resp.StatusCode != http.StatusUnauthorized || body["message"] != "Invalid credentials" {
		t.Fatalf("expected 401, got %d %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, other, http.MethodPost, ts.URL+"/api/login", map[string]string{"password": "pw"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, body = doJSON(t, other, http.MethodGet, ts.URL+"/api/check_auth", nil)
	if body["isAuthenticated"] != false {
		t.Fatalf("failed login must not bind a session, got %v", body)
	}
}

func TestSessionCookieIsSealedAndHTTPOnly(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)
	_, _ = doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice", "password": "pw"})
	resp, _ := doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "alice", "password": "pw"})

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == contracts.SessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}
	if !session.HttpOnly || session.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes %#v", session)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/history", nil)
	req.Header.Set("Authorization", "Bearer "+session.Value)
	bearerResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	bearerResp.Body.Close()
	if bearerResp.StatusCode != http.StatusOK {
		t.Fatalf("expected bearer carrier to authenticate, got %d", bearerResp.StatusCode)
	}

	forged, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/history", nil)
	forged.AddCookie(&http.Cookie{Name: contracts.SessionCookieName, Value: "not-a-sealed-token"})
	forgedResp, err := http.DefaultClient.Do(forged)
	if err != nil {
		t.Fatal(err)
	}
	forgedResp.Body.Close()
	if forgedResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected forged cookie rejected, got %d", forgedResp.StatusCode)
	}
}

func TestChatRequiresSession(t *testing.T) {
	fc := &scriptedCompleter{}
	_, ts := newTestServer(t, testConfig(fc))
	client := newBrowser(t)
	for _, prompt := range []string{"", "hello", strings.Repeat("x", 1000)} {
		resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": prompt})
		if resp.StatusCode != http.StatusUnauthorized || body["message"] != "Unauthorized. Please log in." {
			t.Fatalf("prompt %q: expected 401, got %d %v", prompt, resp.StatusCode, body)
		}
	}
	if fc.callCount() != 0 {
		t.Fatalf("expected no completion calls, got %d", fc.callCount())
	}
}

func TestChatFlow(t *testing.T) {
	fc := &scriptedCompleter{}
	_, ts := newTestServer(t, testConfig(fc))
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": ""})
	if resp.StatusCode != http.StatusBadRequest || body["message"] != "Prompt cannot be empty." {
		t.Fatalf("expected 400 for empty prompt, got %d %v", resp.StatusCode, body)
	}
	if fc.callCount() != 0 {
		t.Fatal("empty prompt reached the completion backend")
	}

	resp, body = doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "p1"})
	if resp.StatusCode != http.StatusOK || body["reply"] != "echo: p1" {
		t.Fatalf("expected 200 reply, got %d %v", resp.StatusCode, body)
	}
	resp, body = doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "p2"})
	pairs := historyPairs(t, body)
	if len(pairs) != 2 || pairs[0][0] != "p1" || pairs[0][1] != "echo: p1" || pairs[1][0] != "p2" {
		t.Fatalf("unexpected history %v", pairs)
	}
	second := fc.snapshot()[1]
	if len(second) != 3 || second[0].Content != "p1" || second[1].Role != completion.RoleAssistant || second[2].Content != "p2" {
		t.Fatalf("unexpected replay %#v", second)
	}
}

func TestChatUpstreamFailureIsRecorded(t *testing.T) {
	fc := &scriptedCompleter{err: errors.New("upstream unavailable")}
	_, ts := newTestServer(t, testConfig(fc))
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "hello"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	reply, _ := body["reply"].(string)
	if !strings.Contains(reply, "upstream unavailable") {
		t.Fatalf("expected failure detail in reply, got %q", reply)
	}
	pairs := historyPairs(t, body)
	if len(pairs) != 1 || pairs[0][1] != reply {
		t.Fatalf("expected error turn in history, got %v", pairs)
	}

	_, body = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	if len(historyPairs(t, body)) != 1 {
		t.Fatalf("expected stored error turn, got %v", body)
	}
}

func TestLogoutHidesHistoryUntilRelogin(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")
	_, _ = doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "remember me"})

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/logout", nil)
	if resp.StatusCode != http.StatusOK || body["message"] != "Logged out successfully" {
		t.Fatalf("expected logout 200, got %d %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodPost, ts.URL+"/api/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected idempotent logout, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "alice", "password": "pw"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relogin status=%d", resp.StatusCode)
	}
	_, body = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	pairs := historyPairs(t, body)
	if len(pairs) != 1 || pairs[0][0] != "remember me" {
		t.Fatalf("expected history to reappear, got %v", pairs)
	}
}

func TestHistoriesAreIsolatedPerUser(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	alice, bob := newBrowser(t), newBrowser(t)
	registerAndLogin(t, ts, alice, "alice", "pw")
	registerAndLogin(t, ts, bob, "bob", "pw")
	_, _ = doJSON(t, alice, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "secret"})

	_, body := doJSON(t, bob, http.MethodGet, ts.URL+"/api/history", nil)
	if len(historyPairs(t, body)) != 0 {
		t.Fatalf("bob must not see alice's history, got %v", body)
	}
}

func TestBootstrapUserAndAudit(t *testing.T) {
	cfg := testConfig(&scriptedCompleter{})
	cfg.BootstrapUser = "admin"
	cfg.BootstrapPassword = "adminpass"
	srv, ts := newTestServer(t, cfg)
	sink := &audit.Memory{}
	srv.audit = sink

	client := newBrowser(t)
	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "admin", "password": "adminpass"})
	if resp.StatusCode != http.StatusOK || body["username"] != "admin" {
		t.Fatalf("expected bootstrap login, got %d %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected bootstrap user to have a history, got %d", resp.StatusCode)
	}

	evs := sink.Events()
	if len(evs) != 1 || evs[0].Action != audit.ActionLogin || evs[0].Outcome != audit.OutcomeOK || evs[0].RequestID == "" {
		t.Fatalf("unexpected audit trail %#v", evs)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" || resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("unexpected CORS headers %v", resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/check_auth", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS headers for unknown origin")
	}
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(nil)
	_, ts := newTestServer(t, cfg)
	client := newBrowser(t)

	resp, err := client.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, client, http.MethodGet, ts.URL+"/api/system/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected ok health, got %d %v", resp.StatusCode, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["completion"].(map[string]any)["status"] != "not_configured" {
		t.Fatalf("expected unconfigured completion, got %v", checks)
	}
	if checks["redis"].(map[string]any)["status"] != "disabled" {
		t.Fatalf("expected redis disabled, got %v", checks)
	}

	resp, err = client.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
}

func TestChatWithoutAPIKeyRecordsError(t *testing.T) {
	cfg := testConfig(nil)
	cfg.OpenAIAPIKey = ""
	_, ts := newTestServer(t, cfg)
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "hi"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(body["reply"].(string), "not configured") {
		t.Fatalf("expected configuration detail, got %v", body["reply"])
	}
}

func TestRegisterAndLoginWithLongPassword(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)
	long := strings.Repeat("p", 80)

	resp, body := doJSON(t, client, http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice", "password": long})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for an 80-byte password, got %d %v", resp.StatusCode, body)
	}
	resp, body = doJSON(t, client, http.MethodPost, ts.URL+"/api/login", map[string]string{"username": "alice", "password": long})
	if resp.StatusCode != http.StatusOK || body["username"] != "alice" {
		t.Fatalf("expected login with 80-byte password, got %d %v", resp.StatusCode, body)
	}
}

func TestDuplicateRegisterKeepsExistingHistory(t *testing.T) {
	_, ts := newTestServer(t, testConfig(&scriptedCompleter{}))
	client := newBrowser(t)
	registerAndLogin(t, ts, client, "alice", "pw")

	resp, _ := doJSON(t, client, http.MethodPost, ts.URL+"/api/chat", map[string]string{"prompt": "first"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status=%d", resp.StatusCode)
	}

	resp, body := doJSON(t, newBrowser(t), http.MethodPost, ts.URL+"/api/register", map[string]string{"username": "alice", "password": "other"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, client, http.MethodGet, ts.URL+"/api/history", nil)
	pairs := historyPairs(t, body)
	if resp.StatusCode != http.StatusOK || len(pairs) != 1 || pairs[0][0] != "first" || pairs[0][1] != "echo: first" {
		t.Fatalf("expected history untouched by duplicate registration, got %d %v", resp.StatusCode, body)
	}
}

func TestSystemHealthDegradedStillAnswers200(t *testing.T) {
	cfg := testConfig(&scriptedCompleter{})
	cfg.RedisAddr = "127.0.0.1:1"
	_, ts := newTestServer(t, cfg)

	resp, body := doJSON(t, newBrowser(t), http.MethodGet, ts.URL+"/api/system/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "degraded" {
		t.Fatalf("expected 200 degraded, got %d %v", resp.StatusCode, body)
	}
	checks := body["checks"].(map[string]any)
	if checks["redis"].(map[string]any)["status"] != "error" {
		t.Fatalf("expected redis error, got %v", checks)
	}
}
