package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatdesk.dev/internal/audit"
	"chatdesk.dev/internal/auth"
	"chatdesk.dev/internal/chat"
	"chatdesk.dev/internal/completion"
	"chatdesk.dev/internal/events"
	"chatdesk.dev/internal/history"
	"chatdesk.dev/pkg/contracts"
	pkgcrypto "chatdesk.dev/pkg/crypto"
	"chatdesk.dev/pkg/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type contextKey string

const usernameContextKey contextKey = "username"

type Server struct {
	logger    *slog.Logger
	router    chi.Router
	cfg       Config
	creds     *auth.CredentialStore
	sessions  *auth.SessionManager
	history   *history.Store
	gateway   *chat.Gateway
	completer completion.Completer
	cookies   *pkgcrypto.AESGCM
	audit     audit.Sink
	pg        *pgxpool.Pool
	redis     *redis.Client
}

func New(logger *slog.Logger, cfg Config) (*Server, error) {
	s := &Server{
		logger:   logger,
		cfg:      cfg,
		sessions: auth.NewSessionManager(),
		history:  history.NewStore(),
		audit:    audit.Nop{},
	}
	s.creds = auth.NewCredentialStore(s.history, cfg.BcryptCost)

	key := cfg.SessionKey
	if key == nil {
		loaded, generated, err := pkgcrypto.LoadKeyFromEnv(pkgcrypto.SessionCookieKeyEnv)
		if err != nil {
			return nil, err
		}
		if generated {
			logger.Warn("session_cookie_key_generated", "hint", pkgcrypto.SessionCookieKeyEnv+" is unset; sessions end on restart")
		}
		key = loaded
	}
	cookies, err := pkgcrypto.NewAESGCM(key)
	if err != nil {
		return nil, fmt.Errorf("session cookie cipher: %w", err)
	}
	s.cookies = cookies

	s.completer = cfg.Completer
	if s.completer == nil {
		client := completion.NewOpenAIClient(completion.Config{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Timeout: cfg.CompletionTimeout,
		})
		if !client.Configured() {
			logger.Warn("completion_not_configured", "hint", "OPENAI_API_KEY is unset; chat replies will record errors")
		}
		s.completer = client
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		publisher = events.NewRedisPublisher(s.redis, cfg.EventsChannelPrefix)
	}
	if cfg.PostgresDSN != "" {
		pg, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		sink, err := audit.NewPostgresSink(context.Background(), pg)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("prepare audit log: %w", err)
		}
		s.pg = pg
		s.audit = sink
	}
	s.gateway = chat.NewGateway(logger, s.history, s.completer, cfg.Model, publisher)

	if cfg.BootstrapUser != "" {
		if err := s.creds.Register(cfg.BootstrapUser, cfg.BootstrapPassword); err != nil {
			return nil, fmt.Errorf("bootstrap user: %w", err)
		}
		logger.Info("bootstrap_user_registered", "username", cfg.BootstrapUser)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observability.CorrelationMiddleware(logger))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", contracts.HeaderRequestID},
			ExposedHeaders:   []string{contracts.HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/register", s.register)
		api.Post("/login", s.login)
		api.Post("/logout", s.logout)
		api.Get("/check_auth", s.checkAuth)
		api.Get("/system/health", s.systemHealth)

		api.Group(func(authed chi.Router) {
			authed.Use(s.requireSession)
			authed.Post("/chat", s.chat)
			authed.Get("/history", s.getHistory)
		})
	})

	s.router = r
	return s, nil
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _, err := s.currentUser(r)
		if err != nil {
			contracts.WriteError(w, http.StatusUnauthorized, contracts.CodeFor(err), "Unauthorized. Please log in.", observability.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), usernameContextKey, username)))
	})
}

func usernameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(usernameContextKey).(string)
	return v
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())
	var in contracts.Credentials
	if err := decodeJSON(r, &in); err != nil {
		contracts.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestID)
		return
	}
	if in.Username == "" || in.Password == "" {
		contracts.WriteError(w, http.StatusBadRequest, contracts.CodeFor(contracts.ErrInvalidInput), "Username and password are required", requestID)
		return
	}

	if err := s.creds.Register(in.Username, in.Password); err != nil {
		s.recordAudit(r.Context(), in.Username, audit.ActionRegister, audit.OutcomeRejected)
		if errors.Is(err, contracts.ErrConflict) {
			contracts.WriteError(w, http.StatusConflict, contracts.CodeFor(err), "Username already exists.", requestID)
			return
		}
		s.logger.Error("register_failed", "username", in.Username, "error", err)
		contracts.WriteError(w, contracts.StatusFor(err), contracts.CodeFor(err), err.Error(), requestID)
		return
	}
	s.recordAudit(r.Context(), in.Username, audit.ActionRegister, audit.OutcomeOK)
	writeJSON(w, http.StatusCreated, contracts.MessageResponse{Message: "Registration successful! You can now login."})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())
	var in contracts.Credentials
	if err := decodeJSON(r, &in); err != nil {
		contracts.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestID)
		return
	}
	if in.Username == "" || in.Password == "" {
		contracts.WriteError(w, http.StatusBadRequest, contracts.CodeFor(contracts.ErrInvalidInput), "Username and password are required", requestID)
		return
	}

	username, err := s.creds.Verify(in.Username, in.Password)
	if err != nil {
		s.recordAudit(r.Context(), in.Username, audit.ActionLogin, audit.OutcomeRejected)
		if errors.Is(err, contracts.ErrUnauthorized) {
			contracts.WriteError(w, http.StatusUnauthorized, contracts.CodeFor(err), "Invalid credentials", requestID)
			return
		}
		s.logger.Error("login_failed", "username", in.Username, "error", err)
		contracts.WriteError(w, http.StatusInternalServerError, contracts.CodeFor(err), err.Error(), requestID)
		return
	}

	if _, previous, err := s.currentUser(r); err == nil {
		s.sessions.Destroy(previous)
	}
	s.history.Create(username)
	token, err := s.sessions.Create(username)
	if err != nil {
		s.logger.Error("session_create_failed", "username", username, "error", err)
		contracts.WriteError(w, http.StatusInternalServerError, "session_failed", "could not create session", requestID)
		return
	}
	sealed, err := s.cookies.EncryptString(token)
	if err != nil {
		s.sessions.Destroy(token)
		s.logger.Error("session_seal_failed", "username", username, "error", err)
		contracts.WriteError(w, http.StatusInternalServerError, "session_failed", "could not create session", requestID)
		return
	}
	http.SetCookie(w, s.sessionCookie(sealed, 0))
	s.recordAudit(r.Context(), username, audit.ActionLogin, audit.OutcomeOK)
	writeJSON(w, http.StatusOK, contracts.LoginResponse{Message: "Login successful", Username: username})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if username, token, err := s.currentUser(r); err == nil {
		s.sessions.Destroy(token)
		s.recordAudit(r.Context(), username, audit.ActionLogout, audit.OutcomeOK)
	}
	http.SetCookie(w, s.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, contracts.MessageResponse{Message: "Logged out successfully"})
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) {
	username, _, err := s.currentUser(r)
	if err != nil {
		writeJSON(w, http.StatusOK, contracts.AuthStatus{IsAuthenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, contracts.AuthStatus{IsAuthenticated: true, Username: username})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	requestID := observability.RequestIDFromContext(r.Context())
	username := usernameFromContext(r.Context())
	var in contracts.ChatRequest
	if err := decodeJSON(r, &in); err != nil {
		contracts.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error(), requestID)
		return
	}
	if in.Prompt == "" {
		contracts.WriteError(w, http.StatusBadRequest, contracts.CodeFor(contracts.ErrInvalidInput), "Prompt cannot be empty.", requestID)
		return
	}

	res, err := s.gateway.Converse(r.Context(), username, in.Prompt)
	switch {
	case err == nil:
		s.recordAudit(r.Context(), username, audit.ActionChat, audit.OutcomeOK)
		writeJSON(w, http.StatusOK, contracts.ChatResponse{Reply: res.Reply, History: history.Exchanges(res.History)})
	case errors.Is(err, contracts.ErrUpstreamFailure):
		s.recordAudit(r.Context(), username, audit.ActionChat, audit.OutcomeFailed)
		writeJSON(w, http.StatusInternalServerError, contracts.ChatResponse{Reply: res.Reply, History: history.Exchanges(res.History)})
	case errors.Is(err, contracts.ErrInvalidInput):
		contracts.WriteError(w, http.StatusBadRequest, contracts.CodeFor(err), "Prompt cannot be empty.", requestID)
	default:
		s.logger.Error("chat_failed", "username", username, "request_id", requestID, "error", err)
		contracts.WriteError(w, http.StatusInternalServerError, contracts.CodeFor(err), err.Error(), requestID)
	}
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())
	turns, err := s.history.Get(username)
	if err != nil {
		contracts.WriteError(w, http.StatusInternalServerError, contracts.CodeFor(err), err.Error(), observability.RequestIDFromContext(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, contracts.HistoryResponse{History: history.Exchanges(turns)})
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	type componentHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	checks := map[string]componentHealth{"api": {Status: "ok"}}
	status := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.pg == nil {
		checks["postgres"] = componentHealth{Status: "disabled"}
	} else if err := s.pg.Ping(ctx); err != nil {
		checks["postgres"] = componentHealth{Status: "error", Error: err.Error()}
		status = "degraded"
	} else {
		checks["postgres"] = componentHealth{Status: "ok"}
	}

	if s.redis == nil {
		checks["redis"] = componentHealth{Status: "disabled"}
	} else if err := s.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = componentHealth{Status: "error", Error: err.Error()}
		status = "degraded"
	} else {
		checks["redis"] = componentHealth{Status: "ok"}
	}

	if c, ok := s.completer.(interface{ Configured() bool }); ok && !c.Configured() {
		checks["completion"] = componentHealth{Status: "not_configured"}
	} else {
		checks["completion"] = componentHealth{Status: "configured"}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status, "model": s.gateway.Model(), "checks": checks})
}

func (s *Server) recordAudit(ctx context.Context, username, action, outcome string) {
	err := s.audit.Record(ctx, audit.Event{
		Username:  username,
		Action:    action,
		Outcome:   outcome,
		RequestID: observability.RequestIDFromContext(ctx),
	})
	if err != nil {
		s.logger.Warn("audit_write_failed", "username", username, "action", action, "error", err)
	}
}

// decodeJSON treats an empty body as an empty object so missing fields are
// reported the same way as blank ones.
func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get(contracts.HeaderAuthorization))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
