package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"chatdesk.dev/internal/completion"
	"chatdesk.dev/internal/events"
)

type Config struct {
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	Model             string
	CompletionTimeout time.Duration

	// SessionKey seals session cookies. Nil loads SESSION_COOKIE_KEY or
	// generates a per-process key.
	SessionKey     []byte
	CookieSecure   bool
	AllowedOrigins []string
	BcryptCost     int

	BootstrapUser     string
	BootstrapPassword string

	RedisAddr           string
	RedisUsername       string
	RedisPassword       string
	EventsChannelPrefix string
	PostgresDSN         string

	// Completer replaces the OpenAI client when set.
	Completer completion.Completer
}

func ConfigFromEnv() Config {
	return Config{
		OpenAIBaseURL:       envOrDefault("OPENAI_BASE_URL", completion.DefaultBaseURL),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		Model:               envOrDefault("OPENAI_MODEL", completion.DefaultModel),
		CompletionTimeout:   time.Duration(envIntOrDefault("OPENAI_TIMEOUT_SECONDS", 60)) * time.Second,
		CookieSecure:        envBoolOrDefault("SESSION_COOKIE_SECURE", false),
		AllowedOrigins:      splitList(envOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
		BcryptCost:          envIntOrDefault("BCRYPT_COST", 0),
		BootstrapUser:       strings.TrimSpace(os.Getenv("CHATDESK_BOOTSTRAP_USER")),
		BootstrapPassword:   os.Getenv("CHATDESK_BOOTSTRAP_PASSWORD"),
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisUsername:       strings.TrimSpace(os.Getenv("REDIS_USERNAME")),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		EventsChannelPrefix: envOrDefault("CHATDESK_EVENTS_CHANNEL_PREFIX", events.DefaultChannelPrefix),
		PostgresDSN:         strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "t", "true", "yes", "y", "on":
		return true
	case "0", "f", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
