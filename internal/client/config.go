package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const DefaultBaseURL = "http://localhost:5000/api"

type Config struct {
	BaseURL  string `toml:"base_url"`
	Username string `toml:"username"`
	WordWrap int    `toml:"word_wrap"`
}

func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatdesk", "client.toml")
}

// LoadConfig reads path if it exists; a missing file yields defaults.
// CHATDESK_URL overrides the file's base_url.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHATDESK_URL")); v != "" {
		cfg.BaseURL = v
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.WordWrap < 0 {
		cfg.WordWrap = 0
	}
	return cfg, nil
}
