// Package config reads client and sandbox settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every ECOTRADE_* setting. Zero values are replaced by the
// defaults in the env tags.
type Config struct {
	APIURL        string        `env:"ECOTRADE_API_URL,default=http://localhost:5000"`
	Store         string        `env:"ECOTRADE_STORE"`
	Timeout       time.Duration `env:"ECOTRADE_TIMEOUT,default=30s"`
	RatePerSec    float64       `env:"ECOTRADE_RATE_PER_SEC,default=10"`
	RateBurst     int           `env:"ECOTRADE_RATE_BURST,default=20"`
	SandboxAddr   string        `env:"ECOTRADE_SANDBOX_ADDR,default=:5000"`
	SandboxSecret string        `env:"ECOTRADE_SANDBOX_SECRET"`
}

// Load reads the optional dotenv files (missing files are fine) and then
// decodes the environment. Variables already set win over dotenv entries.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that decode cleanly but cannot work.
func (c *Config) Validate() error {
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: ECOTRADE_API_URL must be an http(s) URL, got %q", c.APIURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: ECOTRADE_TIMEOUT must be positive")
	}
	if c.RatePerSec < 0 || c.RateBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	return nil
}
