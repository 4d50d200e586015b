// Package config handles alarmsync configuration from environment variables,
// optionally preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "ALARMSYNC_"

// socketPath is appended to the API URL when no socket URL is configured.
const socketPath = "/ws/alarm/"

// Config holds all alarmsync configuration.
type Config struct {
	// Alarm server
	APIURL    string // REST base URL (http:// or https://)
	SocketURL string // websocket URL (ws:// or wss://), derived from APIURL when empty

	// Credentials
	Username   string
	Password   string
	TOTPSecret string // optional

	// Local console
	ListenAddr string

	// Connection behavior
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int           // 0 = unlimited
	RetryInterval     time.Duration // minimum spacing of manual retries
	RequestTimeout    time.Duration

	// Reachability
	ProbeInterval  time.Duration
	BannerDuration time.Duration

	LogLevel string // debug, info, warn, error
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		APIURL:           "http://localhost:8000",
		ListenAddr:       "127.0.0.1:8090",
		ReconnectInitial: 1 * time.Second,
		ReconnectMax:     30 * time.Second,
		RetryInterval:    2 * time.Second,
		RequestTimeout:   10 * time.Second,
		ProbeInterval:    5 * time.Second,
		BannerDuration:   2 * time.Second,
		LogLevel:         "info",
	}
}

// LoadEnvFile loads variables from path into the environment without
// overriding variables that are already set. A missing file is only an error
// when required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from ALARMSYNC_* environment variables and
// validates it.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	var errs []error

	cfg.APIURL = strings.TrimRight(getEnv("API_URL", cfg.APIURL), "/")
	cfg.SocketURL = getEnv("SOCKET_URL", "")
	cfg.Username = getEnv("USERNAME", "")
	cfg.Password = getEnv("PASSWORD", "")
	cfg.TOTPSecret = getEnv("TOTP_SECRET", "")
	cfg.ListenAddr = getEnv("LISTEN", cfg.ListenAddr)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"RECONNECT_INITIAL", &cfg.ReconnectInitial},
		{"RECONNECT_MAX", &cfg.ReconnectMax},
		{"RETRY_BURST_INTERVAL", &cfg.RetryInterval},
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"PROBE_INTERVAL", &cfg.ProbeInterval},
		{"BANNER_DURATION", &cfg.BannerDuration},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, *d.target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.target = v
	}

	attempts, err := parseInt("RECONNECT_ATTEMPTS", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.ReconnectAttempts = attempts

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.SocketURL == "" {
		socketURL, err := DeriveSocketURL(cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("%sAPI_URL: %w", envPrefix, err)
		}
		cfg.SocketURL = socketURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable. Credentials are checked
// separately by RequireCredentials.
func (c *Config) Validate() error {
	var errs []string

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, envPrefix+"API_URL must be an http(s) URL")
	}
	if u, err := url.Parse(c.SocketURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, envPrefix+"SOCKET_URL must be a ws(s) URL")
	}
	if c.ReconnectInitial <= 0 {
		errs = append(errs, envPrefix+"RECONNECT_INITIAL must be positive")
	}
	if c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, envPrefix+"RECONNECT_MAX must not be below RECONNECT_INITIAL")
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, envPrefix+"RECONNECT_ATTEMPTS must not be negative")
	}
	if c.RequestTimeout < time.Second {
		errs = append(errs, envPrefix+"REQUEST_TIMEOUT must be at least 1 second")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, envPrefix+"LOG_LEVEL must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// RequireCredentials checks that a login is possible.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, envPrefix+"USERNAME")
	}
	if c.Password == "" {
		missing = append(missing, envPrefix+"PASSWORD")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, " and "))
	}
	return nil
}

// HasTOTP returns true if a TOTP secret is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// DeriveSocketURL turns the REST base URL into the same-origin websocket URL.
func DeriveSocketURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("api url must be http or https, got %q", apiURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + socketPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a duration like 5s: %w", envPrefix, key, err)
	}
	return d, nil
}

func parseInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be a number: %w", envPrefix, key, err)
	}
	return i, nil
}
