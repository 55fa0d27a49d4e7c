// Package config defines the SDK configuration surface: endpoint, credential
// mode and the streaming/monitoring tunables, with documented defaults and
// optional YAML file loading.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialMode selects how requests authenticate.
type CredentialMode string

const (
	// CredentialsOmit sends no cookies; the bearer token, when set, is the
	// sole credential.
	CredentialsOmit CredentialMode = "omit"
	// CredentialsCookie attaches a cookie jar to the HTTP client so
	// session cookies issued by the server are replayed.
	CredentialsCookie CredentialMode = "cookie"
)

// Duration decodes from YAML strings like "1500ms" or "5m" as well as
// integer second counts.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := n.Decode(&secs); err != nil {
		return fmt.Errorf("config: invalid duration value")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries every tunable the SDK core consumes. Zero values select
// the documented defaults.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.lattice.dev/v1". Required.
	BaseURL string `yaml:"base_url"`
	// CredentialMode selects cookie-based or token-only authentication.
	// Default CredentialsOmit.
	CredentialMode CredentialMode `yaml:"credential_mode"`
	// BearerToken authenticates requests when set.
	BearerToken string `yaml:"bearer_token"`
	// TokenInQuery sends the bearer token as an access_token query
	// parameter on stream URLs instead of a header. Only honored when
	// CredentialMode is omit.
	TokenInQuery bool `yaml:"token_in_query"`
	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// MaxReconnectAttempts bounds stream reconnection. Default 5.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// BaseRetryDelay seeds the exponential reconnect backoff. Default 1s.
	BaseRetryDelay Duration `yaml:"base_retry_delay"`
	// HeartbeatInterval is the expected server heartbeat period, used for
	// diagnostics. Default 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// ConnectTimeout bounds the wait for a stream to open. Default 10s.
	ConnectTimeout Duration `yaml:"connect_timeout"`
	// WatchTimeout is the default monitoring watchdog. Zero means no
	// watchdog unless a call supplies one.
	WatchTimeout Duration `yaml:"watch_timeout"`
	// GraceDelay is how long finished connections linger so trailing
	// duplicate events are absorbed. Default 5s.
	GraceDelay Duration `yaml:"grace_delay"`
	// SweepInterval is the period of the dead-connection sweep. Default 5m.
	SweepInterval Duration `yaml:"sweep_interval"`

	// DisableStreaming forces executors onto the polling fallback.
	DisableStreaming bool `yaml:"disable_streaming"`
	// PollInterval paces status polling when streaming is disabled or
	// unavailable. Default 2s.
	PollInterval Duration `yaml:"poll_interval"`
}

// Default returns the documented default configuration. BaseURL is left
// empty and must be set by the caller.
func Default() Config {
	return Config{
		CredentialMode:       CredentialsOmit,
		MaxReconnectAttempts: 5,
		BaseRetryDelay:       Duration(time.Second),
		HeartbeatInterval:    Duration(30 * time.Second),
		ConnectTimeout:       Duration(10 * time.Second),
		GraceDelay:           Duration(5 * time.Second),
		SweepInterval:        Duration(5 * time.Minute),
		PollInterval:         Duration(2 * time.Second),
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that cannot be defaulted away.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url is required")
	}
	switch c.CredentialMode {
	case CredentialsOmit, CredentialsCookie, "":
	default:
		return fmt.Errorf("config: unknown credential_mode %q", c.CredentialMode)
	}
	return nil
}
