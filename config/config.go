package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded endpoint defaults
const (
	DefaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL        = "https://securetoken.googleapis.com/v1/token"
	DefaultKeySetURL       = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
)

// Config captures the full CLI configuration loaded from YAML and environment variables.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Providers ProvidersConfig `yaml:"providers"`
	Callback  CallbackConfig  `yaml:"callback"`
	Device    DeviceConfig    `yaml:"device"`
	LogLevel  string          `yaml:"log_level"`
}

// IdentityConfig points at the identity service and its signing keys.
type IdentityConfig struct {
	APIKey       string `yaml:"api_key"`
	ProjectID    string `yaml:"project_id"`
	Locale       string `yaml:"locale"`
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	KeySetURL    string `yaml:"key_set_url"`
	KeySetFormat string `yaml:"key_set_format"`
	Timeout      string `yaml:"timeout"`
}

// ProvidersConfig groups the OAuth providers usable with login and device.
type ProvidersConfig struct {
	Google    ProviderConfig  `yaml:"google"`
	Facebook  FacebookConfig  `yaml:"facebook"`
	GitHub    ProviderConfig  `yaml:"github"`
	Twitter   TwitterConfig   `yaml:"twitter"`
	Microsoft MicrosoftConfig `yaml:"microsoft"`
}

// ProviderConfig holds the OAuth client registration for one provider.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// FacebookConfig adds the client token the device flow authenticates with.
type FacebookConfig struct {
	ProviderConfig `yaml:",inline"`
	ClientToken    string `yaml:"client_token"`
}

// TwitterConfig selects PKCE for apps registered with OAuth 2.0 support.
type TwitterConfig struct {
	ProviderConfig `yaml:",inline"`
	PKCE           bool `yaml:"pkce"`
}

// MicrosoftConfig selects the tenant segment of the endpoints.
type MicrosoftConfig struct {
	ProviderConfig `yaml:",inline"`
	Tenant         string `yaml:"tenant"`
}

// CallbackConfig controls the loopback listener that receives OAuth redirects.
type CallbackConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	Timeout    string `yaml:"timeout"`
}

// DeviceConfig bounds device-flow polling.
type DeviceConfig struct {
	Timeout string `yaml:"timeout"`
}

// Load reads the YAML config file and merges environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

// Default returns the configuration template written by init.
func Default() Config {
	return Config{
		Identity: IdentityConfig{
			BaseURL:      DefaultIdentityBaseURL,
			TokenURL:     DefaultTokenURL,
			KeySetURL:    DefaultKeySetURL,
			KeySetFormat: "x509",
			Timeout:      "30s",
		},
		Providers: ProvidersConfig{
			Google:    ProviderConfig{Scopes: []string{"openid", "email", "profile"}},
			Facebook:  FacebookConfig{ProviderConfig: ProviderConfig{Scopes: []string{"public_profile", "email"}}},
			GitHub:    ProviderConfig{Scopes: []string{"read:user", "user:email"}},
			Twitter:   TwitterConfig{ProviderConfig: ProviderConfig{Scopes: []string{"users.read", "tweet.read"}}},
			Microsoft: MicrosoftConfig{ProviderConfig: ProviderConfig{Scopes: []string{"openid", "email", "profile"}}, Tenant: "common"},
		},
		Callback: CallbackConfig{
			ListenAddr: "127.0.0.1:8765",
			Path:       "/callback",
			Timeout:    "5m",
		},
		Device:   DeviceConfig{Timeout: "5m"},
		LogLevel: "info",
	}
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"FARS_API_KEY":                 func(v string) { cfg.Identity.APIKey = v },
		"FARS_PROJECT_ID":              func(v string) { cfg.Identity.ProjectID = v },
		"FARS_LOCALE":                  func(v string) { cfg.Identity.Locale = v },
		"FARS_IDENTITY_BASE_URL":       func(v string) { cfg.Identity.BaseURL = v },
		"FARS_IDENTITY_TOKEN_URL":      func(v string) { cfg.Identity.TokenURL = v },
		"FARS_KEY_SET_URL":             func(v string) { cfg.Identity.KeySetURL = v },
		"FARS_IDENTITY_TIMEOUT":        func(v string) { cfg.Identity.Timeout = v },
		"FARS_GOOGLE_CLIENT_ID":        func(v string) { cfg.Providers.Google.ClientID = v },
		"FARS_GOOGLE_CLIENT_SECRET":    func(v string) { cfg.Providers.Google.ClientSecret = v },
		"FARS_GOOGLE_SCOPES":           func(v string) { cfg.Providers.Google.Scopes = splitAndTrim(v) },
		"FARS_FACEBOOK_CLIENT_ID":      func(v string) { cfg.Providers.Facebook.ClientID = v },
		"FARS_FACEBOOK_CLIENT_SECRET":  func(v string) { cfg.Providers.Facebook.ClientSecret = v },
		"FARS_FACEBOOK_CLIENT_TOKEN":   func(v string) { cfg.Providers.Facebook.ClientToken = v },
		"FARS_GITHUB_CLIENT_ID":        func(v string) { cfg.Providers.GitHub.ClientID = v },
		"FARS_GITHUB_CLIENT_SECRET":    func(v string) { cfg.Providers.GitHub.ClientSecret = v },
		"FARS_TWITTER_CLIENT_ID":       func(v string) { cfg.Providers.Twitter.ClientID = v },
		"FARS_TWITTER_CLIENT_SECRET":   func(v string) { cfg.Providers.Twitter.ClientSecret = v },
		"FARS_TWITTER_PKCE":            func(v string) { cfg.Providers.Twitter.PKCE = parseBool(v, cfg.Providers.Twitter.PKCE) },
		"FARS_MICROSOFT_CLIENT_ID":     func(v string) { cfg.Providers.Microsoft.ClientID = v },
		"FARS_MICROSOFT_CLIENT_SECRET": func(v string) { cfg.Providers.Microsoft.ClientSecret = v },
		"FARS_MICROSOFT_TENANT":        func(v string) { cfg.Providers.Microsoft.Tenant = v },
		"FARS_CALLBACK_LISTEN_ADDR":    func(v string) { cfg.Callback.ListenAddr = v },
		"FARS_CALLBACK_TIMEOUT":        func(v string) { cfg.Callback.Timeout = v },
		"FARS_DEVICE_TIMEOUT":          func(v string) { cfg.Device.Timeout = v },
		"FARS_LOG_LEVEL":               func(v string) { cfg.LogLevel = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IdentityTimeout is the per-request timeout for identity service calls.
func (c Config) IdentityTimeout() time.Duration { return parseDuration(c.Identity.Timeout, 30*time.Second) }

// CallbackTimeout bounds how long login waits for the browser redirect.
func (c Config) CallbackTimeout() time.Duration { return parseDuration(c.Callback.Timeout, 5*time.Minute) }

// DeviceTimeout bounds device-flow polling.
func (c Config) DeviceTimeout() time.Duration { return parseDuration(c.Device.Timeout, 5*time.Minute) }

// CallbackURL is the loopback redirect URL used when a provider sets none.
func (c Config) CallbackURL() string {
	return "http://" + c.Callback.ListenAddr + c.Callback.Path
}

// RedirectURL returns p's redirect URL, falling back to the callback listener.
func (c Config) RedirectURL(p ProviderConfig) string {
	if p.RedirectURL != "" {
		return p.RedirectURL
	}
	return c.CallbackURL()
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity.APIKey) == "" {
		slog.Error("Missing required configuration", "field", "identity.api_key")
		return errors.New("identity.api_key is required")
	}

	urls := map[string]string{
		"identity.base_url":    c.Identity.BaseURL,
		"identity.token_url":   c.Identity.TokenURL,
		"identity.key_set_url": c.Identity.KeySetURL,
	}
	for field, val := range urls {
		if val == "" {
			continue
		}
		if !strings.HasPrefix(val, "http://") && !strings.HasPrefix(val, "https://") {
			slog.Error("Invalid configuration value", "field", field, "value", val, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, val)
		}
	}

	switch c.Identity.KeySetFormat {
	case "", "x509", "jwk":
	default:
		slog.Error("Invalid key set format", "field", "identity.key_set_format", "value", c.Identity.KeySetFormat, "valid_values", []string{"x509", "jwk"})
		return fmt.Errorf("identity.key_set_format must be 'x509' or 'jwk', got: %s", c.Identity.KeySetFormat)
	}

	durations := map[string]string{
		"identity.timeout": c.Identity.Timeout,
		"callback.timeout": c.Callback.Timeout,
		"device.timeout":   c.Device.Timeout,
	}
	for field, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			slog.Error("Invalid duration", "field", field, "value", val, "error", err)
			return fmt.Errorf("%s: invalid duration '%s': %w", field, val, err)
		}
	}

	if c.Callback.ListenAddr == "" {
		slog.Error("Missing required configuration", "field", "callback.listen_addr")
		return errors.New("callback.listen_addr is required")
	}
	if !strings.HasPrefix(c.Callback.Path, "/") {
		slog.Error("Invalid callback path", "field", "callback.path", "value", c.Callback.Path, "reason", "must start with /")
		return fmt.Errorf("callback.path must start with /, got: %s", c.Callback.Path)
	}

	// common, organizations, consumers, or a tenant id or domain.
	if tenant := c.Providers.Microsoft.Tenant; strings.ContainsAny(tenant, "/?# \t\r\n") {
		slog.Error("Invalid Microsoft tenant", "field", "providers.microsoft.tenant", "value", tenant, "reason", "must be a single path segment")
		return fmt.Errorf("providers.microsoft.tenant must be a single path segment, got: %q", tenant)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error", "err":
	default:
		slog.Error("Invalid log level", "field", "log_level", "value", c.LogLevel)
		return fmt.Errorf("log_level must be debug, info, warn or error, got: %s", c.LogLevel)
	}

	return nil
}
