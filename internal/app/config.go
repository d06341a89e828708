package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/raysh454/kbcrawl/internal/auth"
	"github.com/raysh454/kbcrawl/internal/changes"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/scheduler"
	"github.com/raysh454/kbcrawl/internal/webclient"
	"github.com/raysh454/kbcrawl/internal/worker"
)

const (
	EnvMasterKey   = "KBCRAWL_MASTER_KEY"
	EnvStorageRoot = "KBCRAWL_STORAGE_ROOT"
	EnvListenAddr  = "KBCRAWL_LISTEN_ADDR"
)

// SSOSessionConfig seeds the host session provider with an existing SSO
// session for a domain.
type SSOSessionConfig struct {
	Domain    string    `json:"domain"`
	Cookies   string    `json:"cookies"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type WebClientConfig struct {
	Client          string `json:"client"`
	UserAgent       string `json:"user_agent"`
	TimeoutMs       int    `json:"timeout_ms"`
	EnableRenderer  bool   `json:"enable_renderer"`
	IdleAfterMs     int    `json:"idle_after_ms"`
	MaxRenderWaitMs int    `json:"max_render_wait_ms"`
	MaxRedirects    int    `json:"max_redirects"`
}

type AuthConfig struct {
	MaxFetchRetries  int `json:"max_fetch_retries"`
	FetchTimeoutMs   int `json:"fetch_timeout_ms"`
	MaxLoginAttempts int `json:"max_login_attempts"`
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
}

type VaultConfig struct {
	StaleThreshold int `json:"stale_threshold"`
}

type ChangesConfig struct {
	// MajorChangeThreshold is a pointer so an explicit 0 survives defaults.
	MajorChangeThreshold *float64 `json:"major_change_threshold,omitempty"`
}

type WorkerConfig struct {
	PoolSize       int `json:"pool_size"`
	DrainTimeoutMs int `json:"drain_timeout_ms"`
}

type SchedulerConfig struct {
	WaitForDynamicContent bool `json:"wait_for_dynamic_content"`
	FinishTimeoutMs       int  `json:"finish_timeout_ms"`
}

// Config is the runtime configuration. It is read from JSON, then the
// environment overrides ListenAddr, StorageRoot and the master key.
type Config struct {
	ListenAddr  string `json:"listen_addr"`
	StorageRoot string `json:"storage_root"`
	LogLevel    string `json:"log_level"`

	// MasterKey is base64 and only ever comes from the environment.
	MasterKey string `json:"-"`

	DomainPatterns []model.DomainPattern `json:"domain_patterns"`
	SSOSessions    []SSOSessionConfig    `json:"sso_sessions"`

	WebClient WebClientConfig `json:"web_client"`
	Auth      AuthConfig      `json:"auth"`
	Vault     VaultConfig     `json:"vault"`
	Changes   ChangesConfig   `json:"changes"`
	Worker    WorkerConfig    `json:"worker"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// DefaultConfig returns a Config populated with development defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads configuration from a JSON file, applies defaults and
// environment overrides, and validates the result. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	applyDefaults(&cfg)
	cfg.ApplyEnv()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvMasterKey); v != "" {
		c.MasterKey = v
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = "~/.local/share/kbcrawl"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.WebClient.Client == "" {
		cfg.WebClient.Client = string(webclient.ClientNetHTTP)
	}
	if cfg.WebClient.UserAgent == "" {
		cfg.WebClient.UserAgent = "kbcrawl/1.0"
	}
	if cfg.WebClient.TimeoutMs == 0 {
		cfg.WebClient.TimeoutMs = 30000
	}
	if cfg.WebClient.MaxRedirects == 0 {
		cfg.WebClient.MaxRedirects = 10
	}

	d := auth.DefaultConfig()
	if cfg.Auth.MaxFetchRetries == 0 {
		cfg.Auth.MaxFetchRetries = d.MaxFetchRetries
	}
	if cfg.Auth.FetchTimeoutMs == 0 {
		cfg.Auth.FetchTimeoutMs = int(d.FetchTimeout / time.Millisecond)
	}
	if cfg.Auth.MaxLoginAttempts == 0 {
		cfg.Auth.MaxLoginAttempts = d.MaxLoginAttempts
	}
	if cfg.Auth.InitialBackoffMs == 0 {
		cfg.Auth.InitialBackoffMs = int(d.InitialBackoff / time.Millisecond)
	}
	if cfg.Auth.MaxBackoffMs == 0 {
		cfg.Auth.MaxBackoffMs = int(d.MaxBackoff / time.Millisecond)
	}

	if cfg.Vault.StaleThreshold == 0 {
		cfg.Vault.StaleThreshold = 3
	}
	if cfg.Changes.MajorChangeThreshold == nil {
		cfg.Changes.MajorChangeThreshold = changes.Threshold(changes.DefaultMajorChangeThreshold)
	}
	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = worker.DefaultPoolSize
	}
	if cfg.Worker.DrainTimeoutMs == 0 {
		cfg.Worker.DrainTimeoutMs = int(worker.DefaultDrainTimeout / time.Millisecond)
	}
	if cfg.Scheduler.FinishTimeoutMs == 0 {
		cfg.Scheduler.FinishTimeoutMs = 10000
	}
}

func validate(cfg *Config) error {
	switch webclient.Client(cfg.WebClient.Client) {
	case webclient.ClientNetHTTP, webclient.ClientChromedp:
	default:
		return fmt.Errorf("web_client.client must be %q or %q", webclient.ClientNetHTTP, webclient.ClientChromedp)
	}
	if cfg.Auth.MaxFetchRetries < 0 {
		return errors.New("auth.max_fetch_retries must be >= 0")
	}
	if cfg.Auth.MaxLoginAttempts < 1 {
		return errors.New("auth.max_login_attempts must be >= 1")
	}
	if cfg.Auth.FetchTimeoutMs < 100 {
		return errors.New("auth.fetch_timeout_ms must be >= 100")
	}
	if cfg.Vault.StaleThreshold < 1 {
		return errors.New("vault.stale_threshold must be >= 1")
	}
	if t := cfg.Changes.MajorChangeThreshold; t != nil && (*t < 0 || *t > 100) {
		return errors.New("changes.major_change_threshold must be within [0, 100]")
	}
	if cfg.Worker.PoolSize < 1 {
		return errors.New("worker.pool_size must be >= 1")
	}
	for i, p := range cfg.DomainPatterns {
		if p.Pattern == "" {
			return fmt.Errorf("domain_patterns[%d]: pattern is required", i)
		}
		if !p.Regime.Valid() {
			return fmt.Errorf("domain_patterns[%d]: unknown regime %q", i, p.Regime)
		}
	}
	for i, s := range cfg.SSOSessions {
		if s.Domain == "" || s.Cookies == "" {
			return fmt.Errorf("sso_sessions[%d]: domain and cookies are required", i)
		}
	}
	return nil
}

// DecodeMasterKey returns the raw master key. An unset key yields nil; the
// vault refuses to start without one.
func (c *Config) DecodeMasterKey() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", EnvMasterKey, err)
	}
	return key, nil
}

// ResolvedStorageRoot expands a leading ~ in StorageRoot.
func (c *Config) ResolvedStorageRoot() (string, error) {
	return expandPath(c.StorageRoot)
}

func (c *Config) authConfig() auth.Config {
	return auth.Config{
		MaxFetchRetries:  c.Auth.MaxFetchRetries,
		FetchTimeout:     ms(c.Auth.FetchTimeoutMs),
		MaxLoginAttempts: c.Auth.MaxLoginAttempts,
		InitialBackoff:   ms(c.Auth.InitialBackoffMs),
		MaxBackoff:       ms(c.Auth.MaxBackoffMs),
	}
}

func (c *Config) webClientConfig(client webclient.Client) webclient.Config {
	return webclient.Config{
		Client:        client,
		Timeout:       ms(c.WebClient.TimeoutMs),
		UserAgent:     c.WebClient.UserAgent,
		IdleAfter:     ms(c.WebClient.IdleAfterMs),
		MaxRenderWait: ms(c.WebClient.MaxRenderWaitMs),
	}
}

func (c *Config) workerConfig() worker.Config {
	return worker.Config{PoolSize: c.Worker.PoolSize, DrainTimeout: ms(c.Worker.DrainTimeoutMs)}
}

func (c *Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		WaitForDynamicContent: c.Scheduler.WaitForDynamicContent,
		FinishTimeout:         ms(c.Scheduler.FinishTimeoutMs),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandPath(p string) (string, error) {
	if len(p) > 0 && p[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
