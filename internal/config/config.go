// Package config loads and hot-reloads the edge connection server's
// YAML configuration: env-var substitution, default application, and
// an fsnotify-based watcher.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the edge connection server.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Backend  BackendConfig  `yaml:"backend"`
	Compiler CompilerConfig `yaml:"compiler"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Schema   SchemaConfig   `yaml:"schema"`
}

// ListenConfig defines the address the server accepts edge connections on.
type ListenConfig struct {
	Address string `yaml:"address"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	StatusAddress string `yaml:"status_address"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// BackendConfig holds the connection parameters for the backend SQL
// engine the server originates connections to.
type BackendConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Redacted returns a copy of the BackendConfig with the password masked.
func (b BackendConfig) Redacted() BackendConfig {
	c := b
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// CompilerConfig holds the dial address of the external compiler
// process (the netcompiler client).
type CompilerConfig struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
	// Passthrough selects the in-process passthrough compiler instead
	// of dialing Address; intended for development and tests.
	Passthrough bool `yaml:"passthrough"`
}

// CacheConfig bounds the per-session compiled-query cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// AuthConfig selects the authentication verifier (internal/auth).
type AuthConfig struct {
	// Mode is one of "accept_all" or "static".
	Mode string `yaml:"mode"`
	// Users maps username to password, consulted when Mode == "static".
	Users map[string]string `yaml:"users,omitempty"`
}

// Redacted returns a copy of AuthConfig with user passwords masked.
func (a AuthConfig) Redacted() AuthConfig {
	c := a
	if len(a.Users) > 0 {
		c.Users = make(map[string]string, len(a.Users))
		for u := range a.Users {
			c.Users[u] = "***REDACTED***"
		}
	}
	return c
}

// SchemaConfig names the per-session temporary tables created during
// session initialization.
type SchemaConfig struct {
	StateTable     string `yaml:"state_table"`
	SavepointTable string `yaml:"savepoint_table"`
}

// Redacted returns a copy of cfg with secrets masked, safe to log.
func (cfg Config) Redacted() Config {
	c := cfg
	c.Backend = cfg.Backend.Redacted()
	c.Auth = cfg.Auth.Redacted()
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Address == "" {
		cfg.Listen.Address = "0.0.0.0:5656"
	}
	if cfg.Listen.StatusAddress == "" {
		cfg.Listen.StatusAddress = "127.0.0.1:8080"
	}
	if cfg.Backend.Port == 0 {
		cfg.Backend.Port = 5432
	}
	if cfg.Backend.ConnectTimeout == 0 {
		cfg.Backend.ConnectTimeout = 10 * time.Second
	}
	if cfg.Compiler.Timeout == 0 {
		cfg.Compiler.Timeout = 30 * time.Second
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 1000
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "accept_all"
	}
	if cfg.Schema.StateTable == "" {
		cfg.Schema.StateTable = "_edgecon_state"
	}
	if cfg.Schema.SavepointTable == "" {
		cfg.Schema.SavepointTable = "_edgecon_current_savepoint"
	}
}

func validate(cfg *Config) error {
	if cfg.Backend.Host == "" {
		return fmt.Errorf("backend: host is required")
	}
	if cfg.Backend.Database == "" {
		return fmt.Errorf("backend: database is required")
	}
	if cfg.Auth.Mode != "" && cfg.Auth.Mode != "accept_all" && cfg.Auth.Mode != "static" {
		return fmt.Errorf("auth: unsupported mode %q (must be accept_all or static)", cfg.Auth.Mode)
	}
	if !cfg.Compiler.Passthrough && cfg.Compiler.Address == "" {
		return fmt.Errorf("compiler: address is required unless passthrough is set")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback
// with the new config, debouncing rapid successive writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config), log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		log:      log,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Error("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Error("config hot-reload failed", "path", cw.path, "error", err)
		return
	}

	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
