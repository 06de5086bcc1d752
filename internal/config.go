package internal

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/nhardt/footnote-sub000/internal/vault"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config is the footnote daemon and CLI configuration, read from YAML.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Vault  VaultConfig       `yaml:"vault"`
	SQLite SQLiteConfig      `yaml:"sqlite"`
	Auth   AuthConfig        `yaml:"auth"`
	Sync   SyncConfig        `yaml:"sync"`
}

func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	return c.Sync.Validate()
}

// StatusDBPath returns the sync status database path. An empty
// sqlite.path puts it inside the vault's control directory.
func (c *Config) StatusDBPath() string {
	if c.SQLite.Path != "" {
		return c.SQLite.Path
	}
	return filepath.Join(c.Vault.Path, filepath.FromSlash(vault.StatusDBFile))
}

// ApplicationConfig holds process-wide settings.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the local status API configuration.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Address returns the status API address. It only binds loopback.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// VaultConfig holds the path to the notes vault.
type VaultConfig struct {
	Path string `yaml:"path"`
}

func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds the sync status database location. Empty means
// the default inside the vault.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig guards the local status API. In token mode every /api
// request needs "Authorization: Bearer <token>"; an empty mode means
// disabled.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.In(AuthModeDisabled, AuthModeToken)),
		validation.Field(&c.Token,
			validation.When(c.Mode == AuthModeToken, validation.Required.Error("required in token mode"))),
	)
}

// AuthEnabled reports whether the API checks bearer tokens.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// SyncConfig controls the peer listener and the push schedule.
type SyncConfig struct {
	Listen   string        `yaml:"listen"`
	Interval time.Duration `yaml:"interval"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
	// Ignore holds doublestar globs, relative to the vault, that never sync.
	Ignore []string `yaml:"ignore"`
	// Peers maps endpoint ids to host:port. Entries here win over the
	// vault's own address book.
	Peers map[string]string `yaml:"peers"`
	// Prune keeps this many attempts in the status database; 0 keeps all.
	Prune int `yaml:"prune"`
}

func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Listen, validation.Required, validation.By(hostPort)),
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.Ignore, validation.Each(validation.By(glob))),
		validation.Field(&c.Prune, validation.Min(0)),
	); err != nil {
		return err
	}
	for id, addr := range c.Peers {
		if err := validation.Validate(id, validation.Length(64, 64), is.Hexadecimal); err != nil {
			return fmt.Errorf("sync: peer %q: %w", id, err)
		}
		if err := hostPort(addr); err != nil {
			return fmt.Errorf("sync: peer %q: %w", id, err)
		}
	}
	return nil
}

func hostPort(v any) error {
	s, _ := v.(string)
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("must be host:port")
	}
	return nil
}

func glob(v any) error {
	s, _ := v.(string)
	if !doublestar.ValidatePattern(s) {
		return fmt.Errorf("invalid glob %q", s)
	}
	return nil
}

// NewDefaultConfig returns the configuration used when no file is given:
// a ./vault directory, sync on :4919 every minute, HTTP off.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 4920,
			},
		},
		Vault: VaultConfig{
			Path: "./vault",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Sync: SyncConfig{
			Listen:   ":4919",
			Interval: 60 * time.Second,
			Watch:    true,
			Debounce: 2 * time.Second,
		},
	}
}
