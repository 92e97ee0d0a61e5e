// Package config loads the controller configuration from config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/factorio-deck/factorio-deck/internal/logging"
	"github.com/factorio-deck/factorio-deck/internal/server"
)

const (
	// HomeEnv overrides the base directory.
	HomeEnv = "FACTORIO_DECK_HOME"
	// FileName is the config file inside the base directory.
	FileName = "config.toml"

	DefaultListen       = "127.0.0.1:8420"
	DefaultSocketName   = "controller.sock"
	DefaultDBName       = "state.db"
	DefaultWrapper      = "factorio-wrapper"
	DefaultChatRate     = 1.0
	DefaultTopicDelay   = 30 * time.Second
	DefaultFlushSeconds = 2
)

// ControllerSettings is the [controller] section.
type ControllerSettings struct {
	Listen      string `toml:"listen"`
	Socket      string `toml:"socket"`
	DBPath      string `toml:"db_path"`
	HistorySize int    `toml:"history_size"`
	Token       string `toml:"token"`
}

// WrapperSettings is the [wrapper] section.
type WrapperSettings struct {
	Executable string `toml:"executable"`
	LogDir     string `toml:"log_dir"`
}

// LogSettings is the [logs] section.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	PprofAddr  string `toml:"pprof_addr"`
}

// ChatSettings is the [chat] section. Chat links are off without Endpoint.
type ChatSettings struct {
	Endpoint          string  `toml:"endpoint"`
	Token             string  `toml:"token"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	TopicDelaySeconds int     `toml:"topic_delay_seconds"`
	FlushSeconds      int     `toml:"flush_seconds"`
	MessageSize       int     `toml:"message_size"`
}

// Enabled reports whether a chat endpoint is configured.
func (c ChatSettings) Enabled() bool {
	return c.Endpoint != ""
}

// TopicDelay returns the minimum spacing of topic updates.
func (c ChatSettings) TopicDelay() time.Duration {
	if c.TopicDelaySeconds <= 0 {
		return DefaultTopicDelay
	}
	return time.Duration(c.TopicDelaySeconds) * time.Second
}

// FlushInterval returns the output flush interval.
func (c ChatSettings) FlushInterval() time.Duration {
	if c.FlushSeconds <= 0 {
		return DefaultFlushSeconds * time.Second
	}
	return time.Duration(c.FlushSeconds) * time.Second
}

// Config is the decoded config.toml.
type Config struct {
	Controller ControllerSettings    `toml:"controller"`
	Wrapper    WrapperSettings       `toml:"wrapper"`
	Logs       LogSettings           `toml:"logs"`
	Chat       ChatSettings          `toml:"chat"`
	Servers    []server.InstanceData `toml:"servers"`

	// BaseDir is where relative paths resolve; not read from the file.
	BaseDir string `toml:"-"`
}

var (
	ErrDuplicateServer = errors.New("duplicate server id")
	ErrInvalidServer   = errors.New("invalid server definition")
)

// BaseDir returns the base directory: $FACTORIO_DECK_HOME, else
// ~/.factorio-deck.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".factorio-deck"), nil
}

// Path returns the path of config.toml in the base directory.
func Path() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Default returns the configuration used when no file exists.
func Default(baseDir string) *Config {
	c := &Config{BaseDir: baseDir}
	c.applyDefaults()
	return c
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	baseDir := filepath.Dir(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(baseDir), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data, baseDir)
}

// Parse decodes a config.toml document.
func Parse(data []byte, baseDir string) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logging.ForComponent(logging.CompConfig).Warn("config_unknown_keys",
			"keys", strings.Join(keys, ","))
	}
	c.BaseDir = baseDir
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) applyDefaults() {
	if c.Controller.Listen == "" {
		c.Controller.Listen = DefaultListen
	}
	if c.Controller.Socket == "" {
		c.Controller.Socket = DefaultSocketName
	}
	c.Controller.Socket = c.resolve(c.Controller.Socket)
	if c.Controller.DBPath == "" {
		c.Controller.DBPath = DefaultDBName
	}
	c.Controller.DBPath = c.resolve(c.Controller.DBPath)
	if c.Controller.HistorySize <= 0 {
		c.Controller.HistorySize = server.DefaultHistorySize
	}

	if c.Wrapper.Executable == "" {
		c.Wrapper.Executable = DefaultWrapper
	}
	if c.Wrapper.LogDir == "" {
		c.Wrapper.LogDir = "logs/wrappers"
	}
	c.Wrapper.LogDir = c.resolve(c.Wrapper.LogDir)

	if c.Logs.Dir == "" {
		c.Logs.Dir = "logs"
	}
	c.Logs.Dir = c.resolve(c.Logs.Dir)
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}

	if c.Chat.RequestsPerSecond <= 0 {
		c.Chat.RequestsPerSecond = DefaultChatRate
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		if s.WorkingDir == "" {
			s.WorkingDir = filepath.Join("servers", s.ID)
		}
		s.WorkingDir = c.resolve(s.WorkingDir)
	}
}

// Validate checks the server definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: servers[%d] has no id", ErrInvalidServer, i)
		}
		if s.Executable == "" {
			return fmt.Errorf("%w: server %s has no executable", ErrInvalidServer, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateServer, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Logging returns the logging configuration for the given log file.
func (c *Config) Logging(fileName string) logging.Config {
	return logging.Config{
		LogDir:     c.Logs.Dir,
		FileName:   fileName,
		Level:      c.Logs.Level,
		Format:     c.Logs.Format,
		MaxSizeMB:  c.Logs.MaxSizeMB,
		MaxBackups: c.Logs.MaxBackups,
		MaxAgeDays: c.Logs.MaxAgeDays,
		Compress:   c.Logs.Compress,
		PprofAddr:  c.Logs.PprofAddr,
	}
}

// Server returns the definition with the given id.
func (c *Config) Server(id string) (server.InstanceData, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return server.InstanceData{}, false
}

// Save writes c to path atomically.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# factorio-deck configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}
