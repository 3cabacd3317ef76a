package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Audio      AudioConfig      `yaml:"audio"`
	Provider   ProviderConfig   `yaml:"provider"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Session    SessionConfig    `yaml:"session"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
}

// AudioConfig describes the audio format negotiated with the
// transcription provider and the per-session ingest queue
type AudioConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	Encoding      string `yaml:"encoding"`
	Language      string `yaml:"language"`
	Interim       bool   `yaml:"interim"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// ProviderConfig contains streaming transcription provider configuration
type ProviderConfig struct {
	Endpoint       string `yaml:"endpoint"`        // host:port of the NDJSON STT server
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	DrainTimeout   int    `yaml:"drain_timeout"`   // seconds
}

// SummarizerConfig contains summarization API configuration
type SummarizerConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Window        int    `yaml:"window"` // max final lines per call
}

// BroadcastConfig contains event fan-out configuration
type BroadcastConfig struct {
	BufferSize int `yaml:"buffer_size"` // per-subscriber channel capacity
}

// SessionConfig contains session retention configuration. Retention of 0
// disables purging entirely.
type SessionConfig struct {
	RetentionHours       int `yaml:"retention_hours"`
	PurgeIntervalMinutes int `yaml:"purge_interval_minutes"`
}

// StoreConfig contains the session archive configuration
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration. Rotation settings apply
// only when output names a file path.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	if err := c.Summarizer.Validate(); err != nil {
		return fmt.Errorf("summarizer config: %w", err)
	}

	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 16000: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 44100, 48000], got %d", a.SampleRate)
	}

	validEncodings := map[string]bool{"pcm16": true, "opus": true, "flac": true}
	if !validEncodings[a.Encoding] {
		return fmt.Errorf("encoding must be one of [pcm16, opus, flac], got '%s'", a.Encoding)
	}

	if a.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if a.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", a.QueueCapacity)
	}

	return nil
}

// Validate validates provider configuration
func (p *ProviderConfig) Validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if p.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", p.ConnectTimeout)
	}

	if p.DrainTimeout < 1 {
		return fmt.Errorf("drain_timeout must be at least 1 second, got %d", p.DrainTimeout)
	}

	return nil
}

// Validate validates summarizer configuration
func (s *SummarizerConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.Window < 1 {
		return fmt.Errorf("window must be at least 1, got %d", s.Window)
	}

	return nil
}

// Validate validates broadcast configuration
func (b *BroadcastConfig) Validate() error {
	if b.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", b.BufferSize)
	}

	return nil
}

// Validate validates session retention configuration
func (s *SessionConfig) Validate() error {
	if s.RetentionHours < 0 {
		return fmt.Errorf("retention_hours cannot be negative, got %d", s.RetentionHours)
	}

	if s.RetentionHours > 0 && s.PurgeIntervalMinutes < 1 {
		return fmt.Errorf("purge_interval_minutes must be at least 1 when retention is set, got %d", s.PurgeIntervalMinutes)
	}

	return nil
}

// Validate validates store configuration
func (s *StoreConfig) Validate() error {
	if s.Enabled && s.Path == "" {
		return fmt.Errorf("path cannot be empty when the store is enabled")
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr, or a file path; rotation settings only
	// make sense for file output.
	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation settings cannot be negative")
	}

	return nil
}

// IsFileOutput reports whether log output goes to a rotated file.
func (l *LoggingConfig) IsFileOutput() bool {
	return l.Output != "" && l.Output != "stdout" && l.Output != "stderr"
}

// GetConnectTimeoutDuration returns the provider connect timeout as a time.Duration
func (p *ProviderConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(p.ConnectTimeout) * time.Second
}

// GetDrainTimeoutDuration returns the provider drain timeout as a time.Duration
func (p *ProviderConfig) GetDrainTimeoutDuration() time.Duration {
	return time.Duration(p.DrainTimeout) * time.Second
}

// GetTimeoutDuration returns the summarizer timeout as a time.Duration
func (s *SummarizerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetRetentionDuration returns the session retention as a time.Duration
func (s *SessionConfig) GetRetentionDuration() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// GetPurgeIntervalDuration returns the purge interval as a time.Duration
func (s *SessionConfig) GetPurgeIntervalDuration() time.Duration {
	return time.Duration(s.PurgeIntervalMinutes) * time.Minute
}
