// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort           = 8080
	DefaultLogLevel          = "info"
	DefaultModelsDir         = "models"
	DefaultFactorySuffix     = ".uim"
	DefaultUserSuffix        = ".udm"
	DefaultKeyphraseIDBase   = 1000
	DefaultEngineType        = "soft"
	DefaultFrameMs           = 120
	DefaultPreBufferMs       = 2000
	DefaultOneShotWindowMs   = 10000
	DefaultHistoryBufferMs   = 1500
	DefaultPreRollMs         = 250
	DefaultMatcher           = "energy"
	DefaultMaxLookAheadMs    = 2000
	DefaultSpeechThresholdDB = -45.0
	DefaultMinSpeechMs       = 300
	DefaultMatchThreshold    = 0.5
	DefaultKeyphraseConf     = 60
	DefaultUserConf          = 40
	DefaultCNNConf           = 35
	DefaultVOPConf           = 20
	DefaultStoragePath       = "captures"
	DefaultRetentionDays     = 7
	DefaultSettingsDir       = "settings"
	DefaultEventLogPath      = "events.jsonl"
)

// Environment variables that override file values.
const (
	EnvPort      = "WAKEWORD_PORT"
	EnvAPIKey    = "WAKEWORD_API_KEY"
	EnvLogLevel  = "WAKEWORD_LOG_LEVEL"
	EnvModelsDir = "WAKEWORD_MODELS_DIR"
)

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port     int    `json:"port" validate:"gte=1,lte=65535"`                            // HTTP server port
	APIKey   string `json:"api_key"`                                                    // Key for the HTTP API (X-API-Key)
	LogLevel string `json:"log_level" validate:"omitempty,oneof=debug info warn error"` // slog level
}

// ModelsConfig holds sound model discovery settings.
type ModelsConfig struct {
	Directory       string `json:"directory" validate:"required"`
	FactorySuffix   string `json:"factory_suffix" validate:"required,startswith=."`                    // Factory model files
	UserSuffix      string `json:"user_suffix" validate:"required,startswith=.,nefield=FactorySuffix"` // User-trained model files
	KeyphraseIDBase int    `json:"keyphrase_id_base" validate:"gte=0"`                                 // First engine keyphrase id
	Autostart       bool   `json:"autostart"`                                                          // Re-establish sessions on boot
}

// EngineConfig selects and configures the recognition engine.
type EngineConfig struct {
	Type             string `json:"type" validate:"oneof=soft"`
	MaxModels        int    `json:"max_models" validate:"gte=0,lte=64"`
	CaptureAvailable bool   `json:"capture_available"` // Detections carry a capture session
}

// CaptureConfig holds audio capture settings.
type CaptureConfig struct {
	Device          string `json:"device"`                                    // Capture device identifier
	FFmpegPath      string `json:"ffmpeg_path"`                               // Path to FFmpeg binary (empty = use PATH)
	SampleRate      int    `json:"sample_rate" validate:"gte=8000,lte=48000"` // Hz
	FrameMs         int    `json:"frame_ms" validate:"gte=10,lte=1000"`
	PreBufferMs     int    `json:"prebuffer_ms" validate:"gte=0,lte=10000"`
	MinBufferBytes  int    `json:"min_buffer_bytes" validate:"gte=0"`
	OneShotWindowMs int    `json:"one_shot_window_ms" validate:"gte=0"` // Clamped to the capture maximum
	RetainWindow    bool   `json:"retain_window"`                       // Persist captured audio
	HistoryBufferMs int    `json:"history_buffer_ms" validate:"gte=0,lte=10000"`
	PreRollMs       int    `json:"preroll_ms" validate:"gte=0,lte=5000"`
}

// SecondStageConfig holds second-stage verification settings.
type SecondStageConfig struct {
	Enabled           bool    `json:"enabled"`
	Matcher           string  `json:"matcher" validate:"oneof=energy onnx"`
	MaxLookAheadMs    int     `json:"max_lookahead_ms" validate:"gte=100,lte=30000"`
	SpeechThresholdDB float64 `json:"speech_threshold_db" validate:"gte=-96,lte=0"`
	MinSpeechMs       int     `json:"min_speech_ms" validate:"gte=0,lte=10000"`
	ModelPath         string  `json:"model_path"`        // ONNX verifier model
	LibraryPath       string  `json:"onnx_library_path"` // onnxruntime shared library
	MatchThreshold    float64 `json:"match_threshold" validate:"gte=0,lte=1"`
}

// S3Config holds S3-compatible upload settings.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	Bucket          string `json:"bucket"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Prefix          string `json:"prefix"`
}

// IsConfigured reports whether uploads are possible.
func (s *S3Config) IsConfigured() bool {
	return util.IsConfigured(s.Bucket, s.AccessKeyID, s.SecretAccessKey)
}

// StorageConfig holds persistence settings for retained capture windows.
type StorageConfig struct {
	LocalPath     string   `json:"local_path"`
	RetentionDays int      `json:"retention_days" validate:"gte=0,lte=3650"` // 0 keeps files forever
	S3            S3Config `json:"s3"`
}

// NotificationsConfig holds event delivery settings.
type NotificationsConfig struct {
	WebhookURL   string `json:"webhook_url" validate:"omitempty,url"`
	EventLogPath string `json:"event_log_path"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig           `json:"system"`
	Models        ModelsConfig           `json:"models"`
	Engine        EngineConfig           `json:"engine"`
	Capture       CaptureConfig          `json:"capture"`
	SecondStage   SecondStageConfig      `json:"second_stage"`
	Confidence    types.ConfidenceConfig `json:"confidence"` // Defaults for models without stored settings
	Storage       StorageConfig          `json:"storage"`
	Notifications NotificationsConfig    `json:"notifications"`
	SettingsDir   string                 `json:"settings_dir"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{
		Storage:  StorageConfig{RetentionDays: DefaultRetentionDays},
		filePath: filePath,
	}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
// Environment variables override file values.
func (c *Config) Load() error {
	return c.LoadWithEnv(os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func (c *Config) LoadWithEnv(lookup func(string) (string, bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	switch {
	case os.IsNotExist(err):
		if err := c.ensureAPIKey(); err != nil {
			return err
		}
		if err := c.saveLocked(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return util.WrapError("parse config", err)
		}
	}

	if err := c.applyEnv(lookup); err != nil {
		return err
	}
	c.applyDefaults()

	if err := util.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.System.Port = port
	}
	if v, ok := lookup(EnvAPIKey); ok {
		c.System.APIKey = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.System.LogLevel = v
	}
	if v, ok := lookup(EnvModelsDir); ok {
		c.Models.Directory = v
	}
	return nil
}

// ensureAPIKey generates an API key when none is set.
func (c *Config) ensureAPIKey() error {
	if c.System.APIKey != "" {
		return nil
	}
	key, err := GenerateAPIKey()
	if err != nil {
		return util.WrapError("generate API key", err)
	}
	c.System.APIKey = key
	slog.Info("generated API key for new configuration", "path", c.filePath)
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.LogLevel = cmp.Or(c.System.LogLevel, DefaultLogLevel)

	c.Models.Directory = cmp.Or(c.Models.Directory, DefaultModelsDir)
	c.Models.FactorySuffix = cmp.Or(c.Models.FactorySuffix, DefaultFactorySuffix)
	c.Models.UserSuffix = cmp.Or(c.Models.UserSuffix, DefaultUserSuffix)
	c.Models.KeyphraseIDBase = cmp.Or(c.Models.KeyphraseIDBase, DefaultKeyphraseIDBase)

	c.Engine.Type = cmp.Or(c.Engine.Type, DefaultEngineType)

	c.Capture.SampleRate = cmp.Or(c.Capture.SampleRate, types.SampleRate)
	c.Capture.FrameMs = cmp.Or(c.Capture.FrameMs, DefaultFrameMs)
	c.Capture.PreBufferMs = cmp.Or(c.Capture.PreBufferMs, DefaultPreBufferMs)
	c.Capture.OneShotWindowMs = cmp.Or(c.Capture.OneShotWindowMs, DefaultOneShotWindowMs)
	c.Capture.HistoryBufferMs = cmp.Or(c.Capture.HistoryBufferMs, DefaultHistoryBufferMs)
	c.Capture.PreRollMs = cmp.Or(c.Capture.PreRollMs, DefaultPreRollMs)

	c.SecondStage.Matcher = cmp.Or(c.SecondStage.Matcher, DefaultMatcher)
	c.SecondStage.MaxLookAheadMs = cmp.Or(c.SecondStage.MaxLookAheadMs, DefaultMaxLookAheadMs)
	c.SecondStage.SpeechThresholdDB = cmp.Or(c.SecondStage.SpeechThresholdDB, DefaultSpeechThresholdDB)
	c.SecondStage.MinSpeechMs = cmp.Or(c.SecondStage.MinSpeechMs, DefaultMinSpeechMs)
	c.SecondStage.MatchThreshold = cmp.Or(c.SecondStage.MatchThreshold, DefaultMatchThreshold)

	if c.Confidence == (types.ConfidenceConfig{}) {
		c.Confidence = types.ConfidenceConfig{
			Keyphrase: DefaultKeyphraseConf,
			User:      DefaultUserConf,
			CNN:       DefaultCNNConf,
			VOP:       DefaultVOPConf,
		}
	}

	c.Storage.LocalPath = cmp.Or(c.Storage.LocalPath, DefaultStoragePath)
	c.Notifications.EventLogPath = cmp.Or(c.Notifications.EventLogPath, DefaultEventLogPath)
	c.SettingsDir = cmp.Or(c.SettingsDir, DefaultSettingsDir)
}

// saveLocked writes the config to disk. Caller must hold the write lock.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		_ = os.Remove(tmp)
		return util.WrapError("replace config", err)
	}
	return nil
}

// --- Setters for individual settings ---

// SetSecondStageEnabled toggles second-stage verification and saves the configuration.
func (c *Config) SetSecondStageEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SecondStage.Enabled = enabled
	return c.saveLocked()
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.WebhookURL = url
	return c.saveLocked()
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	System        SystemConfig
	Models        ModelsConfig
	Engine        EngineConfig
	Capture       CaptureConfig
	SecondStage   SecondStageConfig
	Confidence    types.ConfidenceConfig
	Storage       StorageConfig
	Notifications NotificationsConfig
	SettingsDir   string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		System:        c.System,
		Models:        c.Models,
		Engine:        c.Engine,
		Capture:       c.Capture,
		SecondStage:   c.SecondStage,
		Confidence:    c.Confidence,
		Storage:       c.Storage,
		Notifications: c.Notifications,
		SettingsDir:   c.SettingsDir,
	}
}

// APIKey returns the key for the HTTP API.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.APIKey
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.Notifications.WebhookURL != ""
}

// OneShotWindow returns the retainable duration of a trigger-anchored recording,
// clamped to [types.MaxCaptureWindow].
func (s *Snapshot) OneShotWindow() time.Duration {
	return min(time.Duration(s.Capture.OneShotWindowMs)*time.Millisecond, types.MaxCaptureWindow)
}

// MaxLookAhead returns the second-stage look-ahead limit.
func (s *Snapshot) MaxLookAhead() time.Duration {
	return time.Duration(s.SecondStage.MaxLookAheadMs) * time.Millisecond
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
