// Package config provides configuration management for renderd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultMaxOpenConns        = 25
	defaultMaxIdleConns        = 10
	defaultConnMaxIdleTime     = 30 * time.Minute
	defaultMaxConcurrentJobs   = 2
	defaultSegmentTimeout      = 5 * time.Minute
	defaultConcatTimeout       = 10 * time.Minute
	defaultAudioMixTimeout     = 15 * time.Minute
	defaultJobTimeout          = time.Hour
	defaultProjectLockTimeout  = 5 * time.Second
	defaultProbeTimeout        = 5 * time.Second
	defaultHWAccelTestTimeout  = 5 * time.Second
	defaultTTSConcurrency      = 2
	defaultTTSTimeout          = 60 * time.Second
	defaultTTSRetryAttempts    = 3
	defaultTTSRetryDelay       = 2 * time.Second
	defaultTTSCacheMaxBytes    = 2 * 1024 * 1024 * 1024 // 2GB
	defaultWorkerInactivity    = time.Hour
	defaultWorkerStopGrace     = 500 * time.Millisecond
	defaultTempMaxAge          = 24 * time.Hour
	defaultJobRetentionDays    = 30
	defaultTTSCacheMaxAgeDays  = 30
	defaultJanitorCron         = "0 */30 * * * *" // Every 30 minutes (6-field cron)
	defaultProgressRateLimitMS = 500
	defaultSampleRate          = 44100
	defaultVoiceoverGainDB     = 6.0
	defaultDuckingVolume       = 0.7
	defaultBGMBaselineDB       = -20.0
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Render   RenderConfig   `mapstructure:"render"`
	TTS      TTSConfig      `mapstructure:"tts"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir     string `mapstructure:"base_dir"`
	ProjectsDir string `mapstructure:"projects_dir"`
	OutputDir   string `mapstructure:"output_dir"`
	TempDir     string `mapstructure:"temp_dir"`
	FontsDir    string `mapstructure:"fonts_dir"`
	TTSCacheDir string `mapstructure:"tts_cache_dir"`
	LogsDir     string `mapstructure:"logs_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath         string        `mapstructure:"binary_path"`          // Path to ffmpeg binary (empty = auto-detect)
	ProbePath          string        `mapstructure:"probe_path"`           // Path to ffprobe binary (empty = auto-detect)
	HWAccelPriority    []string      `mapstructure:"hwaccel_priority"`     // Priority order: nvenc, qsv, vaapi, amf
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`        // Timeout for a single ffprobe invocation
	HWAccelTestTimeout time.Duration `mapstructure:"hwaccel_test_timeout"` // Timeout for the encoder smoke test
}

// RenderConfig holds export pipeline configuration.
type RenderConfig struct {
	MaxConcurrentJobs  int           `mapstructure:"max_concurrent_jobs"`  // Exports rendered in parallel; excess jobs queue
	SegmentTimeout     time.Duration `mapstructure:"segment_timeout"`      // Per-segment encode timeout
	ConcatTimeout      time.Duration `mapstructure:"concat_timeout"`       // Concat and single-pass filter timeout
	AudioMixTimeout    time.Duration `mapstructure:"audio_mix_timeout"`    // Voiceover/BGM mixing timeout (scales with track count)
	JobTimeout         time.Duration `mapstructure:"job_timeout"`          // Hard ceiling for one whole export
	ProjectLockTimeout time.Duration `mapstructure:"project_lock_timeout"` // How long to wait for the project file lock
	WatermarkPath      string        `mapstructure:"watermark_path"`       // Watermark image burned onto free-tier exports
	ProgressRateLimit  time.Duration `mapstructure:"progress_rate_limit"`  // Minimum interval between progress events

	TargetWidth  int     `mapstructure:"target_width"`  // Output frame width; 0 derives from the primary video
	TargetHeight int     `mapstructure:"target_height"` // Output frame height; 0 derives from the primary video
	TargetFPS    float64 `mapstructure:"target_fps"`    // Output frame rate; 0 derives from the primary video
	SampleRate   int     `mapstructure:"sample_rate"`   // Sample rate for generated/silent audio (44100 or 48000)

	VoiceoverGainDB float64 `mapstructure:"voiceover_gain_db"` // Gain applied to narration audio in the mix
	DuckingVolume   float64 `mapstructure:"ducking_volume"`    // Linear gain on original audio under narration
	BGMBaselineDB   float64 `mapstructure:"bgm_baseline_db"`   // Baseline applied to BGM before per-track volume
}

// TTSConfig holds text-to-speech provider configuration.
type TTSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	MaxConcurrent int           `mapstructure:"max_concurrent"` // Parallel synthesis requests per export
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// CacheMaxSize bounds the synthesis cache on disk.
	// Supports human-readable values like "2GB", "500MB", or raw byte counts.
	CacheMaxSize ByteSize `mapstructure:"cache_max_size"`
}

// WorkerConfig holds render worker subprocess configuration.
type WorkerConfig struct {
	BinaryPath        string        `mapstructure:"binary_path"`        // Path to renderd-worker (empty = next to this executable)
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"` // Kill the worker if stdout goes silent this long
	StopGracePeriod   time.Duration `mapstructure:"stop_grace_period"`  // SIGTERM to SIGKILL escalation delay on cancel
}

// JanitorConfig holds background cleanup configuration.
type JanitorConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Cron       string   `mapstructure:"cron"`         // 6-field cron expression for sweep runs
	TempMaxAge Duration `mapstructure:"temp_max_age"` // Orphaned export temp dirs older than this are removed
	// JobRetention and TTSCacheMaxAge support human-readable values like "30d", "2w".
	JobRetention   Duration `mapstructure:"job_retention"`     // Completed/failed job rows older than this are pruned
	TTSCacheMaxAge Duration `mapstructure:"tts_cache_max_age"` // Cached synthesis older than this is evicted
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RENDERD_ and use underscores for nesting.
// Example: RENDERD_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/renderd")
		v.AddConfigPath("$HOME/.renderd")
	}

	// Environment variable settings
	v.SetEnvPrefix("RENDERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	// The extra text hook lets Duration and ByteSize fields accept
	// human-readable strings like "2w" or "500MB".
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "renderd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.projects_dir", "projects")
	v.SetDefault("storage.output_dir", "output")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.fonts_dir", "fonts")
	v.SetDefault("storage.tts_cache_dir", "tts-cache")
	v.SetDefault("storage.logs_dir", "logs")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{"nvenc", "qsv", "vaapi", "amf"})
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg.hwaccel_test_timeout", defaultHWAccelTestTimeout)

	// Render defaults
	v.SetDefault("render.max_concurrent_jobs", defaultMaxConcurrentJobs)
	v.SetDefault("render.segment_timeout", defaultSegmentTimeout)
	v.SetDefault("render.concat_timeout", defaultConcatTimeout)
	v.SetDefault("render.audio_mix_timeout", defaultAudioMixTimeout)
	v.SetDefault("render.job_timeout", defaultJobTimeout)
	v.SetDefault("render.project_lock_timeout", defaultProjectLockTimeout)
	v.SetDefault("render.watermark_path", "")
	v.SetDefault("render.progress_rate_limit", defaultProgressRateLimitMS*time.Millisecond)
	v.SetDefault("render.target_width", 0)
	v.SetDefault("render.target_height", 0)
	v.SetDefault("render.target_fps", 0)
	v.SetDefault("render.sample_rate", defaultSampleRate)
	v.SetDefault("render.voiceover_gain_db", defaultVoiceoverGainDB)
	v.SetDefault("render.ducking_volume", defaultDuckingVolume)
	v.SetDefault("render.bgm_baseline_db", defaultBGMBaselineDB)

	// TTS defaults
	v.SetDefault("tts.enabled", false)
	v.SetDefault("tts.base_url", "")
	v.SetDefault("tts.api_key", "")
	v.SetDefault("tts.max_concurrent", defaultTTSConcurrency)
	v.SetDefault("tts.timeout", defaultTTSTimeout)
	v.SetDefault("tts.retry_attempts", defaultTTSRetryAttempts)
	v.SetDefault("tts.retry_delay", defaultTTSRetryDelay)
	v.SetDefault("tts.cache_max_size", defaultTTSCacheMaxBytes)

	// Worker defaults
	v.SetDefault("worker.binary_path", "")
	v.SetDefault("worker.inactivity_timeout", defaultWorkerInactivity)
	v.SetDefault("worker.stop_grace_period", defaultWorkerStopGrace)

	// Janitor defaults
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.cron", defaultJanitorCron)
	v.SetDefault("janitor.temp_max_age", defaultTempMaxAge)
	v.SetDefault("janitor.job_retention", defaultJobRetentionDays*24*time.Hour)
	v.SetDefault("janitor.tts_cache_max_age", defaultTTSCacheMaxAgeDays*24*time.Hour)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	validDBLogLevels := map[string]bool{"silent": true, "error": true, "warn": true, "info": true}
	if !validDBLogLevels[c.Database.LogLevel] {
		return fmt.Errorf("database.log_level must be one of: silent, error, warn, info")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database.max_open_conns must be at least 1")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns must not be negative")
	}

	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Render validation
	const maxConcurrentJobs = 32
	if c.Render.MaxConcurrentJobs < 1 || c.Render.MaxConcurrentJobs > maxConcurrentJobs {
		return fmt.Errorf("render.max_concurrent_jobs must be between 1 and %d", maxConcurrentJobs)
	}
	if c.Render.SegmentTimeout <= 0 {
		return fmt.Errorf("render.segment_timeout must be positive")
	}
	if c.Render.JobTimeout <= 0 {
		return fmt.Errorf("render.job_timeout must be positive")
	}
	if c.Render.SampleRate != 44100 && c.Render.SampleRate != 48000 {
		return fmt.Errorf("render.sample_rate must be 44100 or 48000")
	}
	if c.Render.DuckingVolume < 0 || c.Render.DuckingVolume > 1 {
		return fmt.Errorf("render.ducking_volume must be between 0 and 1")
	}

	// TTS validation
	const maxTTSConcurrent = 16
	if c.TTS.MaxConcurrent < 1 || c.TTS.MaxConcurrent > maxTTSConcurrent {
		return fmt.Errorf("tts.max_concurrent must be between 1 and %d", maxTTSConcurrent)
	}
	if c.TTS.Enabled && c.TTS.BaseURL == "" {
		return fmt.Errorf("tts.base_url is required when tts is enabled")
	}

	// Worker validation
	if c.Worker.InactivityTimeout <= 0 {
		return fmt.Errorf("worker.inactivity_timeout must be positive")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProjectsPath returns the full path to the project file directory.
func (c *StorageConfig) ProjectsPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.ProjectsDir)
}

// OutputPath returns the full path to the export output directory.
func (c *StorageConfig) OutputPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.OutputDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}

// FontsPath returns the full path to the font directory.
func (c *StorageConfig) FontsPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.FontsDir)
}

// TTSCachePath returns the full path to the synthesis cache directory.
func (c *StorageConfig) TTSCachePath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TTSCacheDir)
}

// LogsPath returns the full path to the worker log directory.
func (c *StorageConfig) LogsPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.LogsDir)
}

// EnsureDirs creates the storage directory tree.
func (c *StorageConfig) EnsureDirs() error {
	for _, dir := range []string{
		c.ProjectsPath(), c.OutputPath(), c.TempPath(),
		c.FontsPath(), c.TTSCachePath(), c.LogsPath(),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	return nil
}
