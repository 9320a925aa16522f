// Package config loads service settings from a .env file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of the service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Pool      PoolConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
	Callback  CallbackConfig
	Log       LogConfig
	Tracing   TracingConfig
}

// ServerConfig is the HTTP layer.
type ServerConfig struct {
	Addr           string
	BaseURL        string
	UploadDir      string
	MaxUploadBytes int64
}

// DatabaseConfig selects and connects the job store.
type DatabaseConfig struct {
	Driver   string // "postgres" or "local"
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// DataDir is where the local driver keeps job files. Empty keeps jobs in memory.
	DataDir string
}

// PoolConfig sizes the engine pool.
type PoolConfig struct {
	EngineKind        string
	MinSize           int
	MaxSize           int
	MaxPerAccelerator int
	InitWithMaxSize   bool
	Device            string
	AcquireTimeout    time.Duration
	Strategy          string
}

// EngineConfig is passed to every engine instance.
type EngineConfig struct {
	Model       string
	ComputeType string
	Binary      string
	FFmpeg      string
	ServerURL   string
	Threads     int
}

// SchedulerConfig tunes the background job loop.
type SchedulerConfig struct {
	MaxConcurrentTasks int
	CheckInterval      time.Duration
	ReconnectInterval  time.Duration
	StoreRetries       int
	TempDir            string
}

// CallbackConfig tunes callback delivery.
type CallbackConfig struct {
	Timeout     time.Duration
	RetryLimit  int
	BaseBackoff time.Duration
	UserAgent   string
	ProxyURL    string
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string
	Format string
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string
	ServiceName string
}

// Load reads envFilePath when it exists, then the environment.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// A missing file is fine, the environment alone is enough.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
			UploadDir:      getEnv("UPLOAD_DIR", ".uploads"),
			MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_MB", 1024)) << 20,
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "transcribe"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "transcribe"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			DataDir:  getEnv("DATA_DIR", ".data"),
		},
		Pool: PoolConfig{
			EngineKind:        getEnv("ENGINE_KIND", "whisper_cpp"),
			MinSize:           getEnvAsInt("POOL_MIN_SIZE", 1),
			MaxSize:           getEnvAsInt("POOL_MAX_SIZE", 1),
			MaxPerAccelerator: getEnvAsInt("POOL_MAX_PER_ACCELERATOR", 1),
			InitWithMaxSize:   getEnvAsBool("POOL_INIT_WITH_MAX_SIZE", false),
			Device:            getEnv("ENGINE_DEVICE", "auto"),
			AcquireTimeout:    getEnvAsDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
			Strategy:          getEnv("POOL_STRATEGY", "existing"),
		},
		Engine: EngineConfig{
			Model:       getEnv("WHISPER_MODEL", "models/ggml-base.bin"),
			ComputeType: getEnv("ENGINE_COMPUTE_TYPE", "float16"),
			Binary:      getEnv("WHISPER_BIN", "whisper-cli"),
			FFmpeg:      getEnv("FFMPEG_BIN", "ffmpeg"),
			ServerURL:   getEnv("WHISPER_SERVER_URL", ""),
			Threads:     getEnvAsInt("ENGINE_THREADS", 0),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: getEnvAsInt("MAX_CONCURRENT_TASKS", 1),
			CheckInterval:      getEnvAsDuration("TASK_STATUS_CHECK_INTERVAL", 3*time.Second),
			ReconnectInterval:  getEnvAsDuration("DB_RECONNECT_INTERVAL", 5*time.Second),
			StoreRetries:       getEnvAsInt("DB_MAX_RECONNECT_ATTEMPTS", 3),
			TempDir:            getEnv("TEMP_FILES_DIR", os.TempDir()),
		},
		Callback: CallbackConfig{
			Timeout:     getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
			RetryLimit:  getEnvAsInt("CALLBACK_RETRY_LIMIT", 3),
			BaseBackoff: getEnvAsDuration("CALLBACK_BASE_BACKOFF", time.Second),
			UserAgent:   getEnv("CALLBACK_USER_AGENT", "transcribe-queue/http-callback"),
			ProxyURL:    getEnv("CALLBACK_PROXY_URL", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Exporter:    getEnv("TRACE_EXPORTER", "none"),
			ServiceName: getEnv("SERVICE_NAME", "transcribe-queue"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "local":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("POOL_MIN_SIZE %d cannot be greater than POOL_MAX_SIZE %d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid BASE_URL: %w", err)
	}
	return nil
}

// DSN returns DATABASE_URL or a URL built from the individual settings.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.DBName,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	return u.String()
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv returns the variable or defaultValue when unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs := getEnvAsFloat(key, -1); secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
