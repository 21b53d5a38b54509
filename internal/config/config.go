// Package config provides configuration management for gamegen.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWorkerPort is the HTTP port the server listens on.
	DefaultWorkerPort = 47300
	// DefaultGeneratorURL is the base URL of the game generation provider.
	DefaultGeneratorURL = "http://localhost:8000"
	// DefaultHeartbeatInterval keeps proxies from timing out idle streams.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStartDelay lets the client attach its listener before the first event.
	DefaultStartDelay = 500 * time.Millisecond
	// DefaultPendingTTL bounds how long a queued generation waits for a stream.
	DefaultPendingTTL = 10 * time.Minute

	dataDirName      = ".gamegen"
	settingsFileName = "settings.yaml"
	dbFileName       = "gamegen.db"
	envFileName      = ".env"
)

// DBDriver selects the SQL dialect.
type DBDriver string

const (
	DBDriverSQLite   DBDriver = "sqlite"
	DBDriverPostgres DBDriver = "postgres"
)

// Config holds all server settings. Keys mirror the GAMEGEN_* environment
// variables so a settings file and the environment are interchangeable.
type Config struct {
	WorkerHost string `yaml:"GAMEGEN_WORKER_HOST"`
	WorkerPort int    `yaml:"GAMEGEN_WORKER_PORT"`
	LogLevel   string `yaml:"GAMEGEN_LOG_LEVEL"`
	LogJSON    bool   `yaml:"GAMEGEN_LOG_JSON"`

	DBDriver    DBDriver `yaml:"GAMEGEN_DB_DRIVER"`
	DBPath      string   `yaml:"GAMEGEN_DB_PATH"`
	DatabaseDSN string   `yaml:"GAMEGEN_DATABASE_DSN"`
	MaxConns    int      `yaml:"GAMEGEN_DB_MAX_CONNS"`

	JWTSecret string        `yaml:"GAMEGEN_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"GAMEGEN_TOKEN_TTL"`

	GeneratorURL     string        `yaml:"GAMEGEN_GENERATOR_URL"`
	GeneratorAPIKey  string        `yaml:"GAMEGEN_GENERATOR_API_KEY"`
	GeneratorTimeout time.Duration `yaml:"GAMEGEN_GENERATOR_TIMEOUT"`

	HeartbeatInterval    time.Duration `yaml:"GAMEGEN_HEARTBEAT_INTERVAL"`
	StartDelay           time.Duration `yaml:"GAMEGEN_START_DELAY"`
	PendingTTL           time.Duration `yaml:"GAMEGEN_PENDING_TTL"`
	PendingSweepInterval time.Duration `yaml:"GAMEGEN_PENDING_SWEEP_INTERVAL"`

	AllowedOrigins []string `yaml:"GAMEGEN_ALLOWED_ORIGINS"`
	MaxPromptChars int      `yaml:"GAMEGEN_MAX_PROMPT_CHARS"`
}

var (
	globalCfg  *Config
	globalOnce sync.Once
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerHost:           "0.0.0.0",
		WorkerPort:           DefaultWorkerPort,
		LogLevel:             "info",
		DBDriver:             DBDriverSQLite,
		DBPath:               DBPath(),
		MaxConns:             4,
		TokenTTL:             24 * time.Hour,
		GeneratorURL:         DefaultGeneratorURL,
		GeneratorTimeout:     10 * time.Minute,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		StartDelay:           DefaultStartDelay,
		PendingTTL:           DefaultPendingTTL,
		PendingSweepInterval: time.Minute,
		AllowedOrigins:       []string{"*"},
		MaxPromptChars:       8000,
	}
}

// DataDir returns the data directory path. GAMEGEN_DATA_DIR overrides ~/.gamegen.
func DataDir() string {
	if dir := os.Getenv("GAMEGEN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbFileName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFileName)
}

// EnvPath returns the path of the optional .env file.
func EnvPath() string {
	return filepath.Join(DataDir(), envFileName)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a commented default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	const template = `# gamegen settings. Every key can also be set as an environment variable.
GAMEGEN_WORKER_PORT: %d
GAMEGEN_LOG_LEVEL: info
GAMEGEN_GENERATOR_URL: %s
`
	return os.WriteFile(path, []byte(fmt.Sprintf(template, DefaultWorkerPort, DefaultGeneratorURL)), 0600)
}

// EnsureAll creates the data directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := EnsureSettings(); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, the settings file, the .env file
// and the environment, in increasing precedence. A malformed settings file is
// logged and ignored.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		fileCfg := *cfg
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			cfg = &fileCfg
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := godotenv.Load(EnvPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", EnvPath()).Msg("Failed to load .env file")
	}

	applyEnv(cfg)
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		globalCfg = cfg
	})
	return globalCfg
}

// GetWorkerPort returns the port from GAMEGEN_WORKER_PORT, falling back to Get().
func GetWorkerPort() int {
	if port, ok := envInt("GAMEGEN_WORKER_PORT"); ok && port > 0 {
		return port
	}
	return Get().WorkerPort
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

// DSN returns the database connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == DBDriverPostgres {
		return c.DatabaseDSN
	}
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return c.DBPath
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid worker port %d", c.WorkerPort))
	}
	switch c.DBDriver {
	case DBDriverSQLite:
	case DBDriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("GAMEGEN_DATABASE_DSN is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DBDriver))
	}
	if c.GeneratorURL == "" {
		errs = append(errs, errors.New("GAMEGEN_GENERATOR_URL is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.PendingTTL <= 0 {
		errs = append(errs, errors.New("pending TTL must be positive"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) {
	if v, ok := envString("GAMEGEN_WORKER_HOST"); ok {
		cfg.WorkerHost = v
	}
	if v, ok := envInt("GAMEGEN_WORKER_PORT"); ok && v > 0 {
		cfg.WorkerPort = v
	}
	if v, ok := envString("GAMEGEN_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := envBool("GAMEGEN_LOG_JSON"); ok {
		cfg.LogJSON = v
	}
	if v, ok := envString("GAMEGEN_DB_DRIVER"); ok {
		cfg.DBDriver = DBDriver(strings.ToLower(v))
	}
	if v, ok := envString("GAMEGEN_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := envString("GAMEGEN_DATABASE_DSN"); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := envInt("GAMEGEN_DB_MAX_CONNS"); ok && v > 0 {
		cfg.MaxConns = v
	}
	if v, ok := envString("GAMEGEN_JWT_SECRET"); ok {
		cfg.JWTSecret = v
	}
	if v, ok := envDuration("GAMEGEN_TOKEN_TTL"); ok {
		cfg.TokenTTL = v
	}
	if v, ok := envString("GAMEGEN_GENERATOR_URL"); ok {
		cfg.GeneratorURL = v
	}
	if v, ok := envString("GAMEGEN_GENERATOR_API_KEY"); ok {
		cfg.GeneratorAPIKey = v
	}
	if v, ok := envDuration("GAMEGEN_GENERATOR_TIMEOUT"); ok {
		cfg.GeneratorTimeout = v
	}
	if v, ok := envDuration("GAMEGEN_HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envDuration("GAMEGEN_START_DELAY"); ok {
		cfg.StartDelay = v
	}
	if v, ok := envDuration("GAMEGEN_PENDING_TTL"); ok {
		cfg.PendingTTL = v
	}
	if v, ok := envDuration("GAMEGEN_PENDING_SWEEP_INTERVAL"); ok {
		cfg.PendingSweepInterval = v
	}
	if v, ok := envString("GAMEGEN_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitTrim(v)
	}
	if v, ok := envInt("GAMEGEN_MAX_PROMPT_CHARS"); ok && v > 0 {
		cfg.MaxPromptChars = v
	}
}

func envString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envInt(key string) (int, bool) {
	v, ok := envString(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-numeric setting")
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v, ok := envString(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := envString(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration setting")
		return 0, false
	}
	return d, true
}

// splitTrim splits a comma-separated list, dropping empty entries.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
