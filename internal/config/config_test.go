// Package config provides configuration management for gamegen.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigSuite is a test suite for config operations.
type ConfigSuite struct {
	suite.Suite
	tempDir string
}

func (s *ConfigSuite) SetupTest() {
	s.tempDir = s.T().TempDir()
	s.T().Setenv("GAMEGEN_DATA_DIR", s.tempDir)

	// Isolate from the developer's environment.
	for _, key := range []string{
		"GAMEGEN_WORKER_PORT", "GAMEGEN_LOG_LEVEL", "GAMEGEN_GENERATOR_URL",
		"GAMEGEN_HEARTBEAT_INTERVAL", "GAMEGEN_DB_DRIVER", "GAMEGEN_JWT_SECRET",
		"GAMEGEN_ALLOWED_ORIGINS", "GAMEGEN_PENDING_TTL",
	} {
		s.T().Setenv(key, "")
	}
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

// TestDefault tests default configuration values.
func (s *ConfigSuite) TestDefault() {
	cfg := Default()

	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
	s.Equal(DefaultGeneratorURL, cfg.GeneratorURL)
	s.Equal(4, cfg.MaxConns)
	s.Equal(DBDriverSQLite, cfg.DBDriver)
	s.Equal(30*time.Second, cfg.HeartbeatInterval)
	s.Equal(500*time.Millisecond, cfg.StartDelay)
	s.Equal(10*time.Minute, cfg.PendingTTL)
	s.Equal(24*time.Hour, cfg.TokenTTL)
	s.NoError(cfg.Validate())
}

// TestPaths tests data directory derived paths.
func (s *ConfigSuite) TestPaths() {
	s.Equal(s.tempDir, DataDir())
	s.Equal(filepath.Join(s.tempDir, "gamegen.db"), DBPath())
	s.Equal(filepath.Join(s.tempDir, "settings.yaml"), SettingsPath())
	s.Equal(filepath.Join(s.tempDir, ".env"), EnvPath())
}

// TestEnsureAll tests full initialization.
func (s *ConfigSuite) TestEnsureAll() {
	s.Require().NoError(os.RemoveAll(s.tempDir))

	s.NoError(EnsureAll())

	info, err := os.Stat(DataDir())
	s.NoError(err)
	s.True(info.IsDir())
	_, err = os.Stat(SettingsPath())
	s.NoError(err)

	// Second call should not error (file exists)
	s.NoError(EnsureSettings())

	// The generated file must load cleanly.
	cfg, err := Load()
	s.NoError(err)
	s.Equal(DefaultWorkerPort, cfg.WorkerPort)
}

// TestLoad_TableDriven tests configuration loading with various scenarios.
func (s *ConfigSuite) TestLoad_TableDriven() {
	tests := []struct {
		name              string
		settings          string
		expectedPort      int
		expectedURL       string
		expectedHeartbeat time.Duration
	}{
		{
			name:              "no settings file",
			expectedPort:      DefaultWorkerPort,
			expectedURL:       DefaultGeneratorURL,
			expectedHeartbeat: DefaultHeartbeatInterval,
		},
		{
			name:              "custom port",
			settings:          "GAMEGEN_WORKER_PORT: 38888\n",
			expectedPort:      38888,
			expectedURL:       DefaultGeneratorURL,
			expectedHeartbeat: DefaultHeartbeatInterval,
		},
		{
			name:              "custom generator and heartbeat",
			settings:          "GAMEGEN_GENERATOR_URL: http://gen:9000\nGAMEGEN_HEARTBEAT_INTERVAL: 5s\n",
			expectedPort:      DefaultWorkerPort,
			expectedURL:       "http://gen:9000",
			expectedHeartbeat: 5 * time.Second,
		},
		{
			name:              "invalid YAML returns defaults",
			settings:          "GAMEGEN_WORKER_PORT: [unclosed\n",
			expectedPort:      DefaultWorkerPort,
			expectedURL:       DefaultGeneratorURL,
			expectedHeartbeat: DefaultHeartbeatInterval,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			dir := s.T().TempDir()
			s.T().Setenv("GAMEGEN_DATA_DIR", dir)

			if tt.settings != "" {
				s.Require().NoError(os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(tt.settings), 0600))
			}

			cfg, err := Load()
			s.NoError(err)
			s.Require().NotNil(cfg)
			s.Equal(tt.expectedPort, cfg.WorkerPort)
			s.Equal(tt.expectedURL, cfg.GeneratorURL)
			s.Equal(tt.expectedHeartbeat, cfg.HeartbeatInterval)
		})
	}
}

// TestLoad_EnvOverridesFile tests precedence of the environment over the settings file.
func (s *ConfigSuite) TestLoad_EnvOverridesFile() {
	s.Require().NoError(os.WriteFile(SettingsPath(), []byte("GAMEGEN_WORKER_PORT: 38888\nGAMEGEN_LOG_LEVEL: warn\n"), 0600))
	s.T().Setenv("GAMEGEN_WORKER_PORT", "39999")
	s.T().Setenv("GAMEGEN_ALLOWED_ORIGINS", "http://a.test, http://b.test,,")

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal(39999, cfg.WorkerPort)
	s.Equal("warn", cfg.LogLevel)
	s.Equal([]string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

// TestLoad_DotEnv tests that the .env file in the data dir is applied.
func (s *ConfigSuite) TestLoad_DotEnv() {
	s.Require().NoError(os.WriteFile(EnvPath(), []byte("GAMEGEN_JWT_SECRET=from-dotenv\n"), 0600))
	// godotenv never overrides variables that are already set, even to "".
	s.Require().NoError(os.Unsetenv("GAMEGEN_JWT_SECRET"))
	defer os.Unsetenv("GAMEGEN_JWT_SECRET")

	cfg, err := Load()
	s.Require().NoError(err)
	s.Equal("from-dotenv", cfg.JWTSecret)
}

// TestValidate tests configuration validation.
func (s *ConfigSuite) TestValidate() {
	cfg := Default()
	cfg.DBDriver = DBDriverPostgres
	s.Error(cfg.Validate())

	cfg.DatabaseDSN = "postgres://localhost/gamegen"
	s.NoError(cfg.Validate())
	s.Equal("postgres://localhost/gamegen", cfg.DSN())

	cfg.WorkerPort = 0
	cfg.DBDriver = "mysql"
	s.Error(cfg.Validate())
}

// TestGetWorkerPort_WithEnv tests GetWorkerPort with environment variable.
func TestGetWorkerPort_WithEnv(t *testing.T) {
	t.Setenv("GAMEGEN_DATA_DIR", t.TempDir())

	t.Setenv("GAMEGEN_WORKER_PORT", "45678")
	assert.Equal(t, 45678, GetWorkerPort())

	t.Setenv("GAMEGEN_WORKER_PORT", "not-a-number")
	assert.Greater(t, GetWorkerPort(), 0)

	t.Setenv("GAMEGEN_WORKER_PORT", "0")
	assert.Greater(t, GetWorkerPort(), 0)
}

// TestSplitTrim tests the splitTrim helper function.
func TestSplitTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", []string{}},
		{"single value", "a", []string{"a"}},
		{"values with spaces", " a , b , c ", []string{"a", "b", "c"}},
		{"empty values filtered", "a,,b,,", []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, splitTrim(tt.input))
		})
	}
}
