package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable LoadFromEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ARCHIVE_DB_PATH", "TARGET_DRIVER", "TARGET_DSN", "SQL_DIALECT", "TARGET_NAME",
		"LISTEN_ADDR", "LOG_LEVEL", "ENV", "FLUSH_SCHEDULE", "RETENTION",
		"ARCHIVE_MAX_AGE", "MAX_ROWS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"CORS_ALLOWED_ORIGINS", "JWT_SECRET", "JWT_ISSUER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "qmm_history.sqlite", cfg.ArchiveDBPath)
	assert.Equal(t, "sqlite3", cfg.TargetDriver)
	assert.Equal(t, "target", cfg.TargetName)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "@every 10s", cfg.FlushSchedule)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Zero(t, cfg.ArchiveMaxAge)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.InDelta(t, 100, cfg.RateLimitRPS, 0)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Empty(t, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.AuthEnabled())
	assert.Len(t, cfg.Warnings, 2, "missing target and missing auth")
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARCHIVE_DB_PATH", "/tmp/history.sqlite")
	t.Setenv("TARGET_DRIVER", "duckdb")
	t.Setenv("TARGET_DSN", "/tmp/warehouse.duckdb")
	t.Setenv("SQL_DIALECT", "duckdb")
	t.Setenv("FLUSH_SCHEDULE", "*/5 * * * *")
	t.Setenv("RETENTION", "15m")
	t.Setenv("ARCHIVE_MAX_AGE", "720h")
	t.Setenv("MAX_ROWS", "50")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/history.sqlite", cfg.ArchiveDBPath)
	assert.Equal(t, "duckdb", cfg.TargetDriver)
	assert.Equal(t, "/tmp/warehouse.duckdb", cfg.TargetDSN)
	assert.Equal(t, "duckdb", cfg.SQLDialect)
	assert.Equal(t, "*/5 * * * *", cfg.FlushSchedule)
	assert.Equal(t, 15*time.Minute, cfg.Retention)
	assert.Equal(t, 720*time.Hour, cfg.ArchiveMaxAge)
	assert.Equal(t, 50, cfg.MaxRows)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.AuthEnabled())
	assert.Empty(t, cfg.Warnings)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"RETENTION", "soon"},
		{"RETENTION", "-1h"},
		{"ARCHIVE_MAX_AGE", "forever"},
		{"MAX_ROWS", "0"},
		{"MAX_ROWS", "many"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestLoadFromEnv_InvalidRateLimitWarns(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_RPS", "fast")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.InDelta(t, 100, cfg.RateLimitRPS, 0)
	assert.Contains(t, cfg.Warnings, `ignoring invalid RATE_LIMIT_RPS "fast"`)
}

func TestLoadFromEnv_Production(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.ErrorContains(t, err, "JWT_SECRET must be set")

	t.Setenv("JWT_SECRET", "short")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "at least 32 bytes")

	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("CORS_ALLOWED_ORIGINS", "*")
	_, err = LoadFromEnv()
	require.ErrorContains(t, err, "CORS wildcard")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ui.example.com")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestSlogLevel(t *testing.T) {
	for in, want := range map[string]string{
		"debug": "DEBUG", "WARN": "WARN", "warning": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO",
	} {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel().String(), in)
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_KEY=test_value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_SkipsComments(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_COMMENT_KEY=value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_COMMENT_KEY"); val != "value" {
		t.Errorf("TEST_COMMENT_KEY = %q, want %q", val, "value")
	}
	_ = os.Unsetenv("TEST_COMMENT_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}
