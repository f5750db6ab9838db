package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv sets up environment variables for testing
func setupTestEnv(t *testing.T) func() {
	// Save original env vars
	origVars := map[string]string{
		"PORT":          os.Getenv("PORT"),
		"DATA_DIR":      os.Getenv("DATA_DIR"),
		"UPLOAD_DIR":    os.Getenv("UPLOAD_DIR"),
		"REDIS_ENABLED": os.Getenv("REDIS_ENABLED"),
		"REDIS_ADDR":    os.Getenv("REDIS_ADDR"),
		"GO_ENV":        os.Getenv("GO_ENV"),
		"LOG_LEVEL":     os.Getenv("LOG_LEVEL"),
	}

	// Clear all env vars
	os.Unsetenv("PORT")
	os.Unsetenv("DATA_DIR")
	os.Unsetenv("UPLOAD_DIR")
	os.Unsetenv("REDIS_ENABLED")
	os.Unsetenv("REDIS_ADDR")
	os.Unsetenv("GO_ENV")
	os.Unsetenv("LOG_LEVEL")

	// Return cleanup function
	return func() {
		for key, val := range origVars {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	// Set valid environment variables
	os.Setenv("PORT", "8080")
	os.Setenv("DATA_DIR", "/tmp/relay-data")
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.DataDir != "/tmp/relay-data" {
		t.Errorf("Expected DATA_DIR to be '/tmp/relay-data', got '%s'", cfg.DataDir)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
}

func TestValidateEnv_DefaultPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "80" {
		t.Errorf("Expected PORT to default to '80', got '%s'", cfg.Port)
	}
	if cfg.DataDir != "data" {
		t.Errorf("Expected DATA_DIR to default to 'data', got '%s'", cfg.DataDir)
	}
	if cfg.UploadDir != "uploads" {
		t.Errorf("Expected UPLOAD_DIR to default to 'uploads', got '%s'", cfg.UploadDir)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("Expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("REDIS_ENABLED", "true")
	// Don't set REDIS_ADDR

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_RateLimitDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.RateLimitAPIGlobal != "1000-M" {
		t.Errorf("Expected RATE_LIMIT_API_GLOBAL to default to '1000-M', got '%s'", cfg.RateLimitAPIGlobal)
	}
	if cfg.RateLimitAPIUpload != "50-M" {
		t.Errorf("Expected RATE_LIMIT_API_UPLOAD to default to '50-M', got '%s'", cfg.RateLimitAPIUpload)
	}
	if cfg.RateLimitWsIP != "100-M" {
		t.Errorf("Expected RATE_LIMIT_WS_IP to default to '100-M', got '%s'", cfg.RateLimitWsIP)
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
