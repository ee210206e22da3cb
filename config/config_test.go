package config

import (
	"os"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
  read_timeout: 15s
database:
  driver: postgres
  dsn: "host=localhost user=custody dbname=custody sslmode=disable"
  max_open_conns: 20
minio:
  endpoint: "localhost:9000"
  access_key: "minioadmin"
  secret_key: "minioadmin"
  bucket: "documents"
  expire_days: 14
signing:
  base_url: "https://sign.example.test/api"
  client_key: "key"
  client_secret: "secret"
  timeout: 10s
redis:
  addr: "localhost:6379"
  channel: "docs"
auth:
  jwt_secret: "test-secret"
  token_expire_hours: 48
log:
  level: "debug"
  format: "console"
departments:
  - id: "records"
    name: "Records Office"
  - id: "legal"
    name: "Legal"
users:
  - id: "u1"
    username: "clerk"
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
    email: "clerk@example.test"
    department: "records"
    role: "staff"
    active: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Expected read timeout 15s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Expected postgres driver, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("Expected max_open_conns 20, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Minio.ExpireDays != 14 {
		t.Errorf("Expected expire_days 14, got %d", cfg.Minio.ExpireDays)
	}
	if cfg.Signing.Timeout != 10*time.Second {
		t.Errorf("Expected signing timeout 10s, got %v", cfg.Signing.Timeout)
	}
	if cfg.Redis.Channel != "docs" {
		t.Errorf("Expected redis channel docs, got %s", cfg.Redis.Channel)
	}
	if cfg.Auth.TokenExpireHours != 48 {
		t.Errorf("Expected token_expire_hours 48, got %d", cfg.Auth.TokenExpireHours)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Expected log format console, got %s", cfg.Log.Format)
	}
	if len(cfg.Departments) != 2 {
		t.Errorf("Expected 2 departments, got %d", len(cfg.Departments))
	}
	if len(cfg.Users) != 1 || cfg.Users[0].Department != "records" {
		t.Errorf("Expected clerk in records, got %+v", cfg.Users)
	}
	if GlobalConfig != cfg {
		t.Error("Expected GlobalConfig to be set")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
minio:
  endpoint: "localhost:9000"
  bucket: "bucket"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Expected default memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Signing.Timeout != 30*time.Second {
		t.Errorf("Expected default signing timeout 30s, got %v", cfg.Signing.Timeout)
	}
	if cfg.Signing.DefaultSignerRole != "signer" {
		t.Errorf("Expected default signer role, got %s", cfg.Signing.DefaultSignerRole)
	}
	if cfg.Auth.TokenExpireHours != 24 {
		t.Errorf("Expected default token_expire_hours 24, got %d", cfg.Auth.TokenExpireHours)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Expected info/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("Expected 100 req/min, got %d/%v", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"postgres without dsn", "database:\n  driver: postgres\n"},
		{"unknown driver", "database:\n  driver: mongo\n"},
		{"user in unknown department", "departments:\n  - id: a\nusers:\n  - id: u1\n    username: x\n    department: b\n"},
		{"user without id", "users:\n  - username: x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeTempConfig(t, tt.content)); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeTempConfig(t, "invalid: yaml: content:"))
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("CUSTODY_CONFIG", "/etc/custody.yaml")
	if Path() != "/etc/custody.yaml" {
		t.Errorf("Expected env path, got %s", Path())
	}
	t.Setenv("CUSTODY_CONFIG", "")
	if Path() != "config.yaml" {
		t.Errorf("Expected default path, got %s", Path())
	}
}

func TestFindUser(t *testing.T) {
	cfg := &Config{
		Users: []User{
			{ID: "u1", Username: "user1", Department: "records"},
			{ID: "u2", Username: "user2", Department: "legal"},
		},
	}

	user := cfg.FindUser("user1")
	if user == nil {
		t.Fatal("Expected to find user1")
	}
	if user.Department != "records" {
		t.Errorf("Expected department records, got %s", user.Department)
	}

	if cfg.FindUser("nonexistent") != nil {
		t.Error("Expected nil for non-existent user")
	}
}
