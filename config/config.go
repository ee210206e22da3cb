package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Minio       MinioConfig     `yaml:"minio"`
	Signing     SigningConfig   `yaml:"signing"`
	Redis       RedisConfig     `yaml:"redis"`
	Auth        AuthConfig      `yaml:"auth"`
	Log         LogConfig       `yaml:"log"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Departments []Department    `yaml:"departments"`
	Users       []User          `yaml:"users"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // memory, postgres
	DSN                    string `yaml:"dsn"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	LogSQL                 bool   `yaml:"log_sql"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type SigningConfig struct {
	BaseURL           string        `yaml:"base_url"`
	ClientKey         string        `yaml:"client_key"`
	ClientSecret      string        `yaml:"client_secret"`
	Email             string        `yaml:"email"`
	Timeout           time.Duration `yaml:"timeout"`
	TokenSkew         time.Duration `yaml:"token_skew"`
	DefaultSignerRole string        `yaml:"default_signer_role"`
}

type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	Channel         string        `yaml:"channel"`
	NotificationTTL time.Duration `yaml:"notification_ttl"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type Department struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type User struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Email        string `yaml:"email"`
	FirstName    string `yaml:"first_name"`
	LastName     string `yaml:"last_name"`
	Department   string `yaml:"department"`
	Role         string `yaml:"role"`
	Active       bool   `yaml:"active"`
}

var GlobalConfig *Config

// Path returns the config file location, honoring CUSTODY_CONFIG
func Path() string {
	if p := strings.TrimSpace(os.Getenv("CUSTODY_CONFIG")); p != "" {
		return p
	}
	return "config.yaml"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.ConnMaxLifetimeSeconds == 0 {
		c.Database.ConnMaxLifetimeSeconds = 300
	}
	if c.Minio.ExpireDays == 0 {
		c.Minio.ExpireDays = 7
	}
	if c.Signing.Timeout == 0 {
		c.Signing.Timeout = 30 * time.Second
	}
	if c.Signing.TokenSkew == 0 {
		c.Signing.TokenSkew = 30 * time.Second
	}
	if c.Signing.DefaultSignerRole == "" {
		c.Signing.DefaultSignerRole = "signer"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "custody"
	}
	if c.Redis.NotificationTTL == 0 {
		c.Redis.NotificationTTL = 7 * 24 * time.Hour
	}
	if c.Auth.TokenExpireHours == 0 {
		c.Auth.TokenExpireHours = 24
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = 100
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	known := make(map[string]bool, len(c.Departments))
	for _, d := range c.Departments {
		if d.ID == "" {
			return fmt.Errorf("department with empty id")
		}
		known[d.ID] = true
	}
	for _, u := range c.Users {
		if u.ID == "" || u.Username == "" {
			return fmt.Errorf("user entries need both id and username")
		}
		if u.Department != "" && !known[u.Department] {
			return fmt.Errorf("user %s belongs to unknown department %s", u.Username, u.Department)
		}
	}
	return nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
