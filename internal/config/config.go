// Package config 載入服務配置
//
// 來源優先順序：預設值 → YAML 檔案 → 環境變數。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 存儲後端
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		Enabled    bool          `yaml:"enabled"`
		URL        string        `yaml:"url"`
		Stream     string        `yaml:"stream"`
		Subject    string        `yaml:"subject"`
		Durable    string        `yaml:"durable"`
		MaxAge     time.Duration `yaml:"max_age"`
		AckWait    time.Duration `yaml:"ack_wait"`
		MaxDeliver int           `yaml:"max_deliver"`
	} `yaml:"nats"`

	Join struct {
		Backend      string        `yaml:"backend"`       // postgres | redis | memory
		StoreTimeout time.Duration `yaml:"store_timeout"` // 每次存儲呼叫的上限
	} `yaml:"join"`

	Gateway struct {
		PingInterval   time.Duration `yaml:"ping_interval"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
	} `yaml:"gateway"`

	Reconcile struct {
		Enabled         bool          `yaml:"enabled"`
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
		Multiplier      float64       `yaml:"multiplier"`
		RetryDelay      time.Duration `yaml:"retry_delay"`
		Buffer          int           `yaml:"buffer"`
	} `yaml:"reconcile"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 本地開發用的預設值
func Default() *Config {
	var c Config

	c.Server.Port = 8080
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.Password = "postgres"
	c.Postgres.DBName = "room_join"
	c.Postgres.MaxConns = 20
	c.Postgres.MinConns = 2

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 20
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.Stream = "JOIN_EVENTS"
	c.NATS.Subject = "join.partial_failure"
	c.NATS.Durable = "join-reconciler"
	c.NATS.MaxAge = 7 * 24 * time.Hour
	c.NATS.AckWait = 30 * time.Second
	c.NATS.MaxDeliver = 10

	c.Join.Backend = BackendPostgres
	c.Join.StoreTimeout = 2 * time.Second

	c.Gateway.PingInterval = 54 * time.Second
	c.Gateway.ReadTimeout = 60 * time.Second
	c.Gateway.WriteTimeout = 10 * time.Second
	c.Gateway.SendBuffer = 256
	c.Gateway.CleanupTimeout = 5 * time.Second

	c.Reconcile.Enabled = true
	c.Reconcile.MaxAttempts = 5
	c.Reconcile.InitialInterval = 200 * time.Millisecond
	c.Reconcile.MaxInterval = 5 * time.Second
	c.Reconcile.Multiplier = 2.0
	c.Reconcile.RetryDelay = 5 * time.Second
	c.Reconcile.Buffer = 1024

	c.Log.Level = "info"
	c.Log.Format = "json"

	return &c
}

// Load 讀取 YAML 配置並套用環境變數覆蓋
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 環境變數覆蓋（容器部署常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Join.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	switch c.Join.Backend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("join.backend must be postgres, redis or memory, got %q", c.Join.Backend))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Join.StoreTimeout < 0 {
		errs = append(errs, errors.New("join.store_timeout must not be negative"))
	}
	if c.Gateway.ReadTimeout <= c.Gateway.PingInterval {
		errs = append(errs, errors.New("gateway.read_timeout must be longer than gateway.ping_interval"))
	}
	if c.Reconcile.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconcile.max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串（URL 形式，pgx 與 migrate 共用）
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port),
		Path:     c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
