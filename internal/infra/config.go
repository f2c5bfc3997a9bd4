package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"spot_venue/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Database struct {
		Driver        string `yaml:"driver"`
		DSN           string `yaml:"dsn"`
		MaxOpenConns  int    `yaml:"max_open_conns"`
		LockTimeoutMS int    `yaml:"lock_timeout_ms"`
		MaxRetries    int    `yaml:"max_retries"`
	} `yaml:"database"`

	Trading struct {
		Symbols            []string        `yaml:"symbols"`
		CommissionRate     decimal.Decimal `yaml:"commission_rate"`
		ReserveCommission  bool            `yaml:"reserve_commission"`
		MatchOnPlace       bool            `yaml:"match_on_place"`
		MaxMatchesPerOrder int             `yaml:"max_matches_per_order"`
	} `yaml:"trading"`

	Notify struct {
		QueueSize int `yaml:"queue_size"`
		Websocket struct {
			Enabled bool   `yaml:"enabled"`
			Addr    string `yaml:"addr"`
		} `yaml:"websocket"`
		Kafka struct {
			Enabled bool     `yaml:"enabled"`
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"notify"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a runnable single-node setup backed by a local SQLite file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "spot-venue"
	cfg.App.Version = "dev"

	cfg.Database.Driver = DriverSQLite
	cfg.Database.DSN = "data/venue.db"
	cfg.Database.MaxOpenConns = 1
	cfg.Database.LockTimeoutMS = 5000
	cfg.Database.MaxRetries = 3

	cfg.Trading.Symbols = []string{"BTC", "ETH"}
	cfg.Trading.CommissionRate = decimal.RequireFromString("0.015")
	cfg.Trading.ReserveCommission = true
	cfg.Trading.MatchOnPlace = true
	cfg.Trading.MaxMatchesPerOrder = 64

	cfg.Notify.QueueSize = 1024
	cfg.Notify.Websocket.Addr = "localhost:8090"
	cfg.Notify.Kafka.Topic = "trade.matched"

	cfg.Logging.Level = "info"
	cfg.Logging.File = "logs/venue.log"
	return &cfg
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
// Keys missing from the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables still win over it.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		// run on defaults
	default:
		return nil, err
	}

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return &domain.ConfigError{Field: "database.driver", Err: fmt.Errorf("unsupported driver %q", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &domain.ConfigError{Field: "database.dsn", Err: errors.New("dsn is required")}
	}
	if c.Database.LockTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "database.lock_timeout_ms", Err: errors.New("lock timeout must be positive")}
	}
	if c.Database.MaxRetries < 0 {
		return &domain.ConfigError{Field: "database.max_retries", Err: errors.New("must not be negative")}
	}

	if len(c.Trading.Symbols) == 0 {
		return &domain.ConfigError{Field: "trading.symbols", Err: errors.New("at least one symbol is required")}
	}
	for _, s := range c.Trading.Symbols {
		if s == "" || len(s) > 10 || strings.ToUpper(s) != s {
			return &domain.ConfigError{Field: "trading.symbols", Err: fmt.Errorf("invalid symbol %q", s)}
		}
	}
	if c.Trading.CommissionRate.IsNegative() || c.Trading.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &domain.ConfigError{Field: "trading.commission_rate", Err: fmt.Errorf("rate %s out of [0, 1)", c.Trading.CommissionRate)}
	}
	if c.Trading.MaxMatchesPerOrder <= 0 {
		return &domain.ConfigError{Field: "trading.max_matches_per_order", Err: errors.New("must be positive")}
	}

	if c.Notify.QueueSize <= 0 {
		return &domain.ConfigError{Field: "notify.queue_size", Err: errors.New("must be positive")}
	}
	if c.Notify.Websocket.Enabled && c.Notify.Websocket.Addr == "" {
		return &domain.ConfigError{Field: "notify.websocket.addr", Err: errors.New("addr is required")}
	}
	if c.Notify.Kafka.Enabled && (len(c.Notify.Kafka.Brokers) == 0 || c.Notify.Kafka.Topic == "") {
		return &domain.ConfigError{Field: "notify.kafka", Err: errors.New("brokers and topic are required")}
	}

	return nil
}

// LockTimeout returns the bounded lock wait for one transaction.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Database.LockTimeoutMS) * time.Millisecond
}

// Fees returns the venue's commission policy.
func (c *Config) Fees() domain.FeeSchedule {
	return domain.FeeSchedule{
		Rate:              c.Trading.CommissionRate,
		ReserveCommission: c.Trading.ReserveCommission,
	}
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if driver := os.Getenv("VENUE_DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("VENUE_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if brokers := os.Getenv("VENUE_KAFKA_BROKERS"); brokers != "" {
		cfg.Notify.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if level := os.Getenv("VENUE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
