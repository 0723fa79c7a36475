package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	// 報表時區不依賴主機的 zoneinfo
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-wallet-ledger/pkg/mysql"
	"github.com/JoeShih716/go-wallet-ledger/pkg/postgres"
)

// Config 服務設定
type Config struct {
	Ledger   LedgerConfig    `yaml:"ledger"`
	Storage  StorageConfig   `yaml:"storage"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
	Kafka    KafkaConfig     `yaml:"kafka"`
	GRPC     GRPCConfig      `yaml:"grpc"`
	HTTP     HTTPConfig      `yaml:"http"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// LedgerConfig Coordinator 行為
type LedgerConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	AutoProvisionWallets bool          `yaml:"auto_provision_wallets"`
	// Timezone: 日/月報表的時區 (IANA 名稱)
	Timezone string `yaml:"timezone"`
}

// StorageConfig 儲存層選擇
type StorageConfig struct {
	// Driver: memory | mysql | postgres
	Driver string `yaml:"driver"`
	// WALPath: memory driver 的 WAL 檔，空字串表示不持久化
	WALPath string `yaml:"wal_path"`
	// GroupCommitBatch: >0 時由單一 writer 合併並發的 WAL 寫入，0 表示每筆各自 fsync
	GroupCommitBatch int `yaml:"group_commit_batch"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type GRPCConfig struct {
	Addr       string `yaml:"addr"`
	Reflection bool   `yaml:"reflection"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// RateLimit: 每個 owner 在 RateWindow 內可呼叫修改類 API 的次數
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig slog 設定
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"` // text|json
	IncludeCaller bool   `yaml:"include_caller"`
}

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Default 所有欄位的預設值，yaml 沒寫到的欄位保留這裡的值
func Default() Config {
	return Config{
		Ledger: LedgerConfig{
			MaxAttempts:          3,
			RetryBackoff:         5 * time.Millisecond,
			AutoProvisionWallets: true,
			Timezone:             "Asia/Phnom_Penh",
		},
		Storage: StorageConfig{
			Driver:  DriverMemory,
			WALPath: "data/ledger.wal",
		},
		MySQL: mysql.Config{
			Host:            "127.0.0.1",
			Port:            3306,
			User:            "root",
			DBName:          "ledger",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			LogLevel:        "error",
		},
		Postgres: postgres.Config{
			MaxConns:        20,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Kafka: KafkaConfig{
			Topic:        "ledger.events",
			WriteTimeout: 5 * time.Second,
			BatchTimeout: 10 * time.Millisecond,
		},
		GRPC: GRPCConfig{
			Addr:       ":50051",
			Reflection: true,
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Addr:            ":8080",
			RateLimit:       120,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 依序套用: 預設值 -> yaml 檔 -> .env -> 環境變數
//
// 參數:
//
//	path: yaml 設定檔路徑，檔案不存在時略過
//
// 回傳:
//
//	Config: 設定
//	error: 檔案格式或數值錯誤
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	// .env 只填入尚未設定的環境變數
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Storage.Driver = valueOrDefault("LEDGER_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.WALPath = valueOrDefault("LEDGER_WAL_PATH", cfg.Storage.WALPath)
	batch, err := parseIntWithDefault("LEDGER_WAL_GROUP_COMMIT", cfg.Storage.GroupCommitBatch)
	if err != nil {
		return err
	}
	cfg.Storage.GroupCommitBatch = batch

	cfg.MySQL.Host = valueOrDefault("LEDGER_MYSQL_HOST", cfg.MySQL.Host)
	cfg.MySQL.User = valueOrDefault("LEDGER_MYSQL_USER", cfg.MySQL.User)
	cfg.MySQL.Password = valueOrDefault("LEDGER_MYSQL_PASSWORD", cfg.MySQL.Password)
	cfg.MySQL.DBName = valueOrDefault("LEDGER_MYSQL_DBNAME", cfg.MySQL.DBName)
	port, err := parseIntWithDefault("LEDGER_MYSQL_PORT", cfg.MySQL.Port)
	if err != nil {
		return err
	}
	cfg.MySQL.Port = port

	cfg.Postgres.DSN = valueOrDefault("LEDGER_POSTGRES_DSN", cfg.Postgres.DSN)

	if v := os.Getenv("LEDGER_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	cfg.Kafka.Topic = valueOrDefault("LEDGER_KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.GRPC.Addr = valueOrDefault("LEDGER_GRPC_ADDR", cfg.GRPC.Addr)
	cfg.HTTP.Addr = valueOrDefault("LEDGER_HTTP_ADDR", cfg.HTTP.Addr)
	if cfg.HTTP.Enabled, err = parseBoolWithDefault("LEDGER_HTTP_ENABLED", cfg.HTTP.Enabled); err != nil {
		return err
	}

	if cfg.Ledger.AutoProvisionWallets, err = parseBoolWithDefault("LEDGER_AUTO_PROVISION_WALLETS", cfg.Ledger.AutoProvisionWallets); err != nil {
		return err
	}
	cfg.Ledger.Timezone = valueOrDefault("LEDGER_TIMEZONE", cfg.Ledger.Timezone)

	cfg.Logging.Level = valueOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = valueOrDefault("LOG_FORMAT", cfg.Logging.Format)
	return nil
}

// Validate 檢查設定組合
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverMySQL:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres driver requires postgres.dsn")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("ledger.max_attempts must be at least 1, got %d", c.Ledger.MaxAttempts)
	}
	if _, err := c.Ledger.Location(); err != nil {
		return err
	}
	return nil
}

// Location 解析報表時區
func (l LedgerConfig) Location() (*time.Location, error) {
	if l.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.timezone %q: %w", l.Timezone, err)
	}
	return loc, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return val, nil
}

func parseIntWithDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return val, nil
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
