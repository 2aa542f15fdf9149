package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type HTTPConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SettlementConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	PageDelay     time.Duration `mapstructure:"page_delay"`
	LockKey       string        `mapstructure:"lock_key"`
	PreviewSample int           `mapstructure:"preview_sample"`
	DefaultCron   string        `mapstructure:"default_cron"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type LoanConfig struct {
	ChunkSize int    `mapstructure:"chunk_size"`
	ExportDir string `mapstructure:"export_dir"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type Config struct {
	Env        string           `mapstructure:"env"`
	LogLevel   string           `mapstructure:"log_level"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Loan       LoanConfig       `mapstructure:"loan"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
}

// Load reads path (optional) and SETTLEOPS_* environment overrides.
// DB_SOURCE and SERVER_PORT are still honoured for existing deployments.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SETTLEOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if dbSource := os.Getenv("DB_SOURCE"); dbSource != "" && v.GetString("database.url") == "" {
		v.Set("database.url", dbSource)
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		v.SetDefault("http.port", port)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if brokers := v.GetString("kafka.brokers"); len(cfg.Kafka.Brokers) == 1 && strings.Contains(brokers, ",") {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url (or DB_SOURCE) is required")
	}
	if c.Settlement.PageSize <= 0 {
		return fmt.Errorf("settlement.page_size must be positive")
	}
	if c.Settlement.Concurrency <= 0 {
		return fmt.Errorf("settlement.concurrency must be positive")
	}
	if c.Loan.ChunkSize <= 0 {
		return fmt.Errorf("loan.chunk_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("database.migrate", true)

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "60s")

	v.SetDefault("settlement.page_size", 500)
	v.SetDefault("settlement.concurrency", 4)
	v.SetDefault("settlement.page_delay", "200ms")
	v.SetDefault("settlement.lock_key", "settlement:batch")
	v.SetDefault("settlement.preview_sample", 50)
	v.SetDefault("settlement.default_cron", "*/15 * * * *")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "50ms")
	v.SetDefault("retry.max_delay", "2s")

	v.SetDefault("loan.chunk_size", 100)
	v.SetDefault("loan.export_dir", os.TempDir())

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_interval", "1m")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "balance-movements")
}
