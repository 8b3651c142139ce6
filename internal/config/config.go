package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	// WorkerToken authenticates the worker fleet and operator tooling.
	WorkerToken string `mapstructure:"worker_token"`
}

type DispatchConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepEnabled  bool          `mapstructure:"sweep_enabled"`
}

type WorkerConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	ID                string        `mapstructure:"id"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	FailureRate       float64       `mapstructure:"failure_rate"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("tgblast")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tgblast")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TGBLAST")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/tgblast.db")

	viper.SetDefault("auth.worker_token", "")

	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.retry_backoff", 5*time.Minute)
	viper.SetDefault("dispatch.claim_timeout", 15*time.Minute)
	viper.SetDefault("dispatch.sweep_interval", time.Minute)
	viper.SetDefault("dispatch.sweep_enabled", true)

	viper.SetDefault("worker.api_url", "http://localhost:8080")
	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.poll_interval", 2*time.Second)
	viper.SetDefault("worker.batch_size", 10)
	viper.SetDefault("worker.heartbeat_interval", 30*time.Second)
	viper.SetDefault("worker.send_timeout", 30*time.Second)
	viper.SetDefault("worker.failure_rate", 0.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
