package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Bus      Bus      `yaml:"bus"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"eventbus"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"eventbus_db"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	User     string   `yaml:"user" env:"KAFKA_USER"`
	Password string   `yaml:"password" env:"KAFKA_PASSWORD"`
}

// Bus holds the delivery policy knobs shared by every consumer and publisher
// in the process.
type Bus struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"BUS_MAX_ATTEMPTS" env-default:"5"`
	BackoffBase    time.Duration `yaml:"backoff_base" env:"BUS_BACKOFF_BASE" env-default:"1s"`
	BackoffCap     time.Duration `yaml:"backoff_cap" env:"BUS_BACKOFF_CAP" env-default:"30s"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" env:"BUS_CONFIRM_TIMEOUT" env-default:"10s"`
	Parallelism    int           `yaml:"parallelism" env:"BUS_PARALLELISM" env-default:"1"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" env:"BUS_SHUTDOWN_GRACE" env-default:"30s"`
	DedupRetention time.Duration `yaml:"dedup_retention" env:"BUS_DEDUP_RETENTION" env-default:"168h"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}
