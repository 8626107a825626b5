package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	SourceBaseURL string `env:"SOURCE_BASE_URL,notEmpty"`
	SourceToken   string `env:"SOURCE_API_TOKEN,notEmpty"`

	MappingDir string `env:"MAPPING_DIR" envDefault:"mappings"`

	PageSize      int           `env:"PAGE_SIZE" envDefault:"100"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"25"`
	MaxFetchTries uint          `env:"MAX_FETCH_TRIES" envDefault:"5"`
	FetchBackoff  time.Duration `env:"FETCH_BACKOFF" envDefault:"500ms"`

	LogBuffer     int `env:"LOG_BUFFER" envDefault:"2000"`
	SnapshotLogs  int `env:"SNAPSHOT_LOGS" envDefault:"100"`
	SubscriberBuf int `env:"SUBSCRIBER_BUF" envDefault:"256"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
