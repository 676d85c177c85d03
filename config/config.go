package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Debug                    bool   `envconfig:"debug"`
	Port                     int    `envconfig:"port" default:"8080"`
	Env                      string `envconfig:"env" default:"dev"`
	LogLevel                 string `envconfig:"log_level" default:"info"`
	DBDriver                 string `envconfig:"db_driver" default:"postgres"`
	PostgresHost             string `envconfig:"postgres_host"`
	PostgresUser             string `envconfig:"postgres_user"`
	PostgresDB               string `envconfig:"postgres_db"`
	PostgresPort             int    `envconfig:"postgres_port" default:"5432"`
	PostgresPassword         string `envconfig:"postgres_password"`
	SQLitePath               string `envconfig:"sqlite_path" default:"expertchat.db"`
	JWTSecret                string `envconfig:"jwt_secret"`
	AccessControlAllowOrigin string `envconfig:"access_control_allow_origin" default:"*"`
	FirebaseCredentialsFile  string `envconfig:"firebase_credentials_file"`

	// Realtime
	TypingTTL           time.Duration `envconfig:"typing_ttl" default:"5s"`
	TypingSweepInterval time.Duration `envconfig:"typing_sweep_interval" default:"1s"`
	SendBufferSize      int           `envconfig:"send_buffer_size" default:"256"`
	MaxMessageLength    int           `envconfig:"max_message_length" default:"4000"`
	PreviewLength       int           `envconfig:"preview_length" default:"120"`
	WSAllowAnonymous    bool          `envconfig:"ws_allow_anonymous"`
	WriteWait           time.Duration `envconfig:"write_wait" default:"10s"`
	PongWait            time.Duration `envconfig:"pong_wait" default:"60s"`
	EventRate           float64       `envconfig:"event_rate" default:"10"`
	EventBurst          int           `envconfig:"event_burst" default:"20"`

	APIRateLimit    uint          `envconfig:"api_rate_limit" default:"20"`
	ShutdownTimeout time.Duration `envconfig:"shutdown_timeout" default:"10s"`
}

func Load() (*Config, error) {
	env := os.Getenv("GIN_MODE")
	if env != "release" {
		if err := godotenv.Load("./.env"); err != nil {
			log.Debug().Err(err).Msg("couldn't load env vars from .env")
		}
	}

	c := &Config{}
	err := envconfig.Process("expertchat", c)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.SendBufferSize <= 0 || c.MaxMessageLength <= 0 || c.PreviewLength <= 0 {
		return fmt.Errorf("buffer, message and preview sizes must be positive")
	}
	if c.TypingTTL <= 0 || c.TypingSweepInterval <= 0 {
		return fmt.Errorf("typing ttl and sweep interval must be positive")
	}
	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("event rate and burst must be positive")
	}
	if c.WriteWait <= 0 || c.PongWait <= 0 || c.PingPeriod() <= 0 {
		return fmt.Errorf("write wait, pong wait and ping period must be positive")
	}
	return nil
}

// PingPeriod is how often the server pings a websocket peer; it must stay below PongWait.
func (c *Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}
