package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("GIN_MODE", "release")
	t.Setenv("EXPERTCHAT_JWT_SECRET", "secret")
	t.Setenv("EXPERTCHAT_DB_DRIVER", "sqlite")

	c, err := Load()
	req.NoError(err)
	req.Equal(8080, c.Port)
	req.Equal(DriverSQLite, c.DBDriver)
	req.Equal(5*time.Second, c.TypingTTL)
	req.Equal(4000, c.MaxMessageLength)
	req.Equal(120, c.PreviewLength)
	req.Equal(54*time.Second, c.PingPeriod())
	req.False(c.WSAllowAnonymous)
}

func TestLoad_Rejects_Invalid(t *testing.T) {
	req := require.New(t)
	t.Setenv("GIN_MODE", "release")

	t.Setenv("EXPERTCHAT_JWT_SECRET", "")
	_, err := Load()
	req.ErrorContains(err, "jwt secret")

	t.Setenv("EXPERTCHAT_JWT_SECRET", "secret")
	t.Setenv("EXPERTCHAT_DB_DRIVER", "mysql")
	_, err = Load()
	req.ErrorContains(err, "unsupported db driver")

	t.Setenv("EXPERTCHAT_DB_DRIVER", "postgres")
	t.Setenv("EXPERTCHAT_TYPING_TTL", "0s")
	_, err = Load()
	req.ErrorContains(err, "typing ttl")
}

func TestValidate_Rejects_Websocket_Timing(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBDriver:            DriverSQLite,
			JWTSecret:           "secret",
			SendBufferSize:      8,
			MaxMessageLength:    100,
			PreviewLength:       10,
			TypingTTL:           time.Second,
			TypingSweepInterval: time.Second,
			EventRate:           1,
			EventBurst:          1,
			WriteWait:           time.Second,
			PongWait:            time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *Config){
		"zero pong wait":      func(c *Config) { c.PongWait = 0 },
		"negative pong wait":  func(c *Config) { c.PongWait = -time.Second },
		"pong wait too short": func(c *Config) { c.PongWait = time.Nanosecond },
		"zero write wait":     func(c *Config) { c.WriteWait = 0 },
	}
	for name, tweak := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			tweak(c)
			require.ErrorContains(t, c.Validate(), "ping period")
		})
	}
}
