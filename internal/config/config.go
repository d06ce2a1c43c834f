package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Session   SessionConfig   `mapstructure:"session"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Reactions ReactionsConfig `mapstructure:"reactions"`
	Listener  ListenerConfig  `mapstructure:"listener"`
}

type StoreConfig struct {
	// Driver is "memory" or "redis".
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	Resync   time.Duration `mapstructure:"resync"`
}

type DatabaseConfig struct {
	// URL empty means rooms live in memory.
	URL string `mapstructure:"url"`
}

type WebRTCConfig struct {
	ICEURLs []string `mapstructure:"ice_urls"`
}

type PresenceConfig struct {
	ReactionWindow time.Duration `mapstructure:"reaction_window"`
}

type SessionConfig struct {
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type IngestConfig struct {
	AudioAddr string `mapstructure:"audio_addr"`
	VideoAddr string `mapstructure:"video_addr"`
}

type ReactionsConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// ListenerConfig is only read by cmd/listener.
type ListenerConfig struct {
	Room   string `mapstructure:"room"`
	Name   string `mapstructure:"name"`
	Avatar string `mapstructure:"avatar"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "podcast")
	v.SetDefault("redis.resync", "30s")
	v.SetDefault("database.url", "")
	v.SetDefault("webrtc.ice_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("presence.reaction_window", "3s")
	v.SetDefault("session.answer_timeout", "20s")
	v.SetDefault("session.max_retries", 3)
	v.SetDefault("session.retry_backoff", "2s")
	v.SetDefault("ingest.audio_addr", ":5004")
	v.SetDefault("ingest.video_addr", ":5006")
	v.SetDefault("reactions.limit", 5)
	v.SetDefault("reactions.interval", "10s")
	v.SetDefault("listener.room", "")
	v.SetDefault("listener.name", "listener")
	v.SetDefault("listener.avatar", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. PODCAST_*
// environment variables override the file and flags, when given, override
// both. A flag named "listener-room" maps to key "listener.room".
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("PODCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "."), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).
		Bool("postgres", cfg.Database.URL != "").
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Presence.ReactionWindow <= 0 {
		return fmt.Errorf("config: presence.reaction_window must be positive")
	}
	if c.Reactions.Limit <= 0 || c.Reactions.Interval <= 0 {
		return fmt.Errorf("config: reactions.limit and reactions.interval must be positive")
	}
	return nil
}
