package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Settings is the process configuration for both the sync server and the device agent.
// Values come from the environment (and .env), optionally overlaid by a YAML file named in CONFIG_FILE.
type Settings struct {
	Port string `mapstructure:"PORT"`

	DBDriver        string `mapstructure:"DB_DRIVER"`
	DBUser          string `mapstructure:"DB_USER"`
	DBPassword      string `mapstructure:"DB_PASSWORD"`
	DBHost          string `mapstructure:"DB_HOST"`
	DBPort          string `mapstructure:"DB_PORT"`
	DBName          string `mapstructure:"DB_NAME"`
	DBPath          string `mapstructure:"DB_PATH"`
	DBMaxOpenConns  int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns  int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	RedisAddress    string `mapstructure:"REDIS_ADDRESS"`
	PubSubProjectId string `mapstructure:"PUBSUB_PROJECT_ID"`
	PubSubTopic     string `mapstructure:"PUBSUB_TOPIC"`
	RelayIntervalMs int    `mapstructure:"CHANGEFEED_RELAY_INTERVAL_MS"`

	BackendURL          string `mapstructure:"BACKEND_URL"`
	BusinessId          string `mapstructure:"BUSINESS_ID"`
	SubmitterId         string `mapstructure:"SUBMITTER_ID"`
	SessionId           string `mapstructure:"SESSION_ID"`
	DeviceId            string `mapstructure:"DEVICE_ID"`
	LocalStorePath      string `mapstructure:"LOCAL_STORE_PATH"`
	DrainIntervalSecs   int    `mapstructure:"DRAIN_INTERVAL_SECONDS"`
	SettleDelayMs       int    `mapstructure:"SETTLE_DELAY_MS"`
	ProbeIntervalSecs   int    `mapstructure:"PROBE_INTERVAL_SECONDS"`
	FeedPollIntervalSec int    `mapstructure:"FEED_POLL_INTERVAL_SECONDS"`
	MaxSyncRetries      int    `mapstructure:"MAX_SYNC_RETRIES"`
}

var settingKeys = []string{
	"PORT", "DB_DRIVER", "DB_USER", "DB_PASSWORD", "DB_HOST", "DB_PORT", "DB_NAME", "DB_PATH",
	"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "REDIS_ADDRESS", "PUBSUB_PROJECT_ID", "PUBSUB_TOPIC",
	"CHANGEFEED_RELAY_INTERVAL_MS", "BACKEND_URL", "BUSINESS_ID", "SUBMITTER_ID", "SESSION_ID",
	"DEVICE_ID", "LOCAL_STORE_PATH", "DRAIN_INTERVAL_SECONDS", "SETTLE_DELAY_MS",
	"PROBE_INTERVAL_SECONDS", "FEED_POLL_INTERVAL_SECONDS", "MAX_SYNC_RETRIES",
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// LoadSettings reads configuration. configFile may be empty; CONFIG_FILE is consulted then.
func LoadSettings(configFile string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about during Unmarshal.
	for _, key := range settingKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile == "" {
		configFile = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_MAX_OPEN_CONNS", 50)
	v.SetDefault("DB_MAX_IDLE_CONNS", 25)
	v.SetDefault("REDIS_ADDRESS", "")
	v.SetDefault("CHANGEFEED_RELAY_INTERVAL_MS", 500)
	v.SetDefault("BACKEND_URL", "http://localhost:8080")
	v.SetDefault("LOCAL_STORE_PATH", "pos-agent.db")
	v.SetDefault("DRAIN_INTERVAL_SECONDS", 30)
	v.SetDefault("SETTLE_DELAY_MS", 1500)
	v.SetDefault("PROBE_INTERVAL_SECONDS", 5)
	v.SetDefault("FEED_POLL_INTERVAL_SECONDS", 3)
	v.SetDefault("MAX_SYNC_RETRIES", 5)
}

func (s Settings) DrainInterval() time.Duration {
	return secondsOr(s.DrainIntervalSecs, 30)
}

func (s Settings) ProbeInterval() time.Duration {
	return secondsOr(s.ProbeIntervalSecs, 5)
}

func (s Settings) FeedPollInterval() time.Duration {
	return secondsOr(s.FeedPollIntervalSec, 3)
}

func (s Settings) SettleDelay() time.Duration {
	if s.SettleDelayMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

func (s Settings) RelayInterval() time.Duration {
	if s.RelayIntervalMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(s.RelayIntervalMs) * time.Millisecond
}

func secondsOr(n int, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
