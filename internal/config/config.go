package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Secret   string `mapstructure:"secret"`

	ServerURL string `mapstructure:"server_url"`
	APIURL    string `mapstructure:"api_url"`
	Token     string `mapstructure:"token"`
	SessionID string `mapstructure:"session_id"`

	PingPeriod        time.Duration `mapstructure:"ping_period"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectJitter   float64       `mapstructure:"reconnect_jitter"`
	DedupCapacity     int           `mapstructure:"dedup_capacity"`
	HeartbeatPeriod   time.Duration `mapstructure:"heartbeat_period"`
	RequestLimit      int           `mapstructure:"request_limit"`
	RequestWindow     time.Duration `mapstructure:"request_window"`

	RTC     RTCConfig     `mapstructure:"rtc"`
	Capture CaptureConfig `mapstructure:"capture"`
}

type RTCConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	ICEServers []string `mapstructure:"ice_servers"`
	MimeType   string   `mapstructure:"mime_type"`
}

// CaptureConfig lists the fake devices the synthetic capture backend exposes.
type CaptureConfig struct {
	Devices []string `mapstructure:"devices"`
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults.
// TRADINGROOM_* environment variables override file values.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("TRADINGROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("server", cfg.ServerURL).
		Bool("rtc", cfg.RTC.Enabled).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("ping_period", "30s")
	v.SetDefault("reconnect_base", "1s")
	v.SetDefault("reconnect_max", "30s")
	v.SetDefault("reconnect_attempts", 10)
	v.SetDefault("reconnect_jitter", 0.0)
	v.SetDefault("dedup_capacity", 1000)
	v.SetDefault("heartbeat_period", "60s")
	v.SetDefault("request_limit", 3)
	v.SetDefault("request_window", "1m")
	v.SetDefault("rtc.enabled", false)
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.mime_type", "video/VP8")
	v.SetDefault("capture.devices", []string{"FaceTime HD Camera", "OBS Virtual Camera"})
}
