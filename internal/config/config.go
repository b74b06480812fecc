package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "VOICEBRIDGE"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	RoomURL     string `mapstructure:"room_url"`
	Token       string `mapstructure:"token"`
	AutoConnect bool   `mapstructure:"auto_connect"`
	Metadata    string `mapstructure:"metadata"`

	SpatialAudio    bool          `mapstructure:"spatial_audio"`
	HostQueue       int           `mapstructure:"host_queue"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	ICEServers      []string      `mapstructure:"ice_servers"`

	RecordDir        string `mapstructure:"record_dir"`
	RecordSampleRate int    `mapstructure:"record_sample_rate"`

	ConnectRateLimit  int           `mapstructure:"connect_rate_limit"`
	ConnectRateWindow time.Duration `mapstructure:"connect_rate_window"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults.
// VOICEBRIDGE_* environment variables override file values.
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

	v.SetEnvPrefix(envPrefix)
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Bool("spatial_audio", cfg.SpatialAudio).Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("room_url", "")
	v.SetDefault("token", "")
	v.SetDefault("auto_connect", false)
	v.SetDefault("metadata", "")
	v.SetDefault("spatial_audio", true)
	v.SetDefault("host_queue", 256)
	v.SetDefault("connect_timeout", "15s")
	v.SetDefault("shutdown_timeout", "500ms")
	v.SetDefault("ping_period", "15s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("record_dir", "")
	v.SetDefault("record_sample_rate", 48000)
	v.SetDefault("connect_rate_limit", 5)
	v.SetDefault("connect_rate_window", "1m")
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HostQueue <= 0 {
		return fmt.Errorf("host_queue must be positive, got %d", c.HostQueue)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.AutoConnect && c.RoomURL == "" {
		return fmt.Errorf("auto_connect needs room_url")
	}
	return nil
}
