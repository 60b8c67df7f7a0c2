package shared

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys
const (
	EnvKeyConfigFile  = "RELAY_CONFIG"
	EnvKeyAddr        = "RELAY_ADDR"
	EnvKeyPublicURL   = "RELAY_PUBLIC_URL"
	EnvKeyLogFile     = "RELAY_LOG_FILE"
	EnvKeyLogDebug    = "RELAY_LOG_DEBUG"
	EnvKeyAPIKey      = "XAI_API_KEY"
	EnvKeyUpstreamURL = "XAI_REALTIME_URL"
	EnvKeyVoice       = "XAI_VOICE"
	EnvKeyModel       = "XAI_MODEL"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Signaling SignalingConfig `yaml:"signaling"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type UpstreamConfig struct {
	URL               string        `yaml:"url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Voice             string        `yaml:"voice"`
	Instructions      string        `yaml:"instructions"`
	DefaultSampleRate int           `yaml:"default_sample_rate"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type WebRTCConfig struct {
	ICEServers    []string      `yaml:"ice_servers"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type SignalingConfig struct {
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Debug      bool   `yaml:"debug"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

const defaultInstructions = "You are a friendly voice assistant. Keep answers short and conversational."

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:               "wss://api.x.ai/v1/realtime",
			Voice:             "Ara",
			Instructions:      defaultInstructions,
			DefaultSampleRate: 24000,
			ConnectTimeout:    15 * time.Second,
			WriteTimeout:      5 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers:    []string{"stun:stun.l.google.com:19302"},
			StatsInterval: 5 * time.Second,
		},
		Signaling: SignalingConfig{
			RateLimit:    20,
			RateBurst:    40,
			WriteTimeout: 5 * time.Second,
			ReadLimit:    1 << 20,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig layers the YAML file at path (if any) and then the environment
// over DefaultConfig. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Server.Addr, err = Getenv(GetenvString, EnvKeyAddr, false, c.Server.Addr); err != nil {
		return err
	}
	if c.Server.PublicURL, err = Getenv(GetenvString, EnvKeyPublicURL, false, c.Server.PublicURL); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	if c.Log.Debug, err = Getenv(GetenvBool, EnvKeyLogDebug, false, c.Log.Debug); err != nil {
		return err
	}
	if c.Upstream.APIKey, err = Getenv(GetenvString, EnvKeyAPIKey, false, c.Upstream.APIKey); err != nil {
		return err
	}
	if c.Upstream.URL, err = Getenv(GetenvString, EnvKeyUpstreamURL, false, c.Upstream.URL); err != nil {
		return err
	}
	if c.Upstream.Voice, err = Getenv(GetenvString, EnvKeyVoice, false, c.Upstream.Voice); err != nil {
		return err
	}
	if c.Upstream.Model, err = Getenv(GetenvString, EnvKeyModel, false, c.Upstream.Model); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return ErrNoAPIKey
	}
	if c.Upstream.URL == "" {
		return errors.New("upstream url is required")
	}
	if c.WebRTC.StatsInterval <= 0 {
		return errors.New("webrtc stats interval must be positive")
	}
	if c.Upstream.ConnectTimeout <= 0 {
		return errors.New("upstream connect timeout must be positive")
	}
	if c.Signaling.RateLimit <= 0 || c.Signaling.RateBurst <= 0 {
		return errors.New("signaling rate limit and burst must be positive")
	}
	return nil
}
