package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type TurnServer struct {
	URL        string `mapstructure:"url" json:"url"`
	Username   string `mapstructure:"username" json:"username"`
	Credential string `mapstructure:"credential" json:"credential"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	APIBaseURL       string        `mapstructure:"api_base_url"`
	SignalURL        string        `mapstructure:"signal_url"`
	IceRetryInterval time.Duration `mapstructure:"ice_retry_interval"`
	IceCacheTTL      time.Duration `mapstructure:"ice_cache_ttl"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	TurnServers      []TurnServer  `mapstructure:"turn_servers"`
}

func Load() (*Config, error) {
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

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("signal_url", "ws://localhost:8080/ws")
	v.SetDefault("ice_retry_interval", "2s")
	v.SetDefault("ice_cache_ttl", "5m")
	v.SetDefault("poll_interval", "30s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
