package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application parameters.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PaymentWindowSec is how long an unpaid order may sit before it is
	// dead-lettered into the cancel queue.
	PaymentWindowSec int `mapstructure:"payment_window_sec"`
}

type ConsumerConfig struct {
	Workers  int `mapstructure:"workers"`
	Prefetch int `mapstructure:"prefetch"`
}

// LoadConfig reads the YAML file at path and overlays environment
// variables of the form SECTION_KEY (e.g. DATABASE_HOST).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.payment_window_sec", 900)
	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.prefetch", 16)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
