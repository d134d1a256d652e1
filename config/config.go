package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Weather  WeatherConfig  `mapstructure:"weather"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	API      APIConfig      `mapstructure:"api"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	Path     string `mapstructure:"path"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type WeatherConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	City         string        `mapstructure:"city"`
	ForecastDays int           `mapstructure:"forecast_days"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
}

type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the plain environment names the
// ingestion scripts have always used.
var envBindings = map[string]string{
	"database.driver":       "DB_DRIVER",
	"database.host":         "DB_HOST",
	"database.port":         "DB_PORT",
	"database.user":         "DB_USER",
	"database.password":     "DB_PASSWORD",
	"database.name":         "DB_NAME",
	"database.sslmode":      "DB_SSLMODE",
	"database.path":         "DB_PATH",
	"weather.base_url":      "API_BASE_URL",
	"weather.api_key":       "API_KEY",
	"weather.city":          "CITY",
	"weather.forecast_days": "FORECAST_DAYS",
	"log.level":             "LOG_LEVEL",
	"log.format":            "LOG_FORMAT",
}

func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weather-ingest")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "weather")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "./weather.db")
	v.SetDefault("weather.base_url", "http://api.weatherapi.com/v1")
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.city", "Warsaw")
	v.SetDefault("weather.forecast_days", 3)
	v.SetDefault("weather.timeout", "0s")
	v.SetDefault("ingest.interval", "1h")
	v.SetDefault("ingest.freshness_window", "1h")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "weather")
	v.SetDefault("mqtt.client_id", "weather-ingest")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks only what is needed to reach the database.
func (d DatabaseConfig) Validate() error {
	switch d.Driver {
	case "postgres":
		if d.Host == "" || d.Name == "" {
			return fmt.Errorf("database.host and database.name are required for postgres")
		}
	case "sqlite":
		if d.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", d.Driver)
	}
	return nil
}

// Validate reports the first setting that makes an ingestion run impossible.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Weather.APIKey) == "" {
		return fmt.Errorf("weather.api_key is required")
	}
	if strings.TrimSpace(c.Weather.City) == "" {
		return fmt.Errorf("weather.city is required")
	}
	if c.Ingest.FreshnessWindow <= 0 {
		return fmt.Errorf("ingest.freshness_window must be positive")
	}
	return nil
}
