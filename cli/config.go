package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the CLI configuration, read from modelkit.yaml and MODELKIT_*
// environment variables
type Config struct {
	DatabaseURL    string        `mapstructure:"database_url"`
	MigrationsDir  string        `mapstructure:"migrations_dir"`
	LogLevel       string        `mapstructure:"log_level"`
	SlowQuery      time.Duration `mapstructure:"slow_query"`
	PrimaryKey     string        `mapstructure:"primary_key"`
	PrimaryKeyType string        `mapstructure:"primary_key_type"`
	LazyMapping    bool          `mapstructure:"lazy_mapping"`
}

// LoadConfig reads path, or modelkit.yaml in the working directory when
// path is empty. A missing default file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("log_level", "info")
	v.SetDefault("slow_query", 200*time.Millisecond)
	v.SetDefault("primary_key", "id")
	v.SetDefault("primary_key_type", "integer")
	v.SetDefault("lazy_mapping", false)
	v.SetDefault("database_url", "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("modelkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MODELKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	return &cfg, nil
}

// Logger returns a text logger on stderr at the configured level
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
