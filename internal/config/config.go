package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	Account   AccountConfig `yaml:"account"`
	Polling   PollingConfig `yaml:"polling"`
	Logging   LoggingConfig `yaml:"logging"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Developer DevConfig     `yaml:"developer"`
}

// AccountConfig holds the vendor cloud credentials.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PollingConfig controls the coordinator cadence.
type PollingConfig struct {
	// Interval between polls in seconds. Defaults to 30.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig enables the Prometheus listener when Listen is set,
// e.g. ":9090".
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DevConfig switches the broker fallback for developer deployments.
type DevConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"`
}

// PollInterval returns the configured interval as a duration.
func (c *Config) PollInterval() time.Duration {
	if c.Polling.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Polling.IntervalSeconds) * time.Second
}

// LoadConfig loads configuration from the specified file, falling back to
// the usual locations. Environment variables FOSSIBOT_USERNAME and
// FOSSIBOT_PASSWORD override the file-level credentials.
func LoadConfig(configPath string) (*Config, error) {
	paths := []string{
		configPath,
		"/etc/fossibot/config.yaml",
		"/etc/fossibot.yaml",
		"./config.yaml",
	}

	var data []byte
	var err error
	var usedPath string

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err = os.ReadFile(path)
		if err == nil {
			usedPath = path
			break
		}
	}

	var config Config
	if err != nil {
		// Credentials can come entirely from the environment.
		usedPath = "(environment)"
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing configuration from %s: %w", usedPath, err)
	}

	if user := os.Getenv("FOSSIBOT_USERNAME"); user != "" {
		config.Account.Username = user
	}
	if pass := os.Getenv("FOSSIBOT_PASSWORD"); pass != "" {
		config.Account.Password = pass
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", usedPath, err)
	}
	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Account.Username == "" {
		return fmt.Errorf("account username is not specified")
	}
	if c.Account.Password == "" {
		return fmt.Errorf("account password is not specified")
	}
	if c.Polling.IntervalSeconds < 0 {
		return fmt.Errorf("poll interval must be non-negative")
	}
	if c.Developer.Enabled && c.Developer.Broker == "" {
		return fmt.Errorf("developer mode requires a broker host")
	}
	return nil
}
