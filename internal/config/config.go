// Package config loads the bridge configuration from a YAML file with
// environment-variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	Database  string `yaml:"database"`
	RulesFile string `yaml:"rules_file"`

	HomeAssistant HomeAssistant `yaml:"home_assistant"`
	WhatsApp      WhatsApp      `yaml:"whatsapp"`
}

// HomeAssistant configures the service-call client. AllowedServices is
// the executor's allowlist: only listed services may be called by
// rules.
type HomeAssistant struct {
	URL             string   `yaml:"url"`
	Token           string   `yaml:"token"`
	AllowedServices []string `yaml:"allowed_services"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
}

// WhatsApp configures the Evolution API sender.
type WhatsApp struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	Instance       string `yaml:"instance"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Default returns the configuration used when no file is present.
// The Home Assistant defaults match the add-on environment, where the
// supervisor proxies the core API.
func Default() *Config {
	return &Config{
		Listen:   ":8099",
		Database: "data/bridge.db",
		HomeAssistant: HomeAssistant{
			URL:            "http://supervisor/core",
			TimeoutSeconds: 10,
		},
		WhatsApp: WhatsApp{
			Instance:       "default",
			TimeoutSeconds: 10,
		},
	}
}

// Load reads the configuration file at path and applies environment
// overrides. A missing file is not an error: defaults plus environment
// apply. An unreadable or malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides credentials and endpoints from the environment.
// SUPERVISOR_TOKEN is injected by the add-on supervisor.
func (c *Config) applyEnv() {
	if v := os.Getenv("SUPERVISOR_TOKEN"); v != "" && c.HomeAssistant.Token == "" {
		c.HomeAssistant.Token = v
	}
	if v := os.Getenv("HA_URL"); v != "" {
		c.HomeAssistant.URL = v
	}
	if v := os.Getenv("HA_TOKEN"); v != "" {
		c.HomeAssistant.Token = v
	}
	if v := os.Getenv("EVOLUTION_API_URL"); v != "" {
		c.WhatsApp.URL = v
	}
	if v := os.Getenv("EVOLUTION_API_KEY"); v != "" {
		c.WhatsApp.APIKey = v
	}
	if v := os.Getenv("EVOLUTION_INSTANCE"); v != "" {
		c.WhatsApp.Instance = v
	}
}

// HATimeout returns the Home Assistant call timeout as a duration.
func (c *Config) HATimeout() time.Duration {
	return time.Duration(c.HomeAssistant.TimeoutSeconds) * time.Second
}

// WATimeout returns the WhatsApp send timeout as a duration.
func (c *Config) WATimeout() time.Duration {
	return time.Duration(c.WhatsApp.TimeoutSeconds) * time.Second
}
