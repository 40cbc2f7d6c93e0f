// Package config contains the definition of the application config
// structure and the logic required to load and update it.
package config

import (
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration of the application. It covers the
// control API and runtime pacing; server definitions live in the registry,
// not here.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// APIConfig contains the settings of the control API server.
type APIConfig struct {
	// Address is the listen address of the control API.
	Address string `yaml:"address"`
}

// TelemetryConfig contains the settings for metrics exposure.
type TelemetryConfig struct {
	// Enabled controls whether /metrics is served.
	Enabled bool `yaml:"enabled"`
}

// RuntimeConfig contains the orchestrator's pacing settings.
type RuntimeConfig struct {
	// ProjectDir enables the project collection when set.
	ProjectDir string `yaml:"project_dir,omitempty"`

	// SettleDelayMs is the pause between connect and tool discovery.
	SettleDelayMs int `yaml:"settle_delay_ms,omitempty"`

	// ConnectRetries bounds the linear connect retry schedule.
	ConnectRetries int `yaml:"connect_retries,omitempty"`

	// ValidateToolArguments toggles schema validation before dispatch.
	ValidateToolArguments bool `yaml:"validate_tool_arguments"`
}

// defaultPathGenerator generates the default config path using xdg.
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("deechat/config.yaml")
}

// getConfigPath is the current path generator, can be replaced in tests.
var getConfigPath = defaultPathGenerator

// createNewConfigWithDefaults creates a new config with default values.
func createNewConfigWithDefaults() Config {
	return Config{
		API:       APIConfig{Address: "127.0.0.1:4483"},
		Telemetry: TelemetryConfig{Enabled: true},
		Runtime: RuntimeConfig{
			SettleDelayMs:         2000,
			ConnectRetries:        3,
			ValidateToolArguments: true,
		},
	}
}

// LoadOrCreateConfig fetches the application configuration. If it does not
// already exist, it creates a new config file with default values.
func LoadOrCreateConfig() (*Config, error) {
	return LoadOrCreateConfigWithPath("")
}

// LoadOrCreateConfigWithPath fetches the application configuration from a
// specific path. If configPath is empty, it uses the default path.
func LoadOrCreateConfigWithPath(configPath string) (*Config, error) {
	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("unable to fetch config path: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		config := createNewConfigWithDefaults()
		if err := config.saveToPath(configPath); err != nil {
			return nil, err
		}
		return &config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := createNewConfigWithDefaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	return &config, nil
}

// save serializes the config struct and writes it to the default path.
func (c *Config) save() error {
	return c.saveToPath("")
}

// saveToPath serializes the config struct and writes it to a specific
// path. If configPath is empty, it uses the default path.
func (c *Config) saveToPath(configPath string) error {
	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return fmt.Errorf("unable to fetch config path: %w", err)
		}
	}

	configBytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing config file: %w", err)
	}

	if err := os.WriteFile(configPath, configBytes, 0600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// UpdateConfig loads the config, applies changes, and saves it back.
func UpdateConfig(updateFn func(*Config)) error {
	return UpdateConfigAtPath("", updateFn)
}

// UpdateConfigAtPath loads the config from a specific path, applies
// changes, and saves it back. If configPath is empty, it uses the default
// path.
func UpdateConfigAtPath(configPath string, updateFn func(*Config)) error {
	config, err := LoadOrCreateConfigWithPath(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	updateFn(config)

	if err := config.saveToPath(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	lock.Lock()
	if appConfig != nil {
		appConfig = config
	}
	lock.Unlock()

	return nil
}
