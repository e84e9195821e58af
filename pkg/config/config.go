// Package config provides configuration loading and management for volrecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many slices are ingested concurrently
		NumCores int `yaml:"numCores"`

		// SplitThreshold is the pixel count below which parallel scatter
		// and extraction ranges stop splitting
		SplitThreshold int `yaml:"splitThreshold"`

		// MemoryBudgetMB caps in-memory voxel allocation; volumes over
		// the budget fall back to memory-mapped storage. Zero disables
		// the cap.
		MemoryBudgetMB int64 `yaml:"memoryBudgetMB"`

		// Plane selects the viewing plane the volume is built for:
		// axial, coronal or sagittal
		Plane string `yaml:"plane"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// VolumePath is where the reconstructed volume is persisted
		VolumePath string `yaml:"volumePath"`

		// Compress enables snappy compression of the persisted volume
		Compress bool `yaml:"compress"`

		// SliceDir receives extracted slice images
		SliceDir string `yaml:"sliceDir"`

		// JPEGQuality controls the quality of saved slice images
		JPEGQuality int `yaml:"jpegQuality"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.SplitThreshold = 4096
	cfg.Processing.MemoryBudgetMB = 0
	cfg.Processing.Plane = "axial"

	cfg.Output.VolumePath = "volume.raw"
	cfg.Output.Compress = false
	cfg.Output.SliceDir = "slices"
	cfg.Output.JPEGQuality = 90
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
