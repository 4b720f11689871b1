// Package config provides centralized configuration management using Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application-level configuration for zeroshot. Cluster
// topology lives in its own YAML definition; this covers everything around
// it.
type Config struct {
	DataDir     string   `mapstructure:"data_dir" yaml:"data_dir"`
	WorkDir     string   `mapstructure:"work_dir" yaml:"work_dir"`
	LogLevel    string   `mapstructure:"log_level" yaml:"log_level"`
	LogFile     string   `mapstructure:"log_file" yaml:"log_file"`
	TaskCommand []string `mapstructure:"task_command" yaml:"task_command"`
	ClusterFile string   `mapstructure:"cluster_file" yaml:"cluster_file"`
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("zeroshot")

	// task_command has no default - it's required for real runs
	v.SetDefault("data_dir", ".zeroshot")
	v.SetDefault("work_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("cluster_file", "cluster.yaml")

	// Setup ENV binding with ZEROSHOT_ prefix
	v.SetEnvPrefix("ZEROSHOT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit ENV bindings for better parsing of non-string values
	for key, env := range map[string]string{
		"data_dir":     "ZEROSHOT_DATA_DIR",
		"work_dir":     "ZEROSHOT_WORK_DIR",
		"log_level":    "ZEROSHOT_LOG_LEVEL",
		"log_file":     "ZEROSHOT_LOG_FILE",
		"cluster_file": "ZEROSHOT_CLUSTER_FILE",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}

	// Load global config first (if exists)
	globalPath := GlobalPath()
	if fileExists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}

	// Merge project config on top (if exists)
	projectPath := ProjectPath()
	if fileExists(projectPath) {
		v.SetConfigFile(projectPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/zeroshot/zeroshot.yml or $XDG_CONFIG_HOME/zeroshot/zeroshot.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "zeroshot", "zeroshot.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "zeroshot", "zeroshot.yml")
}

// ProjectPath returns the project-local config path.
// Returns ./zeroshot.yml in the current working directory.
func ProjectPath() string {
	return "zeroshot.yml"
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(ProjectPath(), data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
