package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Files      FilePolicyConfig `mapstructure:"files"`
	Repository RepositoryConfig `mapstructure:"repository"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds the container policy applied to every sandbox.
// These values are policy, not per-request knobs: the engine applies them
// unconditionally so the security posture stays uniform.
type SandboxConfig struct {
	Backend           string  `mapstructure:"backend"`
	BaseImage         string  `mapstructure:"base_image"`
	TempHostDir       string  `mapstructure:"temp_host_dir"`
	CPUs              float64 `mapstructure:"cpus"`
	MemoryMB          int     `mapstructure:"memory_mb"`
	PidsLimit         int     `mapstructure:"pids_limit"`
	NetworkMode       string  `mapstructure:"network_mode"`
	ContainerUser     string  `mapstructure:"container_user"`
	CommandTimeoutMs  int     `mapstructure:"command_timeout_ms"`
	MaxOutputKB       int     `mapstructure:"max_output_kb"`
	MaxArtifactSizeMB int     `mapstructure:"max_artifact_size_mb"`
}

// FilePolicyConfig constrains what callers may stage into a session.
type FilePolicyConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	BlockedExtensions []string `mapstructure:"blocked_extensions"`
	MaxFileSizeKB     int      `mapstructure:"max_file_size_kb"`
	MaxFileCount      int      `mapstructure:"max_file_count"`
}

// RepositoryConfig holds settings for repository clone containers.
type RepositoryConfig struct {
	CloneImage     string `mapstructure:"clone_image"`
	CloneTimeoutMs int    `mapstructure:"clone_timeout_ms"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.metrics_port", 9090)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.base_image", "python:3.11-slim")
	viper.SetDefault("sandbox.temp_host_dir", os.TempDir())
	viper.SetDefault("sandbox.cpus", 0.5)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.pids_limit", 128)
	viper.SetDefault("sandbox.network_mode", "none")
	viper.SetDefault("sandbox.container_user", "65534:65534")
	viper.SetDefault("sandbox.command_timeout_ms", 30000)
	viper.SetDefault("sandbox.max_output_kb", 1024)
	viper.SetDefault("sandbox.max_artifact_size_mb", 20)

	viper.SetDefault("files.allowed_extensions", []string{})
	viper.SetDefault("files.blocked_extensions", []string{".so", ".dll", ".exe"})
	viper.SetDefault("files.max_file_size_kb", 1024)
	viper.SetDefault("files.max_file_count", 256)

	viper.SetDefault("repository.clone_image", "alpine/git:latest")
	viper.SetDefault("repository.clone_timeout_ms", 120000)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.MetricsPort <= 0 {
		return fmt.Errorf("server.metrics_port must be positive, got: %d", c.Server.MetricsPort)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.BaseImage == "" {
		return fmt.Errorf("sandbox.base_image must not be empty")
	}

	if c.Sandbox.TempHostDir == "" {
		return fmt.Errorf("sandbox.temp_host_dir must not be empty")
	}

	// Resource quotas are always set; "unlimited" is not a supported posture.
	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %v", c.Sandbox.CPUs)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.NetworkMode != "none" && c.Sandbox.NetworkMode != "bridge" {
		return fmt.Errorf("invalid sandbox.network_mode: %s, must be 'none' or 'bridge'", c.Sandbox.NetworkMode)
	}

	if c.Sandbox.ContainerUser == "" || c.Sandbox.ContainerUser == "root" || c.Sandbox.ContainerUser == "0" {
		return fmt.Errorf("sandbox.container_user must be a non-root user, got: %q", c.Sandbox.ContainerUser)
	}

	if c.Sandbox.CommandTimeoutMs <= 0 {
		return fmt.Errorf("sandbox.command_timeout_ms must be positive, got: %d", c.Sandbox.CommandTimeoutMs)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Sandbox.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", c.Sandbox.MaxArtifactSizeMB)
	}

	if c.Files.MaxFileSizeKB <= 0 {
		return fmt.Errorf("files.max_file_size_kb must be positive, got: %d", c.Files.MaxFileSizeKB)
	}

	if c.Files.MaxFileCount <= 0 {
		return fmt.Errorf("files.max_file_count must be positive, got: %d", c.Files.MaxFileCount)
	}

	if c.Repository.CloneImage == "" {
		return fmt.Errorf("repository.clone_image must not be empty")
	}

	if c.Repository.CloneTimeoutMs <= 0 {
		return fmt.Errorf("repository.clone_timeout_ms must be positive, got: %d", c.Repository.CloneTimeoutMs)
	}

	return nil
}

// CommandTimeout returns the default per-command timeout as a duration
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Sandbox.CommandTimeoutMs) * time.Millisecond
}

// CloneTimeout returns the repository clone timeout as a duration
func (c *Config) CloneTimeout() time.Duration {
	return time.Duration(c.Repository.CloneTimeoutMs) * time.Millisecond
}
