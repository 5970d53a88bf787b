// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the daemon configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	USB      USBConfig      `mapstructure:"usb"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	App      AppConfig      `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// USBConfig represents bulk transfer tuning and bus scan configuration
type USBConfig struct {
	Attempts          int           `mapstructure:"attempts"`
	AttemptsMulti     int           `mapstructure:"attempts_multi"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TimeoutMulti      time.Duration `mapstructure:"timeout_multi"`
	EndpointOut       int           `mapstructure:"endpoint_out"`
	EndpointIn        int           `mapstructure:"endpoint_in"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// FirmwareConfig represents firmware image lookup configuration
type FirmwareConfig struct {
	Directory string `mapstructure:"directory" validate:"required"`
}

// SamplingConfig represents acquisition loop configuration
type SamplingConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("hantekd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/hantekd")

	// Environment variable support
	viper.SetEnvPrefix("HANTEKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file, defaults alone carry a bare install
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "15s")
	viper.SetDefault("server.allowed_origins", []string{})

	// USB defaults
	viper.SetDefault("usb.attempts", 3)
	viper.SetDefault("usb.attempts_multi", 1)
	viper.SetDefault("usb.timeout", "500ms")
	viper.SetDefault("usb.timeout_multi", "100ms")
	viper.SetDefault("usb.endpoint_out", 0x02)
	viper.SetDefault("usb.endpoint_in", 0x86)
	viper.SetDefault("usb.discovery_interval", "2s")

	// Firmware defaults
	viper.SetDefault("firmware.directory", "./firmware")

	// Sampling defaults
	viper.SetDefault("sampling.poll_interval", "10ms")
	viper.SetDefault("sampling.subscriber_buffer", 4)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "hantekd")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	// Basic validation
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Firmware.Directory == "" {
		return fmt.Errorf("firmware.directory is required")
	}
	if config.USB.Attempts < 1 {
		return fmt.Errorf("usb.attempts must be at least 1")
	}
	if config.USB.AttemptsMulti < 1 {
		return fmt.Errorf("usb.attempts_multi must be at least 1")
	}
	if config.USB.Timeout <= 0 {
		return fmt.Errorf("usb.timeout must be positive")
	}
	if config.USB.TimeoutMulti <= 0 {
		return fmt.Errorf("usb.timeout_multi must be positive")
	}
	if config.USB.EndpointOut < 0 || config.USB.EndpointOut > 0xff {
		return fmt.Errorf("usb.endpoint_out must fit in one byte")
	}
	if config.USB.EndpointIn < 0 || config.USB.EndpointIn > 0xff {
		return fmt.Errorf("usb.endpoint_in must fit in one byte")
	}
	if config.USB.DiscoveryInterval <= 0 {
		return fmt.Errorf("usb.discovery_interval must be positive")
	}
	if config.Sampling.PollInterval <= 0 {
		return fmt.Errorf("sampling.poll_interval must be positive")
	}
	if config.Sampling.SubscriberBuffer < 1 {
		return fmt.Errorf("sampling.subscriber_buffer must be at least 1")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	// Validate logging format
	validFormats := []string{"json", "console"}
	isValidFormat := false
	for _, format := range validFormats {
		if config.Logging.Format == format {
			isValidFormat = true
			break
		}
	}
	if !isValidFormat {
		return fmt.Errorf("logging.format must be one of: %v", validFormats)
	}

	return nil
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
