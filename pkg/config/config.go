package config

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds application configuration
type Config struct {
	LogLevel      logrus.Level  `json:"log_level"`
	ScanTimeout   time.Duration `json:"scan_timeout"`
	DeviceTimeout time.Duration `json:"device_timeout"`
	OutputFormat  string        `json:"output_format"`

	// Options carries the spec's environment-style name/value option table
	// (mgmt.*, hci.*, gatt.*, l2cap.*, debug), layered onto each component's
	// own defaults via Options.HCIConfig/GATTConfig/MGMTConfig/L2CAPOptions.
	Options Options `json:"options,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      logrus.InfoLevel,
		ScanTimeout:   10 * time.Second,
		DeviceTimeout: 30 * time.Second,
		OutputFormat:  "table", // table, json, csv
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
