package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	CatalogPath     string
	BackendURL      string
	Preset          string
	LogLevel        string
	LogFormat       string
	Debug           bool
	MetricsPort     int
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.CatalogPath, "catalog",
		getEnv("PROVSTATION_CATALOG", "catalogs/solution.yaml"),
		"Path to solution catalog file (env: PROVSTATION_CATALOG)")

	flag.StringVar(&cfg.CatalogPath, "c",
		getEnv("PROVSTATION_CATALOG", "catalogs/solution.yaml"),
		"Path to solution catalog file (env: PROVSTATION_CATALOG)")

	flag.StringVar(&cfg.BackendURL, "backend",
		getEnv("PROVSTATION_BACKEND_URL", "http://127.0.0.1:8000"),
		"Provisioning backend base URL (env: PROVSTATION_BACKEND_URL)")

	flag.StringVar(&cfg.Preset, "preset",
		getEnv("PROVSTATION_PRESET", ""),
		"Preset to activate at startup, empty for the default device set (env: PROVSTATION_PRESET)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("PROVSTATION_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PROVSTATION_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("PROVSTATION_LOG_FORMAT", "json"),
		"Log format: json, text (env: PROVSTATION_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("PROVSTATION_DEBUG", false),
		"Enable debug mode (env: PROVSTATION_DEBUG)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("PROVSTATION_METRICS_PORT", 9090),
		"Metrics server port, 0 to disable (env: PROVSTATION_METRICS_PORT)")

	flag.DurationVar(&cfg.HealthInterval, "health-interval",
		getEnvDuration("PROVSTATION_HEALTH_INTERVAL", 30*time.Second),
		"Backend health probe interval (env: PROVSTATION_HEALTH_INTERVAL)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PROVSTATION_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: PROVSTATION_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate the catalog and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.CatalogPath); err != nil {
		return fmt.Errorf("catalog file not found: %s", cfg.CatalogPath)
	}

	if cfg.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Device Provisioning Station

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a custom catalog
  %s --catalog=/path/to/solution.yaml

  # Run against a remote backend with debug logging
  %s --backend=http://10.0.0.5:8000 --log-level=debug --log-format=text

  # Run with environment variables
  export PROVSTATION_CATALOG=/etc/provstation/solution.yaml
  export PROVSTATION_LOG_LEVEL=debug
  %s

  # Validate the catalog only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
