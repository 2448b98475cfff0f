package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	CatalogPath string
	StatePath   string
	OutputPath  string
	LogLevel    string
	LogFormat   string
	Discover    bool
	ShowVersion bool
	ShowHelp    bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("TAPSTREAM_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: TAPSTREAM_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("TAPSTREAM_CONFIG", ""),
		"Path to configuration file, YAML or JSON (env: TAPSTREAM_CONFIG)")

	fs.StringVar(&cfg.CatalogPath, "catalog",
		getEnv("TAPSTREAM_CATALOG", ""),
		"Path to the stream catalog (env: TAPSTREAM_CATALOG)")

	fs.StringVar(&cfg.StatePath, "state",
		getEnv("TAPSTREAM_STATE", ""),
		"Path to a state document to resume from (env: TAPSTREAM_STATE)")

	fs.StringVar(&cfg.OutputPath, "output",
		getEnv("TAPSTREAM_OUTPUT", ""),
		"Write messages to this file instead of stdout (env: TAPSTREAM_OUTPUT)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("TAPSTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TAPSTREAM_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("TAPSTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: TAPSTREAM_LOG_FORMAT)")

	fs.BoolVar(&cfg.Discover, "discover",
		getEnvBool("TAPSTREAM_DISCOVER", false),
		"Write the catalog with standard metadata to stdout and exit")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")

	// Custom usage
	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.CatalogPath == "" {
		return fmt.Errorf("a catalog is required (-catalog)")
	}
	if _, err := os.Stat(cfg.CatalogPath); err != nil {
		return fmt.Errorf("catalog file not found: %s", cfg.CatalogPath)
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	// Validate log format
	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Singer-style tap engine

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Sync every selected stream, resuming from state.json
  %s --config=tap.yaml --catalog=catalog.json --state=state.json > out.ndjson

  # Write messages to a file
  %s --catalog=catalog.json --output=out.ndjson

  # Write the catalog with standard metadata
  %s --catalog=catalog.json --discover

  # Run with environment variables
  export TAPSTREAM_CONFIG=/etc/tapstream/tap.yaml
  export TAPSTREAM_LOG_LEVEL=debug
  %s --catalog=catalog.json

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

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
