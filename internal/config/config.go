// Package config loads the kobo-go TOML configuration file and applies
// the override chain: defaults -> config file -> environment -> flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFormatString names downloaded books. The short revision id
// suffix prevents collisions between editions of the same title.
const DefaultFormatString = "{Author} - {Title} {ShortRevisionId}"

// Config is the on-disk configuration.
type Config struct {
	// OutputDir receives downloaded books. Default: ./kobo_downloads.
	OutputDir string `toml:"output_dir"`

	// FormatString templates downloaded filenames (without extension).
	FormatString string `toml:"format_string"`

	// UsersFile overrides the credential file location.
	UsersFile string `toml:"users_file"`

	// LedgerPath overrides the download-ledger database location.
	LedgerPath string `toml:"ledger_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		OutputDir:    "kobo_downloads",
		FormatString: DefaultFormatString,
		LogLevel:     "info",
	}
}

// Load reads and parses a TOML config file. Unknown keys are fatal:
// silently ignoring a typo in a config file leads to hard-to-debug
// behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}

		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns all defaults. Supports the zero-config first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

var validLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level %q (want debug, info, warn, or error)", cfg.LogLevel)
	}

	if cfg.FormatString == "" {
		return errors.New("format_string must not be empty")
	}

	return nil
}

// DefaultConfigPath resolves the config file location. Honors
// XDG_CONFIG_HOME, falling back to ~/.config.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.toml")
}

// DefaultLedgerPath resolves the download-ledger database location.
func DefaultLedgerPath() string {
	return filepath.Join(configDir(), "ledger.db")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kobo-go")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "kobo-go")
}

// EnvOverrides holds configuration read from the environment.
type EnvOverrides struct {
	ConfigPath string
	OutputDir  string
}

// ReadEnvOverrides reads KOBO_GO_* environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("KOBO_GO_CONFIG"),
		OutputDir:  os.Getenv("KOBO_GO_OUTPUT_DIR"),
	}
}

// CLIOverrides holds configuration passed as command-line flags.
// Pointer fields distinguish "not specified" from explicit zero values.
type CLIOverrides struct {
	ConfigPath string
	OutputDir  *string
}

// Resolve loads configuration and applies the override chain.
// CLI flags always win, matching user expectations for one-off
// overrides without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	if env.OutputDir != "" {
		cfg.OutputDir = env.OutputDir
	}

	if cli.OutputDir != nil {
		cfg.OutputDir = *cli.OutputDir
	}

	return cfg, nil
}
