package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/kobo-go/internal/config"
	"github.com/tonimelisma/kobo-go/internal/credstore"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
	flagPlain      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. Available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Config

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
// Content streaming uses a separate client without a whole-request
// timeout, since a large audiobook can legitimately take longer.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout for
// API calls.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// downloadHTTPClient returns an HTTP client for content streaming.
// No whole-request timeout: the response header timeout still bounds a
// dead server.
func downloadHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: httpClientTimeout,
		},
	}
}

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "kobo-go",
		Short:   "Kobo library downloader",
		Long:    "Download and DRM-free your purchased Kobo books and audiobooks.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.PersistentFlags().BoolVar(&flagPlain, "plain", false, "plain tab-separated output instead of tables")

	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newBookCmd())
	cmd.AddCommand(newWishlistCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the override
// chain and stores the result in resolvedCfg for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	env := config.ReadEnvOverrides()

	resolved, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. Config-file log level provides the baseline; --verbose
// and --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore loads the credential store from the configured path.
func openStore() (*credstore.Store, error) {
	path := credstore.DefaultPath()
	if resolvedCfg != nil && resolvedCfg.UsersFile != "" {
		path = resolvedCfg.UsersFile
	}

	store, err := credstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	return store, nil
}

// selectUser picks the account a command operates on. With one stored
// user no flag is needed; with several, --user must identify one by
// email, user key, or device id.
func selectUser(store *credstore.Store, identifier string) (*credstore.User, error) {
	users := store.Users()
	if len(users) == 0 {
		return nil, fmt.Errorf("no users found, run 'kobo-go user add' first")
	}

	if identifier == "" {
		if len(users) > 1 {
			return nil, fmt.Errorf("multiple users exist, pass --user with an email or user key")
		}

		return users[0], nil
	}

	user := store.Get(identifier)
	if user == nil {
		return nil, fmt.Errorf("no user matches %q", identifier)
	}

	return user, nil
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
