package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/kobo-go/internal/actions"
	"github.com/tonimelisma/kobo-go/internal/config"
	"github.com/tonimelisma/kobo-go/internal/drm"
	"github.com/tonimelisma/kobo-go/internal/kobo"
	"github.com/tonimelisma/kobo-go/internal/ledger"
)

func newBookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "List and download books",
	}

	cmd.AddCommand(newBookListCmd())
	cmd.AddCommand(newBookGetCmd())

	return cmd
}

func newBookListCmd() *cobra.Command {
	var (
		userFlag   string
		listAll    bool
		exportPath string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List books in the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBookList(cmd.Context(), userFlag, listAll, exportPath)
		},
	}

	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "account email or user key")
	cmd.Flags().BoolVar(&listAll, "all", false, "include books marked as finished")
	cmd.Flags().StringVar(&exportPath, "export-library", "", "write raw library JSON to this file")

	return cmd
}

func runBookList(ctx context.Context, userFlag string, listAll bool, exportPath string) error {
	session, _, err := openSession(ctx, userFlag)
	if err != nil {
		return err
	}

	books, err := actions.ListBooks(ctx, session.Client, listAll)
	if err != nil {
		return err
	}

	if exportPath != "" {
		if err := exportLibrary(exportPath, books); err != nil {
			return err
		}
	}

	rows := make([][]string, 0, len(books))
	for i := range books {
		b := &books[i]
		rows = append(rows, []string{
			b.Title + bookDecorations(b.Type == kobo.TypeAudiobook, b.Archived),
			b.Author,
			b.ProductID,
			session.Client.User().Email,
		})
	}

	renderTable([]string{"Title", "Author", "Product ID", "Owner"}, rows)

	return nil
}

func exportLibrary(path string, books []kobo.Book) error {
	data, err := json.MarshalIndent(books, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding library export: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing library export: %w", err)
	}

	return nil
}

func newBookGetCmd() *cobra.Command {
	var (
		userFlag  string
		outputDir string
		getAll    bool
		formatStr string
	)

	cmd := &cobra.Command{
		Use:   "get [product-id...]",
		Short: "Download books",
		Long: `Download one or more books by product id, or the whole library with
--all. Existing files are skipped, so re-running a batch download only
fetches what is missing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if getAll && len(args) > 0 {
				return fmt.Errorf("cannot pass product ids together with --all")
			}

			if !getAll && len(args) == 0 {
				return fmt.Errorf("pass at least one product id, or use --all")
			}

			return runBookGet(cmd.Context(), userFlag, outputDir, formatStr, getAll, args)
		},
	}

	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "account email or user key")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "download directory (default from config)")
	cmd.Flags().BoolVarP(&getAll, "all", "a", false, "download the whole library")
	cmd.Flags().StringVarP(&formatStr, "format-str", "f", "", "filename format (default from config)")

	return cmd
}

func runBookGet(ctx context.Context, userFlag, outputDir, formatStr string, getAll bool, productIDs []string) error {
	session, cfg, err := openSession(ctx, userFlag)
	if err != nil {
		return err
	}

	session.Ledger = openLedger(session.Logger)
	if session.Ledger != nil {
		defer session.Ledger.Close()
	}

	if outputDir == "" {
		outputDir = cfg.OutputDir
	}

	if formatStr == "" {
		formatStr = cfg.FormatString
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	opts := actions.DownloadOptions{
		OutputDir:    outputDir,
		FormatString: formatStr,
		Progress:     progressWriter(),
	}

	if getAll {
		results, err := actions.DownloadBooks(ctx, session, opts)
		reportResults(results)

		return err
	}

	for _, pid := range productIDs {
		opts.ProductID = pid

		results, err := actions.DownloadBooks(ctx, session, opts)
		if err != nil {
			return err
		}

		reportResults(results)
	}

	return nil
}

func reportResults(results []actions.Result) {
	for _, r := range results {
		switch r.Outcome {
		case actions.OutcomeDownloaded:
			statusf("Downloaded %s to %s\n", r.Book.Title, r.Path)
		case actions.OutcomeFailed:
			statusf("Failed %s: %v\n", r.Book.Title, r.Err)
		default:
			statusf("Skipped %s (%s)\n", r.Book.Title, r.Outcome)
		}
	}
}

// progressWriter returns a byte-count progress bar on a terminal, nil
// otherwise. Sizes are unknown up front, so the bar is a spinner with a
// running byte count.
func progressWriter() io.Writer {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}

	return progressbar.DefaultBytes(-1, "downloading")
}

// openSession resolves the user and builds an authenticated session.
// The download ledger is not opened here; only downloads need it.
func openSession(ctx context.Context, userFlag string) (*actions.Session, *config.Config, error) {
	logger := buildLogger()

	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	user, err := selectUser(store, userFlag)
	if err != nil {
		return nil, nil, err
	}

	session, err := actions.NewSession(ctx, user, store, defaultHTTPClient(), drm.NewRemover(), nil, logger)
	if err != nil {
		return nil, nil, err
	}

	session.Client.SetDownloadClient(downloadHTTPClient())

	return session, resolvedCfg, nil
}

// openLedger opens the download history database. History is advisory:
// failure to open it degrades to a warning rather than blocking
// downloads.
func openLedger(logger *slog.Logger) *ledger.Ledger {
	path := config.DefaultLedgerPath()
	if resolvedCfg != nil && resolvedCfg.LedgerPath != "" {
		path = resolvedCfg.LedgerPath
	}

	led, err := ledger.Open(path, logger)
	if err != nil {
		logger.Warn("download ledger unavailable", "error", err.Error())
		return nil
	}

	return led
}

func newWishlistCmd() *cobra.Command {
	var userFlag string

	cmd := &cobra.Command{
		Use:   "wishlist",
		Short: "List wishlist items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, _, err := openSession(cmd.Context(), userFlag)
			if err != nil {
				return err
			}

			items, err := session.Client.GetWishlist(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{item.Title, item.Author, item.Price, item.ProductID})
			}

			renderTable([]string{"Title", "Author", "Price", "Product ID"}, rows)

			return nil
		},
	}

	cmd.Flags().StringVarP(&userFlag, "user", "u", "", "account email or user key")

	return cmd
}
