package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/kobo-go/internal/drm"
	"github.com/tonimelisma/kobo-go/internal/webui"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		outputDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web API",
		Long: `Serve a small HTTP API for managing accounts and downloading books.
The API is unauthenticated and intended for localhost or a trusted
network only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(addr, outputDir)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5944", "listen address")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "download directory (default from config)")

	return cmd
}

func runServe(addr, outputDir string) error {
	logger := buildLogger()

	store, err := openStore()
	if err != nil {
		return err
	}

	if outputDir == "" {
		outputDir = resolvedCfg.OutputDir
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	led := openLedger(logger)
	if led != nil {
		defer led.Close()
	}

	srv := webui.New(store, outputDir, resolvedCfg.FormatString, defaultHTTPClient(), drm.NewRemover(), led, logger)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("serving web API", "addr", addr)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web API server: %w", err)
	}

	return nil
}
