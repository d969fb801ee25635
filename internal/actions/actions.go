// Package actions implements the operations behind the CLI commands
// and the web UI: login flows, library listing with the standard
// filtering policy, and single or batch downloads with per-item error
// handling.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tonimelisma/kobo-go/internal/credstore"
	"github.com/tonimelisma/kobo-go/internal/kobo"
	"github.com/tonimelisma/kobo-go/internal/ledger"
)

// Session bundles an authenticated protocol client with the local
// collaborators a download needs.
type Session struct {
	Client  *kobo.Client
	Remover kobo.DrmRemover
	Ledger  *ledger.Ledger // optional download history
	Logger  *slog.Logger
}

// NewSession builds a protocol client for one user and loads the
// endpoint resource map.
func NewSession(ctx context.Context, user *credstore.User, store *credstore.Store, httpClient *http.Client, remover kobo.DrmRemover, led *ledger.Ledger, logger *slog.Logger) (*Session, error) {
	client := kobo.NewClient(kobo.DefaultStoreURL, kobo.DefaultAuthURL, httpClient, user, store, logger)

	if err := client.LoadInitializationSettings(ctx); err != nil {
		return nil, err
	}

	return &Session{Client: client, Remover: remover, Ledger: led, Logger: logger}, nil
}

// ListBooks returns the user's enumerable library: previews and locked
// (refunded) entitlements are always excluded; finished books are
// excluded unless includeFinished is set; subscription and unknown
// records are dropped. Sorted by title, case-insensitively.
func ListBooks(ctx context.Context, client *kobo.Client, includeFinished bool) ([]kobo.Book, error) {
	books, err := client.GetLibrary(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]kobo.Book, 0, len(books))

	for _, b := range books {
		if b.Type != kobo.TypeEbook && b.Type != kobo.TypeAudiobook {
			continue
		}

		if b.Preview || b.Locked {
			continue
		}

		if b.Finished && !includeFinished {
			continue
		}

		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})

	return out, nil
}

// Login runs the web-activation flow end to end for a new user:
// register the device, load endpoints, then activate. The store is
// passed as the client's saver so every token mutation is persisted.
func Login(ctx context.Context, user *credstore.User, store *credstore.Store, httpClient *http.Client, logger *slog.Logger, display func(kobo.Activation)) error {
	client := kobo.NewClient(kobo.DefaultStoreURL, kobo.DefaultAuthURL, httpClient, user, store, logger)

	if err := client.AuthenticateDevice(ctx, ""); err != nil {
		return err
	}

	if err := client.LoadInitializationSettings(ctx); err != nil {
		return err
	}

	return client.Login(ctx, display)
}

// LoginWithCredentials runs the credential sign-in flow end to end.
func LoginWithCredentials(ctx context.Context, user *credstore.User, store *credstore.Store, httpClient *http.Client, logger *slog.Logger, email, password, captcha string) error {
	client := kobo.NewClient(kobo.DefaultStoreURL, kobo.DefaultAuthURL, httpClient, user, store, logger)

	if err := client.AuthenticateDevice(ctx, ""); err != nil {
		return err
	}

	// The sign-in page URL comes from the initialization resource map.
	if err := client.LoadInitializationSettings(ctx); err != nil {
		return err
	}

	return client.LoginWithCredentials(ctx, email, password, captcha)
}

// Outcome classifies what happened to one book in a download run.
type Outcome int

const (
	OutcomeDownloaded Outcome = iota
	OutcomeSkippedExisting
	OutcomeSkippedArchived
	OutcomeSkippedUnsupported
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeSkippedExisting:
		return "already downloaded"
	case OutcomeSkippedArchived:
		return "archived"
	case OutcomeSkippedUnsupported:
		return "unsupported type"
	default:
		return "failed"
	}
}

// Result reports the outcome for one book.
type Result struct {
	Book    kobo.Book
	Path    string
	Outcome Outcome
	Err     error
}

// DownloadOptions configure a download run.
type DownloadOptions struct {
	OutputDir    string
	FormatString string

	// ProductID limits the run to a single book. Empty means all.
	ProductID string

	// Progress, when non-nil, receives the streamed bytes (a progress
	// bar implements io.Writer).
	Progress io.Writer
}

// errSkippable reports whether a batch run should continue past err.
// Content, DRM, and local filesystem failures are per-item conditions;
// everything else (authentication, protocol drift) is fatal to the
// whole run.
func errSkippable(err error) bool {
	if errors.Is(err, kobo.ErrContentUnavailable) || errors.Is(err, kobo.ErrDrm) {
		return true
	}

	var pathErr *fs.PathError
	var linkErr *os.LinkError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr)
}

// DownloadBooks downloads the user's library (or one product) into
// opts.OutputDir. For batch runs, per-item failures are recorded in the
// result set and the run continues; for a single requested product the
// error is surfaced unmodified. Existing targets are skipped before any
// network call, so re-running a completed batch performs zero writes.
func DownloadBooks(ctx context.Context, session *Session, opts DownloadOptions) ([]Result, error) {
	outputDir, err := filepath.Abs(opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("actions: resolving output dir: %w", err)
	}

	format := opts.FormatString
	if format == "" {
		format = "{Author} - {Title} {ShortRevisionId}"
	}

	// The sync feed is the only endpoint that returns download variants
	// with the metadata, so even a single-book run enumerates it.
	books, err := session.Client.GetLibrary(ctx)
	if err != nil {
		return nil, err
	}

	var results []Result

	for i := range books {
		book := books[i]

		if opts.ProductID != "" && book.ProductID != opts.ProductID {
			continue
		}

		res, fatal := downloadOne(ctx, session, &book, outputDir, format, opts)
		if res != nil {
			results = append(results, *res)
		}

		if fatal != nil {
			return results, fatal
		}

		if opts.ProductID != "" && res != nil {
			return results, nil
		}
	}

	if opts.ProductID != "" && len(results) == 0 {
		return nil, fmt.Errorf("%w: product %s not in library", kobo.ErrContentUnavailable, opts.ProductID)
	}

	return results, nil
}

// downloadOne handles a single book within a run. A non-nil fatal error
// aborts the whole run; per-item failures come back inside the Result.
func downloadOne(ctx context.Context, session *Session, book *kobo.Book, outputDir, format string, opts DownloadOptions) (*Result, error) {
	targeted := opts.ProductID != ""

	if book.Type != kobo.TypeEbook && book.Type != kobo.TypeAudiobook {
		if targeted {
			return &Result{Book: *book, Outcome: OutcomeSkippedUnsupported}, nil
		}

		session.Logger.Debug("skipping unsupported entitlement",
			slog.String("product_id", book.ProductID),
			slog.String("type", book.Type.String()),
		)

		return nil, nil
	}

	fileName := FileNameForBook(book, format)
	if book.Type == kobo.TypeEbook {
		// Audiobooks become directories; epub files land directly in
		// the output dir.
		fileName += ".epub"
	}

	outputPath := filepath.Join(outputDir, fileName)

	if !targeted {
		if _, err := os.Stat(outputPath); err == nil {
			session.Logger.Info("skipping already downloaded book",
				slog.String("path", outputPath),
			)

			return &Result{Book: *book, Path: outputPath, Outcome: OutcomeSkippedExisting}, nil
		}
	}

	if book.Archived {
		session.Logger.Info("skipping archived book",
			slog.String("title", book.Title),
		)

		return &Result{Book: *book, Outcome: OutcomeSkippedArchived}, nil
	}

	session.Logger.Info("downloading book",
		slog.String("product_id", book.ProductID),
		slog.String("path", outputPath),
	)

	err := session.Client.Download(ctx, book, outputPath, session.Remover, opts.Progress)
	if err != nil {
		if targeted || !errSkippable(err) {
			return &Result{Book: *book, Outcome: OutcomeFailed, Err: err}, err
		}

		session.Logger.Warn("skipping failed download",
			slog.String("product_id", book.ProductID),
			slog.String("error", err.Error()),
		)

		return &Result{Book: *book, Outcome: OutcomeFailed, Err: err}, nil
	}

	recordDownload(ctx, session, book, outputPath)

	if book.Type == kobo.TypeAudiobook {
		// Best effort: a failed assembly never invalidates the
		// successfully downloaded parts.
		AssembleAudiobook(ctx, outputPath, session.Logger)
	}

	return &Result{Book: *book, Path: outputPath, Outcome: OutcomeDownloaded}, nil
}

// recordDownload writes the ledger entry. History is advisory, so a
// recording failure downgrades to a warning.
func recordDownload(ctx context.Context, session *Session, book *kobo.Book, path string) {
	if session.Ledger == nil {
		return
	}

	userID := session.Client.User().UserID
	if err := session.Ledger.MarkDownloaded(ctx, userID, book.ProductID, path); err != nil {
		session.Logger.Warn("failed to record download in ledger",
			slog.String("product_id", book.ProductID),
			slog.String("error", err.Error()),
		)
	}
}
