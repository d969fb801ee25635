package actions

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/kobo-go/internal/credstore"
	"github.com/tonimelisma/kobo-go/internal/kobo"
	"github.com/tonimelisma/kobo-go/internal/ledger"
)

// fakeBook describes one library entry for the test storefront.
type fakeBook struct {
	productID string
	title     string
	author    string
	preview   bool
	locked    bool
	removed   bool
	finished  bool
	noContent bool // content access answers with an empty variant list
}

// fakeStorefront serves just enough of the storefront protocol for the
// actions layer: initialization, one library sync page, content access,
// and cleartext payloads.
type fakeStorefront struct {
	books        []fakeBook
	payloadHits  atomic.Int32
	contentCalls atomic.Int32
}

func (f *fakeStorefront) handler(baseURL func() string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"Resources": {
			"library_sync": "%[1]s/library",
			"content_access_book": "%[1]s/content/{ProductId}"
		}}`, baseURL())
	})

	mux.HandleFunc("GET /library", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		out := "["
		for i, b := range f.books {
			if i > 0 {
				out += ","
			}

			status := "Reading"
			if b.finished {
				status = "Finished"
			}

			accessibility := "Full"
			if b.preview {
				accessibility = "Preview"
			}

			out += fmt.Sprintf(`{"NewEntitlement": {
				"BookEntitlement": {"Accessibility": %q, "IsLocked": %t, "IsRemoved": %t},
				"ReadingState": {"StatusInfo": {"Status": %q}},
				"BookMetadata": {"RevisionId": %q, "Title": %q,
					"ContributorRoles": [{"Name": %q, "Role": "Author"}]}
			}}`, accessibility, b.locked, b.removed, status, b.productID, b.title, b.author)
		}
		out += "]"

		_, _ = w.Write([]byte(out))
	})

	mux.HandleFunc("GET /content/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.contentCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")

		id := r.PathValue("id")
		for _, b := range f.books {
			if b.productID == id && b.noContent {
				_, _ = w.Write([]byte(`{"ContentUrls": []}`))
				return
			}
		}

		fmt.Fprintf(w, `{"ContentUrls": [{"DownloadUrl": "%s/payload/%s"}]}`, baseURL(), id)
	})

	mux.HandleFunc("GET /payload/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.payloadHits.Add(1)
		fmt.Fprintf(w, "contents of %s", r.PathValue("id"))
	})

	return mux
}

// newTestSession starts the fake storefront and builds a Session
// against it.
func newTestSession(t *testing.T, front *fakeStorefront) *Session {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(front.handler(func() string { return srv.URL }))
	t.Cleanup(srv.Close)

	user := &credstore.User{
		Email:        "reader@example.com",
		DeviceID:     "device-id",
		AccessToken:  "access",
		RefreshToken: "refresh",
		UserID:       "user-id",
	}

	logger := slog.Default()
	client := kobo.NewClient(srv.URL, srv.URL, srv.Client(), user, nil, logger)
	require.NoError(t, client.LoadInitializationSettings(context.Background()))

	return &Session{Client: client, Logger: logger}
}

func TestListBooksFiltering(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "zebra book", author: "A"},
		{productID: "p2", title: "Apple Book", author: "B"},
		{productID: "p3", title: "Preview Book", author: "C", preview: true},
		{productID: "p4", title: "Locked Book", author: "D", locked: true},
		{productID: "p5", title: "Finished Book", author: "E", finished: true},
	}}

	session := newTestSession(t, front)

	books, err := ListBooks(context.Background(), session.Client, false)
	require.NoError(t, err)

	// Previews, locked, and finished are out; the rest sorted by title,
	// case-insensitively.
	require.Len(t, books, 2)
	assert.Equal(t, "Apple Book", books[0].Title)
	assert.Equal(t, "zebra book", books[1].Title)

	withFinished, err := ListBooks(context.Background(), session.Client, true)
	require.NoError(t, err)
	require.Len(t, withFinished, 3)
	assert.Equal(t, "Finished Book", withFinished[1].Title)
}

func TestDownloadBooksBatch(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
		{productID: "p2", title: "Second", author: "B", removed: true},
		{productID: "p3", title: "Third", author: "C"},
	}}

	session := newTestSession(t, front)
	outDir := t.TempDir()

	results, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    outDir,
		FormatString: "{Title}",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byTitle := map[string]Result{}
	for _, r := range results {
		byTitle[r.Book.Title] = r
	}

	assert.Equal(t, OutcomeDownloaded, byTitle["First"].Outcome)
	assert.Equal(t, OutcomeSkippedArchived, byTitle["Second"].Outcome)
	assert.Equal(t, OutcomeDownloaded, byTitle["Third"].Outcome)

	got, err := os.ReadFile(filepath.Join(outDir, "First.epub"))
	require.NoError(t, err)
	assert.Equal(t, "contents of p1", string(got))

	_, err = os.Stat(filepath.Join(outDir, "Second.epub"))
	assert.True(t, os.IsNotExist(err), "archived book downloads nothing")
}

func TestDownloadBooksSkipsExistingBeforeNetwork(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
	}}

	session := newTestSession(t, front)
	outDir := t.TempDir()

	existing := filepath.Join(outDir, "First.epub")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o644))

	results, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    outDir,
		FormatString: "{Title}",
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSkippedExisting, results[0].Outcome)
	assert.Equal(t, int32(0), front.contentCalls.Load(), "skip decided before any content call")

	got, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(got), "existing file untouched")
}

func TestDownloadBooksContinuesPastUnavailableContent(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "Broken", author: "A", noContent: true},
		{productID: "p2", title: "Fine", author: "B"},
	}}

	session := newTestSession(t, front)
	outDir := t.TempDir()

	results, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    outDir,
		FormatString: "{Title}",
	})
	require.NoError(t, err, "per-item content failures do not abort the batch")
	require.Len(t, results, 2)

	byTitle := map[string]Result{}
	for _, r := range results {
		byTitle[r.Book.Title] = r
	}

	assert.Equal(t, OutcomeFailed, byTitle["Broken"].Outcome)
	assert.ErrorIs(t, byTitle["Broken"].Err, kobo.ErrContentUnavailable)
	assert.Equal(t, OutcomeDownloaded, byTitle["Fine"].Outcome)
}

func TestDownloadBooksContinuesPastLocalWriteFailure(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
		{productID: "p2", title: "Second", author: "B"},
	}}

	session := newTestSession(t, front)
	outDir := t.TempDir()

	// A directory squatting on the temp path makes the first book's
	// download fail locally; the batch must still finish the second.
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "First.epub.downloading"), 0o755))

	results, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    outDir,
		FormatString: "{Title}",
	})
	require.NoError(t, err, "per-item filesystem failures do not abort the batch")
	require.Len(t, results, 2)

	byTitle := map[string]Result{}
	for _, r := range results {
		byTitle[r.Book.Title] = r
	}

	assert.Equal(t, OutcomeFailed, byTitle["First"].Outcome)
	var pathErr *fs.PathError
	assert.ErrorAs(t, byTitle["First"].Err, &pathErr)

	assert.Equal(t, OutcomeDownloaded, byTitle["Second"].Outcome)
	data, err := os.ReadFile(filepath.Join(outDir, "Second.epub"))
	require.NoError(t, err)
	assert.Equal(t, "contents of p2", string(data))
}

func TestDownloadBooksTargetedErrorSurfaces(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "Broken", author: "A", noContent: true},
	}}

	session := newTestSession(t, front)

	_, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    t.TempDir(),
		FormatString: "{Title}",
		ProductID:    "p1",
	})
	require.Error(t, err, "a targeted download never swallows its error")
	assert.ErrorIs(t, err, kobo.ErrContentUnavailable)
}

func TestDownloadBooksTargetedNotInLibrary(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
	}}

	session := newTestSession(t, front)

	_, err := DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    t.TempDir(),
		FormatString: "{Title}",
		ProductID:    "nope",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, kobo.ErrContentUnavailable)
	assert.Contains(t, err.Error(), "not in library")
}

func TestDownloadBooksRecordsLedger(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
	}}

	session := newTestSession(t, front)

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	defer led.Close()

	session.Ledger = led

	_, err = DownloadBooks(context.Background(), session, DownloadOptions{
		OutputDir:    t.TempDir(),
		FormatString: "{Title}",
	})
	require.NoError(t, err)

	done, err := led.IsDownloaded(context.Background(), "user-id", "p1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDownloadBooksIdempotentRerun(t *testing.T) {
	front := &fakeStorefront{books: []fakeBook{
		{productID: "p1", title: "First", author: "A"},
	}}

	session := newTestSession(t, front)
	outDir := t.TempDir()
	opts := DownloadOptions{OutputDir: outDir, FormatString: "{Title}"}

	results, err := DownloadBooks(context.Background(), session, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, results[0].Outcome)

	hits := front.payloadHits.Load()

	results, err = DownloadBooks(context.Background(), session, opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedExisting, results[0].Outcome)
	assert.Equal(t, hits, front.payloadHits.Load(), "rerun fetches nothing")
}
