package kobo

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/kobo-go/internal/credstore"
)

// testTokenJSON is the canonical token response for tests.
const testTokenJSON = `{
	"TokenType": "Bearer",
	"AccessToken": "new-access-token",
	"RefreshToken": "new-refresh-token",
	"UserKey": "new-user-key"
}`

// testUser returns an identity that passes AuthReady.
func testUser() *credstore.User {
	return &credstore.User{
		Email:        "reader@example.com",
		DeviceID:     "device-id",
		SerialNumber: "serial-number",
		AccessToken:  "old-access-token",
		RefreshToken: "old-refresh-token",
		UserID:       "user-id",
		UserKey:      "user-key",
	}
}

// countingSaver records persistence calls.
type countingSaver struct {
	saves atomic.Int32
}

func (s *countingSaver) Save() error {
	s.saves.Add(1)
	return nil
}

// newTestClient creates a client pointed at a test server running the
// given handler. Both the store and auth bases resolve to the server.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *countingSaver, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	saver := &countingSaver{}
	client := NewClient(srv.URL, srv.URL, srv.Client(), testUser(), saver, slog.Default())
	client.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return client, saver, srv
}

func TestDoAuthedRefreshesOnceAndRetries(t *testing.T) {
	var apiCalls, refreshCalls atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)

		if r.Header.Get("Authorization") != "Bearer new-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Resources": {"book": "https://x/{ProductId}"}}`))
	})

	mux.HandleFunc("POST /v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)

		// The refresh request carries the current bearer token.
		assert.Equal(t, "Bearer old-access-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	})

	client, saver, _ := newTestClient(t, mux)

	err := client.LoadInitializationSettings(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), apiCalls.Load(), "one failed attempt plus one retry")
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, "new-access-token", client.user.AccessToken)
	assert.Equal(t, "new-refresh-token", client.user.RefreshToken)
	assert.Equal(t, int32(1), saver.saves.Load(), "refresh persists the identity")
}

func TestDoAuthedTerminal401AfterRefresh(t *testing.T) {
	var apiCalls, refreshCalls atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, _ *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	mux.HandleFunc("POST /v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(testTokenJSON))
	})

	client, _, _ := newTestClient(t, mux)

	err := client.LoadInitializationSettings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// Exactly one refresh and one retry; no loop.
	assert.Equal(t, int32(2), apiCalls.Load())
	assert.Equal(t, int32(1), refreshCalls.Load())
}

func TestDoAuthedRefreshFailureIsTerminal(t *testing.T) {
	var refreshCalls atomic.Int32

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	// The refresh endpoint itself answering 401 must not trigger
	// another refresh.
	mux.HandleFunc("POST /v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, saver, _ := newTestClient(t, mux)

	err := client.LoadInitializationSettings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, int32(0), saver.saves.Load())
}

func TestDoAuthedForbidden(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	client, _, _ := newTestClient(t, mux)

	err := client.LoadInitializationSettings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestLoadInitializationSettings(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer old-access-token", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("User-Agent"), "Kobo Touch")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Resources": {
			"library_sync": "https://store.example/library",
			"content_access_book": "https://store.example/content/{ProductId}"
		}}`))
	})

	client, _, _ := newTestClient(t, mux)

	require.NoError(t, client.LoadInitializationSettings(context.Background()))

	u, err := client.endpoint("library_sync")
	require.NoError(t, err)
	assert.Equal(t, "https://store.example/library", u)

	_, err = client.endpoint("user_wishlist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestLoadInitializationSettingsEmptyResources(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/initialization", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"Resources": {}}`))
	})

	client, _, _ := newTestClient(t, mux)

	err := client.LoadInitializationSettings(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStripQueryParam(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		param string
		want  string
	}{
		{
			name:  "removes target param",
			in:    "https://cdn.example/file.epub?a=1&b=secret&c=3",
			param: "b",
			want:  "https://cdn.example/file.epub?a=1&c=3",
		},
		{
			name:  "absent param is a no-op",
			in:    "https://cdn.example/file.epub?a=1",
			param: "b",
			want:  "https://cdn.example/file.epub?a=1",
		},
		{
			name:  "no query string",
			in:    "https://cdn.example/file.epub",
			param: "b",
			want:  "https://cdn.example/file.epub",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stripQueryParam(tt.in, tt.param)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRandomHexString(t *testing.T) {
	a := randomHexString(64)
	b := randomHexString(64)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)

	for _, r := range a {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestTimeSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := timeSleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
