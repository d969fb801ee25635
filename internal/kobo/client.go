package kobo

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/kobo-go/internal/credstore"
)

// Device identity constants. The client presents itself as a Kobo
// e-reader; the storefront rejects unknown device profiles.
const (
	affiliate          = "Kobo"
	applicationVersion = "4.38.23171"
	defaultPlatformID  = "00000000-0000-0000-0000-000000000373"
	displayProfile     = "Android"
	deviceOs           = "3.0.35+"
	deviceOsVersion    = "NA"
	userAgent          = "Mozilla/5.0 (Linux; U; Android 2.0; en-us;) AppleWebKit/538.1 (KHTML, like Gecko) Version/4.0 Mobile Safari/538.1 (Kobo Touch 0373/4.38.23171)"
)

// Default production endpoints. Tests point these at httptest servers.
const (
	DefaultStoreURL = "https://storeapi.kobo.com"
	DefaultAuthURL  = "https://auth.kobobooks.com"
)

// Saver persists the user's identity after a credential mutation.
// The credential store provides the real implementation; defined at the
// consumer per Go convention "accept interfaces, return structs".
type Saver interface {
	Save() error
}

// Client is an authenticated storefront protocol client bound to one
// user. It handles request construction, bearer authentication,
// transparent token refresh on 401, and error classification.
//
// The vendor session and token pair are shared state: concurrent use is
// supported only insofar as token refresh is serialized through a
// single-flight group so two racing 401s cannot invalidate each other's
// new tokens.
type Client struct {
	storeURL   string
	authURL    string
	httpClient *http.Client
	user       *credstore.User
	saver      Saver
	logger     *slog.Logger

	// downloadClient streams content bodies. Defaults to httpClient;
	// callers may install one without a whole-request timeout so large
	// audiobooks are not cut off mid-stream.
	downloadClient *http.Client

	refreshGroup singleflight.Group

	// resources maps endpoint names to URLs, loaded from the
	// initialization endpoint after authentication.
	resources map[string]string

	// sleepFunc is called between activation polls. Defaults to
	// timeSleep. Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a storefront client for the given user.
// storeURL and authURL are typically DefaultStoreURL and DefaultAuthURL.
func NewClient(storeURL, authURL string, httpClient *http.Client, user *credstore.User, saver Saver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		storeURL:       storeURL,
		authURL:        authURL,
		httpClient:     httpClient,
		downloadClient: httpClient,
		user:           user,
		saver:          saver,
		logger:         logger,
		sleepFunc:      timeSleep,
	}
}

// SetDownloadClient installs a dedicated HTTP client for content
// streaming. Useful when the API client carries a whole-request timeout
// that would abort long downloads.
func (c *Client) SetDownloadClient(hc *http.Client) {
	if hc != nil {
		c.downloadClient = hc
	}
}

// SetSleepFunc replaces the wait between activation polls. Tests use
// this to run the poll loop without real delays.
func (c *Client) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	if fn != nil {
		c.sleepFunc = fn
	}
}

// User returns the identity this client operates on.
func (c *Client) User() *credstore.User {
	return c.user
}

// doAuthed executes an authenticated request. On a 401 response it
// performs exactly one token refresh and one retry with the new bearer
// token; the retried request is not eligible for another refresh, so a
// broken refresh token surfaces as a terminal error rather than a loop.
//
// build is called once per attempt so retried requests get a fresh body
// and the refreshed Authorization header.
func (c *Client) doAuthed(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := c.doOnce(ctx, build)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return checkResponse(resp)
	}

	// Consume and release the original connection before retrying.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.logger.Info("refreshing expired authentication token")

	if err := c.refreshOnce(ctx); err != nil {
		return nil, err
	}

	resp, err = c.doOnce(ctx, build)
	if err != nil {
		return nil, err
	}

	return checkResponse(resp)
}

// doOnce executes a single authenticated request (no retry).
func (c *Client) doOnce(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}

	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.user.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("kobo: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("kobo: %s %s: %w", req.Method, req.URL.Path, err)
	}

	return resp, nil
}

// refreshOnce serializes concurrent refresh attempts: when two requests
// hit 401 at the same time, only one refresh runs and both retries use
// its result.
func (c *Client) refreshOnce(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.RefreshAuthentication(ctx)
	})

	return err
}

// checkResponse passes 2xx responses through and converts everything
// else into an APIError. The caller is responsible for closing the
// body on success.
func checkResponse(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// classifyStatus maps terminal HTTP failures to sentinels. A 401 that
// survives the refresh retry means the stored identity is no longer
// valid and the caller must reauthenticate.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrNotAuthenticated
	case http.StatusForbidden:
		return ErrAuth
	default:
		return ErrProtocol
	}
}

// LoadInitializationSettings fetches the endpoint resource map. Must be
// called after authentication and before any library, content, or
// wishlist operation.
func (c *Client) LoadInitializationSettings(ctx context.Context) error {
	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.storeURL+"/v1/initialization", http.NoBody)
	})
	if err != nil {
		return fmt.Errorf("kobo: loading initialization settings: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Resources map[string]string `json:"Resources"`
	}
	if err := decodeJSON(resp.Body, &parsed); err != nil {
		return fmt.Errorf("kobo: decoding initialization settings: %w", err)
	}

	if len(parsed.Resources) == 0 {
		return fmt.Errorf("%w: initialization response has no resources", ErrProtocol)
	}

	c.resources = parsed.Resources

	c.logger.Debug("initialization settings loaded",
		slog.Int("resources", len(parsed.Resources)),
	)

	return nil
}

// endpoint resolves a named endpoint from the initialization settings.
func (c *Client) endpoint(name string) (string, error) {
	u, ok := c.resources[name]
	if !ok || u == "" {
		return "", fmt.Errorf("%w: initialization settings missing endpoint %q", ErrProtocol, name)
	}

	return u, nil
}

// persist saves the identity after a credential mutation. A nil saver
// is allowed for callers that manage persistence themselves.
func (c *Client) persist() error {
	if c.saver == nil {
		return nil
	}

	return c.saver.Save()
}

// randomHexString returns n lowercase random hex digits from a
// cryptographic source, used for device identifiers.
func randomHexString(n int) string {
	const digits = "0123456789abcdef"

	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("kobo: reading random bytes: %v", err))
	}

	for i := range b {
		b[i] = digits[int(b[i])%len(digits)]
	}

	return string(b)
}

// stripQueryParam removes a single query parameter from a URL without
// disturbing other parameters or structural components.
func stripQueryParam(rawURL, param string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("kobo: parsing download URL: %w", err)
	}

	q := parsed.Query()
	q.Del(param)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// readAllString drains a response body into a string.
func readAllString(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// decodeJSON decodes a response body into v with a descriptive error.
func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding JSON body: %v", ErrProtocol, err)
	}

	return nil
}

// timeSleep waits for the given duration or until the context is
// canceled. It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
