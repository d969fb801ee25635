// Package webui serves a thin JSON front end over the same operations
// the CLI exposes: account activation, library listing, and downloads.
// No rendering happens here; a static page or any HTTP client can
// drive it.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/kobo-go/internal/actions"
	"github.com/tonimelisma/kobo-go/internal/credstore"
	"github.com/tonimelisma/kobo-go/internal/kobo"
	"github.com/tonimelisma/kobo-go/internal/ledger"
)

// activationTimeout bounds how long the websocket will wait for the
// user to finish activating in their browser.
const activationTimeout = 10 * time.Minute

// Server is the web front end. One instance serves all users in the
// credential store.
type Server struct {
	store        *credstore.Store
	outputDir    string
	formatString string
	httpClient   *http.Client
	remover      kobo.DrmRemover
	ledger       *ledger.Ledger
	logger       *slog.Logger

	// storeURL and authURL default to the production endpoints; tests
	// point them at a local server.
	storeURL string
	authURL  string

	// sleepFunc, when non-nil, replaces the activation poll wait on
	// clients this server builds. Tests stub it out.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// newKoboClient builds a protocol client for one user, applying the
// server's endpoint and sleep overrides.
func (s *Server) newKoboClient(user *credstore.User, saver kobo.Saver) *kobo.Client {
	client := kobo.NewClient(s.storeURL, s.authURL, s.httpClient, user, saver, s.logger)
	client.SetSleepFunc(s.sleepFunc)

	return client
}

// New creates a web UI server.
func New(store *credstore.Store, outputDir, formatString string, httpClient *http.Client, remover kobo.DrmRemover, led *ledger.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:        store,
		outputDir:    outputDir,
		formatString: formatString,
		httpClient:   httpClient,
		remover:      remover,
		ledger:       led,
		logger:       logger,
		storeURL:     kobo.DefaultStoreURL,
		authURL:      kobo.DefaultAuthURL,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/users", s.handleListUsers)
	mux.HandleFunc("POST /api/users", s.handleInitiateActivation)
	mux.HandleFunc("GET /api/users/activate", s.handleActivationSocket)
	mux.HandleFunc("DELETE /api/users/{id}", s.handleRemoveUser)
	mux.HandleFunc("GET /api/users/{id}/books", s.handleListBooks)
	mux.HandleFunc("POST /api/users/{id}/books/{productID}", s.handleDownload)

	return mux
}

// userView is the externally visible slice of a user record. Tokens
// never leave the process.
type userView struct {
	Email    string `json:"email"`
	UserKey  string `json:"userKey"`
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.store.Users()

	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{Email: u.Email, UserKey: u.UserKey, DeviceID: u.DeviceID})
	}

	writeJSON(w, http.StatusOK, views)
}

// handleInitiateActivation starts the web-activation flow and returns
// the code the user must enter plus the URL the websocket needs to
// poll.
func (s *Server) handleInitiateActivation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	user := &credstore.User{Email: req.Email}
	client := s.newKoboClient(user, nil)

	act, err := client.ActivateOnWeb(r.Context())
	if err != nil {
		s.logger.Warn("activation initiation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"email":           req.Email,
		"activation_code": act.Code,
		"activation_url":  "https://www.kobo.com/activate",
		"check_url":       act.CheckURL,
	})
}

// activationEvent is pushed over the websocket when the flow settles.
type activationEvent struct {
	Status string `json:"status"`
	Email  string `json:"email,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleActivationSocket upgrades to a websocket, polls the activation
// endpoint server-side, and pushes completion to the browser, so no
// client-side polling loop needed.
func (s *Server) handleActivationSocket(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	checkURL := r.URL.Query().Get("check_url")

	if email == "" || checkURL == "" {
		writeError(w, http.StatusBadRequest, "email and check_url are required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(r.Context(), activationTimeout)
	defer cancel()

	user := &credstore.User{Email: email}
	client := s.newKoboClient(user, nil)

	userEmail, userID, userKey, err := client.WaitForActivation(ctx, checkURL)
	if err != nil {
		_ = wsjson.Write(ctx, conn, activationEvent{Status: "failed", Error: err.Error()})
		return
	}

	if userEmail != "" {
		user.Email = userEmail
	}

	user.UserID = userID

	if err := client.AuthenticateDevice(ctx, userKey); err != nil {
		_ = wsjson.Write(ctx, conn, activationEvent{Status: "failed", Error: err.Error()})
		return
	}

	s.store.Add(user)

	if err := s.store.Save(); err != nil {
		_ = wsjson.Write(ctx, conn, activationEvent{Status: "failed", Error: err.Error()})
		return
	}

	_ = wsjson.Write(ctx, conn, activationEvent{Status: "complete", Email: user.Email})
	conn.Close(websocket.StatusNormalClosure, "activation complete")
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	removed := s.store.Remove(r.PathValue("id"))
	if removed == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}

	if err := s.store.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"removed": removed.Email})
}

// bookView is one library row in API responses.
type bookView struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Audiobook bool   `json:"audiobook"`
	Archived  bool   `json:"archived"`
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	books, err := actions.ListBooks(r.Context(), session.Client, false)
	if err != nil {
		s.writeKoboError(w, err)
		return
	}

	views := make([]bookView, 0, len(books))
	for i := range books {
		views = append(views, bookView{
			ProductID: books[i].ProductID,
			Title:     books[i].Title,
			Author:    books[i].Author,
			Audiobook: books[i].Type == kobo.TypeAudiobook,
			Archived:  books[i].Archived,
		})
	}

	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results, err := actions.DownloadBooks(r.Context(), session, actions.DownloadOptions{
		OutputDir:    s.outputDir,
		FormatString: s.formatString,
		ProductID:    r.PathValue("productID"),
	})
	if err != nil {
		s.writeKoboError(w, err)
		return
	}

	if len(results) == 0 {
		writeError(w, http.StatusNotFound, "product not in library")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"path":    results[0].Path,
		"outcome": results[0].Outcome.String(),
	})
}

// sessionFor resolves the user in the request path and opens a session.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*actions.Session, bool) {
	user := s.store.Get(r.PathValue("id"))
	if user == nil {
		writeError(w, http.StatusNotFound, "no such user")
		return nil, false
	}

	client := s.newKoboClient(user, s.store)

	if err := client.LoadInitializationSettings(r.Context()); err != nil {
		s.writeKoboError(w, err)
		return nil, false
	}

	return &actions.Session{
		Client:  client,
		Remover: s.remover,
		Ledger:  s.ledger,
		Logger:  s.logger,
	}, true
}

// writeKoboError maps protocol sentinels to HTTP statuses.
func (s *Server) writeKoboError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, kobo.ErrNotAuthenticated), errors.Is(err, kobo.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, kobo.ErrContentUnavailable):
		status = http.StatusNotFound
	}

	s.logger.Warn("api request failed", slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
