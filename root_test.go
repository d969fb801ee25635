package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/kobo-go/internal/config"
	"github.com/tonimelisma/kobo-go/internal/credstore"
)

func TestSelectUser(t *testing.T) {
	empty := &credstore.Store{}
	_, err := selectUser(empty, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user add")

	single := &credstore.Store{}
	single.Add(&credstore.User{Email: "only@example.com"})

	u, err := selectUser(single, "")
	require.NoError(t, err)
	assert.Equal(t, "only@example.com", u.Email)

	multi := &credstore.Store{}
	multi.Add(&credstore.User{Email: "a@example.com"})
	multi.Add(&credstore.User{Email: "b@example.com", UserKey: "key-b"})

	_, err = selectUser(multi, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user")

	u, err = selectUser(multi, "key-b")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", u.Email)

	_, err = selectUser(multi, "nobody")
	require.Error(t, err)
}

func TestBookDecorations(t *testing.T) {
	assert.Equal(t, "", bookDecorations(false, false))
	assert.Equal(t, " (audiobook)", bookDecorations(true, false))
	assert.Equal(t, " (audiobook) (archived)", bookDecorations(true, true))
}

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCmd()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"user", "book", "wishlist", "serve"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

// The ledger is opened per download run, not per session, so listing
// commands never touch it. openLedger itself is advisory and must
// degrade to nil rather than failing the command.
func TestOpenLedger(t *testing.T) {
	orig := resolvedCfg
	t.Cleanup(func() { resolvedCfg = orig })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	resolvedCfg = &config.Config{LedgerPath: filepath.Join(dir, "ledger.db")}
	led := openLedger(logger)
	require.NotNil(t, led)
	require.NoError(t, led.Close())

	// A regular file where the parent directory should be makes the
	// database unopenable; the command still proceeds without history.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	resolvedCfg = &config.Config{LedgerPath: filepath.Join(blocker, "ledger.db")}

	assert.Nil(t, openLedger(logger))
}
