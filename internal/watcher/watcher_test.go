package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/localstore"
	"github.com/gsrlab/uploadrelay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider succeeds or fails uploads on command.
type fakeProvider struct {
	uploads  []string
	fail     bool
	refreshN int
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) HasCredentials() bool { return true }

func (f *fakeProvider) Upload(_ context.Context, _, remoteName string, _ relay.FileKind, _ []byte) error {
	if f.fail {
		return errors.New("cloud down")
	}

	f.uploads = append(f.uploads, remoteName)

	return nil
}

func (f *fakeProvider) Refresh(context.Context) error {
	f.refreshN++
	return errors.New("refresh unavailable")
}

func (f *fakeProvider) LocalDir(volunteerID string) []string { return []string{"V" + volunteerID} }
func (f *fakeProvider) Location(string) string               { return "cloud" }
func (f *fakeProvider) Principal(context.Context) (string, error) {
	return "tester@example.com", nil
}
func (f *fakeProvider) Reauthenticate(context.Context) error { return nil }

type fixture struct {
	watcher  *Watcher
	ledger   *ledger.Store
	provider *fakeProvider
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	logger := testLogger()

	ldg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ldg.Close() })

	provider := &fakeProvider{}
	orch := relay.NewOrchestrator(provider, localstore.New(root, logger), ldg, nil, logger)

	return &fixture{
		watcher:  New(orch, ldg, root, time.Minute, logger),
		ledger:   ldg,
		provider: provider,
		root:     root,
	}
}

// queueFile writes a fallback file to disk and its pending row.
func (fx *fixture) queueFile(t *testing.T, volunteerID, filename string, data []byte) string {
	t.Helper()

	dir := filepath.Join(fx.root, "V"+volunteerID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, fx.ledger.AddPending(context.Background(), ledger.Pending{
		VolunteerID: volunteerID,
		Filename:    filename,
		LocalPath:   path,
		Kind:        "csv",
	}))

	return path
}

func TestDrainUploadsAndCleansUp(t *testing.T) {
	fx := newFixture(t)
	path := fx.queueFile(t, "3", "session.csv", []byte("a,b\n"))

	fx.watcher.Drain(context.Background())

	require.Len(t, fx.provider.uploads, 1)
	assert.Contains(t, fx.provider.uploads[0], "session")

	// File removed from disk and queue once it reached the cloud.
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	pending, err := fx.ledger.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainKeepsFailedUploadsQueued(t *testing.T) {
	fx := newFixture(t)
	path := fx.queueFile(t, "3", "session.csv", []byte("a,b\n"))
	fx.provider.fail = true

	fx.watcher.Drain(context.Background())

	// File stays on disk, row stays queued with a bumped attempt count.
	_, err := os.Stat(path)
	require.NoError(t, err)

	pending, err := fx.ledger.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	// A later pass with the cloud back up drains it.
	fx.provider.fail = false
	fx.watcher.Drain(context.Background())

	pending, err = fx.ledger.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainDropsMissingFiles(t *testing.T) {
	fx := newFixture(t)
	path := fx.queueFile(t, "5", "gone.csv", []byte("x"))
	require.NoError(t, os.Remove(path))

	fx.watcher.Drain(context.Background())

	// Nothing uploaded, row dropped.
	assert.Empty(t, fx.provider.uploads)

	pending, err := fx.ledger.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOldestFirst(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.ledger.AddPending(context.Background(), ledger.Pending{
		VolunteerID: "1", Filename: "b.csv",
		LocalPath: fx.queuePath(t, "1", "b.csv"),
		Kind:      "csv", CreatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, fx.ledger.AddPending(context.Background(), ledger.Pending{
		VolunteerID: "1", Filename: "a.csv",
		LocalPath: fx.queuePath(t, "1", "a.csv"),
		Kind:      "csv", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	fx.watcher.Drain(context.Background())

	require.Len(t, fx.provider.uploads, 2)
	assert.Contains(t, fx.provider.uploads[0], "a")
	assert.Contains(t, fx.provider.uploads[1], "b")
}

// queuePath writes a fallback file and returns its path without queueing it.
func (fx *fixture) queuePath(t *testing.T, volunteerID, filename string) string {
	t.Helper()

	dir := filepath.Join(fx.root, "V"+volunteerID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	return path
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fx.watcher.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
