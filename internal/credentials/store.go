// Package credentials holds the in-process credential state for the cloud
// providers: an explicit store object loaded from the persisted token record
// (no hidden globals — the store is injected into every consumer), and a
// refresher that exchanges the refresh token exactly once per failed upload
// attempt.
package credentials

import (
	"log/slog"
	"sync"

	"github.com/gsrlab/uploadrelay/internal/graph"
	"github.com/gsrlab/uploadrelay/internal/tokenfile"
)

// Store owns the current credential record for one provider. The record is
// loaded from disk at startup, replaced in memory and on disk after a
// refresh, and can be discarded and reloaded by the authenticate endpoint.
// The mutex protects the in-memory record; concurrent disk saves are
// last-write-wins, as documented on tokenfile.Save.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.Mutex
	rec *tokenfile.Record
}

// NewStore creates a store bound to the given credential file path.
// Call Load before first use.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{path: path, logger: logger}
}

// Load (re)reads the credential record from disk. A missing or malformed
// file leaves the store empty without error — the relay then runs in
// local-fallback-only mode until a login or authenticate succeeds.
func (s *Store) Load() error {
	rec, err := tokenfile.Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	if rec == nil {
		s.logger.Warn("no credential record found, cloud uploads disabled",
			slog.String("path", s.path),
		)

		return nil
	}

	s.logger.Info("credential record loaded",
		slog.String("path", s.path),
		slog.Time("saved_at", rec.Timestamp),
	)

	return nil
}

// HasToken reports whether an access token is currently held.
func (s *Store) HasToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rec != nil && s.rec.AccessToken != ""
}

// Token implements graph.TokenSource.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil || s.rec.AccessToken == "" {
		return "", graph.ErrNoToken
	}

	return s.rec.AccessToken, nil
}

// Record returns a copy of the current record, or nil if none is held.
func (s *Store) Record() *tokenfile.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec == nil {
		return nil
	}

	cp := *s.rec

	return &cp
}

// Set replaces the in-memory record and persists it, stamping the save time.
func (s *Store) Set(rec *tokenfile.Record) error {
	if err := tokenfile.Save(s.path, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()

	return nil
}

// Discard drops the in-memory record without touching the file. Used by the
// authenticate endpoint before re-running the handshake from disk.
func (s *Store) Discard() {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}
