// Package tokenfile handles reading and writing the persisted credential
// record: a flat JSON file holding the OAuth access token, optional refresh
// token, and the time it was saved. This is a leaf package imported by both
// the providers and the CLI so neither depends on the other for credential
// persistence.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// Record is the on-disk credential format. It is deliberately flat so the
// same file can be written by the login command and consumed at serve start.
// Timestamp is stamped on every save.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Token converts the record into an oauth2.Token. Expiry is derived from
// Timestamp + ExpiresIn when both are present; a zero Expiry means the
// token's lifetime is unknown and it is treated as live until rejected.
func (r *Record) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}

	if r.ExpiresIn > 0 && !r.Timestamp.IsZero() {
		tok.Expiry = r.Timestamp.Add(time.Duration(r.ExpiresIn) * time.Second)
	}

	return tok
}

// FromToken builds a record from an oauth2.Token. The caller's refresh token
// is preserved when the new token omits one — Microsoft's token endpoint does
// not always return a rotated refresh token.
func FromToken(tok *oauth2.Token, prevRefresh string) *Record {
	rec := &Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}

	if rec.RefreshToken == "" {
		rec.RefreshToken = prevRefresh
	}

	if !tok.Expiry.IsZero() {
		secs := int64(time.Until(tok.Expiry).Seconds())
		if secs > 0 {
			rec.ExpiresIn = secs
		}
	}

	return rec
}

// Load reads the credential record from disk. Fails softly: a missing or
// malformed file returns (nil, nil) so callers fall through to the
// no-credential path instead of refusing to start.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Malformed record is treated the same as absent.
		return nil, nil //nolint:nilnil // soft failure per the store contract
	}

	if rec.AccessToken == "" {
		return nil, nil //nolint:nilnil // record without a token is useless
	}

	return &rec, nil
}

// Save writes the credential record to disk atomically (write-to-temp +
// rename) with 0600 permissions, stamping the current time. Never logs
// token values. Last write wins — concurrent savers are not serialized.
func Save(path string, rec *Record) error {
	rec.Timestamp = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial credential file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credential file. Returns nil if it does not exist.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
