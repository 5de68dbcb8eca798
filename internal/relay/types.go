// Package relay implements the upload orchestration flow: token check,
// cloud attempt (simple or chunked by size and kind), a single
// refresh-and-retry cycle, and the local-disk fallback. Every request ends
// in exactly one terminal outcome.
package relay

import (
	"context"
	"errors"
)

// ErrNoCredentials reports that no persisted credential exists to
// authenticate from. Provider-specific sentinels wrap it so the HTTP layer
// can map the condition to 401 without knowing the provider.
var ErrNoCredentials = errors.New("no stored credentials")

// FileKind classifies the payload: CSV telemetry or session video.
type FileKind string

// Known file kinds. Anything the client does not label is treated as CSV,
// matching the upload endpoint's default.
const (
	KindCSV   FileKind = "csv"
	KindVideo FileKind = "video"
)

// KindFromString maps the request's file_type field to a FileKind.
func KindFromString(s string) FileKind {
	if s == string(KindVideo) {
		return KindVideo
	}

	return KindCSV
}

// Request is one upload, scoped to a single HTTP request. Not persisted.
type Request struct {
	VolunteerID string
	Filename    string
	Kind        FileKind
	Data        []byte
}

// Status tags the outcome variant.
type Status int

// Terminal states of the orchestrator. Exactly one per request.
const (
	CloudSuccess Status = iota
	LocalSuccess
	Failed
)

// Outcome is the tagged terminal result of one request.
type Outcome struct {
	Status   Status
	Location string // provider location label for CloudSuccess, "local" for LocalSuccess
	Path     string // absolute local path for LocalSuccess
	Reason   error  // populated for Failed
}

// Provider is the cloud-side capability the orchestrator drives. The two
// implementations are the OneDrive Graph provider and the Google Drive
// provider; tests substitute fakes that record exact call sequences.
type Provider interface {
	// Name identifies the provider in logs and the ledger.
	Name() string

	// HasCredentials reports whether an access token is present. When false
	// the orchestrator never attempts the cloud path.
	HasCredentials() bool

	// Upload ensures the remote folder path for the volunteer and writes
	// remoteName there, choosing simple or chunked transport by size and kind.
	Upload(ctx context.Context, volunteerID, remoteName string, kind FileKind, data []byte) error

	// Refresh exchanges the refresh token for a new access token, exactly
	// once per call. Called at most once per request.
	Refresh(ctx context.Context) error

	// LocalDir returns the fallback directory segments for a volunteer,
	// relative to the uploads root.
	LocalDir(volunteerID string) []string

	// Location returns the user-visible location label reported on cloud
	// success, e.g. "onedrive" or "Google Drive > GSR_Sessions > Volunteer_3".
	Location(volunteerID string) string

	// Principal returns the authenticated account name, probing connectivity.
	Principal(ctx context.Context) (string, error)

	// Reauthenticate discards cached credentials and re-runs the handshake
	// from the persisted credential file.
	Reauthenticate(ctx context.Context) error
}
