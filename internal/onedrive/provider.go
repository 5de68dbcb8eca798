// Package onedrive adapts the Graph API client, credential store, and token
// refresher into the relay's Provider interface. Remote layout is
// <root_folder>/V<volunteer_id>/ under the authenticated user's own drive.
package onedrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gsrlab/uploadrelay/internal/credentials"
	"github.com/gsrlab/uploadrelay/internal/graph"
	"github.com/gsrlab/uploadrelay/internal/relay"
)

// ErrNoCredentials is returned by Reauthenticate when no credential file
// exists to resume from. Wraps relay.ErrNoCredentials so the HTTP layer can
// map it to 401.
var ErrNoCredentials = fmt.Errorf("onedrive: no credential file to resume from: %w", relay.ErrNoCredentials)

// Provider implements relay.Provider against Microsoft OneDrive.
type Provider struct {
	client     *graph.Client
	store      *credentials.Store
	refresher  *credentials.Refresher
	rootFolder string
	logger     *slog.Logger
}

// New wires a OneDrive provider. rootFolder is the top-level session folder
// under the drive root (default "KFUPM_GSR_Project").
func New(
	client *graph.Client,
	store *credentials.Store,
	refresher *credentials.Refresher,
	rootFolder string,
	logger *slog.Logger,
) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		client:     client,
		store:      store,
		refresher:  refresher,
		rootFolder: rootFolder,
		logger:     logger,
	}
}

// Name implements relay.Provider.
func (p *Provider) Name() string {
	return "onedrive"
}

// HasCredentials implements relay.Provider.
func (p *Provider) HasCredentials() bool {
	return p.store.HasToken()
}

// Upload ensures <root>/V<id>/ exists and uploads remoteName there. Video
// payloads and payloads at or above the 4 MiB threshold use an upload
// session. Empty payloads always go through the single-request path
// regardless of kind: an upload session with no byte ranges never
// finalizes an item, while a zero-byte PUT does.
func (p *Provider) Upload(ctx context.Context, volunteerID, remoteName string, kind relay.FileKind, data []byte) error {
	folderID, err := p.client.EnsureFolderPath(ctx, []string{p.rootFolder, "V" + volunteerID})
	if err != nil {
		return fmt.Errorf("onedrive: resolving volunteer folder: %w", err)
	}

	if len(data) > 0 && (kind == relay.KindVideo || len(data) >= graph.SimpleUploadMaxSize) {
		return p.client.ChunkedUpload(ctx, folderID, remoteName, data)
	}

	return p.client.SimpleUpload(ctx, folderID, remoteName, data)
}

// Refresh implements relay.Provider: one token exchange, no retry loop.
func (p *Provider) Refresh(ctx context.Context) error {
	return p.refresher.Refresh(ctx)
}

// LocalDir implements relay.Provider. OneDrive fallbacks land directly in
// V<id>/ under the uploads root.
func (p *Provider) LocalDir(volunteerID string) []string {
	return []string{"V" + volunteerID}
}

// Location implements relay.Provider.
func (p *Provider) Location(string) string {
	return "onedrive"
}

// Principal implements relay.Provider by probing /me.
func (p *Provider) Principal(ctx context.Context) (string, error) {
	user, err := p.client.Me(ctx)
	if err != nil {
		return "", err
	}

	return user.Principal, nil
}

// Reauthenticate discards the cached token, reloads the credential file, and
// re-runs the refresh handshake to prove the credentials still work.
func (p *Provider) Reauthenticate(ctx context.Context) error {
	p.store.Discard()

	if err := p.store.Load(); err != nil {
		return fmt.Errorf("onedrive: reloading credentials: %w", err)
	}

	if !p.store.HasToken() {
		return ErrNoCredentials
	}

	if err := p.refresher.Refresh(ctx); err != nil {
		// A record without a refresh token can still carry a live access
		// token; verify it before giving up.
		if errors.Is(err, credentials.ErrNoRefreshToken) {
			if _, meErr := p.Principal(ctx); meErr == nil {
				return nil
			}
		}

		return fmt.Errorf("onedrive: re-running handshake: %w", err)
	}

	return nil
}

var _ relay.Provider = (*Provider)(nil)
