package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/gsrlab/uploadrelay/internal/tokenfile"
)

// Microsoft public client used for personal-account OneDrive access.
const defaultClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"

// Tenant for personal Microsoft accounts.
const defaultTenant = "consumers"

var defaultScopes = []string{
	"Files.ReadWrite",
	"offline_access",
}

// ErrNoRefreshToken is returned when a refresh is requested but the store
// holds no refresh token.
var ErrNoRefreshToken = errors.New("credentials: no refresh token available")

// Refresher exchanges the stored refresh token for a new access token at the
// OAuth token endpoint and updates the store on success. Refreshes from
// concurrent request handlers are serialized by a mutex so two handlers
// cannot burn the same refresh token at once.
type Refresher struct {
	store  *Store
	cfg    *oauth2.Config
	client *http.Client
	logger *slog.Logger

	mu sync.Mutex
}

// NewRefresher creates a refresher against the Microsoft token endpoint for
// personal accounts. httpClient bounds the exchange; nil uses a 30s default.
func NewRefresher(store *Store, httpClient *http.Client, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Refresher{
		store: store,
		cfg: &oauth2.Config{
			ClientID: defaultClientID,
			Scopes:   defaultScopes,
			Endpoint: microsoft.AzureADEndpoint(defaultTenant),
		},
		client: httpClient,
		logger: logger,
	}
}

// Refresh performs exactly one token exchange. There is no backoff and no
// retry loop: if the refreshed token still fails to upload, the orchestrator
// proceeds to local fallback rather than refreshing again.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.store.Record()
	if rec == nil || rec.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	r.logger.Info("refreshing access token")

	// Force the exchange through our bounded HTTP client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		r.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return fmt.Errorf("credentials: refreshing token: %w", err)
	}

	if err := r.store.Set(tokenfile.FromToken(tok, rec.RefreshToken)); err != nil {
		return fmt.Errorf("credentials: persisting refreshed token: %w", err)
	}

	r.logger.Info("access token refreshed", slog.Time("expiry", tok.Expiry))

	return nil
}
