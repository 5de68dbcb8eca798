// Package gdrive implements the relay's Provider interface against Google
// Drive. Remote layout is <root_folder>/Volunteer_<id>/ in the drive of the
// authenticated account. The Drive API is consumed through a narrow
// interface so tests can substitute a fake and assert exact call sequences.
package gdrive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/gsrlab/uploadrelay/internal/relay"
)

// ErrNoCredentials is returned when no Google credentials file is available.
// Wraps relay.ErrNoCredentials so the HTTP layer can map it to 401.
var ErrNoCredentials = fmt.Errorf("gdrive: no credentials file to resume from: %w", relay.ErrNoCredentials)

const folderMimeType = "application/vnd.google-apps.folder"

// API is the subset of the Drive v3 surface the provider needs.
type API interface {
	// FindFolder returns the ID of a folder named name under parentID, or
	// "" when no such folder exists.
	FindFolder(ctx context.Context, name, parentID string) (string, error)

	// CreateFolder creates a folder named name under parentID and returns
	// its ID.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// CreateFile uploads data as name under parentID with the given MIME
	// type and returns the file ID.
	CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (string, error)

	// CurrentUser returns the authenticated account's email address.
	CurrentUser(ctx context.Context) (string, error)
}

// driveAPI is the production API implementation over *drive.Service.
type driveAPI struct {
	svc *drive.Service
}

func (d *driveAPI) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false and '%s' in parents",
		escapeQuery(name), folderMimeType, parentID)

	r, err := d.svc.Files.List().
		Q(query).
		Spaces("drive").
		PageSize(1).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}

	if len(r.Files) == 0 {
		return "", nil
	}

	return r.Files[0].Id, nil
}

func (d *driveAPI) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	folder, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}

	return folder.Id, nil
}

func (d *driveAPI) CreateFile(ctx context.Context, name, parentID, mimeType string, data []byte) (string, error) {
	file, err := d.svc.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{parentID},
	}).
		Media(bytes.NewReader(data), googleapi.ContentType(mimeType)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}

	return file.Id, nil
}

func (d *driveAPI) CurrentUser(ctx context.Context) (string, error) {
	about, err := d.svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return "", err
	}

	if about.User == nil {
		return "", errors.New("gdrive: about response missing user")
	}

	return about.User.EmailAddress, nil
}

// escapeQuery escapes single quotes and backslashes for Drive query strings.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// Provider implements relay.Provider against Google Drive.
type Provider struct {
	credsPath  string
	rootFolder string
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	api API
}

// Option configures a Provider.
type Option func(*Provider)

// WithAPI injects a custom Drive API implementation (for testing).
func WithAPI(api API) Option {
	return func(p *Provider) {
		p.api = api
	}
}

// New creates a Google Drive provider. credsPath points at a service-account
// credentials JSON; the service is built eagerly when the file exists, and
// the provider runs in fallback-only mode otherwise.
func New(ctx context.Context, credsPath, rootFolder string, httpClient *http.Client, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		credsPath:  credsPath,
		rootFolder: rootFolder,
		httpClient: httpClient,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.api == nil {
		api, err := buildAPI(ctx, credsPath, httpClient)
		if err != nil && !errors.Is(err, ErrNoCredentials) {
			return nil, err
		}

		if err != nil {
			logger.Warn("google credentials unavailable, cloud uploads disabled",
				slog.String("path", credsPath),
			)
		}

		p.api = api
	}

	return p, nil
}

// buildAPI constructs the production Drive service from a service-account
// credentials file.
func buildAPI(ctx context.Context, credsPath string, httpClient *http.Client) (API, error) {
	b, err := os.ReadFile(credsPath)
	if err != nil {
		if os.IsNotExist(err) || credsPath == "" {
			return nil, ErrNoCredentials
		}

		return nil, fmt.Errorf("gdrive: reading credentials file: %w", err)
	}

	jwtCfg, err := google.JWTConfigFromJSON(b, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("gdrive: parsing credentials: %w", err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// Token exchanges run through the configured client too, so its timeout
	// ceiling bounds every outbound call.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	svc, err := drive.NewService(ctx, option.WithHTTPClient(boundedClient(jwtCfg.TokenSource(ctx), httpClient)))
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating drive service: %w", err)
	}

	return &driveAPI{svc: svc}, nil
}

// boundedClient layers the token source over the configured outbound client
// so Drive API calls inherit its transport and timeout.
func boundedClient(ts oauth2.TokenSource, base *http.Client) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
		Timeout:   base.Timeout,
	}
}

// Name implements relay.Provider.
func (p *Provider) Name() string {
	return "gdrive"
}

// HasCredentials implements relay.Provider.
func (p *Provider) HasCredentials() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.api != nil
}

// Upload ensures <root>/Volunteer_<id>/ exists and uploads remoteName there.
// The Drive client library handles chunking internally for large media, so
// size-based routing is the library's concern, not ours.
func (p *Provider) Upload(ctx context.Context, volunteerID, remoteName string, kind relay.FileKind, data []byte) error {
	api := p.currentAPI()
	if api == nil {
		return ErrNoCredentials
	}

	folderID, err := p.ensureFolders(ctx, api, volunteerID)
	if err != nil {
		return err
	}

	mimeType := "video/webm"
	if kind == relay.KindCSV {
		mimeType = "text/csv"
	}

	id, err := api.CreateFile(ctx, remoteName, folderID, mimeType, data)
	if err != nil {
		return fmt.Errorf("gdrive: uploading %s: %w", remoteName, err)
	}

	p.logger.Info("file uploaded to google drive",
		slog.String("name", remoteName),
		slog.String("file_id", id),
	)

	return nil
}

// ensureFolders resolves root_folder/Volunteer_<id>, creating missing levels.
func (p *Provider) ensureFolders(ctx context.Context, api API, volunteerID string) (string, error) {
	rootID, err := p.ensureFolder(ctx, api, p.rootFolder, "root")
	if err != nil {
		return "", err
	}

	return p.ensureFolder(ctx, api, "Volunteer_"+volunteerID, rootID)
}

// ensureFolder looks a folder up by name under parentID and creates it on a
// miss. Any lookup error other than "absent" aborts.
func (p *Provider) ensureFolder(ctx context.Context, api API, name, parentID string) (string, error) {
	id, err := api.FindFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("gdrive: looking up folder %q: %w", name, err)
	}

	if id != "" {
		return id, nil
	}

	id, err = api.CreateFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("gdrive: creating folder %q: %w", name, err)
	}

	p.logger.Info("folder created", slog.String("name", name), slog.String("id", id))

	return id, nil
}

// Refresh implements relay.Provider. Service-account tokens are minted per
// request by the JWT token source, so the refresh cycle rebuilds the service
// from the credentials file instead.
func (p *Provider) Refresh(ctx context.Context) error {
	return p.Reauthenticate(ctx)
}

// LocalDir implements relay.Provider. Google Drive fallbacks mirror the
// remote layout under the uploads root.
func (p *Provider) LocalDir(volunteerID string) []string {
	return []string{p.rootFolder, "Volunteer_" + volunteerID}
}

// Location implements relay.Provider.
func (p *Provider) Location(volunteerID string) string {
	return "Google Drive > " + p.rootFolder + " > Volunteer_" + volunteerID
}

// Principal implements relay.Provider.
func (p *Provider) Principal(ctx context.Context) (string, error) {
	api := p.currentAPI()
	if api == nil {
		return "", ErrNoCredentials
	}

	return api.CurrentUser(ctx)
}

// Reauthenticate rebuilds the Drive service from the credentials file.
func (p *Provider) Reauthenticate(ctx context.Context) error {
	api, err := buildAPI(ctx, p.credsPath, p.httpClient)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.api = api
	p.mu.Unlock()

	// Prove the credentials work before reporting success.
	if _, err := api.CurrentUser(ctx); err != nil {
		return fmt.Errorf("gdrive: verifying credentials: %w", err)
	}

	return nil
}

func (p *Provider) currentAPI() API {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.api
}

var _ relay.Provider = (*Provider)(nil)
