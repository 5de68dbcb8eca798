package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsrlab/uploadrelay/internal/events"
	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/localstore"
	"github.com/gsrlab/uploadrelay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider scripts cloud behavior per test.
type fakeProvider struct {
	hasCreds      bool
	uploadErr     error
	afterRefresh  error // upload error after a successful refresh
	refreshErr    error
	refreshCalls  int
	uploadCalls   int
	principal     string
	principalErr  error
	reauthErr     error
	uploadedNames []string
}

func (f *fakeProvider) Name() string         { return "onedrive" }
func (f *fakeProvider) HasCredentials() bool { return f.hasCreds }

func (f *fakeProvider) Upload(_ context.Context, _, remoteName string, _ relay.FileKind, _ []byte) error {
	f.uploadCalls++

	if f.refreshCalls > 0 && f.refreshErr == nil {
		if f.afterRefresh == nil {
			f.uploadedNames = append(f.uploadedNames, remoteName)
		}

		return f.afterRefresh
	}

	if f.uploadErr == nil {
		f.uploadedNames = append(f.uploadedNames, remoteName)
	}

	return f.uploadErr
}

func (f *fakeProvider) Refresh(context.Context) error {
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeProvider) LocalDir(volunteerID string) []string { return []string{"V" + volunteerID} }
func (f *fakeProvider) Location(string) string               { return "onedrive" }

func (f *fakeProvider) Principal(context.Context) (string, error) {
	return f.principal, f.principalErr
}

func (f *fakeProvider) Reauthenticate(context.Context) error { return f.reauthErr }

type fixture struct {
	handler  http.Handler
	provider *fakeProvider
	hub      *events.Hub
	ledger   *ledger.Store
	root     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := testLogger()
	root := t.TempDir()

	ldg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { ldg.Close() })

	provider := &fakeProvider{hasCreds: true, principal: "volunteer-lab@example.com"}
	hub := events.NewHub(logger)
	orch := relay.NewOrchestrator(provider, localstore.New(root, logger), ldg, hub, logger)
	srv := New("127.0.0.1:0", orch, ldg, hub, logger)

	return &fixture{
		handler:  srv.Handler(),
		provider: provider,
		hub:      hub,
		ledger:   ldg,
		root:     root,
	}
}

func (fx *fixture) postUpload(t *testing.T, body map[string]string) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()

	b, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	return rec, resp
}

func uploadBody(data []byte) map[string]string {
	return map[string]string{
		"volunteer_id": "3",
		"filename":     "V3_GSR.csv",
		"file_data":    base64.StdEncoding.EncodeToString(data),
	}
}

func TestUploadCloudSuccess(t *testing.T) {
	fx := newFixture(t)

	rec, resp := fx.postUpload(t, uploadBody([]byte("a,b\n1,2")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "onedrive", resp.Location)
	assert.Equal(t, "V3_GSR.csv", resp.File)
	assert.Equal(t, "3", resp.VolunteerID)
	assert.Zero(t, fx.provider.refreshCalls)

	// Remote name is the timestamped variant of the original.
	require.Len(t, fx.provider.uploadedNames, 1)
	assert.Contains(t, fx.provider.uploadedNames[0], "V3_GSR_")
}

func TestUploadNoCredentialsFallsBackLocal(t *testing.T) {
	fx := newFixture(t)
	fx.provider.hasCreds = false

	rec, resp := fx.postUpload(t, uploadBody([]byte("a,b\n1,2")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "local", resp.Location)

	// Cloud path never attempted without a token.
	assert.Zero(t, fx.provider.uploadCalls)
	assert.Zero(t, fx.provider.refreshCalls)

	// Original filename preserved on disk.
	data, err := os.ReadFile(filepath.Join(fx.root, "V3", "V3_GSR.csv"))
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2"), data)
}

func TestUploadRefreshThenRetrySucceeds(t *testing.T) {
	fx := newFixture(t)
	fx.provider.uploadErr = errors.New("401 unauthorized")
	fx.provider.afterRefresh = nil

	rec, resp := fx.postUpload(t, uploadBody([]byte("a,b\n1,2")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "onedrive", resp.Location)
	assert.Equal(t, 1, fx.provider.refreshCalls)
	assert.Equal(t, 2, fx.provider.uploadCalls)
}

func TestUploadRefreshFailsFallsBackLocal(t *testing.T) {
	fx := newFixture(t)
	fx.provider.uploadErr = errors.New("401 unauthorized")
	fx.provider.refreshErr = errors.New("invalid_grant")

	rec, resp := fx.postUpload(t, uploadBody([]byte("a,b\n1,2")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "local", resp.Location)
	assert.Equal(t, 1, fx.provider.refreshCalls)

	// Fallback file queued for retry.
	pending, err := fx.ledger.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "V3_GSR.csv", pending[0].Filename)
}

func TestUploadMissingFields(t *testing.T) {
	fx := newFixture(t)

	body := uploadBody([]byte("x"))
	delete(body, "filename")

	rec, resp := fx.postUpload(t, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Missing required fields", resp.Error)

	// No side effects: nothing uploaded, nothing on disk, nothing queued.
	assert.Zero(t, fx.provider.uploadCalls)

	entries, err := os.ReadDir(fx.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadUndecodableBase64(t *testing.T) {
	fx := newFixture(t)

	body := uploadBody(nil)
	body["file_data"] = "%%% not base64 %%%"

	rec, resp := fx.postUpload(t, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Failed to decode file data", resp.Error)
	assert.Zero(t, fx.provider.uploadCalls)
}

func TestUploadRejectsPathTraversal(t *testing.T) {
	fx := newFixture(t)

	cases := map[string]map[string]string{
		"filename escapes root":     uploadBody([]byte("x")),
		"filename backslash":        uploadBody([]byte("x")),
		"filename parent reference": uploadBody([]byte("x")),
		"volunteer id escapes root": uploadBody([]byte("x")),
	}
	cases["filename escapes root"]["filename"] = "../../etc/passwd"
	cases["filename backslash"]["filename"] = `..\..\x.csv`
	cases["filename parent reference"]["filename"] = ".."
	cases["volunteer id escapes root"]["volunteer_id"] = "../3"

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, resp := fx.postUpload(t, body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, "Invalid filename", resp.Error)
		})
	}

	// Nothing reached the cloud path or the uploads root.
	assert.Zero(t, fx.provider.uploadCalls)

	entries, err := os.ReadDir(fx.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadMalformedJSON(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadBothPathsFail(t *testing.T) {
	logger := testLogger()

	// Point local storage at a path that cannot be created.
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("file, not a dir"), 0o644))

	provider := &fakeProvider{hasCreds: false}
	orch := relay.NewOrchestrator(provider, localstore.New(blocked, logger), nil, nil, logger)
	srv := New("127.0.0.1:0", orch, nil, nil, logger)

	b, err := json.Marshal(uploadBody([]byte("x")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "both failed")
}

func TestVideoKindRoutedFromFileType(t *testing.T) {
	fx := newFixture(t)

	body := uploadBody([]byte("webm bytes"))
	body["filename"] = "session.webm"
	body["file_type"] = "video"

	rec, _ := fx.postUpload(t, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, fx.provider.uploadedNames, 1)
	assert.Contains(t, fx.provider.uploadedNames[0], "session_")
}

func TestStatusConnected(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Connected)
	assert.Equal(t, "volunteer-lab@example.com", resp.User)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestStatusNoToken(t *testing.T) {
	fx := newFixture(t)
	fx.provider.hasCreds = false

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Connected)
}

func TestStatusProbeFails(t *testing.T) {
	fx := newFixture(t)
	fx.provider.principalErr = errors.New("network unreachable")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "onedrive", resp.Provider)
	assert.True(t, resp.CloudConnected)
}

func TestAuthenticateSuccess(t *testing.T) {
	fx := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/authenticate", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
}

func TestAuthenticateNoCredentials(t *testing.T) {
	fx := newFixture(t)
	fx.provider.reauthErr = relay.ErrNoCredentials

	req := httptest.NewRequest(http.MethodPost, "/api/authenticate", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventsStream(t *testing.T) {
	fx := newFixture(t)

	ts := httptest.NewServer(fx.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/api/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool {
		return fx.hub.Subscribers() == 1
	}, 5*time.Second, 10*time.Millisecond)

	fx.hub.Publish(events.Event{
		Type:        "upload",
		VolunteerID: "3",
		File:        "V3_GSR.csv",
		Location:    "onedrive",
		Success:     true,
	})

	var ev events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "upload", ev.Type)
	assert.Equal(t, "V3_GSR.csv", ev.File)
	assert.True(t, ev.Success)
}
