package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/gsrlab/uploadrelay/internal/tokenfile"
)

// newDeviceEndpoint fakes the device authorization and token endpoints for
// a flow that authorizes on the first poll.
func newDeviceEndpoint(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /devicecode", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"device_code": "dev-1",
			"user_code": "ABCD-1234",
			"verification_uri": "https://example.com/devicelogin",
			"expires_in": 900,
			"interval": 1
		}`))
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "dev-1", r.Form.Get("device_code"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-device","refresh_token":"rt-device","token_type":"Bearer","expires_in":3600}`))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

func TestDoLoginSavesTokens(t *testing.T) {
	ts := newDeviceEndpoint(t)
	tokenPath := filepath.Join(t.TempDir(), "tokens.json")

	cfg := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: ts.URL + "/devicecode",
			TokenURL:      ts.URL + "/token",
		},
	}

	var shown DeviceAuth

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, ts.Client())

	err := doLogin(ctx, tokenPath, cfg, func(da DeviceAuth) { shown = da }, testLogger())
	require.NoError(t, err)

	// The user saw the code and URL before polling started.
	assert.Equal(t, "ABCD-1234", shown.UserCode)
	assert.Equal(t, "https://example.com/devicelogin", shown.VerificationURI)

	rec, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "at-device", rec.AccessToken)
	assert.Equal(t, "rt-device", rec.RefreshToken)
}

func TestDoLoginDeviceAuthFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	cfg := &oauth2.Config{
		ClientID: "test-client",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: ts.URL + "/devicecode",
			TokenURL:      ts.URL + "/token",
		},
	}

	tokenPath := filepath.Join(t.TempDir(), "tokens.json")
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, ts.Client())

	err := doLogin(ctx, tokenPath, cfg, func(DeviceAuth) {
		t.Error("display must not be called when device auth fails")
	}, testLogger())
	require.Error(t, err)

	// No token file written.
	rec, loadErr := tokenfile.Load(tokenPath)
	require.NoError(t, loadErr)
	assert.Nil(t, rec)
}
