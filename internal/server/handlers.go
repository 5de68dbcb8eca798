package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gsrlab/uploadrelay/internal/relay"
)

// uploadRequest is the JSON body the collection workflow posts.
type uploadRequest struct {
	VolunteerID string `json:"volunteer_id"`
	Filename    string `json:"filename"`
	FileData    string `json:"file_data"`
	FileType    string `json:"file_type"`
}

// uploadResponse covers both success and error bodies of /api/upload.
type uploadResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	Location    string `json:"location,omitempty"`
	File        string `json:"file,omitempty"`
	VolunteerID string `json:"volunteer_id,omitempty"`
}

// safePathSegment reports whether s can be used as a single path element:
// no separators, no parent references, not empty.
func safePathSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}

	return !strings.ContainsAny(s, `/\`)
}

// handleUpload validates the payload, runs the relay flow, and reports the
// terminal outcome. Validation failures never reach the orchestrator.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Success: false,
			Error:   "Missing required fields",
		})

		return
	}

	if req.VolunteerID == "" || req.Filename == "" || req.FileData == "" {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Success: false,
			Error:   "Missing required fields",
		})

		return
	}

	// Both values become path segments under the uploads root; anything that
	// could escape it is rejected before touching disk or cloud.
	if !safePathSegment(req.Filename) || !safePathSegment(req.VolunteerID) {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Success: false,
			Error:   "Invalid filename",
		})

		return
	}

	data, err := base64.StdEncoding.DecodeString(req.FileData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, uploadResponse{
			Success: false,
			Error:   "Failed to decode file data",
		})

		return
	}

	outcome := s.orch.Process(r.Context(), relay.Request{
		VolunteerID: req.VolunteerID,
		Filename:    req.Filename,
		Kind:        relay.KindFromString(req.FileType),
		Data:        data,
	})

	switch outcome.Status {
	case relay.CloudSuccess:
		writeJSON(w, http.StatusOK, uploadResponse{
			Success:     true,
			Message:     fmt.Sprintf("File %s uploaded to %s successfully", req.Filename, outcome.Location),
			Location:    outcome.Location,
			File:        req.Filename,
			VolunteerID: req.VolunteerID,
		})

	case relay.LocalSuccess:
		writeJSON(w, http.StatusOK, uploadResponse{
			Success:     true,
			Message:     fmt.Sprintf("File %s saved locally (cloud unavailable)", req.Filename),
			Location:    outcome.Location,
			File:        req.Filename,
			VolunteerID: req.VolunteerID,
		})

	default:
		writeJSON(w, http.StatusInternalServerError, uploadResponse{
			Success: false,
			Error:   "Upload to cloud and local storage both failed",
		})
	}
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
	User      string `json:"user,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// handleStatus probes the cloud connection with the stored credential.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	provider := s.orch.Provider()

	if !provider.HasCredentials() {
		writeJSON(w, http.StatusUnauthorized, statusResponse{
			Connected: false,
			Message:   "No stored credentials. Authenticate first",
		})

		return
	}

	principal, err := provider.Principal(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, statusResponse{
			Connected: false,
			Message:   fmt.Sprintf("Connection failed: %s", err),
		})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Connected: true,
		Message:   "Connected to cloud storage",
		User:      principal,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Provider       string `json:"provider"`
	CloudConnected bool   `json:"cloud_connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	provider := s.orch.Provider()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Service:        "uploadrelay",
		Provider:       provider.Name(),
		CloudConnected: provider.HasCredentials(),
	})
}

// authResponse is the body of POST /api/authenticate.
type authResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleAuthenticate re-runs the credential handshake from the persisted
// credential file. 401 when no file exists or the handshake fails.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Provider().Reauthenticate(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, authResponse{
			Success: true,
			Message: "Authenticated successfully",
		})

		return
	}

	if errors.Is(err, relay.ErrNoCredentials) {
		writeJSON(w, http.StatusUnauthorized, authResponse{
			Success: false,
			Message: "Authentication required. No stored credentials found",
		})

		return
	}

	s.logger.Warn("reauthentication failed", slog.String("error", err.Error()))

	writeJSON(w, http.StatusUnauthorized, authResponse{
		Success: false,
		Message: fmt.Sprintf("Authentication failed: %s", err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Encode errors past this point cannot change the status line.
	_ = json.NewEncoder(w).Encode(body)
}
