package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ChunkSize is the fixed upload chunk size (320 KiB). The Graph API requires
// chunk sizes to be a multiple of this value; the final chunk may be shorter.
const ChunkSize = 320 * 1024

// SimpleUploadMaxSize is the threshold below which a single-request upload
// is used (4 MiB). Files at or above it go through an upload session.
const SimpleUploadMaxSize = 4 * 1024 * 1024

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	Name             string `json:"name"`
}

type uploadSessionResponse struct {
	UploadURL string `json:"uploadUrl"`
}

// ContentTypeFor chooses a MIME type by file extension: CSV telemetry gets
// text/csv, everything else (session video) a generic binary type.
func ContentTypeFor(filename string) string {
	if strings.HasSuffix(strings.ToLower(filename), ".csv") {
		return "text/csv"
	}

	return "application/octet-stream"
}

// SimpleUpload PUTs the entire body to the content endpoint under the given
// folder in one request. Any 2xx status is success; there is no partial-state
// cleanup on failure — the server-side object is simply absent or incomplete.
func (c *Client) SimpleUpload(ctx context.Context, folderID, filename string, data []byte) error {
	c.logger.Info("simple upload",
		slog.String("folder_id", folderID),
		slog.String("name", filename),
		slog.Int("size", len(data)),
	)

	path := fmt.Sprintf("/me/drive/items/%s:/%s:/content", folderID, url.PathEscape(filename))

	resp, err := c.DoRaw(ctx, http.MethodPut, path, ContentTypeFor(filename), bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Drain body to reuse connection.
	if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
		return fmt.Errorf("graph: draining upload response body: %w", drainErr)
	}

	return nil
}

// CreateUploadSession creates a resumable upload session for a file under
// the given folder. The returned URL is pre-authenticated.
func (c *Client) CreateUploadSession(ctx context.Context, folderID, filename string) (string, error) {
	c.logger.Info("creating upload session",
		slog.String("folder_id", folderID),
		slog.String("name", filename),
	)

	path := fmt.Sprintf("/me/drive/items/%s:/%s:/createUploadSession", folderID, url.PathEscape(filename))

	reqBody := createUploadSessionRequest{
		Item: uploadSessionItem{ConflictBehavior: "rename", Name: filename},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var usr uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&usr); err != nil {
		return "", fmt.Errorf("graph: decoding upload session response: %w", err)
	}

	if usr.UploadURL == "" {
		return "", fmt.Errorf("graph: upload session response missing uploadUrl")
	}

	return usr.UploadURL, nil
}

// ChunkedUpload creates an upload session and PUTs the payload in fixed-size
// byte ranges, strictly in order — the session's state machine requires
// monotonically increasing ranges with no gaps. Any chunk status outside
// {200, 201, 202} aborts the upload; a failed session is abandoned, not
// resumed. Empty payloads are rejected before any session is created: a
// session that receives no byte ranges never finalizes an item, so callers
// must send zero-byte files through SimpleUpload.
func (c *Client) ChunkedUpload(ctx context.Context, folderID, filename string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("graph: chunked upload of %s: empty payload cannot finalize a session", filename)
	}

	uploadURL, err := c.CreateUploadSession(ctx, folderID, filename)
	if err != nil {
		return err
	}

	total := int64(len(data))

	for start := int64(0); start < total; start += ChunkSize {
		end := start + ChunkSize
		if end > total {
			end = total
		}

		if err := c.uploadChunk(ctx, uploadURL, data[start:end], start, end-1, total); err != nil {
			return err
		}
	}

	c.logger.Info("chunked upload complete",
		slog.String("name", filename),
		slog.Int64("size", total),
	)

	return nil
}

// uploadChunk PUTs one byte range to the session URL. The URL is
// pre-authenticated, so no Authorization header is sent.
func (c *Client) uploadChunk(ctx context.Context, uploadURL string, chunk []byte, start, end, total int64) error {
	c.logger.Debug("uploading chunk",
		slog.Int64("start", start),
		slog.Int64("end", end),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return fmt.Errorf("graph: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = int64(len(chunk))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: chunk upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		// Drain body to reuse connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return fmt.Errorf("graph: draining chunk response body: %w", drainErr)
		}

		return nil
	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		c.logger.Error("chunk upload failed",
			slog.Int("status", resp.StatusCode),
			slog.Int64("start", start),
		)

		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}
