package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// driveItemResponse mirrors the subset of the Graph API driveItem JSON the
// relay needs: identity plus the folder/file facets for classification.
type driveItemResponse struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Size   int64            `json:"size"`
	Folder *json.RawMessage `json:"folder"`
	File   *json.RawMessage `json:"file"`
	WebURL string           `json:"webUrl"`
}

type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// EnsureFolderPath resolves a path of folder names under the authenticated
// user's drive root, creating any missing segment, and returns the ID of the
// deepest folder. For each segment it looks the folder up by exact path; a
// 404 creates the folder under the parent resolved so far; any other error
// aborts and propagates. Idempotent: resolving the same path twice yields
// the same terminal folder (absent external deletion).
//
// Resolution is always against /me/drive — SharePoint site drives and
// share-link roots are not supported.
func (c *Client) EnsureFolderPath(ctx context.Context, segments []string) (string, error) {
	if len(segments) == 0 {
		return "", errors.New("graph: empty folder path")
	}

	var (
		resolved []string
		folderID string
	)

	for _, name := range segments {
		id, err := c.lookupFolder(ctx, append(resolved, name))
		if errors.Is(err, ErrNotFound) {
			id, err = c.createFolder(ctx, resolved, name)
		}

		if err != nil {
			return "", fmt.Errorf("graph: ensuring folder %q: %w", name, err)
		}

		resolved = append(resolved, name)
		folderID = id
	}

	return folderID, nil
}

// lookupFolder fetches a folder by its path from the drive root.
func (c *Client) lookupFolder(ctx context.Context, segments []string) (string, error) {
	path := fmt.Sprintf("/me/drive/root:/%s?$select=id,name,folder",
		encodePathSegments(strings.Join(segments, "/")))

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return "", fmt.Errorf("decoding folder lookup response: %w", err)
	}

	c.logger.Debug("folder found",
		slog.String("name", dir.Name),
		slog.String("id", dir.ID),
	)

	return dir.ID, nil
}

// createFolder creates a folder named name under the parent path. Name
// collisions are the provider's concern: conflictBehavior "rename" lets the
// service pick a free name rather than failing the upload.
func (c *Client) createFolder(ctx context.Context, parent []string, name string) (string, error) {
	apiPath := "/me/drive/root/children"
	if len(parent) > 0 {
		apiPath = fmt.Sprintf("/me/drive/root:/%s:/children",
			encodePathSegments(strings.Join(parent, "/")))
	}

	reqBody := createFolderRequest{Name: name, ConflictBehavior: "rename"}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling create folder request: %w", err)
	}

	c.logger.Info("creating folder",
		slog.String("name", name),
		slog.String("parent", strings.Join(parent, "/")),
	)

	resp, err := c.Do(ctx, http.MethodPost, apiPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return "", fmt.Errorf("decoding create folder response: %w", err)
	}

	c.logger.Info("folder created",
		slog.String("name", dir.Name),
		slog.String("id", dir.ID),
	)

	return dir.ID, nil
}
