package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gsrlab/uploadrelay/internal/events"
	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/localstore"
)

// Orchestrator sequences one upload request to a terminal outcome:
//
//	START -> TRY_CLOUD -> done, or
//	              \-> REFRESH -> RETRY_CLOUD -> done, or
//	                                   \-> FALLBACK_LOCAL -> done / failed
//
// TRY_CLOUD is skipped entirely when no access token is present. Exactly one
// refresh-and-retry cycle is permitted; a second cloud failure never triggers
// another refresh. FALLBACK_LOCAL always runs when the cloud path did not
// succeed, regardless of why.
type Orchestrator struct {
	provider Provider
	local    *localstore.Store
	ledger   *ledger.Store
	hub      *events.Hub
	logger   *slog.Logger

	// now is replaceable so tests get deterministic remote names.
	now func() time.Time
}

// NewOrchestrator wires the orchestrator. ledger and hub may be nil; the
// flow then runs without audit rows or event notifications.
func NewOrchestrator(
	provider Provider,
	local *localstore.Store,
	ldg *ledger.Store,
	hub *events.Hub,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		provider: provider,
		local:    local,
		ledger:   ldg,
		hub:      hub,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs the full state machine for one request and returns its
// terminal outcome. All cloud-path errors are absorbed here and downgraded
// to the fallback transition; only total failure surfaces in the outcome.
func (o *Orchestrator) Process(ctx context.Context, req Request) Outcome {
	o.logger.Info("upload request",
		slog.String("volunteer_id", req.VolunteerID),
		slog.String("file", req.Filename),
		slog.String("kind", string(req.Kind)),
		slog.Int("size", len(req.Data)),
	)

	remoteName, location, cloudErr := o.tryCloud(ctx, req)
	if cloudErr == nil {
		o.record(ctx, req, remoteName, location)
		o.publish(req, location, true)

		return Outcome{Status: CloudSuccess, Location: location}
	}

	return o.fallbackLocal(ctx, req, cloudErr)
}

// TryCloud runs only the cloud side (including the single refresh-and-retry
// cycle) and returns the location label on success. The retry watcher uses
// this to drain the pending queue without re-entering local fallback.
func (o *Orchestrator) TryCloud(ctx context.Context, req Request) (string, error) {
	remoteName, location, err := o.tryCloud(ctx, req)
	if err != nil {
		return "", err
	}

	o.record(ctx, req, remoteName, location)
	o.publishType("retry", req, location, true)

	return location, nil
}

// tryCloud performs TRY_CLOUD, REFRESH, RETRY_CLOUD. Returns the remote name
// and location on success.
func (o *Orchestrator) tryCloud(ctx context.Context, req Request) (remoteName, location string, err error) {
	if !o.provider.HasCredentials() {
		return "", "", fmt.Errorf("relay: no access token, skipping cloud upload")
	}

	remoteName = RemoteName(req.Filename, o.now().UTC())

	err = o.provider.Upload(ctx, req.VolunteerID, remoteName, req.Kind, req.Data)
	if err == nil {
		return remoteName, o.provider.Location(req.VolunteerID), nil
	}

	o.logger.Warn("cloud upload failed, attempting token refresh",
		slog.String("file", req.Filename),
		slog.String("error", err.Error()),
	)

	if refreshErr := o.provider.Refresh(ctx); refreshErr != nil {
		o.logger.Warn("token refresh failed",
			slog.String("error", refreshErr.Error()),
		)

		return "", "", fmt.Errorf("relay: cloud upload failed and refresh failed: %w", err)
	}

	// One retry after a successful refresh. A second failure falls through
	// to local fallback, never to another refresh.
	if retryErr := o.provider.Upload(ctx, req.VolunteerID, remoteName, req.Kind, req.Data); retryErr != nil {
		return "", "", fmt.Errorf("relay: cloud upload failed after refresh: %w", retryErr)
	}

	return remoteName, o.provider.Location(req.VolunteerID), nil
}

// fallbackLocal performs FALLBACK_LOCAL and produces the terminal outcome.
func (o *Orchestrator) fallbackLocal(ctx context.Context, req Request, cloudErr error) Outcome {
	o.logger.Info("falling back to local storage",
		slog.String("file", req.Filename),
		slog.String("cloud_error", cloudErr.Error()),
	)

	path, err := o.local.Write(o.provider.LocalDir(req.VolunteerID), req.Filename, req.Data)
	if err != nil {
		o.logger.Error("local fallback write failed",
			slog.String("file", req.Filename),
			slog.String("error", err.Error()),
		)

		o.publish(req, "", false)

		return Outcome{
			Status: Failed,
			Reason: fmt.Errorf("cloud and local storage both failed: %w", err),
		}
	}

	o.record(ctx, req, "", "local")
	o.enqueueRetry(ctx, req, path)
	o.publish(req, "local", true)

	return Outcome{Status: LocalSuccess, Location: "local", Path: path}
}

// record writes the audit row. Ledger failures are logged, never surfaced —
// the upload itself already reached a terminal state.
func (o *Orchestrator) record(ctx context.Context, req Request, remoteName, location string) {
	if o.ledger == nil {
		return
	}

	err := o.ledger.RecordUpload(ctx, ledger.Upload{
		VolunteerID: req.VolunteerID,
		Filename:    req.Filename,
		RemoteName:  remoteName,
		SizeBytes:   int64(len(req.Data)),
		Kind:        string(req.Kind),
		Location:    location,
		Provider:    o.provider.Name(),
	})
	if err != nil {
		o.logger.Warn("recording upload in ledger failed",
			slog.String("file", req.Filename),
			slog.String("error", err.Error()),
		)
	}
}

// enqueueRetry queues the fallback file for the retry watcher.
func (o *Orchestrator) enqueueRetry(ctx context.Context, req Request, path string) {
	if o.ledger == nil {
		return
	}

	err := o.ledger.AddPending(ctx, ledger.Pending{
		VolunteerID: req.VolunteerID,
		Filename:    req.Filename,
		LocalPath:   path,
		Kind:        string(req.Kind),
	})
	if err != nil {
		o.logger.Warn("queueing fallback file for retry failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(req Request, location string, success bool) {
	o.publishType("upload", req, location, success)
}

func (o *Orchestrator) publishType(typ string, req Request, location string, success bool) {
	if o.hub == nil {
		return
	}

	o.hub.Publish(events.Event{
		Type:        typ,
		VolunteerID: req.VolunteerID,
		File:        req.Filename,
		Location:    location,
		Success:     success,
	})
}

// Provider exposes the wired provider for the HTTP layer's status and
// authenticate endpoints.
func (o *Orchestrator) Provider() Provider {
	return o.provider
}

// SetNow overrides the clock used for remote names. Test hook.
func (o *Orchestrator) SetNow(now func() time.Time) {
	o.now = now
}
