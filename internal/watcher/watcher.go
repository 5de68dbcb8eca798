// Package watcher drains the pending-upload queue. Files that fell back to
// local disk are retried against the cloud on a fixed interval, and a
// filesystem watch on the uploads root wakes the drain early when new
// fallback files land.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/relay"
)

// debounce delays the drain after a filesystem event so a burst of fallback
// writes triggers one pass, not one per file.
const debounce = 2 * time.Second

// Watcher retries pending uploads until they reach the cloud.
type Watcher struct {
	orch     *relay.Orchestrator
	ledger   *ledger.Store
	root     string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a watcher over the uploads root. interval bounds how long a
// pending file waits between retry passes.
func New(orch *relay.Orchestrator, ldg *ledger.Store, root string, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		orch:     orch,
		ledger:   ldg,
		root:     root,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, draining the pending queue on the
// retry interval and after filesystem activity under the uploads root. The
// filesystem watch is best-effort: if it cannot be established the ticker
// alone drives retries.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filesystem watch unavailable, retrying on interval only",
			slog.String("error", err.Error()),
		)
	} else {
		defer fsw.Close()

		if addErr := fsw.Add(w.root); addErr != nil {
			w.logger.Warn("cannot watch uploads root",
				slog.String("path", w.root),
				slog.String("error", addErr.Error()),
			)
		}
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if fsw != nil {
		fsEvents = fsw.Events
		fsErrors = fsw.Errors
	}

	// Drain once at startup: files queued by a previous run should not wait
	// a full interval.
	w.Drain(ctx)

	var wake *time.Timer
	var wakeC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			w.Drain(ctx)

		case <-wakeC:
			wakeC = nil
			w.Drain(ctx)

		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}

			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}

			// Watch newly created volunteer directories so their files
			// wake the drain too.
			if ev.Has(fsnotify.Create) {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := fsw.Add(ev.Name); addErr != nil {
						w.logger.Debug("cannot watch new directory",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()),
						)
					}
				}
			}

			if wake == nil {
				wake = time.NewTimer(debounce)
			} else {
				wake.Reset(debounce)
			}
			wakeC = wake.C

		case watchErr, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
			)
		}
	}
}

// Drain makes one pass over the pending queue, oldest first. Each entry is
// re-read from disk and retried through the cloud path; successes are
// removed from disk and the queue, failures get their attempt count bumped
// and stay queued.
func (w *Watcher) Drain(ctx context.Context) {
	pending, err := w.ledger.ListPending(ctx)
	if err != nil {
		w.logger.Warn("listing pending uploads failed", slog.String("error", err.Error()))
		return
	}

	if len(pending) == 0 {
		return
	}

	w.logger.Info("retrying pending uploads", slog.Int("count", len(pending)))

	for _, p := range pending {
		if ctx.Err() != nil {
			return
		}

		w.retryOne(ctx, p)
	}
}

// retryOne retries a single pending entry.
func (w *Watcher) retryOne(ctx context.Context, p ledger.Pending) {
	data, err := os.ReadFile(p.LocalPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The fallback file is gone; nothing left to retry.
			w.logger.Warn("pending file missing, dropping from queue",
				slog.String("path", p.LocalPath),
			)
			w.dequeue(ctx, p)

			return
		}

		w.logger.Warn("reading pending file failed",
			slog.String("path", p.LocalPath),
			slog.String("error", err.Error()),
		)

		return
	}

	location, err := w.orch.TryCloud(ctx, relay.Request{
		VolunteerID: p.VolunteerID,
		Filename:    p.Filename,
		Kind:        relay.FileKind(p.Kind),
		Data:        data,
	})
	if err != nil {
		w.logger.Info("retry failed, keeping in queue",
			slog.String("file", p.Filename),
			slog.Int("attempts", p.Attempts+1),
			slog.String("error", err.Error()),
		)

		if markErr := w.ledger.MarkAttempt(ctx, p.ID); markErr != nil {
			w.logger.Warn("marking retry attempt failed",
				slog.String("id", p.ID),
				slog.String("error", markErr.Error()),
			)
		}

		return
	}

	w.logger.Info("pending upload reached cloud",
		slog.String("file", p.Filename),
		slog.String("location", location),
		slog.Int("attempts", p.Attempts+1),
	)

	if rmErr := os.Remove(p.LocalPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		w.logger.Warn("removing uploaded fallback file failed",
			slog.String("path", p.LocalPath),
			slog.String("error", rmErr.Error()),
		)
	}

	w.dequeue(ctx, p)
}

func (w *Watcher) dequeue(ctx context.Context, p ledger.Pending) {
	if err := w.ledger.DeletePending(ctx, p.ID); err != nil {
		w.logger.Warn("removing pending row failed",
			slog.String("id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}
