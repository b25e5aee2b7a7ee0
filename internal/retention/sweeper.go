// Package retention deletes batches, and their stored images, once they age out.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/files"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

const (
	DefaultWindow   = 7 * 24 * time.Hour
	DefaultInterval = 24 * time.Hour
)

type Sweeper struct {
	store  storage.Store
	files  files.Store
	window time.Duration
	now    func() time.Time
}

func NewSweeper(store storage.Store, fs files.Store, window time.Duration) *Sweeper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sweeper{store: store, files: fs, window: window, now: time.Now}
}

// Sweep removes every batch created before now minus the window and returns how many were deleted.
// File deletion is best effort; a failed batch delete is reported after the remaining batches are swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.window)
	expired, err := s.store.ListBatchesCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired batches: %w", err)
	}

	var (
		deleted     int
		failedFiles int
		errs        []error
	)
	for _, batch := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		photos, err := s.store.ListPhotos(ctx, batch.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list photos of batch %s: %w", batch.ID, err))
			continue
		}
		for _, p := range photos {
			if err := s.files.Delete(ctx, p.ImageRef); err != nil && !errors.Is(err, files.ErrNotFound) {
				failedFiles++
				slog.Warn("failed to delete photo file", "batch_id", batch.ID, "photo_id", p.ID, "image_ref", p.ImageRef, "err", err)
			}
		}

		if err := s.store.DeleteBatch(ctx, batch.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete batch %s: %w", batch.ID, err))
			continue
		}
		deleted++
	}

	slog.Info("retention sweep finished", "cutoff", cutoff, "deleted_batches", deleted, "failed_files", failedFiles)
	return deleted, errors.Join(errs...)
}

// Run sweeps immediately and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if _, err := s.Sweep(ctx); err != nil {
		slog.Error("retention sweep failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("retention sweep failed", "err", err)
			}
		}
	}
}
