// Package batches implements batch intake and the nested batch query.
package batches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/files"
	"github.com/lehigh-university-libraries/photoqa/internal/images"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/lehigh-university-libraries/photoqa/internal/queue"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

var ErrNoPhotos = errors.New("at least one photo is required")

// Upload is one submitted photo
type Upload struct {
	Filename string
	Data     []byte
}

type Service struct {
	store storage.Store
	files files.Store
	queue queue.Queue
	now   func() time.Time
}

func NewService(store storage.Store, fs files.Store, q queue.Queue) *Service {
	return &Service{store: store, files: fs, queue: q, now: time.Now}
}

// Create stores the photos, records a pending batch and schedules it
func (s *Service) Create(ctx context.Context, uploads []Upload) (*models.Batch, error) {
	if len(uploads) == 0 {
		return nil, ErrNoPhotos
	}
	for _, u := range uploads {
		if len(u.Data) > images.MaxSize {
			return nil, fmt.Errorf("%s: %w", u.Filename, images.ErrTooLarge)
		}
		if _, err := images.Validate(u.Data); err != nil {
			return nil, fmt.Errorf("%s: %w", u.Filename, err)
		}
	}

	now := s.now()
	photos := make([]*models.Photo, 0, len(uploads))
	saved := make([]string, 0, len(uploads))
	for _, u := range uploads {
		key := files.NewKey(now, u.Filename)
		if err := s.files.Save(ctx, key, u.Data); err != nil {
			s.cleanup(ctx, saved)
			return nil, fmt.Errorf("failed to store %s: %w", u.Filename, err)
		}
		saved = append(saved, key)
		photos = append(photos, &models.Photo{ImageRef: key, Filename: u.Filename, UploadedAt: now})
	}

	batch := &models.Batch{Status: models.BatchPending, CreatedAt: now}
	if err := s.store.CreateBatch(ctx, batch, photos); err != nil {
		s.cleanup(ctx, saved)
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.StartBatch(batch.ID)); err != nil {
		if derr := s.store.DeleteBatch(ctx, batch.ID); derr != nil {
			slog.Warn("failed to remove unscheduled batch", "batch_id", batch.ID, "err", derr)
		}
		s.cleanup(ctx, saved)
		return nil, fmt.Errorf("failed to schedule batch %s: %w", batch.ID, err)
	}

	slog.Info("batch created", "batch_id", batch.ID, "total_photos", batch.TotalPhotos)
	return batch, nil
}

func (s *Service) cleanup(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.files.Delete(ctx, key); err != nil {
			slog.Warn("failed to remove stored photo", "image_ref", key, "err", err)
		}
	}
}

// Get returns the nested report for a batch
func (s *Service) Get(ctx context.Context, id string) (*models.BatchReport, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	photos, err := s.store.ListPhotos(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	questions, err := s.store.ListQuestions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	answers, err := s.store.ListAnswers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}

	byPhoto := make(map[string]*models.Question, len(questions))
	for _, q := range questions {
		byPhoto[q.PhotoID] = q
	}
	byQuestion := make(map[string][]*models.Answer)
	for _, a := range answers {
		byQuestion[a.QuestionID] = append(byQuestion[a.QuestionID], a)
	}

	return models.NewBatchReport(batch, photos, byPhoto, byQuestion), nil
}

// List returns all batches newest first
func (s *Service) List(ctx context.Context) ([]*models.Batch, error) {
	return s.store.ListBatches(ctx)
}
