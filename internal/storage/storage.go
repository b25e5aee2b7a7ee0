// Package storage persists batches, photos, questions and answers.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is implemented by MemoryStore and SQLStore.
//
// Status writes are guarded: a batch never leaves done or error, and a
// question is only moved forward from the state the caller expects.
type Store interface {
	// CreateBatch inserts the batch, its photos and one queued question per photo
	CreateBatch(ctx context.Context, batch *models.Batch, photos []*models.Photo) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	// ListBatches returns batches newest first
	ListBatches(ctx context.Context) ([]*models.Batch, error)
	// SetBatchStatus reports false when the batch was already terminal
	SetBatchStatus(ctx context.Context, id string, status models.BatchStatus) (bool, error)
	// RefreshProgress recounts total and processed photos and marks the batch done once every photo is terminal
	RefreshProgress(ctx context.Context, batchID string) (*models.Batch, error)
	ListBatchesCreatedBefore(ctx context.Context, cutoff time.Time) ([]*models.Batch, error)
	// DeleteBatch removes the batch and everything it owns
	DeleteBatch(ctx context.Context, id string) error

	GetPhoto(ctx context.Context, id string) (*models.Photo, error)
	// ListPhotos returns the batch's photos in order
	ListPhotos(ctx context.Context, batchID string) ([]*models.Photo, error)
	FirstPhoto(ctx context.Context, batchID string) (*models.Photo, error)
	// NextPhoto returns the photo with the smallest order greater than afterOrder
	NextPhoto(ctx context.Context, batchID string, afterOrder int) (*models.Photo, error)

	// EnsureQuestion returns the photo's question, creating a queued one if missing
	EnsureQuestion(ctx context.Context, photoID string) (*models.Question, error)
	GetQuestionByPhoto(ctx context.Context, photoID string) (*models.Question, error)
	ListQuestions(ctx context.Context, batchID string) ([]*models.Question, error)
	// ClaimQuestion moves a queued question (or one stuck in flight since before staleBefore) to extracting
	ClaimQuestion(ctx context.Context, questionID string, staleBefore time.Time) (bool, error)
	// SaveExtractedText stores the OCR text and moves extracting to solving
	SaveExtractedText(ctx context.Context, questionID, text string) (bool, error)
	// AnswerQuestion appends the winning answer plus any recorded attempts and sets answered, only from solving
	AnswerQuestion(ctx context.Context, questionID string, answer *models.Answer, attempts []*models.Answer) (bool, error)
	// FailQuestion sets error with message from any non-terminal state, appending any recorded attempts
	FailQuestion(ctx context.Context, questionID, message string, attempts []*models.Answer) (bool, error)
	ListAnswers(ctx context.Context, batchID string) ([]*models.Answer, error)

	Close() error
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
