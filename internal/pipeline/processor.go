// Package pipeline drives a batch through OCR and answering one photo at a time.
//
// Each step runs as a queue task and enqueues its successor when it finishes,
// so photos of a batch are processed strictly in order while batches interleave.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/files"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/lehigh-university-libraries/photoqa/internal/providers"
	"github.com/lehigh-university-libraries/photoqa/internal/queue"
	"github.com/lehigh-university-libraries/photoqa/internal/race"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

// DefaultStepTimeout is used when Options.StepTimeout is unset
const DefaultStepTimeout = 5 * time.Minute

// ErrInFlight is returned for a photo another delivery is still working on.
// It wraps queue.ErrNotReady so the task comes back until the question settles or goes stale.
var ErrInFlight = fmt.Errorf("photo is being processed by another delivery: %w", queue.ErrNotReady)

// TextExtractor is satisfied by *ocr.Service
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// Solver is satisfied by *race.Coordinator
type Solver interface {
	Solve(ctx context.Context, text string) (race.Outcome, error)
}

// Options tunes the processor; the zero value is usable
type Options struct {
	// StepTimeout bounds one photo step; in-flight questions older than this are reclaimed
	StepTimeout time.Duration
	// RecordFailedAttempts appends an Answer for every failed provider attempt
	RecordFailedAttempts bool
}

// Processor runs the pipeline steps behind queue tasks
type Processor struct {
	store     storage.Store
	files     files.Store
	extractor TextExtractor
	solver    Solver
	queue     queue.Queue
	opts      Options
	now       func() time.Time
}

// New builds a Processor that enqueues follow-up steps on q
func New(store storage.Store, fs files.Store, extractor TextExtractor, solver Solver, q queue.Queue, opts Options) *Processor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	return &Processor{
		store:     store,
		files:     fs,
		extractor: extractor,
		solver:    solver,
		queue:     q,
		opts:      opts,
		now:       time.Now,
	}
}

// Handle dispatches a queue task. It returns an error only for infrastructure failures
// worth redelivering, or ErrInFlight.
func (p *Processor) Handle(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindStartBatch:
		return p.StartBatch(ctx, task.BatchID)
	case queue.KindProcessPhoto:
		return p.ProcessPhoto(ctx, task.PhotoID)
	default:
		slog.Error("unknown task kind", "kind", task.Kind, "batch_id", task.BatchID)
		return nil
	}
}

// StartBatch moves a batch to processing and dispatches its first photo
func (p *Processor) StartBatch(ctx context.Context, batchID string) (err error) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("batch not found, skipping", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status.IsTerminal() {
		slog.Info("batch already finished", "batch_id", batchID, "status", batch.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = p.failBatch(ctx, batchID, fmt.Errorf("panic: %v", r))
		}
	}()

	if _, err := p.store.SetBatchStatus(ctx, batchID, models.BatchProcessing); err != nil {
		return p.failBatch(ctx, batchID, err)
	}

	first, err := p.store.FirstPhoto(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.Aggregate(ctx, batchID)
	}
	if err != nil {
		return p.failBatch(ctx, batchID, err)
	}

	slog.Info("starting batch", "batch_id", batchID, "total_photos", batch.TotalPhotos)
	if err := p.queue.Enqueue(ctx, queue.ProcessPhoto(batchID, first.ID)); err != nil {
		return p.failBatch(ctx, batchID, err)
	}
	return nil
}

func (p *Processor) failBatch(ctx context.Context, batchID string, cause error) error {
	slog.Error("failed to start batch", "batch_id", batchID, "err", cause)
	if _, err := p.store.SetBatchStatus(ctx, batchID, models.BatchError); err != nil {
		return fmt.Errorf("failed to mark batch error: %w", err)
	}
	return nil
}

// ProcessPhoto runs OCR and the answer race for one photo, then hands off to the next.
// While another delivery holds the photo and is not yet stale it returns ErrInFlight.
func (p *Processor) ProcessPhoto(ctx context.Context, photoID string) error {
	photo, err := p.store.GetPhoto(ctx, photoID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("photo not found, skipping", "photo_id", photoID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load photo: %w", err)
	}

	question, err := p.store.EnsureQuestion(ctx, photo.ID)
	if err != nil {
		return fmt.Errorf("failed to ensure question: %w", err)
	}

	if !question.Status.IsTerminal() {
		claimed, err := p.store.ClaimQuestion(ctx, question.ID, p.now().Add(-p.opts.StepTimeout))
		if err != nil {
			return fmt.Errorf("failed to claim question: %w", err)
		}
		if !claimed {
			current, err := p.store.GetQuestionByPhoto(ctx, photo.ID)
			if err != nil {
				return fmt.Errorf("failed to reload question: %w", err)
			}
			if !current.Status.IsTerminal() {
				slog.Info("photo already in progress, retrying later", "batch_id", photo.BatchID, "photo_id", photo.ID, "status", current.Status)
				return ErrInFlight
			}
		} else if err := p.process(ctx, photo, question); err != nil {
			return err
		}
	} else {
		slog.Info("photo already processed, handing off", "batch_id", photo.BatchID, "photo_id", photo.ID)
	}

	if err := p.Aggregate(ctx, photo.BatchID); err != nil {
		return err
	}
	return p.Advance(ctx, photo)
}

// process never leaves the question in flight unless a store write fails
func (p *Processor) process(ctx context.Context, photo *models.Photo, question *models.Question) (err error) {
	stepCtx, cancel := context.WithTimeout(ctx, p.opts.StepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = p.fail(ctx, photo, question, fmt.Sprintf("unexpected error while processing photo: %v", r), nil)
		}
	}()

	image, err := p.files.Read(stepCtx, photo.ImageRef)
	if err != nil {
		return p.fail(ctx, photo, question, fmt.Sprintf("unexpected error while processing photo: failed to read image: %v", err), nil)
	}

	text, err := p.extractor.ExtractText(stepCtx, image)
	if err != nil {
		return p.fail(ctx, photo, question, err.Error(), nil)
	}

	ok, err := p.store.SaveExtractedText(ctx, question.ID, text)
	if err != nil {
		return fmt.Errorf("failed to save extracted text: %w", err)
	}
	if !ok {
		slog.Warn("question changed while extracting, skipping", "photo_id", photo.ID, "question_id", question.ID)
		return nil
	}

	outcome, err := p.solver.Solve(stepCtx, text)
	if err != nil {
		var attempts []*models.Answer
		var failed *race.FailedError
		if errors.As(err, &failed) {
			attempts = p.attempts(failed.Failures)
		} else {
			attempts = p.attempts(outcome.Failures)
		}
		return p.fail(ctx, photo, question, err.Error(), attempts)
	}

	answer := &models.Answer{
		Provider:     outcome.Winner.Provider,
		Model:        outcome.Winner.Model,
		Content:      outcome.Winner.Answer,
		Status:       models.AnswerSuccess,
		TokensUsed:   outcome.Winner.TokensUsed,
		ResponseTime: outcome.Winner.ResponseTime,
	}
	ok, err = p.store.AnswerQuestion(ctx, question.ID, answer, p.attempts(outcome.Failures))
	if err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}
	if !ok {
		slog.Warn("question already settled, discarding answer", "photo_id", photo.ID, "provider", answer.Provider)
		return nil
	}

	slog.Info("question answered", "batch_id", photo.BatchID, "photo_id", photo.ID, "provider", answer.Provider, "model", answer.Model)
	return nil
}

func (p *Processor) fail(ctx context.Context, photo *models.Photo, question *models.Question, message string, attempts []*models.Answer) error {
	slog.Warn("question failed", "batch_id", photo.BatchID, "photo_id", photo.ID, "err", message)
	if _, err := p.store.FailQuestion(ctx, question.ID, message, attempts); err != nil {
		return fmt.Errorf("failed to record question error: %w", err)
	}
	return nil
}

func (p *Processor) attempts(results []providers.Result) []*models.Answer {
	if !p.opts.RecordFailedAttempts {
		return nil
	}
	var answers []*models.Answer
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		status := models.AnswerFailed
		if r.RateLimited() {
			status = models.AnswerRateLimited
		}
		answers = append(answers, &models.Answer{
			Provider:     r.Provider,
			Model:        r.Model,
			Status:       status,
			ErrorMessage: r.Err.Error(),
			TokensUsed:   r.TokensUsed,
			ResponseTime: r.ResponseTime,
		})
	}
	return answers
}

// Advance enqueues the photo that follows current, or aggregates once more if current was the last
func (p *Processor) Advance(ctx context.Context, current *models.Photo) error {
	next, err := p.store.NextPhoto(ctx, current.BatchID, current.Order)
	if errors.Is(err, storage.ErrNotFound) {
		return p.Aggregate(ctx, current.BatchID)
	}
	if err != nil {
		return fmt.Errorf("failed to find next photo: %w", err)
	}
	if err := p.queue.Enqueue(ctx, queue.ProcessPhoto(current.BatchID, next.ID)); err != nil {
		return fmt.Errorf("failed to enqueue next photo: %w", err)
	}
	return nil
}

// Aggregate recomputes batch progress; it is idempotent
func (p *Processor) Aggregate(ctx context.Context, batchID string) error {
	batch, err := p.store.RefreshProgress(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Warn("batch not found while aggregating", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to refresh progress: %w", err)
	}
	slog.Debug("batch progress", "batch_id", batchID, "processed", batch.ProcessedPhotos, "total", batch.TotalPhotos, "status", batch.Status)
	if batch.Status == models.BatchDone && batch.ProcessedPhotos == batch.TotalPhotos {
		slog.Info("batch complete", "batch_id", batchID, "total_photos", batch.TotalPhotos)
	}
	return nil
}
