package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "photoqa.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func newBatch(t *testing.T, s Store, n int, createdAt time.Time) (*models.Batch, []*models.Photo) {
	t.Helper()
	batch := &models.Batch{CreatedAt: createdAt}
	photos := make([]*models.Photo, n)
	for i := range photos {
		photos[i] = &models.Photo{ImageRef: "photos/2026/01/01/p.png", Filename: "p.png"}
	}
	if err := s.CreateBatch(context.Background(), batch, photos); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	return batch, photos
}

func TestCreateAndQuery(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch, photos := newBatch(t, s, 3, time.Time{})

			got, err := s.GetBatch(ctx, batch.ID)
			if err != nil {
				t.Fatalf("GetBatch failed: %v", err)
			}
			if got.Status != models.BatchPending || got.TotalPhotos != 3 || got.ProcessedPhotos != 0 {
				t.Errorf("Unexpected batch %+v", got)
			}
			if !got.CreatedAt.Equal(batch.CreatedAt) {
				t.Errorf("Expected created_at %v, got %v", batch.CreatedAt, got.CreatedAt)
			}

			listed, err := s.ListPhotos(ctx, batch.ID)
			if err != nil {
				t.Fatalf("ListPhotos failed: %v", err)
			}
			for i, p := range listed {
				if p.Order != i || p.ID != photos[i].ID {
					t.Errorf("Photo %d out of order: %+v", i, p)
				}
			}

			questions, err := s.ListQuestions(ctx, batch.ID)
			if err != nil {
				t.Fatalf("ListQuestions failed: %v", err)
			}
			if len(questions) != 3 {
				t.Fatalf("Expected 3 eager questions, got %d", len(questions))
			}
			for _, q := range questions {
				if q.Status != models.QuestionQueued {
					t.Errorf("Expected queued question, got %s", q.Status)
				}
			}

			if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if _, err := s.GetPhoto(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPhotoNavigation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch, photos := newBatch(t, s, 3, time.Time{})

			first, err := s.FirstPhoto(ctx, batch.ID)
			if err != nil || first.ID != photos[0].ID {
				t.Fatalf("Expected first photo, got %+v (%v)", first, err)
			}
			next, err := s.NextPhoto(ctx, batch.ID, 0)
			if err != nil || next.ID != photos[1].ID {
				t.Fatalf("Expected second photo, got %+v (%v)", next, err)
			}
			if _, err := s.NextPhoto(ctx, batch.ID, 2); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound after last photo, got %v", err)
			}

			empty, _ := newBatch(t, s, 0, time.Time{})
			if _, err := s.FirstPhoto(ctx, empty.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for empty batch, got %v", err)
			}
		})
	}
}

func TestQuestionLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, photos := newBatch(t, s, 1, time.Time{})

			q, err := s.EnsureQuestion(ctx, photos[0].ID)
			if err != nil {
				t.Fatalf("EnsureQuestion failed: %v", err)
			}
			again, err := s.EnsureQuestion(ctx, photos[0].ID)
			if err != nil || again.ID != q.ID {
				t.Fatalf("EnsureQuestion must not create a second question: %+v (%v)", again, err)
			}

			stale := time.Now().Add(-time.Hour)
			claimed, err := s.ClaimQuestion(ctx, q.ID, stale)
			if err != nil || !claimed {
				t.Fatalf("Expected claim, got %v (%v)", claimed, err)
			}
			claimed, err = s.ClaimQuestion(ctx, q.ID, stale)
			if err != nil || claimed {
				t.Fatalf("Expected duplicate claim to be refused, got %v (%v)", claimed, err)
			}
			// an in-flight question older than the cutoff is reclaimable
			claimed, err = s.ClaimQuestion(ctx, q.ID, time.Now().Add(time.Hour))
			if err != nil || !claimed {
				t.Fatalf("Expected stale reclaim, got %v (%v)", claimed, err)
			}

			ok, err := s.SaveExtractedText(ctx, q.ID, "What is 2+2?")
			if err != nil || !ok {
				t.Fatalf("SaveExtractedText failed: %v (%v)", ok, err)
			}

			tokens, latency := 12, 0.8
			answer := &models.Answer{Provider: "openai", Model: "gpt", Content: "4", Status: models.AnswerSuccess, TokensUsed: &tokens, ResponseTime: &latency}
			ok, err = s.AnswerQuestion(ctx, q.ID, answer, nil)
			if err != nil || !ok {
				t.Fatalf("AnswerQuestion failed: %v (%v)", ok, err)
			}
			ok, err = s.AnswerQuestion(ctx, q.ID, &models.Answer{Provider: "gemini", Status: models.AnswerSuccess}, nil)
			if err != nil || ok {
				t.Fatalf("Expected duplicate answer to be refused, got %v (%v)", ok, err)
			}
			ok, err = s.FailQuestion(ctx, q.ID, "late failure", nil)
			if err != nil || ok {
				t.Fatalf("Expected terminal question to stay answered, got %v (%v)", ok, err)
			}

			got, err := s.GetQuestionByPhoto(ctx, photos[0].ID)
			if err != nil {
				t.Fatalf("GetQuestionByPhoto failed: %v", err)
			}
			if got.Status != models.QuestionAnswered || got.ExtractedText != "What is 2+2?" {
				t.Errorf("Unexpected question %+v", got)
			}

			answers, err := s.ListAnswers(ctx, photos[0].BatchID)
			if err != nil {
				t.Fatalf("ListAnswers failed: %v", err)
			}
			if len(answers) != 1 {
				t.Fatalf("Expected exactly one answer, got %d", len(answers))
			}
			a := answers[0]
			if a.Provider != "openai" || a.Content != "4" || a.TokensUsed == nil || *a.TokensUsed != 12 || a.ResponseTime == nil {
				t.Errorf("Unexpected answer %+v", a)
			}

			if _, err := s.ClaimQuestion(ctx, "missing", stale); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestFailQuestionRecordsAttempts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, photos := newBatch(t, s, 1, time.Time{})
			q, _ := s.EnsureQuestion(ctx, photos[0].ID)

			attempts := []*models.Answer{
				{Provider: "a", Status: models.AnswerFailed, ErrorMessage: "timeout"},
				{Provider: "b", Status: models.AnswerRateLimited, ErrorMessage: "429"},
			}
			ok, err := s.FailQuestion(ctx, q.ID, "a: timeout | b: 429", attempts)
			if err != nil || !ok {
				t.Fatalf("FailQuestion failed: %v (%v)", ok, err)
			}

			got, _ := s.GetQuestionByPhoto(ctx, photos[0].ID)
			if got.Status != models.QuestionError || got.ErrorMessage != "a: timeout | b: 429" {
				t.Errorf("Unexpected question %+v", got)
			}
			answers, _ := s.ListAnswers(ctx, photos[0].BatchID)
			if len(answers) != 2 {
				t.Fatalf("Expected 2 recorded attempts, got %d", len(answers))
			}
			if models.LatestSuccessful(answers) != nil {
				t.Error("Failed attempts must not count as latest successful answer")
			}
		})
	}
}

func TestRefreshProgress(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch, photos := newBatch(t, s, 2, time.Time{})
			if _, err := s.SetBatchStatus(ctx, batch.ID, models.BatchProcessing); err != nil {
				t.Fatalf("SetBatchStatus failed: %v", err)
			}

			q0, _ := s.EnsureQuestion(ctx, photos[0].ID)
			if _, err := s.FailQuestion(ctx, q0.ID, "OCR extraction failed: blur", nil); err != nil {
				t.Fatalf("FailQuestion failed: %v", err)
			}

			b, err := s.RefreshProgress(ctx, batch.ID)
			if err != nil {
				t.Fatalf("RefreshProgress failed: %v", err)
			}
			if b.ProcessedPhotos != 1 || b.TotalPhotos != 2 || b.Status != models.BatchProcessing {
				t.Errorf("Unexpected batch after one photo %+v", b)
			}

			q1, _ := s.EnsureQuestion(ctx, photos[1].ID)
			s.ClaimQuestion(ctx, q1.ID, time.Now())
			s.SaveExtractedText(ctx, q1.ID, "text")
			s.AnswerQuestion(ctx, q1.ID, &models.Answer{Provider: "p", Status: models.AnswerSuccess}, nil)

			b, err = s.RefreshProgress(ctx, batch.ID)
			if err != nil {
				t.Fatalf("RefreshProgress failed: %v", err)
			}
			if b.ProcessedPhotos != 2 || b.Status != models.BatchDone {
				t.Errorf("Expected done batch, got %+v", b)
			}

			// idempotent
			b, _ = s.RefreshProgress(ctx, batch.ID)
			if b.ProcessedPhotos != 2 || b.Status != models.BatchDone {
				t.Errorf("Expected unchanged batch, got %+v", b)
			}

			if _, err := s.RefreshProgress(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRefreshProgressNeverLeavesError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch, _ := newBatch(t, s, 0, time.Time{})
			if ok, err := s.SetBatchStatus(ctx, batch.ID, models.BatchError); err != nil || !ok {
				t.Fatalf("SetBatchStatus failed: %v (%v)", ok, err)
			}

			b, err := s.RefreshProgress(ctx, batch.ID)
			if err != nil {
				t.Fatalf("RefreshProgress failed: %v", err)
			}
			if b.Status != models.BatchError {
				t.Errorf("Expected error status to stick, got %s", b.Status)
			}

			ok, err := s.SetBatchStatus(ctx, batch.ID, models.BatchProcessing)
			if err != nil || ok {
				t.Errorf("Expected terminal batch to refuse transition, got %v (%v)", ok, err)
			}
			if _, err := s.SetBatchStatus(ctx, "missing", models.BatchProcessing); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestConcurrentRefreshProgress(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch, photos := newBatch(t, s, 4, time.Time{})
			s.SetBatchStatus(ctx, batch.ID, models.BatchProcessing)

			var wg sync.WaitGroup
			for _, p := range photos {
				wg.Add(1)
				go func(photoID string) {
					defer wg.Done()
					q, err := s.EnsureQuestion(ctx, photoID)
					if err != nil {
						t.Errorf("EnsureQuestion failed: %v", err)
						return
					}
					s.FailQuestion(ctx, q.ID, "boom", nil)
					if _, err := s.RefreshProgress(ctx, batch.ID); err != nil {
						t.Errorf("RefreshProgress failed: %v", err)
					}
				}(p.ID)
			}
			wg.Wait()

			b, _ := s.GetBatch(ctx, batch.ID)
			if b.ProcessedPhotos != 4 || b.Status != models.BatchDone {
				t.Errorf("Expected 4/4 done, got %+v", b)
			}
		})
	}
}

func TestRetentionQueries(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			old, _ := newBatch(t, s, 2, now.Add(-8*24*time.Hour))
			recent, _ := newBatch(t, s, 1, now.Add(-24*time.Hour))

			expired, err := s.ListBatchesCreatedBefore(ctx, now.Add(-7*24*time.Hour))
			if err != nil {
				t.Fatalf("ListBatchesCreatedBefore failed: %v", err)
			}
			if len(expired) != 1 || expired[0].ID != old.ID {
				t.Fatalf("Expected only the old batch, got %+v", expired)
			}

			if err := s.DeleteBatch(ctx, old.ID); err != nil {
				t.Fatalf("DeleteBatch failed: %v", err)
			}
			if _, err := s.GetBatch(ctx, old.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected deleted batch to be gone, got %v", err)
			}
			if photos, _ := s.ListPhotos(ctx, old.ID); len(photos) != 0 {
				t.Errorf("Expected photos to cascade, got %d", len(photos))
			}
			if questions, _ := s.ListQuestions(ctx, old.ID); len(questions) != 0 {
				t.Errorf("Expected questions to cascade, got %d", len(questions))
			}
			if _, err := s.GetBatch(ctx, recent.ID); err != nil {
				t.Errorf("Expected recent batch to remain, got %v", err)
			}
			if err := s.DeleteBatch(ctx, old.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
			}

			all, _ := s.ListBatches(ctx)
			if len(all) != 1 || all[0].ID != recent.ID {
				t.Errorf("Expected only the recent batch listed, got %+v", all)
			}
		})
	}
}
