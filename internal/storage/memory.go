package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
)

// MemoryStore keeps everything in maps guarded by one RWMutex. Returned values are copies.
type MemoryStore struct {
	mu              sync.RWMutex
	batches         map[string]*models.Batch
	photos          map[string]*models.Photo
	questions       map[string]*models.Question
	questionByPhoto map[string]string
	answers         map[string][]*models.Answer
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		batches:         make(map[string]*models.Batch),
		photos:          make(map[string]*models.Photo),
		questions:       make(map[string]*models.Question),
		questionByPhoto: make(map[string]string),
		answers:         make(map[string][]*models.Answer),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateBatch(_ context.Context, batch *models.Batch, photos []*models.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareBatch(batch, photos)
	b := *batch
	s.batches[b.ID] = &b
	for _, p := range photos {
		cp := *p
		s.photos[cp.ID] = &cp
		s.newQuestionLocked(cp.ID, batch.CreatedAt)
	}
	return nil
}

func (s *MemoryStore) newQuestionLocked(photoID string, at time.Time) *models.Question {
	q := &models.Question{
		ID:        uuid.NewString(),
		PhotoID:   photoID,
		Status:    models.QuestionQueued,
		CreatedAt: at,
		UpdatedAt: at,
	}
	s.questions[q.ID] = q
	s.questionByPhoto[photoID] = q.ID
	return q
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(_ context.Context) ([]*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SetBatchStatus(_ context.Context, id string, status models.BatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return false, ErrNotFound
	}
	if b.Status.IsTerminal() {
		return false, nil
	}
	b.Status = status
	b.UpdatedAt = now()
	return true, nil
}

func (s *MemoryStore) RefreshProgress(_ context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}

	total, processed := 0, 0
	for _, p := range s.photos {
		if p.BatchID != batchID {
			continue
		}
		total++
		if q, ok := s.questions[s.questionByPhoto[p.ID]]; ok && q.Status.IsTerminal() {
			processed++
		}
	}

	b.TotalPhotos = total
	b.ProcessedPhotos = processed
	if !b.Status.IsTerminal() && processed >= total {
		b.Status = models.BatchDone
	}
	b.UpdatedAt = now()

	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatchesCreatedBefore(_ context.Context, cutoff time.Time) ([]*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Batch
	for _, b := range s.batches {
		if b.CreatedAt.Before(cutoff) {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return ErrNotFound
	}
	for pid, p := range s.photos {
		if p.BatchID != id {
			continue
		}
		if qid, ok := s.questionByPhoto[pid]; ok {
			delete(s.answers, qid)
			delete(s.questions, qid)
			delete(s.questionByPhoto, pid)
		}
		delete(s.photos, pid)
	}
	delete(s.batches, id)
	return nil
}

func (s *MemoryStore) GetPhoto(_ context.Context, id string) (*models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.photos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPhotos(_ context.Context, batchID string) ([]*models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.photosLocked(batchID), nil
}

func (s *MemoryStore) photosLocked(batchID string) []*models.Photo {
	var result []*models.Photo
	for _, p := range s.photos {
		if p.BatchID == batchID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Order < result[j].Order
	})
	return result
}

func (s *MemoryStore) FirstPhoto(ctx context.Context, batchID string) (*models.Photo, error) {
	return s.NextPhoto(ctx, batchID, -1)
}

func (s *MemoryStore) NextPhoto(_ context.Context, batchID string, afterOrder int) (*models.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.photosLocked(batchID) {
		if p.Order > afterOrder {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) EnsureQuestion(_ context.Context, photoID string) (*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.photos[photoID]; !ok {
		return nil, ErrNotFound
	}
	q, ok := s.questions[s.questionByPhoto[photoID]]
	if !ok {
		q = s.newQuestionLocked(photoID, now())
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) GetQuestionByPhoto(_ context.Context, photoID string) (*models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.questions[s.questionByPhoto[photoID]]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, batchID string) ([]*models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Question
	for _, p := range s.photosLocked(batchID) {
		if q, ok := s.questions[s.questionByPhoto[p.ID]]; ok {
			cp := *q
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ClaimQuestion(_ context.Context, questionID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status == models.QuestionQueued || (q.Status.InFlight() && q.UpdatedAt.Before(staleBefore)) {
		q.Status = models.QuestionExtracting
		q.UpdatedAt = now()
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) SaveExtractedText(_ context.Context, questionID, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status != models.QuestionExtracting {
		return false, nil
	}
	q.ExtractedText = text
	q.Status = models.QuestionSolving
	q.UpdatedAt = now()
	return true, nil
}

func (s *MemoryStore) AnswerQuestion(_ context.Context, questionID string, answer *models.Answer, attempts []*models.Answer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status != models.QuestionSolving {
		return false, nil
	}
	s.appendAnswersLocked(questionID, attempts)
	s.appendAnswersLocked(questionID, []*models.Answer{answer})
	q.Status = models.QuestionAnswered
	q.ErrorMessage = ""
	q.UpdatedAt = now()
	return true, nil
}

func (s *MemoryStore) FailQuestion(_ context.Context, questionID, message string, attempts []*models.Answer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return false, ErrNotFound
	}
	if q.Status.IsTerminal() {
		return false, nil
	}
	s.appendAnswersLocked(questionID, attempts)
	q.Status = models.QuestionError
	q.ErrorMessage = message
	q.UpdatedAt = now()
	return true, nil
}

func (s *MemoryStore) appendAnswersLocked(questionID string, answers []*models.Answer) {
	for _, a := range answers {
		prepareAnswer(a, questionID)
		cp := *a
		s.answers[questionID] = append(s.answers[questionID], &cp)
	}
}

func (s *MemoryStore) ListAnswers(_ context.Context, batchID string) ([]*models.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Answer
	for _, p := range s.photosLocked(batchID) {
		for _, a := range s.answers[s.questionByPhoto[p.ID]] {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

// prepareBatch fills ids, timestamps and initial counters before insert
func prepareBatch(batch *models.Batch, photos []*models.Photo) {
	t := now()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	if batch.Status == "" {
		batch.Status = models.BatchPending
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = t
	}
	batch.CreatedAt = batch.CreatedAt.UTC().Truncate(time.Microsecond)
	batch.UpdatedAt = batch.CreatedAt
	batch.TotalPhotos = len(photos)
	batch.ProcessedPhotos = 0

	for i, p := range photos {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.BatchID = batch.ID
		p.Order = i
		if p.UploadedAt.IsZero() {
			p.UploadedAt = batch.CreatedAt
		}
		p.UploadedAt = p.UploadedAt.UTC().Truncate(time.Microsecond)
	}
}

func prepareAnswer(a *models.Answer, questionID string) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.QuestionID = questionID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.CreatedAt = a.CreatedAt.UTC().Truncate(time.Microsecond)
}
