package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/files"
	"github.com/lehigh-university-libraries/photoqa/internal/models"
	"github.com/lehigh-university-libraries/photoqa/internal/ocr"
	"github.com/lehigh-university-libraries/photoqa/internal/providers"
	"github.com/lehigh-university-libraries/photoqa/internal/queue"
	"github.com/lehigh-university-libraries/photoqa/internal/race"
	"github.com/lehigh-university-libraries/photoqa/internal/storage"
)

// extractorFunc maps stored image bytes to OCR results
type extractorFunc func(image []byte) (string, error)

func (f extractorFunc) ExtractText(_ context.Context, image []byte) (string, error) {
	return f(image)
}

type fakeProvider struct {
	name   string
	answer func(prompt string) (string, error)
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return f.name + "-model" }
func (f *fakeProvider) Complete(_ context.Context, prompt string) (providers.Completion, error) {
	text, err := f.answer(prompt)
	if err != nil {
		return providers.Completion{}, err
	}
	tokens := 10
	return providers.Completion{Text: text, TokensUsed: &tokens}, nil
}

// recordingQueue checks that a photo is only dispatched after its predecessor settled
type recordingQueue struct {
	*queue.Memory
	store storage.Store
	t     *testing.T

	mu         sync.Mutex
	dispatched []string
}

func (q *recordingQueue) Enqueue(ctx context.Context, task queue.Task) error {
	if task.Kind == queue.KindProcessPhoto {
		photo, err := q.store.GetPhoto(ctx, task.PhotoID)
		if err == nil && photo.Order > 0 {
			photos, _ := q.store.ListPhotos(ctx, task.BatchID)
			prev, _ := q.store.GetQuestionByPhoto(ctx, photos[photo.Order-1].ID)
			if prev == nil || !prev.Status.IsTerminal() {
				q.t.Errorf("photo %d dispatched before photo %d settled", photo.Order, photo.Order-1)
			}
		}
		q.mu.Lock()
		q.dispatched = append(q.dispatched, task.PhotoID)
		q.mu.Unlock()
	}
	return q.Memory.Enqueue(ctx, task)
}

type harness struct {
	store *storage.MemoryStore
	files *files.Local
	queue *recordingQueue
	proc  *Processor
}

func newHarness(t *testing.T, extractor TextExtractor, solver Solver, opts Options) *harness {
	t.Helper()
	fs, err := files.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	store := storage.NewMemory()
	q := &recordingQueue{Memory: queue.NewMemory(2, queue.WithRetryDelay(time.Millisecond)), store: store, t: t}
	proc := New(store, fs, extractor, solver, q, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, proc.Handle)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &harness{store: store, files: fs, queue: q, proc: proc}
}

func (h *harness) createBatch(t *testing.T, contents ...string) (*models.Batch, []*models.Photo) {
	t.Helper()
	ctx := context.Background()
	photos := make([]*models.Photo, len(contents))
	for i, c := range contents {
		key := files.NewKey(time.Now(), fmt.Sprintf("q%d.png", i))
		if err := h.files.Save(ctx, key, []byte(c)); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		photos[i] = &models.Photo{ImageRef: key, Filename: fmt.Sprintf("q%d.png", i)}
	}
	batch := &models.Batch{}
	if err := h.store.CreateBatch(ctx, batch, photos); err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	return batch, photos
}

func (h *harness) run(t *testing.T, batchID string) *models.Batch {
	t.Helper()
	if err := h.queue.Enqueue(context.Background(), queue.StartBatch(batchID)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.queue.Wait()
	b, err := h.store.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	return b
}

func scenarioExtractor(image []byte) (string, error) {
	switch string(image) {
	case "blurry":
		return "", &ocr.Error{Err: errors.New("tesseract returned garbage")}
	default:
		return string(image), nil
	}
}

func TestEndToEndThreePhotos(t *testing.T) {
	always := &fakeProvider{name: "A", answer: func(string) (string, error) {
		return "", errors.New("timeout")
	}}
	sometimes := &fakeProvider{name: "B", answer: func(prompt string) (string, error) {
		if strings.Contains(prompt, "What is 2+2?") {
			return "4", nil
		}
		return "", errors.New("rate limited")
	}}
	solver := race.New(race.Options{Timeout: time.Second}, always, sometimes)

	h := newHarness(t, extractorFunc(scenarioExtractor), solver, Options{})
	batch, photos := h.createBatch(t, "blurry", "Unanswerable riddle", "What is 2+2?")

	done := h.run(t, batch.ID)
	if done.Status != models.BatchDone || done.ProcessedPhotos != 3 || done.TotalPhotos != 3 {
		t.Fatalf("Expected done 3/3, got %+v", done)
	}

	ctx := context.Background()
	q0, _ := h.store.GetQuestionByPhoto(ctx, photos[0].ID)
	if q0.Status != models.QuestionError || !strings.HasPrefix(q0.ErrorMessage, "OCR extraction failed") {
		t.Errorf("Unexpected photo 0 question %+v", q0)
	}

	q1, _ := h.store.GetQuestionByPhoto(ctx, photos[1].ID)
	if q1.Status != models.QuestionError {
		t.Errorf("Expected photo 1 error, got %s", q1.Status)
	}
	if q1.ErrorMessage != "A: timeout | B: rate limited" {
		t.Errorf("Unexpected photo 1 message %q", q1.ErrorMessage)
	}
	if q1.ExtractedText != "Unanswerable riddle" {
		t.Errorf("Expected extracted text to be kept, got %q", q1.ExtractedText)
	}

	q2, _ := h.store.GetQuestionByPhoto(ctx, photos[2].ID)
	if q2.Status != models.QuestionAnswered {
		t.Errorf("Expected photo 2 answered, got %s", q2.Status)
	}

	answers, _ := h.store.ListAnswers(ctx, batch.ID)
	if len(answers) != 1 {
		t.Fatalf("Expected a single answer, got %d", len(answers))
	}
	a := answers[0]
	if a.QuestionID != q2.ID || a.Status != models.AnswerSuccess || a.Provider != "B" || a.Content != "4" {
		t.Errorf("Unexpected answer %+v", a)
	}
	if a.TokensUsed == nil || a.ResponseTime == nil {
		t.Errorf("Expected tokens and latency on answer %+v", a)
	}

	h.queue.mu.Lock()
	defer h.queue.mu.Unlock()
	want := []string{photos[0].ID, photos[1].ID, photos[2].ID}
	if fmt.Sprint(h.queue.dispatched) != fmt.Sprint(want) {
		t.Errorf("Expected dispatch order %v, got %v", want, h.queue.dispatched)
	}
}

func TestRecordFailedAttempts(t *testing.T) {
	failing := &fakeProvider{name: "A", answer: func(string) (string, error) {
		return "", &providers.StatusError{Provider: "A", Code: 429, Body: "slow down"}
	}}
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}, failing), Options{RecordFailedAttempts: true})
	batch, _ := h.createBatch(t, "Prove Fermat's last theorem")

	h.run(t, batch.ID)

	answers, _ := h.store.ListAnswers(context.Background(), batch.ID)
	if len(answers) != 1 {
		t.Fatalf("Expected one recorded attempt, got %d", len(answers))
	}
	if answers[0].Status != models.AnswerRateLimited || answers[0].Provider != "A" {
		t.Errorf("Unexpected attempt %+v", answers[0])
	}
}

func TestNoProvidersConfigured(t *testing.T) {
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}), Options{})
	batch, photos := h.createBatch(t, "What is 2+2?")

	done := h.run(t, batch.ID)
	if done.Status != models.BatchDone {
		t.Errorf("Expected done, got %s", done.Status)
	}
	q, _ := h.store.GetQuestionByPhoto(context.Background(), photos[0].ID)
	if q.Status != models.QuestionError || q.ErrorMessage != "no LLM providers configured" {
		t.Errorf("Unexpected question %+v", q)
	}
}

func TestEmptyBatchCompletes(t *testing.T) {
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}), Options{})
	batch, _ := h.createBatch(t)

	done := h.run(t, batch.ID)
	if done.Status != models.BatchDone || done.ProgressPercentage() != 0 {
		t.Errorf("Expected empty batch done at 0%%, got %+v", done)
	}
}

func TestStartBatchIgnoresTerminalAndMissing(t *testing.T) {
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}), Options{})
	ctx := context.Background()

	if err := h.proc.StartBatch(ctx, "missing"); err != nil {
		t.Errorf("Expected missing batch to be skipped, got %v", err)
	}

	batch, _ := h.createBatch(t, "x")
	h.store.SetBatchStatus(ctx, batch.ID, models.BatchError)
	if err := h.proc.StartBatch(ctx, batch.ID); err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}
	h.queue.Wait()

	b, _ := h.store.GetBatch(ctx, batch.ID)
	if b.Status != models.BatchError {
		t.Errorf("Expected batch to stay in error, got %s", b.Status)
	}
	if len(h.queue.dispatched) != 0 {
		t.Errorf("Expected no photo dispatch, got %v", h.queue.dispatched)
	}
}

func TestProcessPhotoMissing(t *testing.T) {
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}), Options{})
	if err := h.proc.ProcessPhoto(context.Background(), "missing"); err != nil {
		t.Errorf("Expected missing photo to be skipped, got %v", err)
	}
}

func TestRedeliveryDoesNotDuplicateAnswers(t *testing.T) {
	ok := &fakeProvider{name: "B", answer: func(string) (string, error) { return "4", nil }}
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}, ok), Options{})
	batch, photos := h.createBatch(t, "What is 2+2?")

	h.run(t, batch.ID)

	if err := h.proc.ProcessPhoto(context.Background(), photos[0].ID); err != nil {
		t.Fatalf("Redelivered ProcessPhoto failed: %v", err)
	}
	h.queue.Wait()

	answers, _ := h.store.ListAnswers(context.Background(), batch.ID)
	if len(answers) != 1 {
		t.Errorf("Expected one answer after redelivery, got %d", len(answers))
	}
	b, _ := h.store.GetBatch(context.Background(), batch.ID)
	if b.ProcessedPhotos != 1 || b.Status != models.BatchDone {
		t.Errorf("Unexpected batch after redelivery %+v", b)
	}
}

func TestRedeliveredInFlightPhotoFinishesBatch(t *testing.T) {
	var extractions atomic.Int32
	extractor := extractorFunc(func(image []byte) (string, error) {
		extractions.Add(1)
		return string(image), nil
	})
	ok := &fakeProvider{name: "B", answer: func(string) (string, error) { return "4", nil }}
	h := newHarness(t, extractor, race.New(race.Options{}, ok), Options{StepTimeout: time.Minute})
	batch, photos := h.createBatch(t, "What is 2+2?", "What is 3+3?")
	ctx := context.Background()

	// photo 0 was claimed by a worker that died mid-step
	q, _ := h.store.EnsureQuestion(ctx, photos[0].ID)
	h.store.ClaimQuestion(ctx, q.ID, time.Now())

	// the claim only goes stale from the fourth look onwards
	var clock atomic.Int32
	h.proc.now = func() time.Time {
		if clock.Add(1) > 3 {
			return time.Now().Add(2 * time.Minute)
		}
		return time.Now()
	}

	if err := h.proc.ProcessPhoto(ctx, photos[0].ID); !errors.Is(err, ErrInFlight) {
		t.Fatalf("Expected ErrInFlight for a fresh claim, got %v", err)
	}
	if !errors.Is(ErrInFlight, queue.ErrNotReady) {
		t.Error("Expected ErrInFlight to ask the queue for a later redelivery")
	}
	if extractions.Load() != 0 {
		t.Error("Expected the in-flight photo not to be extracted twice")
	}

	if err := h.queue.Enqueue(ctx, queue.ProcessPhoto(batch.ID, photos[0].ID)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.queue.Wait()

	if clock.Load() < 4 {
		t.Errorf("Expected the redelivery to be retried until the claim went stale, got %d claims", clock.Load())
	}
	for i, photo := range photos {
		got, _ := h.store.GetQuestionByPhoto(ctx, photo.ID)
		if got.Status != models.QuestionAnswered {
			t.Errorf("Expected photo %d answered, got %s", i, got.Status)
		}
	}
	b, _ := h.store.GetBatch(ctx, batch.ID)
	if b.Status != models.BatchDone || b.ProcessedPhotos != 2 {
		t.Errorf("Expected done 2/2 after redelivery, got %+v", b)
	}
}

func TestStaleQuestionIsReclaimed(t *testing.T) {
	ok := &fakeProvider{name: "B", answer: func(string) (string, error) { return "4", nil }}
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}, ok), Options{StepTimeout: time.Minute})
	batch, photos := h.createBatch(t, "What is 2+2?")
	ctx := context.Background()

	q, _ := h.store.EnsureQuestion(ctx, photos[0].ID)
	h.store.ClaimQuestion(ctx, q.ID, time.Now())
	h.proc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := h.proc.ProcessPhoto(ctx, photos[0].ID); err != nil {
		t.Fatalf("ProcessPhoto failed: %v", err)
	}
	h.queue.Wait()

	got, _ := h.store.GetQuestionByPhoto(ctx, photos[0].ID)
	if got.Status != models.QuestionAnswered {
		t.Errorf("Expected reclaimed question answered, got %s", got.Status)
	}
	b, _ := h.store.GetBatch(ctx, batch.ID)
	if b.Status != models.BatchDone {
		t.Errorf("Expected done batch, got %s", b.Status)
	}
}

func TestUnexpectedFaultIsRecorded(t *testing.T) {
	extractor := extractorFunc(func([]byte) (string, error) {
		var m map[string]int
		m["boom"]++
		return "", nil
	})
	h := newHarness(t, extractor, race.New(race.Options{}), Options{})
	batch, photos := h.createBatch(t, "x", "y")

	done := h.run(t, batch.ID)
	if done.Status != models.BatchDone || done.ProcessedPhotos != 2 {
		t.Fatalf("Expected batch to finish despite faults, got %+v", done)
	}
	q, _ := h.store.GetQuestionByPhoto(context.Background(), photos[1].ID)
	if q.Status != models.QuestionError || !strings.HasPrefix(q.ErrorMessage, "unexpected error while processing photo: ") {
		t.Errorf("Unexpected question %+v", q)
	}
}

func TestMissingImageFileIsRecorded(t *testing.T) {
	h := newHarness(t, extractorFunc(scenarioExtractor), race.New(race.Options{}), Options{})
	batch, photos := h.createBatch(t, "x")
	h.files.Delete(context.Background(), photos[0].ImageRef)

	done := h.run(t, batch.ID)
	if done.Status != models.BatchDone {
		t.Errorf("Expected done, got %s", done.Status)
	}
	q, _ := h.store.GetQuestionByPhoto(context.Background(), photos[0].ID)
	if q.Status != models.QuestionError {
		t.Errorf("Expected question error, got %s", q.Status)
	}
}
