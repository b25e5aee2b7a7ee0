package models

import "time"

// BatchStatus is the lifecycle state of a Batch
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchDone       BatchStatus = "done"
	BatchError      BatchStatus = "error"
)

// IsTerminal reports whether no further automatic transition can occur
func (s BatchStatus) IsTerminal() bool {
	return s == BatchDone || s == BatchError
}

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchDone, BatchError:
		return true
	}
	return false
}

// QuestionStatus is the lifecycle state of a Question
type QuestionStatus string

const (
	QuestionQueued     QuestionStatus = "queued"
	QuestionExtracting QuestionStatus = "extracting"
	QuestionSolving    QuestionStatus = "solving"
	QuestionAnswered   QuestionStatus = "answered"
	QuestionError      QuestionStatus = "error"
)

// IsTerminal reports whether the question counts as processed
func (s QuestionStatus) IsTerminal() bool {
	return s == QuestionAnswered || s == QuestionError
}

// InFlight reports whether a step currently owns the question
func (s QuestionStatus) InFlight() bool {
	return s == QuestionExtracting || s == QuestionSolving
}

// AnswerStatus is the outcome of a single provider attempt
type AnswerStatus string

const (
	AnswerPending     AnswerStatus = "pending"
	AnswerSuccess     AnswerStatus = "success"
	AnswerFailed      AnswerStatus = "failed"
	AnswerRateLimited AnswerStatus = "rate_limited"
)

// Batch represents a group of photographed questions processed together
type Batch struct {
	ID              string      `json:"id"`
	Status          BatchStatus `json:"status"`
	TotalPhotos     int         `json:"total_photos"`
	ProcessedPhotos int         `json:"processed_photos"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ProgressPercentage returns processed/total as a percentage, 0 for an empty batch
func (b *Batch) ProgressPercentage() float64 {
	if b.TotalPhotos == 0 {
		return 0
	}
	return float64(b.ProcessedPhotos) / float64(b.TotalPhotos) * 100
}

// Photo represents one uploaded image within a batch
type Photo struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	Order      int       `json:"order"`
	ImageRef   string    `json:"image_ref"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Question holds the text extracted from a photo and its processing state
type Question struct {
	ID            string         `json:"id"`
	PhotoID       string         `json:"photo_id"`
	Status        QuestionStatus `json:"status"`
	ExtractedText string         `json:"extracted_text"`
	ErrorMessage  string         `json:"error_message"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Answer is an append-only record of one provider attempt
type Answer struct {
	ID           string       `json:"id" yaml:"id"`
	QuestionID   string       `json:"question_id" yaml:"question_id"`
	Provider     string       `json:"provider" yaml:"provider"`
	Model        string       `json:"model" yaml:"model"`
	Content      string       `json:"content" yaml:"content"`
	Status       AnswerStatus `json:"status" yaml:"status"`
	ErrorMessage string       `json:"error_message" yaml:"error_message"`
	TokensUsed   *int         `json:"tokens_used" yaml:"tokens_used"`
	ResponseTime *float64     `json:"response_time" yaml:"response_time"` // seconds
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
}

// LatestSuccessful returns the most recently created successful answer, or nil
func LatestSuccessful(answers []*Answer) *Answer {
	var latest *Answer
	for _, a := range answers {
		if a.Status != AnswerSuccess {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	return latest
}
