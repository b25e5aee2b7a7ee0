package models

import "time"

// BatchReport is the nested, client-facing view of a batch
type BatchReport struct {
	ID                 string        `json:"id" yaml:"id"`
	Status             BatchStatus   `json:"status" yaml:"status"`
	TotalPhotos        int           `json:"total_photos" yaml:"total_photos"`
	ProcessedPhotos    int           `json:"processed_photos" yaml:"processed_photos"`
	ProgressPercentage float64       `json:"progress_percentage" yaml:"progress_percentage"`
	CreatedAt          time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" yaml:"updated_at"`
	Photos             []PhotoReport `json:"photos" yaml:"photos"`
}

type PhotoReport struct {
	ID         string          `json:"id" yaml:"id"`
	Order      int             `json:"order" yaml:"order"`
	Filename   string          `json:"filename" yaml:"filename"`
	ImageRef   string          `json:"image_ref" yaml:"image_ref"`
	UploadedAt time.Time       `json:"uploaded_at" yaml:"uploaded_at"`
	Question   *QuestionReport `json:"question" yaml:"question,omitempty"`
}

type QuestionReport struct {
	ID            string         `json:"id" yaml:"id"`
	Status        QuestionStatus `json:"status" yaml:"status"`
	ExtractedText string         `json:"extracted_text" yaml:"extracted_text"`
	ErrorMessage  string         `json:"error_message" yaml:"error_message,omitempty"`
	Answers       []*Answer      `json:"answers" yaml:"answers"`
	LatestAnswer  *Answer        `json:"latest_answer" yaml:"latest_answer,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
}

// NewBatchReport assembles the nested view; questions and answers are keyed by photo and question id
func NewBatchReport(b *Batch, photos []*Photo, questions map[string]*Question, answers map[string][]*Answer) *BatchReport {
	report := &BatchReport{
		ID:                 b.ID,
		Status:             b.Status,
		TotalPhotos:        b.TotalPhotos,
		ProcessedPhotos:    b.ProcessedPhotos,
		ProgressPercentage: b.ProgressPercentage(),
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
		Photos:             make([]PhotoReport, 0, len(photos)),
	}

	for _, p := range photos {
		pr := PhotoReport{
			ID:         p.ID,
			Order:      p.Order,
			Filename:   p.Filename,
			ImageRef:   p.ImageRef,
			UploadedAt: p.UploadedAt,
		}
		if q, ok := questions[p.ID]; ok {
			qa := answers[q.ID]
			if qa == nil {
				qa = []*Answer{}
			}
			pr.Question = &QuestionReport{
				ID:            q.ID,
				Status:        q.Status,
				ExtractedText: q.ExtractedText,
				ErrorMessage:  q.ErrorMessage,
				Answers:       qa,
				LatestAnswer:  LatestSuccessful(qa),
				CreatedAt:     q.CreatedAt,
				UpdatedAt:     q.UpdatedAt,
			}
		}
		report.Photos = append(report.Photos, pr)
	}

	return report
}
