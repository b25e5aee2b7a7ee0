// Package queue delivers pipeline tasks at least once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotReady is wrapped by handlers whose task has to wait for another delivery to settle.
// Queues redeliver such tasks after a delay without counting them as failures.
var ErrNotReady = errors.New("task not ready")

// Kind names a pipeline step
type Kind string

const (
	KindStartBatch   Kind = "start_batch"
	KindProcessPhoto Kind = "process_photo"
)

// Task is one unit of work
type Task struct {
	Kind    Kind   `json:"kind"`
	BatchID string `json:"batch_id"`
	PhotoID string `json:"photo_id,omitempty"`
}

func StartBatch(batchID string) Task {
	return Task{Kind: KindStartBatch, BatchID: batchID}
}

func ProcessPhoto(batchID, photoID string) Task {
	return Task{Kind: KindProcessPhoto, BatchID: batchID, PhotoID: photoID}
}

// Queue accepts tasks for later delivery
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler processes a task. A returned error asks for redelivery.
type Handler func(ctx context.Context, task Task) error

func encode(task Task) ([]byte, error) {
	b, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(b, &task); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	switch task.Kind {
	case KindStartBatch, KindProcessPhoto:
	default:
		return Task{}, fmt.Errorf("unknown task kind %q", task.Kind)
	}
	return task, nil
}
