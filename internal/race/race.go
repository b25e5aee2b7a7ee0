// Package race asks every configured LLM provider concurrently and keeps the first successful answer.
package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/photoqa/internal/providers"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrNoProviders   = errors.New("no LLM providers configured")
	ErrEmptyQuestion = errors.New("question text is empty")
)

// FailedError is returned when every provider failed
type FailedError struct {
	Failures []providers.Result
}

func (e *FailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Provider, f.Err))
	}
	return strings.Join(parts, " | ")
}

// Options tunes a Coordinator
type Options struct {
	// Timeout bounds each provider call
	Timeout time.Duration
}

// Outcome of a settled race
type Outcome struct {
	Winner providers.Result
	// Failures holds attempts that failed before the winner arrived, in completion order
	Failures []providers.Result
}

// Coordinator races a fixed list of providers
type Coordinator struct {
	clients []providers.Client
	timeout time.Duration
}

func New(opts Options, clients ...providers.Client) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Coordinator{clients: clients, timeout: opts.Timeout}
}

// Providers returns the configured provider names in order
func (c *Coordinator) Providers() []string {
	names := make([]string, 0, len(c.clients))
	for _, cl := range c.clients {
		names = append(names, cl.Name())
	}
	return names
}

type indexed struct {
	idx    int
	result providers.Result
}

// Solve returns the first successful provider answer for text
func (c *Coordinator) Solve(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrEmptyQuestion
	}
	if len(c.clients) == 0 {
		return Outcome{}, ErrNoProviders
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan indexed, len(c.clients))
	for i, cl := range c.clients {
		go func(i int, cl providers.Client) {
			callCtx, callCancel := context.WithTimeout(ctx, c.timeout)
			defer callCancel()
			results <- indexed{idx: i, result: providers.Query(callCtx, cl, text)}
		}(i, cl)
	}

	failures := make([]providers.Result, len(c.clients))
	var failed []providers.Result
	for range c.clients {
		var r indexed
		select {
		case r = <-results:
		case <-ctx.Done():
			return Outcome{Failures: failed}, fmt.Errorf("race aborted: %w", ctx.Err())
		}

		if r.result.Success() {
			slog.Debug("provider won race", "provider", r.result.Provider, "model", r.result.Model)
			return Outcome{Winner: r.result, Failures: failed}, nil
		}

		slog.Warn("provider failed", "provider", r.result.Provider, "rate_limited", r.result.RateLimited(), "err", r.result.Err)
		failures[r.idx] = r.result
		failed = append(failed, r.result)
	}

	return Outcome{Failures: failed}, &FailedError{Failures: failures}
}
