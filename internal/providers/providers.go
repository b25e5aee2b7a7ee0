package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SolvePrompt prefixes every question sent to a provider
const SolvePrompt = "Please solve this question and provide a clear, step-by-step solution:\n\n"

// Completion is the raw text returned by a provider
type Completion struct {
	Text       string
	TokensUsed *int
}

// Client defines the interface for an LLM provider
type Client interface {
	Name() string
	Model() string
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// Result describes one provider attempt
type Result struct {
	Provider     string
	Model        string
	Answer       string
	TokensUsed   *int
	ResponseTime *float64
	Err          error
}

// Success reports whether the provider produced an answer
func (r Result) Success() bool {
	return r.Err == nil
}

// RateLimited reports whether the provider rejected the call with HTTP 429
func (r Result) RateLimited() bool {
	var se *StatusError
	return errors.As(r.Err, &se) && se.RateLimited()
}

// StatusError is returned by HTTP-backed clients on a non-200 response
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Code, e.Body)
}

func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}

// Query asks a single provider to solve question. It never fails; errors are carried in Result.Err.
func Query(ctx context.Context, c Client, question string) (result Result) {
	result = Result{Provider: c.Name(), Model: c.Model()}
	start := time.Now()

	defer func() {
		elapsed := time.Since(start).Seconds()
		result.ResponseTime = &elapsed
		if r := recover(); r != nil {
			result.Answer = ""
			result.Err = fmt.Errorf("provider panicked: %v", r)
		}
	}()

	completion, err := c.Complete(ctx, SolvePrompt+question)
	if err != nil {
		result.Err = err
		return result
	}

	result.Answer = completion.Text
	result.TokensUsed = completion.TokensUsed
	return result
}
