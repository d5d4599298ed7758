// Package llm wraps the text-completion collaborators behind one small
// interface. Providers only do the API call; cross-cutting concerns
// (logging, retries) are layered on via Middleware.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidJSON = errors.New("llm: invalid JSON from model")

// PermanentError marks a failure that will not resolve with retries,
// such as a prompt exceeding the model's context window.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// Client is the completion interface the pipeline consumes.
type Client interface {
	Name() string
	// GenerateJSON sends prompt plus a JSON-encoded input and expects a
	// JSON reply. The reply is returned raw; decoding is the caller's job.
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	// GenerateText sends prompt plus input and returns free text. When the
	// backend streams, onChunk receives incremental fragments; the full
	// text is always returned at the end. onChunk may be nil.
	GenerateText(ctx context.Context, prompt string, input any, onChunk func(chunk string)) (string, error)
	CountTokens(text string) int
	TokenCapacity() int
	Close() error
}

// CountTokens is the shared rough heuristic: about four characters per token.
func CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return len(text) / 4
}

type opKey struct{}

// WithOp tags the context with the pipeline operation name ("plan",
// "answer", "title") so logging and fakes can tell calls apart.
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

func OpFrom(ctx context.Context) string {
	if v, ok := ctx.Value(opKey{}).(string); ok {
		return v
	}
	return ""
}
