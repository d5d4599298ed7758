package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Middleware wraps a Client with a cross-cutting concern.
type Middleware func(next Client) Client

// Wrap applies middlewares outermost-first.
func Wrap(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// WithLogging logs request sizes and failures, tagged with the pipeline op.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Client) Client {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Client
	log  *slog.Logger
}

func (l *logging) Name() string             { return l.next.Name() }
func (l *logging) Close() error             { return l.next.Close() }
func (l *logging) CountTokens(s string) int { return l.next.CountTokens(s) }
func (l *logging) TokenCapacity() int       { return l.next.TokenCapacity() }

func (l *logging) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, _ := json.Marshal(input)
	l.log.Info("llm request", "op", OpFrom(ctx), "model", l.next.Name(), "bytes", len(prompt)+len(in))
	raw, err := l.next.GenerateJSON(ctx, prompt, input)
	if err != nil {
		l.log.Warn("llm error", "op", OpFrom(ctx), "err", err)
	}
	return raw, err
}

func (l *logging) GenerateText(ctx context.Context, prompt string, input any, onChunk func(chunk string)) (string, error) {
	in, _ := json.Marshal(input)
	l.log.Info("llm stream request", "op", OpFrom(ctx), "model", l.next.Name(), "bytes", len(prompt)+len(in))
	out, err := l.next.GenerateText(ctx, prompt, input, onChunk)
	if err != nil {
		l.log.Warn("llm stream error", "op", OpFrom(ctx), "err", err)
	}
	return out, err
}

// Retry retries GenerateJSON up to maxAttempts with exponential backoff.
// GenerateText is never retried: chunks may already have reached the caller,
// and replaying them would corrupt the stream.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Client) Client {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Client
	max  int
	base time.Duration
}

func (r *retrying) Name() string             { return r.next.Name() }
func (r *retrying) Close() error             { return r.next.Close() }
func (r *retrying) CountTokens(s string) int { return r.next.CountTokens(s) }
func (r *retrying) TokenCapacity() int       { return r.next.TokenCapacity() }

func (r *retrying) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.GenerateJSON(ctx, prompt, input)
		if err == nil {
			return resp, nil
		}
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return nil, err
		}
		last = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.base * time.Duration(1<<i)):
		}
	}
	return nil, last
}

func (r *retrying) GenerateText(ctx context.Context, prompt string, input any, onChunk func(chunk string)) (string, error) {
	return r.next.GenerateText(ctx, prompt, input, onChunk)
}
