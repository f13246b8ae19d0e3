package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/lysyi3m/outing-planner/app/governor"
)

const DefaultMaxRetries = 3

type Request struct {
	Prompt     string
	System     string
	JSON       bool
	Model      string
	MaxRetries int
	MaxTokens  int
	// Label names the call in logs.
	Label string
}

type Response struct {
	Text     string
	JSON     json.RawMessage
	Attempts int
}

// Invoker calls a Generator under the ai pool with bounded retries.
// Failures are reported as a nil Response, never as errors: callers treat
// nil as "this step produced nothing" and carry on.
type Invoker struct {
	gen          Generator
	pool         *governor.Pool
	defaultModel string
	maxRetries   int
	baseDelay    time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewInvoker(gen Generator, pool *governor.Pool, defaultModel string, maxRetries int) *Invoker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Invoker{
		gen:          gen,
		pool:         pool,
		defaultModel: defaultModel,
		maxRetries:   maxRetries,
		baseDelay:    time.Second,
		sleep:        sleepContext,
	}
}

func (i *Invoker) DefaultModel() string {
	return i.defaultModel
}

// Invoke returns nil after a non-transient failure, after maxRetries
// transient failures, or when JSON was requested and none could be parsed.
func (i *Invoker) Invoke(ctx context.Context, req Request) *Response {
	model := req.Model
	if model == "" {
		model = i.defaultModel
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = i.maxRetries
	}

	genReq := GenerateRequest{
		Model:     model,
		System:    req.System,
		Prompt:    req.Prompt,
		JSON:      req.JSON,
		MaxTokens: req.MaxTokens,
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		var text string
		err := i.pool.Do(ctx, func(ctx context.Context) error {
			var err error
			text, err = i.gen.Generate(ctx, genReq)
			return err
		})

		if err == nil {
			resp := &Response{Text: text, Attempts: attempt}
			if !req.JSON {
				return resp
			}
			raw, ok := ExtractJSON(text)
			if !ok {
				slog.Warn("AI output was not valid JSON", "call", req.Label, "model", model, "length", len(text))
				return nil
			}
			resp.JSON = raw
			return resp
		}

		if !IsTransient(err) || ctx.Err() != nil {
			slog.Warn("AI call failed", "call", req.Label, "model", model, "attempt", attempt, "error", err)
			return nil
		}

		if attempt == maxRetries {
			slog.Warn("AI call failed after maximum retries", "call", req.Label, "model", model, "attempts", attempt, "error", err)
			return nil
		}

		delay := i.backoff(attempt)
		slog.Info("AI call retry scheduled", "call", req.Label, "model", model, "attempt", attempt, "delay", delay.String(), "error", err)
		if err := i.sleep(ctx, delay); err != nil {
			return nil
		}
	}

	return nil
}

// InvokeJSON decodes the JSON output into out and reports success.
func (i *Invoker) InvokeJSON(ctx context.Context, req Request, out any) bool {
	req.JSON = true
	resp := i.Invoke(ctx, req)
	if resp == nil {
		return false
	}
	if err := json.Unmarshal(resp.JSON, out); err != nil {
		slog.Warn("AI output did not match expected shape", "call", req.Label, "error", err)
		return false
	}
	return true
}

// backoff is 2^attempt base delays plus up to one base delay of jitter.
func (i *Invoker) backoff(attempt int) time.Duration {
	d := i.baseDelay * time.Duration(1<<uint(attempt))
	if i.baseDelay > 0 {
		d += time.Duration(rand.Int63n(int64(i.baseDelay)))
	}
	return d
}

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*[ \t]*\\r?\\n?(.*?)```")

// ExtractJSON prefers the first fenced code block, falls back to the whole
// text, and reports whether the result is valid JSON.
func ExtractJSON(text string) (json.RawMessage, bool) {
	candidate := strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	if candidate == "" || !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
