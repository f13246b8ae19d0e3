// Package ai is the generative-AI capability: provider clients that turn a
// prompt into text, and an Invoker that adds bounded retries and structured
// output extraction on top of them.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrTransient marks provider failures worth retrying: overload, rate
// limiting, server errors and network timeouts.
var ErrTransient = errors.New("transient provider error")

type GenerateRequest struct {
	Model     string
	System    string
	Prompt    string
	JSON      bool
	MaxTokens int
}

// Generator produces a completion for one prompt. Implementations wrap
// retryable failures with ErrTransient.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

const jsonInstruction = "Respond with a single RFC 8259 compliant JSON value only. " +
	"No prose, no trailing commas, escape every double quote inside strings."

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable")
}

type apiError struct {
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusError(provider string, status int, body apiError) error {
	msg := "no error message"
	if body.Error != nil {
		msg = strings.TrimSpace(body.Error.Type + " " + body.Error.Message)
	}

	if status == 429 || status == 529 || status >= 500 {
		return fmt.Errorf("%w: %s status %d: %s", ErrTransient, provider, status, msg)
	}
	return fmt.Errorf("%s status %d: %s", provider, status, msg)
}
