// Package completion defines the structured-completion capability the report core
// depends on, plus a langchaingo-backed implementation.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request is one completion call. Schema, when set, is a JSON schema the response
// must follow; the implementation switches to JSON mode.
type Request struct {
	System string
	Prompt string
	Schema string
}

// Completer asks a model for text (or JSON text when a schema is given).
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("completion: empty response")

// jsonAttempts bounds re-asking the model after malformed structured output.
const jsonAttempts = 2

// JSON completes req and decodes the response into out. validate, when non-nil,
// runs after a successful decode; a validation error counts as malformed output.
// out is reset with its zero value before every attempt.
func JSON[T any](ctx context.Context, c Completer, req Request, out *T, validate func(*T) error) error {
	if c == nil {
		return errors.New("completion: no completer configured")
	}

	var lastErr error
	for attempt := 0; attempt < jsonAttempts; attempt++ {
		raw, err := c.Complete(ctx, req)
		if err != nil {
			// transport retries already happened inside the completer
			return err
		}

		var zero T
		*out = zero
		if err := json.Unmarshal([]byte(StripCodeFence(raw)), out); err != nil {
			lastErr = fmt.Errorf("json parse error: %w", err)
			continue
		}
		if validate != nil {
			if err := validate(out); err != nil {
				lastErr = fmt.Errorf("validation failed: %w", err)
				continue
			}
		}
		return nil
	}
	return fmt.Errorf("structured output rejected after %d attempts: %w", jsonAttempts, lastErr)
}

// StripCodeFence removes a surrounding markdown code fence (```json ... ```).
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// SchemaInstruction renders the response-format block appended to system prompts.
func SchemaInstruction(schema string) string {
	return `# Response Format:
Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure as defined in the schema. Make sure to answer in valid json and include all necessary properties:
` + schema
}
