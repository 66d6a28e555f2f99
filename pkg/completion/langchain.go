package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/report-helper/pkg/metrics"
)

// LangChain implements Completer on top of a langchaingo model.
type LangChain struct {
	LLM        llms.Model
	Timeout    time.Duration
	MaxRetries int
	// Backoff is multiplied by the attempt number (linear backoff).
	Backoff     time.Duration
	Temperature float64
	Logger      *slog.Logger
}

func NewLangChain(llm llms.Model, timeout time.Duration, maxRetries int) *LangChain {
	return &LangChain{
		LLM:         llm,
		Timeout:     timeout,
		MaxRetries:  maxRetries,
		Backoff:     time.Second,
		Temperature: 0.4,
		Logger:      slog.Default(),
	}
}

func (l *LangChain) Complete(ctx context.Context, req Request) (string, error) {
	system := req.System
	opts := []llms.CallOption{llms.WithTemperature(l.Temperature)}
	if req.Schema != "" {
		system = strings.TrimSpace(system + "\n\n" + SchemaInstruction(req.Schema))
		opts = append(opts, llms.WithJSONMode())
	}

	var messages []llms.MessageContent
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	retries := l.MaxRetries
	if retries <= 0 {
		retries = 1
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(l.Backoff * time.Duration(i)):
			}
		}

		content, err := l.generate(ctx, messages, opts)
		if err != nil {
			lastErr = err
			continue
		}
		metrics.CompletionCalls.WithLabelValues("ok").Inc()
		return content, nil
	}

	metrics.CompletionCalls.WithLabelValues("error").Inc()
	return "", fmt.Errorf("operation failed after %d retries: %w", retries, lastErr)
}

func (l *LangChain) generate(ctx context.Context, messages []llms.MessageContent, opts []llms.CallOption) (string, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	resp, err := l.LLM.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
