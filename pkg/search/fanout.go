package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/report-helper/pkg/metrics"
)

// CallPolicy bounds every external search call.
type CallPolicy struct {
	Timeout     time.Duration
	Attempts    int
	Backoff     time.Duration
	Concurrency int
}

// DefaultCallPolicy matches the provider budgets used in production.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Timeout:     20 * time.Second,
		Attempts:    2,
		Backoff:     250 * time.Millisecond,
		Concurrency: 5,
	}
}

func (p CallPolicy) normalized() CallPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 5
	}
	return p
}

// queryOutcome holds the output of one query in its original slot.
type queryOutcome[T any] struct {
	Query string
	Value T
	Err   error
}

// fanOut runs fn for every query concurrently and returns the outcomes in query
// order. A failing query never cancels its siblings; its error is kept in the slot.
func fanOut[T any](ctx context.Context, source Source, queries []string, policy CallPolicy, logger *slog.Logger, fn func(ctx context.Context, query string) (T, error)) []queryOutcome[T] {
	policy = policy.normalized()
	outcomes := make([]queryOutcome[T], len(queries))

	g := new(errgroup.Group)
	g.SetLimit(policy.Concurrency)
	for i, q := range queries {
		outcomes[i].Query = q
		g.Go(func() error {
			v, err := withRetry(ctx, policy, func(ctx context.Context) (T, error) {
				return fn(ctx, q)
			})
			outcomes[i].Value = v
			outcomes[i].Err = err
			if err != nil {
				metrics.SearchQueries.WithLabelValues(string(source), "error").Inc()
				logger.Warn("Search query failed", "source", source, "query", q, "error", err)
			} else {
				metrics.SearchQueries.WithLabelValues(string(source), "ok").Inc()
			}
			return nil
		})
	}
	_ = g.Wait() // errors captured per outcome

	return outcomes
}

// withRetry applies the per-attempt timeout and fixed backoff of the policy.
func withRetry[T any](ctx context.Context, policy CallPolicy, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 && policy.Backoff > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(policy.Backoff):
			}
		}

		callCtx := ctx
		cancel := func() {}
		if policy.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		v, err := call(callCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", policy.Attempts, lastErr)
}

// cleanQueries trims queries and drops blanks and exact duplicates.
func cleanQueries(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}
