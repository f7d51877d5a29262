// Package fallback implements ordered, named provider chains.
//
// Several decisions in the scoring pipeline are "try the richest option
// first, degrade deterministically" choices: which upstream resource seeds
// the language bundle, which strategy turns phone scores into an utterance
// score, how the pure-phone mapping is derived. Each of these is modelled as
// a [Chain] of named providers tried in registration order, with the name of
// the provider that actually produced the result recorded alongside it so
// that callers (and log readers) can tell which tier was used.
package fallback

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a [Chain] fails.
var ErrAllFailed = errors.New("all providers failed")

// Provider is one entry in a [Chain]: a name for logs and results, and the
// function that attempts to produce a value.
type Provider[T any] struct {
	// Name identifies this provider in logs and in [Result.Provider].
	Name string

	// Run attempts to produce the value. A non-nil error moves the chain on
	// to the next provider.
	Run func() (T, error)
}

// Result pairs a successfully produced value with the name of the provider
// that produced it.
type Result[T any] struct {
	Value    T
	Provider string
}

// Chain is an ordered list of named providers. Providers are tried in the
// order they were added; the first success wins.
//
// A Chain is immutable after construction and safe for concurrent use.
type Chain[T any] struct {
	providers []Provider[T]
}

// NewChain creates a [Chain] from the given providers, tried in order.
func NewChain[T any](providers ...Provider[T]) *Chain[T] {
	c := make([]Provider[T], len(providers))
	copy(c, providers)
	return &Chain[T]{providers: c}
}

// Execute tries each provider in order until one succeeds. Failures before
// the winning provider are logged at Warn level, since a non-first winner
// means the system is running in a degraded tier.
//
// Returns [ErrAllFailed] wrapped with the last error if every provider fails,
// or if the chain is empty.
func (c *Chain[T]) Execute() (Result[T], error) {
	var lastErr error
	for _, p := range c.providers {
		v, err := p.Run()
		if err == nil {
			return Result[T]{Value: v, Provider: p.Name}, nil
		}
		lastErr = err
		slog.Warn("provider failed, trying next", "provider", p.Name, "error", err)
	}
	var zero T
	if lastErr == nil {
		return Result[T]{Value: zero}, ErrAllFailed
	}
	return Result[T]{Value: zero}, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
