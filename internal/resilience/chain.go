package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is matched by every [ChainError].
var ErrAllFailed = errors.New("all attempts failed")

// Attempt is one alternative in a [Chain].
type Attempt[T any] struct {
	// Name identifies the attempt in logs, metrics and the aggregated error.
	Name string

	// When, if set, decides from the previous attempt's error whether this
	// attempt runs at all. Skipped attempts are not recorded.
	When func(prev error) bool

	// Run performs the attempt.
	Run func(ctx context.Context) (T, error)
}

// Failure records one failed attempt.
type Failure struct {
	Name string
	Err  error
}

// ChainError aggregates the failures of every attempt a [Chain] tried.
type ChainError struct {
	// Failures lists the attempts in the order they ran.
	Failures []Failure
}

// Attempts returns the names of the attempts that ran.
func (e *ChainError) Attempts() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return names
}

// Last returns the error of the final attempt, or nil if none ran.
func (e *ChainError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

func (e *ChainError) Error() string {
	var b strings.Builder
	b.WriteString(ErrAllFailed.Error())
	fmt.Fprintf(&b, "; attempts tried: [%s]", strings.Join(e.Attempts(), ", "))
	if last := e.Last(); last != nil {
		fmt.Fprintf(&b, "; last error: %v", last)
	}
	return b.String()
}

// Is reports whether target is [ErrAllFailed].
func (e *ChainError) Is(target error) bool { return target == ErrAllFailed }

// Unwrap exposes every attempt's error to errors.Is and errors.As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// stopError marks an error that ends the chain immediately.
type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop wraps err so that the [Chain] records it and tries no further
// attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Chain runs attempts in order until one succeeds.
type Chain[T any] struct {
	// Name labels the chain in log messages.
	Name string

	// Attempts are tried in order.
	Attempts []Attempt[T]

	// Observe, if set, is called after every attempt that ran, with a nil
	// error on success.
	Observe func(ctx context.Context, attempt string, err error)
}

// Run executes the chain. It returns the successful attempt's value and name,
// or a [*ChainError] naming every attempt tried. A cancelled context stops the
// chain before the next attempt; the context error is then the last failure.
func (c *Chain[T]) Run(ctx context.Context) (T, string, error) {
	var (
		zero    T
		chErr   ChainError
		prevErr error
	)
	for _, a := range c.Attempts {
		if a.When != nil && !a.When(prevErr) {
			continue
		}
		if err := ctx.Err(); err != nil {
			chErr.Failures = append(chErr.Failures, Failure{Name: a.Name, Err: err})
			return zero, "", &chErr
		}

		v, err := a.Run(ctx)
		if c.Observe != nil {
			c.Observe(ctx, a.Name, unwrapStop(err))
		}
		if err == nil {
			return v, a.Name, nil
		}

		var stop stopError
		if errors.As(err, &stop) {
			chErr.Failures = append(chErr.Failures, Failure{Name: a.Name, Err: stop.err})
			return zero, "", &chErr
		}
		slog.Debug("attempt failed, trying next", "chain", c.Name, "attempt", a.Name, "err", err)
		chErr.Failures = append(chErr.Failures, Failure{Name: a.Name, Err: err})
		prevErr = err
	}
	return zero, "", &chErr
}

func unwrapStop(err error) error {
	var stop stopError
	if errors.As(err, &stop) {
		return stop.err
	}
	return err
}
