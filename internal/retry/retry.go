// Package retry provides a bounded retry executor with exponential backoff,
// jitter and a pluggable retryability predicate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusCoder is implemented by errors carrying an HTTP-like status code.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by errors carrying a provider retry-after hint.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Policy controls attempts and backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the +/- fraction applied to each computed delay (0.1 = 10%).
	Jitter   float64
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means IsRetryable.
	Retryable func(error) bool
	// HonorRetryAfter uses max(backoff, hint) when the error exposes RetryAfterer.
	HonorRetryAfter bool
}

// DefaultPolicy is the model-call policy: 3 attempts, 1s base, x4, 10% jitter, 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		Multiplier:      4,
		Jitter:          0.1,
		MaxDelay:        30 * time.Second,
		Retryable:       IsRetryable,
		HonorRetryAfter: true,
	}
}

// Executor runs functions under a Policy.
type Executor struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait between attempts (tests use a no-op).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRand replaces the jitter source; fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) { e.rand = fn }
}

// New creates an Executor. Zero-valued policy fields fall back to DefaultPolicy.
func New(p Policy, opts ...Option) *Executor {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	e := &Executor{policy: p, sleep: sleepContext, rand: rand.Float64}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the effective policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or attempts run out. attempt is 1-based. After exhausting attempts the
// last error is wrapped so errors.As still reaches the original.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !e.policy.Retryable(lastErr) {
			return lastErr
		}
		if attempt == e.policy.MaxAttempts {
			break
		}
		delay := e.delayFor(attempt, lastErr)
		log.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(lastErr).
			Msg("retry_scheduled")
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("retry exhausted after %d attempts: %w", e.policy.MaxAttempts, lastErr)
}

func (e *Executor) delayFor(attempt int, err error) time.Duration {
	d := Backoff(e.policy, attempt, e.rand())
	if !e.policy.HonorRetryAfter {
		return d
	}
	var ra RetryAfterer
	if errors.As(err, &ra) {
		// the hint is capped like any other delay so one header cannot park a turn
		hint := min(ra.RetryAfter(), e.policy.MaxDelay)
		if hint > d {
			d = hint
		}
	}
	return d
}

// Backoff computes the delay after the given 1-based attempt.
// r in [0,1) selects the jitter point inside [-Jitter, +Jitter].
func Backoff(p Policy, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		base += base * p.Jitter * (2*r - 1)
	}
	d := time.Duration(base)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

var networkSignatures = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"etimedout",
	"socket hang up",
	"i/o timeout",
	"tls handshake timeout",
	"no such host",
	"unexpected eof",
}

// IsRetryable reports whether err is transient: HTTP 429/500/502/503/504 or a
// network failure signature. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus[sc.HTTPStatus()]
	}
	return IsNetworkError(err)
}

// IsNetworkError matches transport-level failures by type or message.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range networkSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
