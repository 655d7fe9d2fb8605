package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrExhausted is wrapped when every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy configures exponential backoff with jitter.
type Policy struct {
	Name        string        // for logging
	MaxAttempts int           // total attempts, including the first
	Timeout     time.Duration // per attempt; zero means no per-attempt deadline
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // 0.0 to 1.0

	// OnRetry runs after each failed attempt that will be retried or that
	// exhausts the budget; permanent failures skip it.
	OnRetry func(attempt int, err error)
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   logrus.FieldLogger
}

// Default returns a policy with three attempts starting at one second.
func Default(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1.0 {
		p.Jitter = 0.1
	}
	if p.Name == "" {
		p.Name = "retry"
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.Log == nil {
		p.Log = logrus.StandardLogger()
	}
	return p
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a Permanent error, the budget runs
// out or ctx is done. It returns the number of attempts made.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	p = p.normalized()
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, err
		}

		v, err := runAttempt(ctx, p.Timeout, attempt, fn)
		if err == nil {
			if attempt > 1 {
				p.Log.Infof("[%s] Succeeded on attempt %d", p.Name, attempt)
			}
			return v, attempt, nil
		}
		lastErr = err

		if IsPermanent(err) {
			p.Log.Warnf("[%s] Non-retryable error: %v", p.Name, err)
			return zero, attempt, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if attempt == p.MaxAttempts {
			p.Log.Errorf("[%s] All %d attempts failed, last error: %v", p.Name, attempt, err)
			break
		}

		delay := p.delay(attempt)
		p.Log.Warnf("[%s] Attempt %d failed: %v. Retrying in %v...", p.Name, attempt, err, delay)
		if err := p.Sleep(ctx, delay); err != nil {
			return zero, attempt, err
		}
	}

	return zero, p.MaxAttempts, fmt.Errorf("%s: %w after %d attempts: %w", p.Name, ErrExhausted, p.MaxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx, attempt)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// delay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, with jitter.
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && d > 0 {
		rngMu.Lock()
		j := rng.Float64() * p.Jitter * d
		up := rng.Float64() < 0.5
		rngMu.Unlock()
		if up {
			d += j
		} else {
			d -= j
		}
	}
	if d < float64(p.BaseDelay) {
		d = float64(p.BaseDelay)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
