package ai

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/quillforge/quill/internal/types"
)

// RetryConfig holds retry and resilience configuration for provider calls.
type RetryConfig struct {
	MaxRetries        int           // retries after the first attempt (default: 3)
	InitialBackoff    time.Duration // default: 1s
	MaxBackoff        time.Duration // default: 30s
	BackoffMultiplier float64       // default: 2.0
	Timeout           time.Duration // per-request timeout (default: 60s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool
	FailureThreshold      int           // failures before opening (default: 5)
	SuccessThreshold      int           // half-open successes before closing (default: 2)
	OpenTimeout           time.Duration // how long to stay open (default: 30s)

	// MaxConcurrentCalls caps in-flight provider calls (0 = unlimited)
	MaxConcurrentCalls int

	// RequestsPerSecond rate-limits outgoing traffic (0 = unlimited)
	RequestsPerSecond float64
}

// DefaultRetryConfig returns the default resilience configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               60 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
		RequestsPerSecond:     2,
	}
}

// CircuitState is the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing fast
	CircuitHalfOpen                     // probing for recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker is failing fast.
var ErrCircuitOpen = types.NewError(types.ErrCodeProviderCall, "provider circuit breaker is open")

// CircuitBreaker prevents cascading failures by failing fast once the
// provider proves unhealthy.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow reports whether a request may proceed. Returns ErrCircuitOpen while
// failing fast.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			log.Printf("ai: circuit breaker OPEN → HALF_OPEN (probing)")
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess notes a successful call, closing a half-open circuit once
// enough probes succeed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			log.Printf("ai: circuit breaker HALF_OPEN → CLOSED (recovered)")
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notes a failed call, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		log.Printf("ai: circuit breaker HALF_OPEN → OPEN (probe failed)")
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitOpen
			log.Printf("ai: circuit breaker CLOSED → OPEN (%d consecutive failures)", cb.failureCount)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// retryWithBackoff runs fn with per-attempt timeout, exponential backoff, and
// breaker accounting. Only transient errors (E201/E203) are retried.
func (p *Provider) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return types.WrapError(types.ErrCodeProviderCall, err, "failed to acquire provider slot for %s", operation)
		}
		defer p.sem.Release(1)
	}

	var lastErr error
	backoff := p.retry.InitialBackoff

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				return err
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return types.WrapError(types.ErrCodeProviderCall, err, "%s canceled waiting for rate limiter", operation)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			if attempt > 0 {
				log.Printf("ai: %s succeeded after %d retries", operation, attempt)
			}
			return nil
		}

		lastErr = err
		transient := types.IsTransient(err)
		if p.breaker != nil && transient {
			p.breaker.RecordFailure()
		}
		if !transient {
			return err
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return types.WrapError(types.ErrCodeProviderCall, ctx.Err(), "%s canceled", operation)
		}

		log.Printf("ai: %s failed (attempt %d/%d), retrying in %v: %v",
			operation, attempt+1, p.retry.MaxRetries+1, backoff, err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * p.retry.BackoffMultiplier)
			if backoff > p.retry.MaxBackoff {
				backoff = p.retry.MaxBackoff
			}
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeProviderCall, ctx.Err(), "%s canceled during backoff", operation)
		}
	}

	return types.WrapError(types.CodeOf(lastErr), lastErr, "%s failed after %d attempts", operation, p.retry.MaxRetries+1)
}
