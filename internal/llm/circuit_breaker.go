package llm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned by Execute while a breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerSettings configures every breaker created by a CircuitBreaker
type BreakerSettings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	Timeout          time.Duration
}

// DefaultBreakerSettings opens after 5 consecutive failures and lets a
// trial call through after 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker keeps one breaker per key, e.g. per provider operation
type CircuitBreaker struct {
	settings BreakerSettings
	logger   *logrus.Logger
	breakers map[string]*Breaker
	mu       sync.RWMutex
}

// Breaker represents a single circuit breaker
type Breaker struct {
	failureThreshold uint32
	successThreshold uint32
	timeout          time.Duration

	failures    uint32
	successes   uint32
	lastFailure time.Time
	state       BreakerState
	mu          sync.Mutex
}

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(settings BreakerSettings, logger *logrus.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Execute runs fn unless the breaker for key is open
func (cb *CircuitBreaker) Execute(key string, fn func() error) error {
	breaker := cb.getOrCreateBreaker(key)

	if breaker.currentState() == StateOpen {
		return fmt.Errorf("%w for %s", ErrCircuitOpen, key)
	}

	err := fn()

	var transition string
	if err != nil {
		transition = breaker.recordFailure()
	} else {
		transition = breaker.recordSuccess()
	}
	if transition != "" {
		cb.logger.WithField("breaker", key).Warn(transition)
	}

	return err
}

// getOrCreateBreaker gets or creates a breaker for a key
func (cb *CircuitBreaker) getOrCreateBreaker(key string) *Breaker {
	cb.mu.RLock()
	breaker, exists := cb.breakers[key]
	cb.mu.RUnlock()

	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := cb.breakers[key]; exists {
		return breaker
	}

	breaker = &Breaker{
		failureThreshold: cb.settings.FailureThreshold,
		successThreshold: cb.settings.SuccessThreshold,
		timeout:          cb.settings.Timeout,
		state:            StateClosed,
	}

	cb.breakers[key] = breaker
	return breaker
}

// currentState returns the state, moving Open to HalfOpen once the
// timeout has elapsed.
func (b *Breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailure) > b.timeout {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
	}

	return b.state
}

func (b *Breaker) recordFailure() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			return fmt.Sprintf("opening circuit breaker after %d failures", b.failures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		return "re-opening circuit breaker after failure in half-open state"
	}
	return ""
}

func (b *Breaker) recordSuccess() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.successThreshold {
			n := b.successes
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			return fmt.Sprintf("closing circuit breaker after %d successes", n)
		}
	}
	return ""
}

// GetState returns the state of a specific breaker
func (cb *CircuitBreaker) GetState(key string) BreakerState {
	cb.mu.RLock()
	breaker, exists := cb.breakers[key]
	cb.mu.RUnlock()

	if !exists {
		return StateClosed
	}

	return breaker.currentState()
}

// Reset resets a specific breaker
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if breaker, exists := cb.breakers[key]; exists {
		breaker.mu.Lock()
		breaker.state = StateClosed
		breaker.failures = 0
		breaker.successes = 0
		breaker.mu.Unlock()
	}
}
