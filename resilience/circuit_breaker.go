package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
	ErrCircuitBreakerTimeout = errors.New("circuit breaker operation timeout")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig defines configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Timeout is how long to wait before transitioning from Open to Half-Open
	Timeout time.Duration

	// MaxConcurrentRequests is the max requests allowed in Half-Open state
	MaxConcurrentRequests int

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to go to Closed
	SuccessThreshold int

	// RequestTimeout bounds a single call; zero means no bound
	RequestTimeout time.Duration

	// OnStateChange, when set, is called after every state transition. It
	// runs on the goroutine that caused the transition and must not block.
	OnStateChange func(from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns the configuration used to guard
// backend connections: five consecutive connect failures open the circuit for
// thirty seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:           5,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		SuccessThreshold:      1,
		RequestTimeout:        30 * time.Second,
	}
}

// CircuitBreaker stops calls to a backend that keeps failing, then lets a
// limited number of probes through once Timeout has elapsed.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           int32 // CircuitBreakerState
	failures        int32
	successes       int32
	requests        int32
	lastFailureTime int64 // Unix nano

	mu sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  int32(StateClosed),
	}
}

// Execute runs fn unless the circuit is open. A call that outlives
// RequestTimeout counts as a failure; fn keeps running in the background and
// its result is discarded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := fn()
		cb.afterRequest()
		done <- err
	}()

	waitCtx := ctx
	if cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			cb.onFailure()
			return err
		}
		cb.onSuccess()
		return nil
	case <-waitCtx.Done():
		cb.onFailure()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrCircuitBreakerTimeout
		}
		return waitCtx.Err()
	}
}

// beforeRequest checks if the request should be allowed
func (cb *CircuitBreaker) beforeRequest() error {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return nil
	case StateOpen:
		if !cb.shouldAttemptReset() {
			return ErrCircuitBreakerOpen
		}
		cb.TransitionToHalfOpen()
		fallthrough
	case StateHalfOpen:
		if atomic.AddInt32(&cb.requests, 1) > int32(cb.config.MaxConcurrentRequests) {
			atomic.AddInt32(&cb.requests, -1)
			return ErrCircuitBreakerOpen
		}
		return nil
	}
	return ErrCircuitBreakerOpen
}

// afterRequest is called after a request completes
func (cb *CircuitBreaker) afterRequest() {
	if CircuitBreakerState(atomic.LoadInt32(&cb.state)) == StateHalfOpen {
		atomic.AddInt32(&cb.requests, -1)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt32(&cb.failures, 0)
	case StateHalfOpen:
		if int(atomic.AddInt32(&cb.successes, 1)) >= cb.config.SuccessThreshold {
			cb.transitionToClosed()
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	failures := atomic.AddInt32(&cb.failures, 1)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if int(failures) >= cb.config.MaxFailures {
			cb.transitionToOpen()
		}
	case StateHalfOpen:
		cb.transitionToOpen()
	}
}

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.Timeout
}

// setState moves the breaker to state, resetting the counters listed by
// reset, and reports the change to OnStateChange.
func (cb *CircuitBreaker) setState(state CircuitBreakerState, reset ...*int32) {
	cb.mu.Lock()
	from := CircuitBreakerState(atomic.SwapInt32(&cb.state, int32(state)))
	for _, counter := range reset {
		atomic.StoreInt32(counter, 0)
	}
	if state == StateOpen {
		atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())
	}
	cb.mu.Unlock()

	if from != state && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, state)
	}
}

func (cb *CircuitBreaker) transitionToClosed() {
	cb.setState(StateClosed, &cb.failures, &cb.successes, &cb.requests)
}

func (cb *CircuitBreaker) transitionToOpen() {
	cb.setState(StateOpen)
}

// TransitionToHalfOpen lets probe requests through again.
func (cb *CircuitBreaker) TransitionToHalfOpen() {
	cb.setState(StateHalfOpen, &cb.successes, &cb.requests)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	return int(atomic.LoadInt32(&cb.failures))
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.transitionToClosed()
}

// Breakers hands out one CircuitBreaker per name, created on first use.
type Breakers struct {
	config   CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers returns an empty registry whose breakers use config.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker registered under name.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(b.config)
		b.breakers[name] = cb
	}
	return cb
}

// Configure replaces the configuration used for breakers created under name
// from now on.
func (b *Breakers) Configure(name string, config CircuitBreakerConfig) {
	b.mu.Lock()
	b.breakers[name] = NewCircuitBreaker(config)
	b.mu.Unlock()
}
