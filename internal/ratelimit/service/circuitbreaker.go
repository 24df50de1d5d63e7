package service

import "sync"

// CircuitBreaker tracks consecutive primary store errors so the limiter can
// fail over to in-memory buckets:
//   - Open after failureThreshold consecutive failures; while open, checks go
//     to the fallback store and results are marked degraded.
//   - While open, every retryEvery-th check still tries the primary.
//   - Close after successThreshold consecutive successful primary checks.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            circuitState
	failureCount     int
	successCount     int
	skipped          int
	failureThreshold int
	successThreshold int
	retryEvery       int
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
)

func newCircuitBreaker(failureThreshold, successThreshold, retryEvery int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            circuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		retryEvery:       retryEvery,
	}
}

func (c *CircuitBreaker) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == circuitOpen
}

// ShouldTryPrimary reports whether a check should try the primary store.
func (c *CircuitBreaker) ShouldTryPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == circuitClosed {
		return true
	}
	c.skipped++
	if c.skipped >= c.retryEvery {
		c.skipped = 0
		return true
	}
	return false
}

// RecordFailure returns true when the circuit is open after the failure.
func (c *CircuitBreaker) RecordFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCount++
	c.successCount = 0
	if c.state == circuitOpen {
		return true
	}
	if c.failureCount >= c.failureThreshold {
		c.state = circuitOpen
		c.skipped = 0
		return true
	}
	return false
}

// RecordSuccess returns true when the circuit is closed after the success.
func (c *CircuitBreaker) RecordSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == circuitOpen {
		c.successCount++
		if c.successCount >= c.successThreshold {
			c.state = circuitClosed
			c.failureCount = 0
			c.successCount = 0
			return true
		}
		return false
	}
	c.failureCount = 0
	return true
}
