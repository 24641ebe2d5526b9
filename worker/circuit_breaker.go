package worker

import (
	"sync"
	"time"
)

// CircuitState is the admission gate's current state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sits in tick()'s admission path. Unlike the teacher's
// queue-depth/saturation trigger, this one opens per task family on a
// sustained rate of HandlerTransient{BudgetExceeded} outcomes (§4.5
// expansion), then samples a small number of claims in half-open state
// before fully closing.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int           // consecutive BudgetExceeded outcomes before opening
	cooldownPeriod   time.Duration
	testLimit        int

	state        CircuitState
	consecutive  int
	openedAt     time.Time
	testCount    int
	testSuccess  int
}

func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   30 * time.Second,
		testLimit:        5,
	}
}

// ShouldAdmit reports whether tick() may claim a new task of this family.
func (cb *CircuitBreaker) ShouldAdmit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
		cb.testSuccess = 0
	}

	switch cb.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		if cb.testCount >= cb.testLimit {
			return false
		}
		cb.testCount++
		return true
	default:
		return true
	}
}

// RecordBudgetExceeded notifies the breaker of a BudgetExceeded outcome.
func (cb *CircuitBreaker) RecordBudgetExceeded() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		return
	}
	cb.consecutive++
	if cb.consecutive >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.consecutive = 0
	}
}

// RecordSuccess resets the consecutive-failure counter and, in half-open
// state, tracks progress toward fully closing.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	if cb.state == CircuitHalfOpen {
		cb.testSuccess++
		if cb.testSuccess >= cb.testLimit {
			cb.state = CircuitClosed
		}
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// FamilyBreakers fans a CircuitBreaker out per task family, keyed lazily.
type FamilyBreakers struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
}

func NewFamilyBreakers(threshold int) *FamilyBreakers {
	return &FamilyBreakers{breakers: make(map[string]*CircuitBreaker), threshold: threshold}
}

func (f *FamilyBreakers) For(family string) *CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[family]
	if !ok {
		cb = NewCircuitBreaker(f.threshold)
		f.breakers[family] = cb
	}
	return cb
}
