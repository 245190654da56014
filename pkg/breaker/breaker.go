package breaker

import (
	"sync"
	"time"
)

// State enumerates the breaker positions.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker is a per-dependency failure-detection state machine. All
// transitions are serialized behind a mutex; while half-open, exactly one
// trial call is admitted regardless of how many callers race Allow.
type Breaker struct {
	mu            sync.Mutex
	name          string
	threshold     int
	coolDown      time.Duration
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	now func() time.Time
}

func New(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		coolDown:  coolDown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Allow reports whether a call may be attempted. In the open state it admits
// a single trial once the cool-down has elapsed, moving to half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.state = StateHalfOpen
			b.trialInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// ReportSuccess records a successful call. A half-open trial success closes
// the breaker and clears the failure count. Successes reported while open
// (late results from calls admitted before opening) are ignored: only the
// cool-down and the trial protocol reclose an open breaker.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return
	case StateHalfOpen:
		b.trialInFlight = false
		b.failures = 0
		b.state = StateClosed
	case StateClosed:
		b.failures = 0
	}
}

// ReportFailure records a failed call. A half-open trial failure reopens the
// breaker and restarts the cool-down clock.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.state = StateOpen
		b.openedAt = b.now()
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateOpen:
		// Failures reported while open (e.g. late results) keep it open.
		b.failures++
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view for health probes and metrics.
type Snapshot struct {
	Name                string    `json:"name"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}
