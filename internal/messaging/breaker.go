package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Defaults for NewCircuitBreaker.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// BreakerOpts holds CircuitBreaker configuration.
type BreakerOpts struct {
	FailureThreshold int
	Cooldown         time.Duration
	Now              func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*BreakerOpts)

// WithFailureThreshold sets how many consecutive transient failures open the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(o *BreakerOpts) {
		if n > 0 {
			o.FailureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before allowing a probe.
func WithCooldown(d time.Duration) BreakerOption {
	return func(o *BreakerOpts) {
		if d > 0 {
			o.Cooldown = d
		}
	}
}

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(o *BreakerOpts) {
		o.Now = now
	}
}

// CircuitBreaker stops calls to a failing gateway. It opens after a run of consecutive
// transient failures, rejects calls with models.ErrCircuitOpen during the cool-down, then
// lets a single probe through. Safe for concurrent use.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	o := BreakerOpts{FailureThreshold: DefaultFailureThreshold, Cooldown: DefaultCooldown, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &CircuitBreaker{name: name, threshold: o.FailureThreshold, cooldown: o.Cooldown, now: o.Now, state: BreakerClosed}
}

// Allow reports whether a call may proceed. In half-open state only one probe is admitted
// until its outcome is recorded.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return models.ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		slog.Info("CircuitBreaker.Allow: half-open, admitting probe", "breaker", b.name)
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return models.ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds a call outcome back into the breaker. Only transient errors count as failures.
func (b *CircuitBreaker) Record(err error) {
	if err != nil && models.IsTransient(err) {
		b.failure()
		return
	}
	b.success()
}

// Abandon releases a half-open probe whose outcome is unknown, such as a call cut short by its
// caller. Failure counts are left as they are.
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *CircuitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		slog.Info("CircuitBreaker: closed after successful probe", "breaker", b.name)
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

func (b *CircuitBreaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	}
}

// trip must be called with mu held.
func (b *CircuitBreaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probing = false
	slog.Warn("CircuitBreaker: opened", "breaker", b.name, "failures", b.failures, "cooldown", b.cooldown)
}

// State returns the current state. An open breaker whose cool-down elapsed still reports
// open until the next Allow.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its failure count.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}
