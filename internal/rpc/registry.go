package rpc

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
)

// DefaultSweepInterval is how often the background sweep scans for pending
// requests whose timer failed to fire.
const DefaultSweepInterval = 5 * time.Second

// outcome is the settlement of a pending request: exactly one of value/err.
type outcome struct {
	value json.RawMessage
	err   error
}

type pendingRequest struct {
	id        string
	key       string
	done      chan outcome // buffered(1); written exactly once
	timer     *time.Timer  // nil when the key's timeout policy is 0
	timeout   time.Duration
	createdAt time.Time
}

// Registry tracks in-flight correlated requests. Each entry settles at most
// once: settlement removes the entry under the lock, so a later resolve or
// reject for the same id finds nothing and is a no-op.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	policy   map[string]time.Duration // operation key -> timeout; 0 = none
	fallback time.Duration            // timeout for keys absent from policy
	logger   *slog.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
	disposed  bool
}

// NewRegistry creates a request registry with the given per-key timeout
// policy. A sweepInterval of 0 uses DefaultSweepInterval.
func NewRegistry(policy map[string]time.Duration, fallback, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r := &Registry{
		pending:   make(map[string]*pendingRequest),
		policy:    policy,
		fallback:  fallback,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop(sweepInterval)
	return r
}

// NewCorrelationID returns a process-unique id for a request envelope.
func NewCorrelationID() string {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// TimeoutFor returns the timeout policy for an operation key.
func (r *Registry) TimeoutFor(key string) time.Duration {
	if d, ok := r.policy[key]; ok {
		return d
	}
	return r.fallback
}

// Track registers a pending request and returns the channel its settlement
// arrives on. If the key's timeout policy is positive, an automatic rejection
// is scheduled.
func (r *Registry) Track(id, key string) (<-chan outcome, error) {
	timeout := r.TimeoutFor(key)
	p := &pendingRequest{
		id:        id,
		key:       key,
		done:      make(chan outcome, 1),
		timeout:   timeout,
		createdAt: time.Now(),
	}
	// The timer is set before the entry is visible to take and Dispose,
	// so they never read a half-built entry. Firing before the insert
	// below is harmless: Reject of an unknown id is a no-op.
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			r.Reject(id, domain.NewDomainError("Registry.timeout", domain.ErrTimeout, key))
		})
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		return nil, domain.NewDomainError("Registry.Track", domain.ErrDisposed, key)
	}
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		return nil, domain.NewDomainError("Registry.Track", domain.ErrMalformedEnvelope, "duplicate correlation id "+id)
	}
	r.pending[id] = p
	r.mu.Unlock()
	return p.done, nil
}

// Resolve settles the pending request with a value. Returns false when the
// id is unknown or already settled.
func (r *Registry) Resolve(id string, value json.RawMessage) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{value: value}
	return true
}

// Reject settles the pending request with an error. Returns false when the
// id is unknown or already settled.
func (r *Registry) Reject(id string, err error) bool {
	p := r.take(id)
	if p == nil {
		return false
	}
	p.done <- outcome{err: err}
	return true
}

// take removes and returns the pending entry, stopping its timer. Removal
// under the lock is what makes settlement idempotent.
func (r *Registry) take(id string) *pendingRequest {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// PendingCount returns the number of unsettled requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dispose rejects every outstanding request with ErrDisposed and stops the
// sweeper. Call before closing the transport so no settlement races channel
// closure. Safe to call more than once.
func (r *Registry) Dispose() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	stale := make([]*pendingRequest, 0, len(r.pending))
	for id, p := range r.pending {
		stale = append(stale, p)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, p := range stale {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: domain.NewDomainError("Registry.Dispose", domain.ErrDisposed, p.key)}
	}
}

// sweepLoop force-settles requests stuck past roughly double their nominal
// timeout, bounding table growth even if an individual timer failed to fire.
// Keys with a 0 timeout policy are never swept.
func (r *Registry) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, p := range r.pending {
		if p.timeout <= 0 {
			continue
		}
		if now.Sub(p.createdAt) >= 2*p.timeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		if r.Reject(id, domain.NewDomainError("Registry.sweep", domain.ErrTimeout, id)) {
			r.logger.Warn("swept stale pending request", "id", id)
		}
	}
}
