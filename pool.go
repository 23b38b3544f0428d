package quay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultIdleTTL = 5 * time.Minute

// Pool hands out leases on agent instances, guaranteeing at most one live
// instance per agent id across concurrent requests. When a lease count drops
// to zero an idle timer starts; on expiry the instance is evicted and its
// in-memory state discarded (durable state stays in the store, so the next
// lease resumes).
type Pool struct {
	store    Store
	provider Provider
	agentOpt []AgentOption
	idleTTL  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

// poolEntry tracks one resident (or under-construction) agent.
type poolEntry struct {
	refs  int
	timer *time.Timer
	// ready closes when construction finishes; agent/err are then immutable.
	ready chan struct{}
	agent *Agent
	err   error
}

// PoolOption configures NewPool.
type PoolOption func(*Pool)

// PoolIdleTTL sets the idle eviction delay. Default 5 minutes.
func PoolIdleTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleTTL = d }
}

// PoolLogger sets the pool's structured logger.
func PoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// PoolAgentOptions sets the base options applied to every constructed agent.
func PoolAgentOptions(opts ...AgentOption) PoolOption {
	return func(p *Pool) { p.agentOpt = append(p.agentOpt, opts...) }
}

// NewPool creates a pool constructing agents against store and provider.
func NewPool(store Store, provider Provider, opts ...PoolOption) *Pool {
	p := &Pool{
		store:    store,
		provider: provider,
		idleTTL:  defaultIdleTTL,
		logger:   nopLogger,
		entries:  make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lease is a refcounted handle on a pooled agent. Release must be called
// exactly once; it is idempotent for safety.
type Lease struct {
	pool  *Pool
	id    string
	agent *Agent
	once  sync.Once
}

// Agent returns the leased agent.
func (l *Lease) Agent() *Agent { return l.agent }

// Release returns the lease. When the last lease on an agent is released its
// idle eviction timer starts.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l.id) })
}

// Lease attaches to the resident instance for agentID, constructing one if
// none exists. Concurrent leases on the same id share one construction:
// exactly one caller builds, the rest wait. Cancellation while waiting
// returns ctx's error without holding a reference.
func (p *Pool) Lease(ctx context.Context, agentID string, extra ...AgentOption) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, context.Canceled
	}
	e, ok := p.entries[agentID]
	if ok {
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			p.release(agentID)
			return nil, ctx.Err()
		}
		if e.err != nil {
			p.release(agentID)
			return nil, e.err
		}
		return &Lease{pool: p, id: agentID, agent: e.agent}, nil
	}

	e = &poolEntry{refs: 1, ready: make(chan struct{})}
	p.entries[agentID] = e
	p.mu.Unlock()

	opts := append(append([]AgentOption(nil), p.agentOpt...), extra...)
	agent, err := NewAgent(ctx, agentID, p.store, p.provider, opts...)

	p.mu.Lock()
	e.agent = agent
	e.err = err
	close(e.ready)
	if err != nil {
		delete(p.entries, agentID)
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	p.logger.Debug("agent constructed", "agent", agentID)
	return &Lease{pool: p, id: agentID, agent: agent}, nil
}

// release decrements the refcount and arms the idle timer at zero.
func (p *Pool) release(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 || p.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(p.idleTTL, func() { p.evict(agentID, e) })
}

// evict drops an idle entry. The entry identity check protects against the
// timer racing a re-lease that already replaced the entry.
func (p *Pool) evict(agentID string, e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.entries[agentID]
	if !ok || current != e || e.refs > 0 {
		return
	}
	delete(p.entries, agentID)
	p.logger.Info("agent evicted", "agent", agentID)
}

// Resident reports whether an instance for agentID is currently live.
func (p *Pool) Resident(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[agentID]
	return ok
}

// Shutdown evicts every idle instance and refuses further leases. Held
// leases stay valid until released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, e := range p.entries {
		if e.refs == 0 {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(p.entries, id)
		}
	}
}
