package quay

import (
	"context"
	"sync"
)

// ApprovalDecision is the externally supplied verdict for a suspended tool
// call.
type ApprovalDecision struct {
	Approved  bool
	DecidedBy string
	Note      string // approval note or denial reason
	DecidedAt int64
}

// approvalLatch is a single-resolution future keyed by call id. The first
// decision wins; later decisions are no-ops. Waiters observe the decision or
// the cancellation of their own context.
type approvalLatch struct {
	approvalID string
	decided    chan struct{}

	mu       sync.Mutex
	decision ApprovalDecision
	resolved bool
}

// resolve applies a decision. Returns false if the latch was already decided.
func (l *approvalLatch) resolve(d ApprovalDecision) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved {
		return false
	}
	l.decision = d
	l.resolved = true
	close(l.decided)
	return true
}

// wait blocks until a decision or ctx cancellation.
func (l *approvalLatch) wait(ctx context.Context) (ApprovalDecision, error) {
	select {
	case <-l.decided:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.decision, nil
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
}

// approvalGate holds the suspended tool calls of one agent.
type approvalGate struct {
	mu      sync.Mutex
	pending map[string]*approvalLatch
}

func newApprovalGate() *approvalGate {
	return &approvalGate{pending: make(map[string]*approvalLatch)}
}

// require registers a latch for callID and returns it. The approval id is
// minted here and travels with the PermissionRequired event.
func (g *approvalGate) require(callID string) *approvalLatch {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.pending[callID]; ok {
		return l
	}
	l := &approvalLatch{approvalID: NewID(), decided: make(chan struct{})}
	g.pending[callID] = l
	return l
}

// decide resolves the latch for callID. Returns (applied, found): applied is
// false when a prior decision already took effect (idempotent once decided),
// found is false when no such call is suspended.
func (g *approvalGate) decide(callID string, d ApprovalDecision) (applied, found bool) {
	g.mu.Lock()
	l, ok := g.pending[callID]
	g.mu.Unlock()
	if !ok {
		return false, false
	}
	if d.DecidedAt == 0 {
		d.DecidedAt = NowMillis()
	}
	return l.resolve(d), true
}

// release drops the latch for callID once its turn is finished with it.
func (g *approvalGate) release(callID string) {
	g.mu.Lock()
	delete(g.pending, callID)
	g.mu.Unlock()
}

// cancelAll resolves every suspended call as denied with the given reason.
// Used when the turn is cancelled; decisions that already landed stay as
// they are.
func (g *approvalGate) cancelAll(reason string) {
	g.mu.Lock()
	latches := make([]*approvalLatch, 0, len(g.pending))
	for _, l := range g.pending {
		latches = append(latches, l)
	}
	g.mu.Unlock()
	now := NowMillis()
	for _, l := range latches {
		l.resolve(ApprovalDecision{Approved: false, Note: reason, DecidedAt: now})
	}
}
