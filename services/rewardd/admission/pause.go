package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vendorvote/observability"
)

// ErrPauseUnavailable is returned when the contract pause flag cannot be read.
var ErrPauseUnavailable = errors.New("rewardd: contract pause flag unavailable")

// ContractPauser reports the reward contract's own pause flag.
type ContractPauser interface {
	Paused(ctx context.Context) (bool, error)
}

// PauseStatus summarises both pause sources.
type PauseStatus struct {
	Operator bool       `json:"operator"`
	Contract bool       `json:"contract"`
	Since    *time.Time `json:"since,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Paused reports whether either source blocks admission.
func (s PauseStatus) Paused() bool { return s.Operator || s.Contract }

// PauseGuard combines the operator kill switch with the contract flag.
type PauseGuard struct {
	contract ContractPauser
	metrics  *observability.RewarddMetrics
	now      func() time.Time

	mu       sync.RWMutex
	operator bool
	since    time.Time
	reason   string
}

// NewPauseGuard wraps contract, which may be nil when only the operator switch applies.
func NewPauseGuard(contract ContractPauser, metrics *observability.RewarddMetrics) *PauseGuard {
	return &PauseGuard{contract: contract, metrics: metrics, now: time.Now}
}

// Pause engages the operator switch.
func (g *PauseGuard) Pause(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.operator {
		g.since = g.now().UTC()
	}
	g.operator = true
	g.reason = reason
	g.metrics.SetPause(true)
}

// Resume releases the operator switch.
func (g *PauseGuard) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operator = false
	g.since = time.Time{}
	g.reason = ""
	g.metrics.SetPause(false)
}

// Status reads both pause sources.
func (g *PauseGuard) Status(ctx context.Context) (PauseStatus, error) {
	g.mu.RLock()
	status := PauseStatus{Operator: g.operator, Reason: g.reason}
	if g.operator {
		since := g.since
		status.Since = &since
	}
	g.mu.RUnlock()
	if g.contract == nil {
		return status, nil
	}
	paused, err := g.contract.Paused(ctx)
	if err != nil {
		return status, fmt.Errorf("%w: %v", ErrPauseUnavailable, err)
	}
	status.Contract = paused
	return status, nil
}

// Paused reports whether admission must be rejected. The contract is not
// consulted while the operator switch is engaged.
func (g *PauseGuard) Paused(ctx context.Context) (bool, error) {
	g.mu.RLock()
	operator := g.operator
	g.mu.RUnlock()
	if operator {
		return true, nil
	}
	if g.contract == nil {
		return false, nil
	}
	paused, err := g.contract.Paused(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPauseUnavailable, err)
	}
	return paused, nil
}
