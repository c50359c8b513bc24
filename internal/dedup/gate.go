package dedup

import (
	"sync"
	"time"
)

// Gate suppresses repeat firings of a rule inside its cooldown window.
// State per rule id is created lazily on first admit and removed when the
// owning rule is deleted.
type Gate struct {
	mu      sync.Mutex
	cooling map[string]time.Time // rule id -> cooling-until
}

// NewGate constructs an empty gate.
func NewGate() *Gate {
	return &Gate{cooling: make(map[string]time.Time)}
}

// Admit reports whether the rule may fire at now. Admission starts a new
// cooldown window; at most one admit succeeds per rule per window.
func (g *Gate) Admit(ruleID string, now time.Time, cooldown time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.cooling[ruleID]
	if ok && now.Before(until) {
		return false
	}

	g.cooling[ruleID] = now.Add(cooldown)
	return true
}

// Forget drops the state for a deleted rule.
func (g *Gate) Forget(ruleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cooling, ruleID)
}

// Prune removes entries whose cooldown expired before now and entries whose
// rule id is not in keep. Called by the maintenance loop.
func (g *Gate) Prune(now time.Time, keep map[string]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, until := range g.cooling {
		if _, ok := keep[id]; !ok || !now.Before(until) {
			delete(g.cooling, id)
		}
	}
}

// Len reports how many rules currently hold dedup state.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cooling)
}
