package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidRule rejects a create/update whose rule violates invariants.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrNotFound reports an unknown rule id.
	ErrNotFound = errors.New("rule not found")
	// ErrCorrupted reports a persisted payload that is not a JSON array.
	ErrCorrupted = errors.New("rules document corrupted")
)

// DocStore persists the registry as a JSON array of rule records.
type DocStore interface {
	Load(ctx context.Context) ([]Rule, error)
	Save(ctx context.Context, rules []Rule) error
}

// Registry owns the alert rule collection: validation, CRUD, and the
// durable JSON-array document behind it.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	store  DocStore
	logger zerolog.Logger

	// onRemove releases per-rule state owned elsewhere (dedup gate).
	onRemove func(ruleID string)
}

// NewRegistry constructs an empty registry backed by store. A nil store
// keeps the registry purely in-memory.
func NewRegistry(store DocStore, logger zerolog.Logger) *Registry {
	return &Registry{
		rules:  make(map[string]*Rule),
		store:  store,
		logger: logger.With().Str("component", "rules").Logger(),
	}
}

// OnRemove registers a hook invoked with the rule id whenever a rule is
// deleted.
func (r *Registry) OnRemove(hook func(ruleID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = hook
}

// Load replaces the in-memory collection with the persisted document. A
// corrupted document resets the registry to empty with a warning instead of
// failing startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	loaded, err := r.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			r.logger.Warn().Err(err).Msg("persisted rules are corrupted; resetting to empty")
			r.mu.Lock()
			r.rules = make(map[string]*Rule)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("load rules: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = make(map[string]*Rule, len(loaded))
	for i := range loaded {
		rule := loaded[i]
		if err := rule.Validate(); err != nil {
			r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("skipping invalid persisted rule")
			continue
		}
		r.rules[rule.ID] = &rule
	}
	r.logger.Info().Int("rules", len(r.rules)).Msg("rules loaded")
	return nil
}

// Flush writes the current collection to the backing store.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	snapshot := r.List("")
	if err := r.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("flush rules: %w", err)
	}
	return nil
}

// Create validates and stores a new rule, assigning an id when absent.
func (r *Registry) Create(rule Rule) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, rule.ID)
	}
	r.rules[rule.ID] = &rule

	r.logger.Info().
		Str("rule_id", rule.ID).
		Str("symbol", rule.Symbol).
		Str("condition", string(rule.Condition.Kind())).
		Msg("rule created")
	return rule.ID, nil
}

// Get returns a copy of the rule with the given id.
func (r *Registry) Get(id string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *rule, nil
}

// Toggle flips the active flag and returns the new state.
func (r *Registry) Toggle(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rule.Active = !rule.Active
	if rule.Active && len(rule.Channels) == 0 {
		rule.Active = false
		return false, fmt.Errorf("%w: cannot activate rule without channels", ErrInvalidRule)
	}
	return rule.Active, nil
}

// Remove deletes the rule and releases its dedup state via the hook.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.rules, id)
	hook := r.onRemove
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	r.logger.Info().Str("rule_id", id).Msg("rule removed")
	return nil
}

// List returns copies of all rules, optionally filtered by symbol, ordered
// by symbol then id for stable output.
func (r *Registry) List(symbol string) []Rule {
	r.mu.RLock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if symbol != "" && rule.Symbol != symbol {
			continue
		}
		out = append(out, *rule)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveForSymbol returns the active, non-stale rules evaluated for a tick
// on symbol.
func (r *Registry) ActiveForSymbol(symbol string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0)
	for _, rule := range r.rules {
		if rule.Symbol == symbol && rule.Active && !rule.Stale {
			out = append(out, *rule)
		}
	}
	return out
}

// Symbols lists the distinct symbols referenced by stored rules.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, rule := range r.rules {
		seen[rule.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IDs lists every stored rule id.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for id := range r.rules {
		out = append(out, id)
	}
	return out
}

// MarkTriggered records the firing time for a rule. Called exactly once per
// admitted dispatch.
func (r *Registry) MarkTriggered(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rule, ok := r.rules[id]; ok {
		t := at
		rule.LastTriggeredAt = &t
	}
}

// SetStale flags every rule on symbol as stale (or clears the flag), so a
// feed that gave up reconnecting is visible instead of silently quiet.
func (r *Registry) SetStale(symbol string, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.rules {
		if rule.Symbol == symbol {
			rule.Stale = stale
		}
	}
}
