// Package filter implements the prioritized show/hide rule set for report entries.
package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/storage"
)

// ErrRuleNotFound is returned when a rule ID does not exist in the set.
var ErrRuleNotFound = errors.New("rule not found")

// InvariantError reports a broken rule set invariant, such as two rules
// sharing a priority. It indicates a bug rather than a runtime condition.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "filter invariant violated: " + e.Msg
}

// Engine evaluates entries against an ordered set of rules. The rules are
// read from the store once and cached until the set is modified.
type Engine struct {
	store storage.RuleStore
	now   func() time.Time

	mu    sync.Mutex
	rules []model.FilterRule // highest priority first; nil when not loaded
}

// New creates an Engine on top of the given rule store.
func New(store storage.RuleStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Evaluate returns the action of the highest-priority rule matching entry,
// or ActionShow if none matches. The deciding rule's statistics are updated
// and persisted.
func (e *Engine) Evaluate(ctx context.Context, entry *model.ReportEntry) (model.FilterAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return model.ActionShow, err
	}
	r := e.decide(entry)
	if r == nil {
		return model.ActionShow, nil
	}
	now := e.now()
	r.TimesFired++
	r.LastFiredAt = &now
	if err := e.store.UpdateRuleStats(ctx, r); err != nil {
		return r.Action, fmt.Errorf("record rule firing: %w", err)
	}
	return r.Action, nil
}

// Decide is Evaluate without recording statistics. It is used to re-filter
// entries whose firing was already counted when they were fetched.
func (e *Engine) Decide(ctx context.Context, entry *model.ReportEntry) (model.FilterAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return model.ActionShow, err
	}
	if r := e.decide(entry); r != nil {
		return r.Action, nil
	}
	return model.ActionShow, nil
}

func (e *Engine) decide(entry *model.ReportEntry) *model.FilterRule {
	for i := range e.rules {
		if e.rules[i].Matches(entry) {
			return &e.rules[i]
		}
	}
	return nil
}

// Rules returns a copy of the rule set ordered by descending priority.
func (e *Engine) Rules(ctx context.Context) ([]model.FilterRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return nil, err
	}
	out := make([]model.FilterRule, len(e.rules))
	copy(out, e.rules)
	return out, nil
}

// Rule returns the rule with the given ID.
func (e *Engine) Rule(ctx context.Context, id string) (model.FilterRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return model.FilterRule{}, err
	}
	i := e.indexOf(id)
	if i < 0 {
		return model.FilterRule{}, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return e.rules[i], nil
}

// Count returns the number of rules.
func (e *Engine) Count(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return 0, err
	}
	return len(e.rules), nil
}

// AddRule stores a new rule with a priority above every existing one.
func (e *Engine) AddRule(ctx context.Context, desc model.RuleDescription) (model.FilterRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if desc.Action != model.ActionShow && desc.Action != model.ActionHide {
		return model.FilterRule{}, fmt.Errorf("invalid rule action %q", desc.Action)
	}
	id, err := uuid.NewUUID()
	if err != nil {
		return model.FilterRule{}, fmt.Errorf("generate rule id: %w", err)
	}
	maxPri, err := e.store.MaxPriority(ctx)
	if err != nil {
		return model.FilterRule{}, err
	}

	rule := model.FilterRule{
		ID:         id.String(),
		Priority:   maxPri + 1,
		Action:     desc.Action,
		Subject:    desc.Subject,
		Activity:   desc.Activity,
		ObjectType: desc.ObjectType,
	}
	e.rules = nil
	if err := e.store.InsertRule(ctx, &rule); err != nil {
		return model.FilterRule{}, err
	}
	return rule, nil
}

// RemoveRule deletes a rule. Unknown IDs are ignored.
func (e *Engine) RemoveRule(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = nil
	return e.store.DeleteRule(ctx, id)
}

// SwapPriorities exchanges the priorities of two rules.
func (e *Engine) SwapPriorities(ctx context.Context, idA, idB string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if idA == idB {
		return nil
	}
	e.rules = nil
	err := e.store.SwapRulePriorities(ctx, idA, idB)
	if errors.Is(err, storage.ErrNotFound) {
		return &InvariantError{Msg: fmt.Sprintf("swap of unknown rule (%s, %s)", idA, idB)}
	}
	return err
}

// Reload drops the cached rules so the next call reads them from the store.
// It is needed when another process may have edited the rule set.
func (e *Engine) Reload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}

// load fills the cache. Callers hold e.mu.
func (e *Engine) load(ctx context.Context) error {
	if e.rules != nil {
		return nil
	}
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for i := 1; i < len(rules); i++ {
		if rules[i].Priority >= rules[i-1].Priority {
			return &InvariantError{Msg: fmt.Sprintf("rules %s and %s are not strictly ordered (%d, %d)",
				rules[i-1].ID, rules[i].ID, rules[i-1].Priority, rules[i].Priority)}
		}
	}
	if rules == nil {
		rules = []model.FilterRule{}
	}
	e.rules = rules
	return nil
}

func (e *Engine) indexOf(id string) int {
	for i := range e.rules {
		if e.rules[i].ID == id {
			return i
		}
	}
	return -1
}
