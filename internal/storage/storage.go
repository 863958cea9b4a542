// Package storage defines the persistence interfaces and their SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"nicorepo_bot/internal/model"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("not found")

// TxMode selects the concurrency mode of an atomic scope.
type TxMode int

// Transaction modes.
const (
	ReadOnly TxMode = iota
	ReadWrite
)

// EntryStore is the keyed, time-ordered cache of report entries.
type EntryStore interface {
	// TryInsert inserts entry unless its ID is already stored. It reports
	// whether the insertion happened; a duplicate is not an error.
	TryInsert(ctx context.Context, entry model.ReportEntry) (bool, error)
	// BulkUpsert inserts or replaces every entry.
	BulkUpsert(ctx context.Context, entries []model.ReportEntry) error
	Exists(ctx context.Context, id string) (bool, error)
	// Lookup returns ErrNotFound when no entry has the given ID.
	Lookup(ctx context.Context, id string) (*model.ReportEntry, error)
	Count(ctx context.Context) (int, error)
	// Newest returns nil when the store is empty.
	Newest(ctx context.Context) (*model.ReportEntry, error)
	// EachNewestFirst calls visit for every stored entry, newest first.
	// Iteration stops at the first error returned by visit.
	EachNewestFirst(ctx context.Context, visit func(model.ReportEntry) error) error
	// Purge removes every entry older than olderThan. onRemoved, if not
	// nil, is called for each entry before it is deleted.
	Purge(ctx context.Context, olderThan time.Time, onRemoved func(model.ReportEntry) error) (int, error)
	Clear(ctx context.Context) error
}

// Store is an EntryStore that can run a group of operations atomically.
type Store interface {
	EntryStore
	RunAtomic(ctx context.Context, mode TxMode, fn func(EntryStore) error) error
}

// RuleStore persists filter rules. Priorities are unique.
type RuleStore interface {
	// ListRules returns all rules, highest priority first.
	ListRules(ctx context.Context) ([]model.FilterRule, error)
	GetRule(ctx context.Context, id string) (*model.FilterRule, error)
	// MaxPriority returns -1 when there are no rules.
	MaxPriority(ctx context.Context) (int, error)
	InsertRule(ctx context.Context, rule *model.FilterRule) error
	UpdateRuleStats(ctx context.Context, rule *model.FilterRule) error
	// DeleteRule is a no-op for unknown IDs.
	DeleteRule(ctx context.Context, id string) error
	// SwapRulePriorities exchanges the priorities of two rules in one
	// transaction without ever holding two equal priorities.
	SwapRulePriorities(ctx context.Context, idA, idB string) error
}
