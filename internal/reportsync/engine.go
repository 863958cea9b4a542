// Package reportsync keeps the local report cache in step with the remote
// nicorepo feed and describes every change as an ordered stream of events.
package reportsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nicorepo_bot/internal/fetcher"
	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/storage"
)

// ChunkFetcher downloads one page of the remote report.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, untilID string) (*model.ReportChunk, error)
}

// Filter decides whether an entry is shown.
type Filter interface {
	// Evaluate decides and counts the firing on the deciding rule.
	Evaluate(ctx context.Context, entry *model.ReportEntry) (model.FilterAction, error)
	// Decide decides without touching rule statistics.
	Decide(ctx context.Context, entry *model.ReportEntry) (model.FilterAction, error)
	// Reload drops any cached rules.
	Reload()
}

// Setting returns a duration, whether it is enabled and a channel closed
// when the setting changes.
type Setting func() (d time.Duration, enabled bool, changed <-chan struct{})

// Settings are the user preferences the engine depends on.
type Settings interface {
	PollInterval() (time.Duration, bool, <-chan struct{})
	FetchDelay() (time.Duration, bool, <-chan struct{})
	LastVisibleEntryID() string
}

// ReauthFunc signs in again after the remote feed rejected the session.
type ReauthFunc func(ctx context.Context) error

// RefreshOptions select how Refresh rebuilds the report.
type RefreshOptions struct {
	// KeepStore re-applies the filter to the stored entries and renders
	// them again without contacting the remote feed. Otherwise the store
	// is discarded and refilled from the remote feed.
	KeepStore bool
}

type sessionKind int

const (
	sessionStart sessionKind = iota
	sessionDiscard
	sessionRefilter
)

const eventBuffer = 64

var errAborted = errors.New("aborted")

// Engine runs the synchronization cycles. All cycles run on the goroutine
// calling Run; Refresh and CheckForUpdates may be called from anywhere.
type Engine struct {
	store    storage.Store
	fetcher  ChunkFetcher
	filter   Filter
	settings Settings
	reauth   ReauthFunc
	log      *slog.Logger
	now      func() time.Time

	events   chan Event
	checkNow chan struct{}
	fetching atomic.Bool

	mu      sync.Mutex
	pending *sessionKind
	cancel  context.CancelFunc
}

// New creates an Engine. Nothing happens until Run is called.
func New(store storage.Store, f ChunkFetcher, filter Filter, settings Settings, reauth ReauthFunc, log *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		fetcher:  f,
		filter:   filter,
		settings: settings,
		reauth:   reauth,
		log:      log,
		now:      time.Now,
		events:   make(chan Event, eventBuffer),
		checkNow: make(chan struct{}, 1),
	}
}

// Events returns the event stream. It is closed when Run returns.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Fetching reports whether a remote fetch is in progress.
func (e *Engine) Fetching() bool {
	return e.fetching.Load()
}

// Refresh cancels whatever the engine is doing and rebuilds the report.
func (e *Engine) Refresh(opts RefreshOptions) {
	kind := sessionDiscard
	if opts.KeepStore {
		kind = sessionRefilter
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = &kind
	if e.cancel != nil {
		e.cancel()
	}
}

// CheckForUpdates ends the current idle wait. It has no effect while a
// fetch is running.
func (e *Engine) CheckForUpdates() {
	if e.fetching.Load() {
		return
	}
	select {
	case e.checkNow <- struct{}{}:
	default:
	}
}

// Run replays the stored report, then fetches and polls the remote feed
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.events)

	kind := sessionStart
	for {
		e.mu.Lock()
		if e.pending != nil {
			kind = *e.pending
			e.pending = nil
		}
		sctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		e.mu.Unlock()

		e.session(ctx, sctx, kind)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// session runs until sctx is cancelled. Completion events are sent on the
// longer-lived ctx so that an aborted cycle still re-enables updating.
func (e *Engine) session(ctx, sctx context.Context, kind sessionKind) {
	switch kind {
	case sessionDiscard:
		e.log.Info("discarding report")
		if err := e.store.Clear(sctx); err != nil {
			e.log.Error("clear store", "error", err)
		}
		if !e.emit(sctx, ClearEntries{}) {
			return
		}
	case sessionRefilter:
		e.log.Info("refiltering report")
		if err := e.refilter(sctx); err != nil {
			e.log.Error("refilter store", "error", err)
		}
		if !e.emit(sctx, ClearEntries{}) {
			return
		}
	}

	e.replay(ctx, sctx)
	if kind != sessionRefilter {
		e.fetchCycle(ctx, sctx)
	}
	for e.wait(sctx, e.settings.PollInterval, e.checkNow) {
		e.fetchCycle(ctx, sctx)
	}
}

// replay renders the stored report.
func (e *Engine) replay(ctx, sctx context.Context) {
	_, horizon := e.horizon(sctx)
	if !e.purge(sctx, horizon) {
		return
	}

	if !e.emit(sctx, SetUpdatingAllowed{Allowed: false}) {
		return
	}
	defer e.complete(ctx)

	total, err := e.store.Count(sctx)
	if err != nil {
		e.log.Error("count entries", "error", err)
		return
	}
	visited := 0
	err = e.store.EachNewestFirst(sctx, func(entry model.ReportEntry) error {
		visited++
		if entry.Hidden {
			return nil
		}
		if !e.emit(sctx, InsertEntry{Entry: entry}) ||
			!e.emit(sctx, UpdateProgress{Fraction: float64(visited) / float64(total)}) {
			return errAborted
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errAborted) {
			e.log.Error("replay entries", "error", err)
		}
		return
	}
	if total > 0 {
		e.emit(sctx, ShowEndOfReport{})
	}
}

// fetchCycle fetches pages from the remote feed until it reaches an entry
// that is already stored.
func (e *Engine) fetchCycle(ctx, sctx context.Context) {
	e.fetching.Store(true)
	select {
	case <-e.checkNow:
	default:
	}
	e.filter.Reload()

	var (
		buffer []model.ReportEntry
		seen   = make(map[string]bool)
	)
	defer func() {
		e.persist(context.WithoutCancel(sctx), buffer)
		e.fetching.Store(false)
		e.complete(ctx)
	}()

	if !e.emit(sctx, SetUpdatingAllowed{Allowed: false}) || !e.emit(sctx, UpdateProgress{Fraction: 0}) {
		return
	}

	start := e.now()
	standard, horizon := e.horizon(sctx)
	if !e.purge(sctx, horizon) {
		return
	}
	expectedOldest := standard
	newest, err := e.store.Newest(sctx)
	if err != nil {
		e.log.Error("find newest entry", "error", err)
		return
	}
	if newest != nil {
		expectedOldest = newest.Timestamp
	}

	untilID := ""
	for page := 1; ; page++ {
		chunk, err := e.fetchChunk(sctx, untilID)
		if err != nil {
			if sctx.Err() == nil {
				e.log.Error("fetch report", "page", page, "until_id", untilID, "error", err)
			}
			return
		}
		e.log.Debug("fetched report page", "page", page, "entries", len(chunk.Entries), "has_next", chunk.HasNext)

		for i := range chunk.Entries {
			entry := chunk.Entries[i]
			if seen[entry.ID] {
				continue
			}
			exists, err := e.store.Exists(sctx, entry.ID)
			if err != nil {
				e.log.Error("check entry", "id", entry.ID, "error", err)
				return
			}
			if exists {
				e.log.Debug("reached stored entry", "id", entry.ID, "new", len(buffer))
				return
			}

			action, err := e.filter.Evaluate(sctx, &entry)
			if err != nil {
				e.log.Error("evaluate filter", "id", entry.ID, "error", err)
				return
			}
			seen[entry.ID] = true
			entry.Hidden = action == model.ActionHide
			buffer = append(buffer, entry)
			if entry.Hidden {
				continue
			}
			if !e.emit(sctx, InsertEntry{Entry: entry, Fetched: true}) ||
				!e.emit(sctx, UpdateProgress{Fraction: progress(start, entry.Timestamp, expectedOldest)}) {
				return
			}
		}

		if !chunk.HasNext {
			e.emit(sctx, ShowEndOfReport{})
			return
		}
		if chunk.OldestID == "" || chunk.OldestID == untilID {
			e.log.Warn("report page without progress", "until_id", untilID)
			return
		}
		untilID = chunk.OldestID
		if !e.wait(sctx, e.settings.FetchDelay, nil) {
			return
		}
	}
}

// fetchChunk fetches a page, signing in again as long as the remote feed
// reports the session as unauthorized and sign-in succeeds.
func (e *Engine) fetchChunk(ctx context.Context, untilID string) (*model.ReportChunk, error) {
	for {
		chunk, err := e.fetcher.FetchChunk(ctx, untilID)
		if err == nil {
			return chunk, nil
		}
		if !errors.Is(err, fetcher.ErrUnauthorized) {
			return nil, err
		}
		e.log.Info("report session rejected, signing in")
		if err := e.reauth(ctx); err != nil {
			return nil, fmt.Errorf("reauthenticate: %w", err)
		}
	}
}

// refilter applies the current rules to every stored entry. Firings were
// counted when the entries were fetched, so stats are left alone here.
func (e *Engine) refilter(ctx context.Context) error {
	e.filter.Reload()

	var changed []model.ReportEntry
	err := e.store.EachNewestFirst(ctx, func(entry model.ReportEntry) error {
		action, err := e.filter.Decide(ctx, &entry)
		if err != nil {
			return err
		}
		if hidden := action == model.ActionHide; hidden != entry.Hidden {
			entry.Hidden = hidden
			changed = append(changed, entry)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.store.RunAtomic(ctx, storage.ReadWrite, func(tx storage.EntryStore) error {
		return tx.BulkUpsert(ctx, changed)
	})
}

// purge removes expired entries and announces the visible ones. It
// reports false when the engine should stop.
func (e *Engine) purge(ctx context.Context, horizon time.Time) bool {
	var removed []string
	n, err := e.store.Purge(ctx, horizon, func(entry model.ReportEntry) error {
		if !entry.Hidden {
			removed = append(removed, entry.ID)
		}
		return nil
	})
	if err != nil {
		e.log.Error("purge expired entries", "horizon", horizon, "error", err)
		return ctx.Err() == nil
	}
	if n > 0 {
		e.log.Info("purged expired entries", "count", n, "horizon", horizon)
	}
	for _, id := range removed {
		if !e.emit(ctx, DeleteEntry{ID: id}) {
			return false
		}
	}
	return true
}

func (e *Engine) persist(ctx context.Context, buffer []model.ReportEntry) {
	if len(buffer) == 0 {
		return
	}
	err := e.store.RunAtomic(ctx, storage.ReadWrite, func(tx storage.EntryStore) error {
		return tx.BulkUpsert(ctx, buffer)
	})
	if err != nil {
		e.log.Error("store new entries", "count", len(buffer), "error", err)
		return
	}
	e.log.Info("stored new entries", "count", len(buffer))
}

// horizon returns the standard expiry and the effective purge horizon.
// The standard expiry is midnight one month ago. When the last visible
// entry is still stored, entries from the day before it are kept too.
func (e *Engine) horizon(ctx context.Context) (standard, horizon time.Time) {
	now := e.now()
	y, m, d := now.AddDate(0, -1, 0).Date()
	standard = time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	id := e.settings.LastVisibleEntryID()
	if id == "" {
		return standard, standard
	}
	entry, err := e.store.Lookup(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Warn("look up last visible entry", "id", id, "error", err)
		}
		return standard, standard
	}
	lookback := entry.Timestamp.AddDate(0, 0, -1)
	if lookback.Before(standard) {
		return standard, lookback
	}
	return standard, standard
}

// wait sleeps for the duration of setting. When the setting changes the
// remaining time is recomputed from the time already waited. A disabled
// setting waits forever. wait returns true when the time is up or wake
// fires, and false when ctx is done.
func (e *Engine) wait(ctx context.Context, setting Setting, wake <-chan struct{}) bool {
	began := e.now()
	for {
		d, enabled, changed := setting()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if enabled {
			remaining := d - e.now().Sub(began)
			if remaining <= 0 {
				return true
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return false
		case <-wake:
			stopTimer(timer)
			return true
		case <-timeout:
			return true
		case <-changed:
			stopTimer(timer)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// complete ends a replay or fetch. It is sent even after an abort.
func (e *Engine) complete(ctx context.Context) {
	if !e.emit(ctx, ResetInsertionPoint{}) || !e.emit(ctx, UpdateProgress{Fraction: 1}) {
		return
	}
	e.emit(ctx, SetUpdatingAllowed{Allowed: true})
}

func (e *Engine) emit(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case e.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// progress estimates how far back in time a fetch has reached.
func progress(start, ts, oldest time.Time) float64 {
	span := start.Sub(oldest)
	if span <= 0 {
		return 1
	}
	f := float64(start.Sub(ts)) / float64(span)
	return min(max(f, 0), 1)
}
