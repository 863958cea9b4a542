package reportsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nicorepo_bot/internal/fetcher"
	"nicorepo_bot/internal/filter"
	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/prefs"
	"nicorepo_bot/internal/storage"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type response struct {
	chunk *model.ReportChunk
	err   error
}

// fakeFetcher serves queued responses per untilID. The last response for
// an untilID is repeated.
type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]response
	calls []string
}

func (f *fakeFetcher) FetchChunk(_ context.Context, untilID string) (*model.ReportChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, untilID)
	q := f.pages[untilID]
	if len(q) == 0 {
		return nil, fmt.Errorf("no page for %q", untilID)
	}
	r := q[0]
	if len(q) > 1 {
		f.pages[untilID] = q[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	c := *r.chunk
	c.Entries = append([]model.ReportEntry(nil), r.chunk.Entries...)
	return &c, nil
}

func (f *fakeFetcher) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSettings struct {
	poll        *prefs.Value[prefs.Interval]
	delay       *prefs.Value[time.Duration]
	lastVisible string
}

func (s *fakeSettings) PollInterval() (time.Duration, bool, <-chan struct{}) {
	iv, ch := s.poll.Snapshot()
	return iv.D, iv.Enabled, ch
}

func (s *fakeSettings) FetchDelay() (time.Duration, bool, <-chan struct{}) {
	d, ch := s.delay.Snapshot()
	return d, true, ch
}

func (s *fakeSettings) LastVisibleEntryID() string {
	return s.lastVisible
}

type harness struct {
	engine    *Engine
	store     *storage.SQLite
	rules     *filter.Engine
	fetcher   *fakeFetcher
	settings  *fakeSettings
	reauths   atomic.Int32
	reauthErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:   store,
		rules:   filter.New(store),
		fetcher: &fakeFetcher{pages: make(map[string][]response)},
		settings: &fakeSettings{
			poll:  prefs.NewValue(prefs.Never),
			delay: prefs.NewValue(time.Duration(0)),
		},
	}
	reauth := func(context.Context) error {
		h.reauths.Add(1)
		return h.reauthErr
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = New(store, h.fetcher, h.rules, h.settings, reauth, log)
	h.engine.now = func() time.Time { return testNow }
	h.engine.events = make(chan Event, 1024)
	return h
}

func (h *harness) page(untilID string, hasNext bool, entries ...model.ReportEntry) {
	c := &model.ReportChunk{HasNext: hasNext, Entries: entries}
	if len(entries) > 0 {
		c.NewestID = entries[0].ID
		c.OldestID = entries[len(entries)-1].ID
	}
	h.fetcher.pages[untilID] = append(h.fetcher.pages[untilID], response{chunk: c})
}

func (h *harness) fail(untilID string, err error) {
	h.fetcher.pages[untilID] = append(h.fetcher.pages[untilID], response{err: err})
}

func (h *harness) seed(t *testing.T, entries ...model.ReportEntry) {
	t.Helper()
	if err := h.store.BulkUpsert(context.Background(), entries); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

// drain returns every event emitted so far.
func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.engine.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) storedIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	err := h.store.EachNewestFirst(context.Background(), func(e model.ReportEntry) error {
		ids = append(ids, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("EachNewestFirst: %v", err)
	}
	return ids
}

func entryAt(id, user string, ago time.Duration) model.ReportEntry {
	return model.ReportEntry{
		ID:        id,
		Title:     "entry " + id,
		Timestamp: testNow.Add(-ago),
		Subject:   model.User{ID: user, Name: "user " + user},
		Activity:  model.ActivityUpload,
		Object: &model.Object{
			Type:  model.ObjectVideo,
			URL:   "https://www.nicovideo.jp/watch/sm" + id,
			Title: "video " + id,
		},
	}
}

func insertedIDs(events []Event) []string {
	var ids []string
	for _, ev := range events {
		if ins, ok := ev.(InsertEntry); ok {
			ids = append(ids, ins.Entry.ID)
		}
	}
	return ids
}

func countEvents[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

var completion = []Event{
	ResetInsertionPoint{},
	UpdateProgress{Fraction: 1},
	SetUpdatingAllowed{Allowed: true},
}

func concat(parts ...[]Event) []Event {
	var out []Event
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestFetchCycleSinglePage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// With an empty store progress is measured against the standard
	// expiry, 2024-02-15T00:00Z, which is 708 hours before testNow.
	a := entryAt("3", "u1", 177*time.Hour)
	b := entryAt("2", "u2", 354*time.Hour)
	c := entryAt("1", "u3", 531*time.Hour)
	h.page("", false, a, b, c)

	h.engine.fetchCycle(ctx, ctx)

	want := concat([]Event{
		SetUpdatingAllowed{Allowed: false},
		UpdateProgress{Fraction: 0},
		InsertEntry{Entry: a, Fetched: true},
		UpdateProgress{Fraction: 0.25},
		InsertEntry{Entry: b, Fetched: true},
		UpdateProgress{Fraction: 0.5},
		InsertEntry{Entry: c, Fetched: true},
		UpdateProgress{Fraction: 0.75},
		ShowEndOfReport{},
	}, completion)
	if diff := cmp.Diff(want, h.drain()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored entries mismatch (-want +got):\n%s", diff)
	}
	if h.engine.Fetching() {
		t.Error("Fetching() = true after the cycle")
	}
}

func TestFetchCycleStopsAtStoredEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seed(t, entryAt("5", "u", 10*time.Hour))

	h.page("", true, entryAt("9", "u", time.Hour), entryAt("8", "u", 2*time.Hour), entryAt("7", "u", 3*time.Hour))
	h.page("7", true, entryAt("6", "u", 4*time.Hour), entryAt("5", "u", 10*time.Hour), entryAt("4", "u", 11*time.Hour))

	h.engine.fetchCycle(ctx, ctx)
	events := h.drain()

	if diff := cmp.Diff([]string{"9", "8", "7", "6"}, insertedIDs(events)); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if n := countEvents[ShowEndOfReport](events); n != 0 {
		t.Errorf("ShowEndOfReport emitted %d times after convergence", n)
	}
	if diff := cmp.Diff([]string{"", "7"}, h.fetcher.getCalls()); diff != "" {
		t.Errorf("fetch calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"9", "8", "7", "6", "5"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(completion, events[len(events)-3:]); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCycleExhaustsFeed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.page("", true, entryAt("3", "u", time.Hour), entryAt("2", "u", 2*time.Hour))
	h.page("2", false, entryAt("1", "u", 3*time.Hour))

	h.engine.fetchCycle(ctx, ctx)
	events := h.drain()

	if diff := cmp.Diff([]string{"3", "2", "1"}, insertedIDs(events)); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if n := countEvents[ShowEndOfReport](events); n != 1 {
		t.Errorf("ShowEndOfReport emitted %d times, want 1", n)
	}
}

func TestFetchCycleReauthenticates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := entryAt("2", "u", time.Hour)
	b := entryAt("1", "u", 2*time.Hour)
	h.fail("", fmt.Errorf("report status 401: %w", fetcher.ErrUnauthorized))
	h.page("", false, a, b)

	h.engine.fetchCycle(ctx, ctx)
	events := h.drain()

	if got := h.reauths.Load(); got != 1 {
		t.Errorf("reauths = %d, want 1", got)
	}
	if diff := cmp.Diff([]string{"", ""}, h.fetcher.getCalls()); diff != "" {
		t.Errorf("fetch calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"2", "1"}, insertedIDs(events)); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if n := countEvents[ShowEndOfReport](events); n != 1 {
		t.Errorf("ShowEndOfReport emitted %d times, want 1", n)
	}
}

func TestFetchCycleReauthFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.reauthErr = errors.New("wrong password")
	h.fail("", fetcher.ErrUnauthorized)

	h.engine.fetchCycle(ctx, ctx)

	want := concat([]Event{
		SetUpdatingAllowed{Allowed: false},
		UpdateProgress{Fraction: 0},
	}, completion)
	if diff := cmp.Diff(want, h.drain()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := h.reauths.Load(); got != 1 {
		t.Errorf("reauths = %d, want 1", got)
	}
}

func TestFetchCycleErrorKeepsFetchedEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.page("", true, entryAt("3", "u", time.Hour), entryAt("2", "u", 2*time.Hour))
	h.fail("2", errors.New("connection reset"))

	h.engine.fetchCycle(ctx, ctx)
	events := h.drain()

	if diff := cmp.Diff([]string{"3", "2"}, insertedIDs(events)); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(completion, events[len(events)-3:]); diff != "" {
		t.Errorf("completion mismatch (-want +got):\n%s", diff)
	}
	if n := countEvents[ShowEndOfReport](events); n != 0 {
		t.Errorf("ShowEndOfReport emitted %d times after an error", n)
	}
	if diff := cmp.Diff([]string{"3", "2"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored entries mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCycleStoresHiddenEntries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.rules.AddRule(ctx, model.RuleDescription{Action: model.ActionHide, Subject: &model.User{ID: "spam"}}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	a := entryAt("3", "u", time.Hour)
	b := entryAt("2", "spam", 2*time.Hour)
	c := entryAt("1", "u", 3*time.Hour)
	h.page("", false, a, b, c)
	h.engine.fetchCycle(ctx, ctx)

	if diff := cmp.Diff([]string{"3", "1"}, insertedIDs(h.drain())); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	stored, err := h.store.Lookup(ctx, "2")
	if err != nil {
		t.Fatalf("hidden entry not stored: %v", err)
	}
	if !stored.Hidden {
		t.Error("stored entry 2 is not marked hidden")
	}

	// A new entry followed by the hidden one: the hidden entry still ends
	// the fetch.
	d := entryAt("4", "u", 30*time.Minute)
	h.fetcher.pages[""] = nil
	h.page("", true, d, b, c)
	h.engine.fetchCycle(ctx, ctx)

	events := h.drain()
	if diff := cmp.Diff([]string{"4"}, insertedIDs(events)); diff != "" {
		t.Errorf("inserted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"", ""}, h.fetcher.getCalls()); diff != "" {
		t.Errorf("fetch calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRefilterKeepsRuleStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rule, err := h.rules.AddRule(ctx, model.RuleDescription{Action: model.ActionHide, Subject: &model.User{ID: "spam"}})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	h.page("", false, entryAt("3", "u", time.Hour), entryAt("2", "spam", 2*time.Hour), entryAt("1", "spam", 3*time.Hour))
	h.engine.fetchCycle(ctx, ctx)
	h.drain()

	for range 3 {
		if err := h.engine.refilter(ctx); err != nil {
			t.Fatalf("refilter: %v", err)
		}
	}

	got, err := h.rules.Rule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Rule: %v", err)
	}
	if got.TimesFired != 2 {
		t.Errorf("TimesFired = %d, want 2", got.TimesFired)
	}

	// Removing the rule shows the entries again without any new firing.
	if err := h.rules.RemoveRule(ctx, rule.ID); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if err := h.engine.refilter(ctx); err != nil {
		t.Fatalf("refilter: %v", err)
	}
	stored, err := h.store.Lookup(ctx, "2")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if stored.Hidden {
		t.Error("entry 2 still hidden after its rule was removed")
	}
}

func TestHorizon(t *testing.T) {
	tests := []struct {
		name        string
		lastVisible *model.ReportEntry
		want        time.Time
	}{
		{
			name: "no last visible entry",
			want: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:        "recent last visible entry",
			lastVisible: &model.ReportEntry{ID: "lv", Timestamp: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
			want:        time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:        "old last visible entry extends the horizon",
			lastVisible: &model.ReportEntry{ID: "lv", Timestamp: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)},
			want:        time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.lastVisible != nil {
				h.seed(t, *tt.lastVisible)
				h.settings.lastVisible = tt.lastVisible.ID
			}
			standard, got := h.engine.horizon(context.Background())
			if !standard.Equal(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("standard = %v, want 2024-02-15T00:00:00Z", standard)
			}
			if !got.Equal(tt.want) {
				t.Errorf("horizon = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("last visible entry no longer stored", func(t *testing.T) {
		h := newHarness(t)
		h.settings.lastVisible = "gone"
		_, got := h.engine.horizon(context.Background())
		if want := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
			t.Errorf("horizon = %v, want %v", got, want)
		}
	})
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	expired := entryAt("old", "u", 60*24*time.Hour)
	expiredHidden := entryAt("oldh", "u", 61*24*time.Hour)
	expiredHidden.Hidden = true
	a := entryAt("a", "u", time.Hour)
	hidden := entryAt("h", "spam", 2*time.Hour)
	hidden.Hidden = true
	b := entryAt("b", "u", 3*time.Hour)
	h.seed(t, expired, expiredHidden, a, hidden, b)

	h.engine.replay(ctx, ctx)

	want := concat([]Event{
		DeleteEntry{ID: "old"},
		SetUpdatingAllowed{Allowed: false},
		InsertEntry{Entry: a},
		UpdateProgress{Fraction: 1.0 / 3.0},
		InsertEntry{Entry: b},
		UpdateProgress{Fraction: 1},
		ShowEndOfReport{},
	}, completion)
	if diff := cmp.Diff(want, h.drain()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "h", "b"}, h.storedIDs(t)); diff != "" {
		t.Errorf("stored entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayEmptyStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.engine.replay(ctx, ctx)

	want := concat([]Event{SetUpdatingAllowed{Allowed: false}}, completion)
	if diff := cmp.Diff(want, h.drain()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestWaitRecomputesRemainingTime(t *testing.T) {
	h := newHarness(t)
	clock := &fakeClock{t: testNow}
	h.engine.now = clock.Now

	delay := prefs.NewValue(2 * time.Hour)
	started := make(chan struct{})
	var once sync.Once
	setting := func() (time.Duration, bool, <-chan struct{}) {
		d, ch := delay.Snapshot()
		once.Do(func() { close(started) })
		return d, true, ch
	}

	go func() {
		<-started
		clock.Advance(time.Hour - 20*time.Millisecond)
		delay.Set(time.Hour)
	}()

	done := make(chan bool, 1)
	go func() { done <- h.engine.wait(context.Background(), setting, nil) }()

	select {
	case ok := <-done:
		if !ok {
			t.Error("wait() = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait restarted the full delay instead of recomputing it")
	}
}

func TestWaitDisabledSetting(t *testing.T) {
	h := newHarness(t)
	never := func() (time.Duration, bool, <-chan struct{}) { return 0, false, nil }

	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	if !h.engine.wait(context.Background(), never, wake) {
		t.Error("wait() with wake signal = false, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if h.engine.wait(ctx, never, nil) {
		t.Error("wait() with cancelled context = true, want false")
	}
}

func TestCheckForUpdatesIgnoredWhileFetching(t *testing.T) {
	h := newHarness(t)

	h.engine.fetching.Store(true)
	h.engine.CheckForUpdates()
	if len(h.engine.checkNow) != 0 {
		t.Error("CheckForUpdates queued a signal during a fetch")
	}

	h.engine.fetching.Store(false)
	h.engine.CheckForUpdates()
	h.engine.CheckForUpdates()
	if len(h.engine.checkNow) != 1 {
		t.Errorf("pending signals = %d, want 1", len(h.engine.checkNow))
	}
}

func TestProgress(t *testing.T) {
	start := testNow
	oldest := testNow.Add(-100 * time.Hour)
	tests := []struct {
		name string
		ts   time.Time
		want float64
	}{
		{"newest", start, 0},
		{"halfway", start.Add(-50 * time.Hour), 0.5},
		{"older than expected", start.Add(-200 * time.Hour), 1},
		{"newer than start", start.Add(time.Hour), 0},
	}
	for _, tt := range tests {
		if got := progress(start, tt.ts, oldest); got != tt.want {
			t.Errorf("%s: progress() = %v, want %v", tt.name, got, tt.want)
		}
	}
	if got := progress(start, start, start); got != 1 {
		t.Errorf("progress() with empty span = %v, want 1", got)
	}
}

// nextCycle reads events up to and including the next
// SetUpdatingAllowed(true).
func nextCycle(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed after %v", out)
			}
			out = append(out, ev)
			if ev == (SetUpdatingAllowed{Allowed: true}) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for cycle end, got %v", out)
		}
	}
}

func startRun(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func TestRunRefreshAndCheck(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := entryAt("3", "u", time.Hour)
	b := entryAt("2", "spam", 2*time.Hour)
	c := entryAt("1", "u", 3*time.Hour)
	h.page("", false, a, b, c)

	startRun(t, h)
	events := h.engine.Events()

	replay := nextCycle(t, events)
	if diff := cmp.Diff(concat([]Event{SetUpdatingAllowed{Allowed: false}}, completion), replay); diff != "" {
		t.Errorf("initial replay mismatch (-want +got):\n%s", diff)
	}
	fetch := nextCycle(t, events)
	if diff := cmp.Diff([]string{"3", "2", "1"}, insertedIDs(fetch)); diff != "" {
		t.Errorf("first fetch mismatch (-want +got):\n%s", diff)
	}

	h.engine.CheckForUpdates()
	check := nextCycle(t, events)
	want := concat([]Event{SetUpdatingAllowed{Allowed: false}, UpdateProgress{Fraction: 0}}, completion)
	if diff := cmp.Diff(want, check); diff != "" {
		t.Errorf("check for updates mismatch (-want +got):\n%s", diff)
	}

	if _, err := h.rules.AddRule(ctx, model.RuleDescription{Action: model.ActionHide, Subject: &model.User{ID: "spam"}}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	h.engine.Refresh(RefreshOptions{KeepStore: true})
	refilter := nextCycle(t, events)
	want = concat([]Event{
		ClearEntries{},
		SetUpdatingAllowed{Allowed: false},
		InsertEntry{Entry: a},
		UpdateProgress{Fraction: 1.0 / 3.0},
		InsertEntry{Entry: c},
		UpdateProgress{Fraction: 1},
		ShowEndOfReport{},
	}, completion)
	if diff := cmp.Diff(want, refilter); diff != "" {
		t.Errorf("refilter mismatch (-want +got):\n%s", diff)
	}
	if calls := len(h.fetcher.getCalls()); calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (refilter must not fetch)", calls)
	}

	h.engine.Refresh(RefreshOptions{})
	discard := nextCycle(t, events)
	want = concat([]Event{ClearEntries{}, SetUpdatingAllowed{Allowed: false}}, completion)
	if diff := cmp.Diff(want, discard); diff != "" {
		t.Errorf("discard replay mismatch (-want +got):\n%s", diff)
	}
	refetch := nextCycle(t, events)
	if diff := cmp.Diff([]string{"3", "1"}, insertedIDs(refetch)); diff != "" {
		t.Errorf("refetch mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRefreshAbortsFetch(t *testing.T) {
	h := newHarness(t)
	h.settings.delay.Set(time.Hour)
	a := entryAt("3", "u", time.Hour)
	b := entryAt("2", "u", 2*time.Hour)
	h.page("", true, a, b)

	startRun(t, h)
	events := h.engine.Events()
	nextCycle(t, events)

	var got []Event
	timeout := time.After(5 * time.Second)
	for len(insertedIDs(got)) < 2 || len(got) < 6 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	// The engine now waits out the page delay.
	h.engine.Refresh(RefreshOptions{})
	aborted := nextCycle(t, events)
	if diff := cmp.Diff(completion, aborted); diff != "" {
		t.Errorf("aborted fetch completion mismatch (-want +got):\n%s", diff)
	}
	replay := nextCycle(t, events)
	want := concat([]Event{ClearEntries{}, SetUpdatingAllowed{Allowed: false}}, completion)
	if diff := cmp.Diff(want, replay); diff != "" {
		t.Errorf("replay after refresh mismatch (-want +got):\n%s", diff)
	}
}
