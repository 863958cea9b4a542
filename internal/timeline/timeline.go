// Package timeline keeps an in-memory copy of the rendered report by
// applying sync events in order.
package timeline

import (
	"sync"

	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/reportsync"
)

// Timeline is the rendered report, newest entry first. It is safe for
// concurrent use; events must still be applied from a single goroutine.
type Timeline struct {
	mu      sync.RWMutex
	entries []model.ReportEntry
	// point is the index of the last inserted entry, -1 after a reset.
	point       int
	endOfReport bool
	progress    float64
	updating    bool
}

// New creates an empty Timeline.
func New() *Timeline {
	return &Timeline{point: -1, progress: 1, updating: true}
}

// Apply applies one event.
func (t *Timeline) Apply(ev reportsync.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := ev.(type) {
	case reportsync.ResetInsertionPoint:
		t.point = -1
	case reportsync.InsertEntry:
		t.insert(ev.Entry)
	case reportsync.DeleteEntry:
		t.remove(ev.ID)
	case reportsync.ShowEndOfReport:
		t.endOfReport = true
	case reportsync.ClearEntries:
		t.entries = nil
		t.point = -1
		t.endOfReport = false
	case reportsync.UpdateProgress:
		t.progress = ev.Fraction
	case reportsync.SetUpdatingAllowed:
		t.updating = ev.Allowed
	}
}

// insert puts entry right after the insertion point, or at the top when
// there is none, and moves the insertion point to it.
func (t *Timeline) insert(entry model.ReportEntry) {
	at := t.point + 1
	t.entries = append(t.entries, model.ReportEntry{})
	copy(t.entries[at+1:], t.entries[at:])
	t.entries[at] = entry
	t.point = at
}

func (t *Timeline) remove(id string) {
	i := t.indexOf(id)
	if i < 0 {
		return
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	if i <= t.point {
		t.point--
	}
}

func (t *Timeline) indexOf(id string) int {
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Page returns up to n entries starting at offset.
func (t *Timeline) Page(offset, n int) []model.ReportEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if offset < 0 || offset >= len(t.entries) || n <= 0 {
		return nil
	}
	end := min(offset+n, len(t.entries))
	out := make([]model.ReportEntry, end-offset)
	copy(out, t.entries[offset:end])
	return out
}

// Find returns the entry with the given ID and its position.
func (t *Timeline) Find(id string) (model.ReportEntry, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := t.indexOf(id)
	if i < 0 {
		return model.ReportEntry{}, -1, false
	}
	return t.entries[i], i, true
}

// Progress returns the last reported progress.
func (t *Timeline) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// UpdatingAllowed reports whether the user may trigger an update.
func (t *Timeline) UpdatingAllowed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updating
}

// EndOfReport reports whether the oldest entry is shown.
func (t *Timeline) EndOfReport() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endOfReport
}
