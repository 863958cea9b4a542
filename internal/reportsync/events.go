package reportsync

import (
	"fmt"

	"nicorepo_bot/internal/model"
)

// Event is a mutation of the rendered report. Events must be applied in
// the order they are received.
type Event interface {
	isEvent()
}

// ResetInsertionPoint makes the next InsertEntry go to the top of the
// report, with later inserts following it.
type ResetInsertionPoint struct{}

// InsertEntry inserts an entry at the insertion point. Fetched is set for
// entries that were just received from the remote feed.
type InsertEntry struct {
	Entry   model.ReportEntry
	Fetched bool
}

// DeleteEntry removes an entry from the report.
type DeleteEntry struct {
	ID string
}

// ShowEndOfReport marks that nothing older is available.
type ShowEndOfReport struct{}

// ClearEntries removes every entry and the end-of-report mark.
type ClearEntries struct{}

// UpdateProgress reports the progress of the running cycle in [0, 1].
type UpdateProgress struct {
	Fraction float64
}

// SetUpdatingAllowed enables or disables user-triggered updates.
type SetUpdatingAllowed struct {
	Allowed bool
}

func (ResetInsertionPoint) isEvent() {}
func (InsertEntry) isEvent()         {}
func (DeleteEntry) isEvent()         {}
func (ShowEndOfReport) isEvent()     {}
func (ClearEntries) isEvent()        {}
func (UpdateProgress) isEvent()      {}
func (SetUpdatingAllowed) isEvent()  {}

func (ResetInsertionPoint) String() string  { return "ResetInsertionPoint" }
func (e InsertEntry) String() string        { return fmt.Sprintf("Insert(%s)", e.Entry.ID) }
func (e DeleteEntry) String() string        { return fmt.Sprintf("Delete(%s)", e.ID) }
func (ShowEndOfReport) String() string      { return "ShowEndOfReport" }
func (ClearEntries) String() string         { return "ClearEntries" }
func (e UpdateProgress) String() string     { return fmt.Sprintf("Progress(%.3f)", e.Fraction) }
func (e SetUpdatingAllowed) String() string { return fmt.Sprintf("UpdatingAllowed(%t)", e.Allowed) }
