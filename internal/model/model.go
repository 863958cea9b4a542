// Package model defines the domain types used across the application.
package model

import "time"

// User is the actor of a report entry.
type User struct {
	ID      string
	URL     string
	Name    string
	IconURL string
}

// Activity is what the subject of a report entry did.
type Activity string

// Supported activities.
const (
	ActivityAdvertise        Activity = "advertise"
	ActivityReserveBroadcast Activity = "reserve-broadcast"
	ActivityBroadcast        Activity = "broadcast"
	ActivityGetMagicNumber   Activity = "get-magic-number"
	ActivityLike             Activity = "like"
	ActivityList             Activity = "list"
	ActivityUpload           Activity = "upload"
	ActivityUnknown          Activity = "unknown"
)

// ObjectType is the kind of content a report entry refers to.
type ObjectType string

// Supported object types.
const (
	ObjectVideo   ObjectType = "video"
	ObjectStream  ObjectType = "stream"
	ObjectImage   ObjectType = "image"
	ObjectComic   ObjectType = "comic"
	ObjectArticle ObjectType = "article"
	ObjectModel   ObjectType = "model"
	ObjectGame    ObjectType = "game"
	ObjectUnknown ObjectType = "unknown"
)

// Object is the target of an activity.
type Object struct {
	Type     ObjectType
	URL      string
	Title    string
	ThumbURL string
}

// ReportEntry is one activity of the report feed.
type ReportEntry struct {
	ID        string
	Title     string
	Timestamp time.Time
	Subject   User
	Activity  Activity
	Object    *Object // nil for activities without a target

	// Hidden is set when a filter rule hid the entry at the time it was
	// stored. Hidden entries are kept so that the next sync can still
	// detect where the remote feed meets the local cache.
	Hidden bool
}

// ReportChunk is a single page of the remote report, newest entry first.
type ReportChunk struct {
	NewestID string
	OldestID string
	HasNext  bool
	Entries  []ReportEntry
}

// FilterAction is the outcome of evaluating filter rules against an entry.
type FilterAction string

// Supported filter actions.
const (
	ActionShow FilterAction = "show"
	ActionHide FilterAction = "hide"
)

// RuleDescription describes a filter rule before it is added to a rule set.
// A nil or empty criterion matches anything.
type RuleDescription struct {
	Action     FilterAction
	Subject    *User
	Activity   Activity
	ObjectType ObjectType
}

// FilterRule is a prioritized rule of the filter set.
type FilterRule struct {
	ID         string
	Priority   int
	Action     FilterAction
	Subject    *User
	Activity   Activity
	ObjectType ObjectType

	TimesFired  int
	LastFiredAt *time.Time
}

// Matches reports whether every criterion of the rule holds for entry.
// A rule restricting the object type never matches an entry without an
// object.
func (r *FilterRule) Matches(entry *ReportEntry) bool {
	if r.Subject != nil && r.Subject.ID != entry.Subject.ID {
		return false
	}
	if r.Activity != "" && r.Activity != entry.Activity {
		return false
	}
	if r.ObjectType != "" {
		if entry.Object == nil || entry.Object.Type != r.ObjectType {
			return false
		}
	}
	return true
}

// Describe returns the rule's criteria without its identity and statistics.
func (r *FilterRule) Describe() RuleDescription {
	return RuleDescription{
		Action:     r.Action,
		Subject:    r.Subject,
		Activity:   r.Activity,
		ObjectType: r.ObjectType,
	}
}
