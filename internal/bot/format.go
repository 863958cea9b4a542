package bot

import (
	"fmt"
	"strings"
	"time"

	"nicorepo_bot/internal/markup"
	"nicorepo_bot/internal/model"
)

var activityLabels = map[model.Activity]string{
	model.ActivityAdvertise:        "advertised",
	model.ActivityReserveBroadcast: "scheduled a broadcast",
	model.ActivityBroadcast:        "started a broadcast",
	model.ActivityGetMagicNumber:   "reached a milestone",
	model.ActivityLike:             "liked",
	model.ActivityList:             "added to a list",
	model.ActivityUpload:           "uploaded",
}

func activityLabel(a model.Activity) string {
	if l, ok := activityLabels[a]; ok {
		return l
	}
	return "did something"
}

// FormatEntry formats a report entry for display.
func FormatEntry(e model.ReportEntry, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Subject.Name, activityLabel(e.Activity))
	if e.Object != nil && e.Object.Type != model.ObjectUnknown {
		fmt.Fprintf(&b, " (%s)", e.Object.Type)
	}
	fmt.Fprintf(&b, ", %s ago\n", AbbreviateDuration(now.Sub(e.Timestamp), false))
	if title := markup.PlainText(e.Title); title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	if e.Object != nil {
		if e.Object.Title != "" {
			b.WriteString(markup.PlainText(e.Object.Title))
			b.WriteString("\n")
		}
		if e.Object.URL != "" {
			b.WriteString(e.Object.URL)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "id: %s", e.ID)
	return b.String()
}

// FormatNotification formats a newly fetched entry as a notification.
func FormatNotification(e model.ReportEntry, now time.Time) string {
	return "New activity\n\n" + FormatEntry(e, now)
}

// FormatReportPage formats one page of the report. offset is the position
// of the first entry in the whole report.
func FormatReportPage(entries []model.ReportEntry, page, pages, offset int, endOfReport bool, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Report, page %d/%d\n", page, pages)
	for i, e := range entries {
		fmt.Fprintf(&b, "\n%d. %s\n", offset+i+1, FormatEntry(e, now))
	}
	if endOfReport {
		b.WriteString("\n(end of report)")
	}
	return b.String()
}

// FormatRule formats the criteria of a rule.
func FormatRule(r model.FilterRule) string {
	user := "any user"
	if r.Subject != nil {
		user = "user " + r.Subject.Name
	}
	activity := "any activity"
	if r.Activity != "" {
		activity = string(r.Activity)
	}
	object := "any object"
	if r.ObjectType != "" {
		object = string(r.ObjectType)
	}
	return fmt.Sprintf("%s: %s, %s, %s", r.Action, user, activity, object)
}

// FormatRuleList formats the rule set, highest priority first.
func FormatRuleList(rules []model.FilterRule, now time.Time) string {
	if len(rules) == 0 {
		return "No filter rules, every entry is shown.\nUse /hide <entry_id> to add one."
	}
	var b strings.Builder
	b.WriteString("Filter rules (first match wins):\n")
	for i, r := range rules {
		fmt.Fprintf(&b, "\n#%d %s\n", i+1, FormatRule(r))
		switch {
		case r.TimesFired == 0 || r.LastFiredAt == nil:
			b.WriteString("   never fired\n")
		default:
			fmt.Fprintf(&b, "   fired %d time(s), last %s ago\n",
				r.TimesFired, AbbreviateDuration(now.Sub(*r.LastFiredAt), false))
		}
	}
	return b.String()
}

// AbbreviateDuration renders d as "1 hour 2 min 3 sec". A zero seconds
// part is left out unless it is the only one. With millis, the sub-second
// part is shown in milliseconds instead of being truncated.
func AbbreviateDuration(d time.Duration, millis bool) string {
	ms := max(d.Milliseconds(), 0)

	const (
		second = int64(1000)
		minute = 60 * second
		hour   = 60 * minute
		day    = 24 * hour
		week   = 7 * day
	)

	var elems []string
	unit := func(size int64, one, many string) {
		if ms < size {
			return
		}
		n := ms / size
		ms -= n * size
		name := many
		if n == 1 {
			name = one
		}
		elems = append(elems, fmt.Sprintf("%d %s", n, name))
	}
	unit(week, "week", "weeks")
	unit(day, "day", "days")
	unit(hour, "hour", "hours")
	unit(minute, "min", "min")

	if millis {
		unit(second, "sec", "sec")
		if len(elems) == 0 || ms > 0 {
			elems = append(elems, fmt.Sprintf("%d ms", ms))
		}
		return strings.Join(elems, " ")
	}

	if secs := ms / second; secs > 0 || len(elems) == 0 {
		elems = append(elems, fmt.Sprintf("%d sec", secs))
	}
	return strings.Join(elems, " ")
}

// NewRuleDescription builds the rule proposed for entry: its user, its
// activity and its object type, each unless the matching any flag is set
// or the value is unknown.
func NewRuleDescription(entry model.ReportEntry, action model.FilterAction, args RuleArgs) model.RuleDescription {
	desc := model.RuleDescription{Action: action}
	if !args.AnyUser {
		subject := entry.Subject
		desc.Subject = &subject
	}
	if !args.AnyActivity && entry.Activity != model.ActivityUnknown {
		desc.Activity = entry.Activity
	}
	if !args.AnyObject && entry.Object != nil && entry.Object.Type != model.ObjectUnknown {
		desc.ObjectType = entry.Object.Type
	}
	return desc
}
