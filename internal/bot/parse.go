package bot

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"nicorepo_bot/internal/prefs"
)

// RuleArgs holds the parsed arguments of /hide and /show.
type RuleArgs struct {
	EntryID     string
	AnyUser     bool
	AnyActivity bool
	AnyObject   bool
}

// ParseRuleCommand parses arguments for /hide and /show.
// Format: <entry_id> [-any-user] [-any-activity] [-any-object]
func ParseRuleCommand(args string) (RuleArgs, error) {
	var parsed RuleArgs
	for _, p := range strings.Fields(args) {
		switch p {
		case "-any-user":
			parsed.AnyUser = true
		case "-any-activity":
			parsed.AnyActivity = true
		case "-any-object":
			parsed.AnyObject = true
		default:
			if strings.HasPrefix(p, "-") {
				return RuleArgs{}, fmt.Errorf("unknown flag %q, use: -any-user, -any-activity, -any-object", p)
			}
			if parsed.EntryID != "" {
				return RuleArgs{}, fmt.Errorf("only one entry ID is allowed")
			}
			parsed.EntryID = p
		}
	}
	if parsed.EntryID == "" {
		return RuleArgs{}, fmt.Errorf("usage: <entry_id> [-any-user] [-any-activity] [-any-object]")
	}
	return parsed, nil
}

// ParseIndexArg extracts a 1-based rule number from a command argument.
func ParseIndexArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("rule number is required")
	}
	n, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid rule number %q", s)
	}
	return n, nil
}

// ParsePageArg extracts a 1-based page number. An empty argument means the
// first page.
func ParsePageArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid page %q", s)
	}
	return n, nil
}

// ParseIntervalArg parses a poll interval in seconds, or "off".
func ParseIntervalArg(args string) (prefs.Interval, error) {
	s := strings.ToLower(strings.TrimSpace(args))
	if s == "off" || s == "never" {
		return prefs.Never, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil {
		return prefs.Interval{}, fmt.Errorf("usage: /interval <seconds|off>")
	}
	if secs < int(prefs.MinPollInterval.Seconds()) || secs > int(prefs.MaxPollInterval.Seconds()) {
		return prefs.Interval{}, fmt.Errorf("interval must be between %d and %d seconds",
			int(prefs.MinPollInterval.Seconds()), int(prefs.MaxPollInterval.Seconds()))
	}
	return prefs.Every(time.Duration(secs) * time.Second), nil
}

// ParseDelayArg parses a fetch delay in (possibly fractional) seconds.
func ParseDelayArg(args string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("usage: /delay <seconds>")
	}
	if secs < prefs.MinFetchDelay.Seconds() || secs > prefs.MaxFetchDelay.Seconds() {
		return 0, fmt.Errorf("delay must be between %g and %g seconds",
			prefs.MinFetchDelay.Seconds(), prefs.MaxFetchDelay.Seconds())
	}
	return time.Duration(secs * float64(time.Second)), nil
}
