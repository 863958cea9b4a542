package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/prefs"
	"nicorepo_bot/internal/reportsync"
	"nicorepo_bot/internal/storage"
)

const reportPageSize = 10

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Nicorepo Bot!

It follows your niconico activity report, filters it and tells you about new entries.

Quick start:
1. /report - show the latest entries
2. /hide <entry_id> - hide entries like this one
3. /rules - review your filter rules

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Report:
/report [page] - show the report
/check - check for new entries now
/refresh - discard the stored report and fetch it again
/refilter - apply the filter rules to the stored report again
/status - show sync state and settings

Filter rules:
/rules - list rules, first match wins
/hide <entry_id> [flags] - hide entries like this one
/show <entry_id> [flags] - always show entries like this one
/rmrule <n> - remove rule #n
/up <n> - move rule #n up
/down <n> - move rule #n down

Flags: -any-user, -any-activity, -any-object

Settings:
/interval <seconds|off> - poll interval (30-86400)
/delay <seconds> - delay between page fetches (0.5-10)
/logout - sign out of niconico`)
}

func (b *Bot) handleReport(chatID int64, args string) {
	page, err := ParsePageArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /report [page]")
		return
	}

	total := b.timeline.Len()
	if total == 0 {
		text := "The report is empty."
		if !b.timeline.UpdatingAllowed() {
			text += fmt.Sprintf("\nLoading... %d%%", percent(b.timeline.Progress()))
		}
		b.reply(chatID, text)
		return
	}

	pages := (total + reportPageSize - 1) / reportPageSize
	if page > pages {
		b.reply(chatID, fmt.Sprintf("Page %d does not exist, the report has %d page(s).", page, pages))
		return
	}

	offset := (page - 1) * reportPageSize
	entries := b.timeline.Page(offset, reportPageSize)
	if len(entries) == 0 {
		b.reply(chatID, "The report is empty.")
		return
	}
	endOfReport := page == pages && b.timeline.EndOfReport()

	msg := tgbotapi.NewMessage(chatID, FormatReportPage(entries, page, pages, offset, endOfReport, b.now()))
	if page < pages {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Older", fmt.Sprintf("%s:%d", cmdReport, page+1)),
			),
		)
	}
	b.send(msg)

	if err := b.prefs.SetLastVisibleEntryID(entries[len(entries)-1].ID); err != nil {
		b.log.Error("record last visible entry", "error", err)
	}
}

func (b *Bot) handleCheck(chatID int64) {
	if b.sync.Fetching() || !b.timeline.UpdatingAllowed() {
		b.reply(chatID, "An update is already in progress.")
		return
	}
	b.sync.CheckForUpdates()
	b.reply(chatID, "Checking for new entries...")
}

func (b *Bot) handleRefresh(chatID int64) {
	b.sync.Refresh(reportsync.RefreshOptions{})
	b.reply(chatID, "Discarding the stored report and fetching it again.")
}

func (b *Bot) handleRefilter(chatID int64) {
	b.sync.Refresh(reportsync.RefreshOptions{KeepStore: true})
	b.reply(chatID, "Applying the filter rules to the stored report again.")
}

func (b *Bot) handleRules(ctx context.Context, chatID int64) {
	rules, err := b.rules.Rules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatRuleList(rules, b.now()))
}

func (b *Bot) handleAddRule(ctx context.Context, chatID int64, args string, action model.FilterAction) {
	parsed, err := ParseRuleCommand(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	entry, err := b.lookupEntry(ctx, parsed.EntryID)
	if err != nil {
		b.replyLookupError(chatID, parsed.EntryID, err)
		return
	}

	rule, err := b.rules.AddRule(ctx, NewRuleDescription(entry, action, parsed))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.sync.Refresh(reportsync.RefreshOptions{KeepStore: true})
	b.reply(chatID, fmt.Sprintf("Rule added: %s", FormatRule(rule)))
}

func (b *Bot) handleHideUser(ctx context.Context, chatID int64, entryID string) {
	entry, err := b.lookupEntry(ctx, entryID)
	if err != nil {
		b.replyLookupError(chatID, entryID, err)
		return
	}

	subject := entry.Subject
	rule, err := b.rules.AddRule(ctx, model.RuleDescription{Action: model.ActionHide, Subject: &subject})
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.sync.Refresh(reportsync.RefreshOptions{KeepStore: true})
	b.reply(chatID, fmt.Sprintf("Rule added: %s", FormatRule(rule)))
}

// lookupEntry finds an entry in the rendered report, falling back to the
// store for hidden ones.
func (b *Bot) lookupEntry(ctx context.Context, id string) (model.ReportEntry, error) {
	if entry, _, ok := b.timeline.Find(id); ok {
		return entry, nil
	}
	entry, err := b.entries.Lookup(ctx, id)
	if err != nil {
		return model.ReportEntry{}, err
	}
	return *entry, nil
}

func (b *Bot) replyLookupError(chatID int64, id string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Entry %s not found.", id))
		return
	}
	b.reply(chatID, fmt.Sprintf("Error: %v", err))
}

func (b *Bot) handleRmRule(ctx context.Context, chatID int64, args string) {
	n, err := ParseIndexArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /rmrule <n>")
		return
	}

	rules, err := b.rules.Rules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if n > len(rules) {
		b.reply(chatID, fmt.Sprintf("Rule #%d not found.", n))
		return
	}

	if err := b.rules.RemoveRule(ctx, rules[n-1].ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.sync.Refresh(reportsync.RefreshOptions{KeepStore: true})
	b.reply(chatID, fmt.Sprintf("Rule #%d removed: %s", n, FormatRule(rules[n-1])))
}

// handleMoveRule swaps rule #n with its neighbour; delta is -1 for up.
func (b *Bot) handleMoveRule(ctx context.Context, chatID int64, args string, delta int) {
	n, err := ParseIndexArg(args)
	if err != nil {
		if delta < 0 {
			b.reply(chatID, "Usage: /up <n>")
		} else {
			b.reply(chatID, "Usage: /down <n>")
		}
		return
	}

	rules, err := b.rules.Rules(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if n > len(rules) {
		b.reply(chatID, fmt.Sprintf("Rule #%d not found.", n))
		return
	}

	target := n + delta
	switch {
	case target < 1:
		b.reply(chatID, fmt.Sprintf("Rule #%d is already at the top.", n))
		return
	case target > len(rules):
		b.reply(chatID, fmt.Sprintf("Rule #%d is already at the bottom.", n))
		return
	}

	if err := b.rules.SwapPriorities(ctx, rules[n-1].ID, rules[target-1].ID); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.sync.Refresh(reportsync.RefreshOptions{KeepStore: true})
	b.reply(chatID, fmt.Sprintf("Rule #%d is now #%d.", n, target))
}

func (b *Bot) handleInterval(chatID int64, args string) {
	if args == "" {
		b.reply(chatID, "Poll interval: "+formatInterval(b.prefs.Interval()))
		return
	}

	iv, err := ParseIntervalArg(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.prefs.SetPollInterval(iv); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if !iv.Enabled {
		b.reply(chatID, "Automatic polling disabled. Use /check to look for new entries.")
		return
	}
	b.reply(chatID, "Poll interval set to "+AbbreviateDuration(iv.D, false)+".")
}

func (b *Bot) handleDelay(chatID int64, args string) {
	if args == "" {
		d, _, _ := b.prefs.FetchDelay()
		b.reply(chatID, "Fetch delay: "+AbbreviateDuration(d, true))
		return
	}

	d, err := ParseDelayArg(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	if err := b.prefs.SetFetchDelay(d); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Fetch delay set to "+AbbreviateDuration(d, true)+".")
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	state := "idle"
	switch {
	case b.sync.Fetching():
		state = fmt.Sprintf("fetching (%d%%)", percent(b.timeline.Progress()))
	case !b.timeline.UpdatingAllowed():
		state = fmt.Sprintf("loading (%d%%)", percent(b.timeline.Progress()))
	}

	rules := "?"
	if rs, err := b.rules.Rules(ctx); err != nil {
		b.log.Error("list rules", "error", err)
	} else {
		rules = strconv.Itoa(len(rs))
	}

	delay, _, _ := b.prefs.FetchDelay()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Entries shown: %d\n", b.timeline.Len())
	fmt.Fprintf(&sb, "State: %s\n", state)
	fmt.Fprintf(&sb, "End of report reached: %s\n", yesNo(b.timeline.EndOfReport()))
	fmt.Fprintf(&sb, "Filter rules: %s\n", rules)
	fmt.Fprintf(&sb, "Poll interval: %s\n", formatInterval(b.prefs.Interval()))
	fmt.Fprintf(&sb, "Fetch delay: %s", AbbreviateDuration(delay, true))
	b.reply(chatID, sb.String())
}

func (b *Bot) handleLogout(ctx context.Context, chatID int64) {
	if err := b.session.Logout(ctx); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, "Signed out of niconico. The next fetch signs in again.")
}

func formatInterval(iv prefs.Interval) string {
	if !iv.Enabled {
		return "off"
	}
	return AbbreviateDuration(iv.D, false)
}

func percent(f float64) int {
	return int(math.Round(f * 100))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
