package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"nicorepo_bot/internal/config"
	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/prefs"
	"nicorepo_bot/internal/reportsync"
	"nicorepo_bot/internal/storage"
	"nicorepo_bot/internal/timeline"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Syncer is the report synchronization engine.
type Syncer interface {
	Events() <-chan reportsync.Event
	Refresh(opts reportsync.RefreshOptions)
	CheckForUpdates()
	Fetching() bool
}

// RuleSet is the editable filter rule set.
type RuleSet interface {
	Rules(ctx context.Context) ([]model.FilterRule, error)
	AddRule(ctx context.Context, desc model.RuleDescription) (model.FilterRule, error)
	RemoveRule(ctx context.Context, id string) error
	SwapPriorities(ctx context.Context, idA, idB string) error
}

// Preferences are the user-adjustable settings.
type Preferences interface {
	Interval() prefs.Interval
	SetPollInterval(iv prefs.Interval) error
	FetchDelay() (time.Duration, bool, <-chan struct{})
	SetFetchDelay(d time.Duration) error
	SetLastVisibleEntryID(id string) error
}

// Session signs out of the remote service.
type Session interface {
	Logout(ctx context.Context) error
}

// Deps are the collaborators of a Bot.
type Deps struct {
	Entries storage.EntryStore
	Rules   RuleSet
	Sync    Syncer
	Prefs   Preferences
	Session Session

	// NotifyAfter is the timestamp of the newest entry known at start-up.
	// Only entries fetched later than it are pushed to the notify chat.
	NotifyAfter time.Time
}

// Bot is the Telegram bot that renders the report, handles user commands
// and sends notifications.
type Bot struct {
	api      telegramAPI
	cfg      *config.Config
	entries  storage.EntryStore
	rules    RuleSet
	sync     Syncer
	prefs    Preferences
	session  Session
	timeline *timeline.Timeline
	log      *slog.Logger
	now      func() time.Time

	// watermark moves to newest only when a cycle completes, so that
	// every new entry of a cycle is compared against the same point.
	watermark time.Time
	newest    time.Time
}

// New creates a Bot with the given Telegram token, config and collaborators.
func New(token string, cfg *config.Config, deps Deps, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, cfg, deps, log), nil
}

func newBot(api telegramAPI, cfg *config.Config, deps Deps, log *slog.Logger) *Bot {
	return &Bot{
		api:       api,
		cfg:       cfg,
		entries:   deps.Entries,
		rules:     deps.Rules,
		sync:      deps.Sync,
		prefs:     deps.Prefs,
		session:   deps.Session,
		timeline:  timeline.New(),
		log:       log,
		now:       time.Now,
		watermark: deps.NotifyAfter,
		newest:    deps.NotifyAfter,
	}
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
// Report events are applied on the same goroutine.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	events := b.sync.Events()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.handleEvent(ev)
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	// Channel posts carry no sender.
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if !b.cfg.IsUserAllowed(msg.From.ID) {
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, msg)
}

func (b *Bot) handleEvent(ev reportsync.Event) {
	b.timeline.Apply(ev)

	switch ev := ev.(type) {
	case reportsync.InsertEntry:
		ts := ev.Entry.Timestamp
		if !ts.After(b.watermark) {
			return
		}
		if ts.After(b.newest) {
			b.newest = ts
		}
		if ev.Fetched && b.cfg.NotifyChatID != 0 {
			b.notify(ev.Entry)
		}
	case reportsync.SetUpdatingAllowed:
		if ev.Allowed {
			b.watermark = b.newest
		}
	}
}

func (b *Bot) notify(entry model.ReportEntry) {
	msg := tgbotapi.NewMessage(b.cfg.NotifyChatID, FormatNotification(entry, b.now()))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Hide this user", cbHideUser+":"+entry.ID),
		),
	)
	b.send(msg)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", msg.ChatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case cmdReport:
		b.handleReport(chatID, args)
	case "check":
		b.handleCheck(chatID)
	case "refresh":
		b.handleRefresh(chatID)
	case "refilter":
		b.handleRefilter(chatID)
	case "rules":
		b.handleRules(ctx, chatID)
	case "hide":
		b.handleAddRule(ctx, chatID, args, model.ActionHide)
	case "show":
		b.handleAddRule(ctx, chatID, args, model.ActionShow)
	case "rmrule":
		b.handleRmRule(ctx, chatID, args)
	case "up":
		b.handleMoveRule(ctx, chatID, args, -1)
	case "down":
		b.handleMoveRule(ctx, chatID, args, 1)
	case "interval":
		b.handleInterval(chatID, args)
	case "delay":
		b.handleDelay(chatID, args)
	case "status":
		b.handleStatus(ctx, chatID)
	case "logout":
		b.handleLogout(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
