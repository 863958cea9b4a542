// Package export renders the stored report as an RSS or Atom feed.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"nicorepo_bot/internal/markup"
	"nicorepo_bot/internal/model"
	"nicorepo_bot/internal/storage"
)

// Format is an output feed format.
type Format string

// Supported formats.
const (
	FormatRSS  Format = "rss"
	FormatAtom Format = "atom"
)

// DefaultLink is the page the feed points to.
const DefaultLink = "https://www.nicovideo.jp/my"

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatRSS, FormatAtom:
		return f, nil
	}
	return "", fmt.Errorf("unknown feed format %q, use: rss, atom", s)
}

// Options control the generated feed.
type Options struct {
	Title string
	Link  string
	// Limit caps the number of items, 0 means no limit.
	Limit int
	// Now is used as the update time of an empty feed.
	Now time.Time
}

var errLimit = errors.New("limit reached")

// Build collects the visible stored entries, newest first.
func Build(ctx context.Context, store storage.EntryStore, opts Options) (*feeds.Feed, error) {
	if opts.Title == "" {
		opts.Title = "nicorepo"
	}
	if opts.Link == "" {
		opts.Link = DefaultLink
	}

	feed := &feeds.Feed{
		Title:       opts.Title,
		Link:        &feeds.Link{Href: opts.Link},
		Description: "niconico activity report",
		Id:          opts.Link,
		Updated:     opts.Now,
	}

	err := store.EachNewestFirst(ctx, func(e model.ReportEntry) error {
		if e.Hidden {
			return nil
		}
		if opts.Limit > 0 && len(feed.Items) >= opts.Limit {
			return errLimit
		}
		feed.Items = append(feed.Items, toItem(e))
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("read entries: %w", err)
	}

	if len(feed.Items) > 0 {
		feed.Updated = feed.Items[0].Created
	}
	feed.Created = feed.Updated
	return feed, nil
}

// Write builds the feed and writes it to w.
func Write(ctx context.Context, w io.Writer, store storage.EntryStore, format Format, opts Options) error {
	feed, err := Build(ctx, store, opts)
	if err != nil {
		return err
	}
	switch format {
	case FormatAtom:
		return feed.WriteAtom(w)
	case FormatRSS:
		return feed.WriteRss(w)
	}
	return fmt.Errorf("unknown feed format %q", format)
}

// ItemID is the feed item ID of a report entry.
func ItemID(entryID string) string {
	return "nicorepo:" + entryID
}

func toItem(e model.ReportEntry) *feeds.Item {
	link := e.Subject.URL
	description := string(e.Activity)
	if e.Object != nil {
		if e.Object.URL != "" {
			link = e.Object.URL
		}
		if e.Object.Title != "" {
			description = markup.PlainText(e.Object.Title)
		}
	}

	item := &feeds.Item{
		Id:          ItemID(e.ID),
		IsPermaLink: "false",
		Title:       markup.PlainText(e.Title),
		Description: description,
		Author:      &feeds.Author{Name: e.Subject.Name},
		Created:     e.Timestamp,
	}
	if link != "" {
		item.Link = &feeds.Link{Href: link}
	}
	return item
}
