// Package fetcher downloads pages of the nicorepo activity feed.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"nicorepo_bot/internal/model"
)

// DefaultReportURL is the nicorepo endpoint of the signed-in user.
const DefaultReportURL = "https://public.api.nicovideo.jp/v1/timelines/nicorepo/last-1-month/my/pc/entries.json"

const maxBodySize = 5 * 1024 * 1024

// ErrUnauthorized is returned when the session is missing or expired.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads report pages.
type Fetcher struct {
	client    HTTPClient
	reportURL string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates a Fetcher for the report at reportURL.
func New(client HTTPClient, reportURL string, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:    client,
		reportURL: reportURL,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 2),
		logger:    logger,
	}
}

// FetchChunk downloads one page of the report. With a non-empty untilID
// only entries older than that ID are returned.
func (f *Fetcher) FetchChunk(ctx context.Context, untilID string) (*model.ReportChunk, error) {
	u, err := url.Parse(f.reportURL)
	if err != nil {
		return nil, fmt.Errorf("parse report url: %w", err)
	}
	if untilID != "" {
		q := u.Query()
		q.Set("untilId", untilID)
		u.RawQuery = q.Encode()
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "NicorepoBot/1.0")
	req.Header.Set("X-Frontend-Id", "6")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The report endpoint answers any request without a valid session with
	// a non-2xx status, so every such status counts as unauthorized.
	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("report status %d: %w", resp.StatusCode, ErrUnauthorized)
	case redirectedToLogin(resp):
		return nil, fmt.Errorf("redirected to login page: %w", ErrUnauthorized)
	}

	var body reportResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return f.toChunk(&body), nil
}

type reportResponse struct {
	Meta struct {
		MaxID   string `json:"maxId"`
		MinID   string `json:"minId"`
		HasNext bool   `json:"hasNext"`
	} `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

type activityRecord struct {
	ID      string `json:"id"`
	Updated string `json:"updated"`
	Title   string `json:"title"`
	Actor   struct {
		ID   string `json:"id"`
		URL  string `json:"url"`
		Name string `json:"name"`
		Icon string `json:"icon"`
	} `json:"actor"`
	Object *struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Name  string `json:"name"`
		Image string `json:"image"`
	} `json:"object"`
	MuteContext struct {
		Trigger string `json:"trigger"`
	} `json:"muteContext"`
}

func (f *Fetcher) toChunk(body *reportResponse) *model.ReportChunk {
	chunk := &model.ReportChunk{
		NewestID: body.Meta.MaxID,
		OldestID: body.Meta.MinID,
		HasNext:  body.Meta.HasNext,
		Entries:  make([]model.ReportEntry, 0, len(body.Data)),
	}
	for i, raw := range body.Data {
		var rec activityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			f.logger.Warn("skip malformed report record", "index", i, "error", err)
			continue
		}
		entry, ok := f.toEntry(&rec)
		if ok {
			chunk.Entries = append(chunk.Entries, entry)
		}
	}
	if n := len(chunk.Entries); n > 0 {
		if chunk.NewestID == "" {
			chunk.NewestID = chunk.Entries[0].ID
		}
		if chunk.OldestID == "" {
			chunk.OldestID = chunk.Entries[n-1].ID
		}
	}
	return chunk
}

func (f *Fetcher) toEntry(rec *activityRecord) (model.ReportEntry, bool) {
	if rec.ID == "" {
		f.logger.Warn("skip report record without id")
		return model.ReportEntry{}, false
	}
	ts, err := time.Parse(time.RFC3339, rec.Updated)
	if err != nil {
		f.logger.Warn("skip report record with bad timestamp", "id", rec.ID, "updated", rec.Updated, "error", err)
		return model.ReportEntry{}, false
	}

	entry := model.ReportEntry{
		ID:        rec.ID,
		Title:     rec.Title,
		Timestamp: ts,
		Subject: model.User{
			ID:      rec.Actor.ID,
			URL:     rec.Actor.URL,
			Name:    rec.Actor.Name,
			IconURL: rec.Actor.Icon,
		},
		Activity: ParseActivity(rec.MuteContext.Trigger),
	}
	if entry.Activity == model.ActivityUnknown {
		f.logger.Warn("unknown report trigger", "id", rec.ID, "trigger", rec.MuteContext.Trigger)
	}
	if rec.Object != nil {
		entry.Object = &model.Object{
			Type:     ParseObjectType(rec.Object.Type),
			URL:      rec.Object.URL,
			Title:    rec.Object.Name,
			ThumbURL: rec.Object.Image,
		}
		if entry.Object.Type == model.ObjectUnknown {
			f.logger.Warn("unknown report object type", "id", rec.ID, "type", rec.Object.Type)
		}
	}
	return entry, true
}

var activities = map[string]model.Activity{
	"nicoad.user.advertise":               model.ActivityAdvertise,
	"nicoad.user.advertised.video.upload": model.ActivityAdvertise,
	"live.user.program.reserve":           model.ActivityReserveBroadcast,
	"live.channel.program.reserve":        model.ActivityReserveBroadcast,
	"live.user.program.onairs":            model.ActivityBroadcast,
	"live.channel.program.onairs":         model.ActivityBroadcast,
	"nicovideo.user.video.kiriban.play":   model.ActivityGetMagicNumber,
	"nicovideo.user.video.like":           model.ActivityLike,
	"nicovideo.user.mylist.add":           model.ActivityList,
	"nicovideo.user.mylist.add.video":     model.ActivityList,
	"nicovideo.user.video.upload":         model.ActivityUpload,
	"nicovideo.channel.video.upload":      model.ActivityUpload,
	"nicoseiga.user.illust.upload":        model.ActivityUpload,
	"nicoseiga.user.manga.episode.upload": model.ActivityUpload,
	"nicoseiga.user.manga.content.upload": model.ActivityUpload,
	"nicovideo.user.blomaga.upload":       model.ActivityUpload,
	"nicovideo.channel.blomaga.upload":    model.ActivityUpload,
	"nicovideo.user.solid.upload":         model.ActivityUpload,
	"nicovideo.user.nicogame.upload":      model.ActivityUpload,
	"nicovideo.user.community.video.add":  model.ActivityUpload,
	"nicovideo.user.video.update.visible": model.ActivityUpload,
}

var objectTypes = map[string]model.ObjectType{
	"video":      model.ObjectVideo,
	"program":    model.ObjectStream,
	"image":      model.ObjectImage,
	"comicStory": model.ObjectComic,
	"article":    model.ObjectArticle,
	"solid":      model.ObjectModel,
	"game":       model.ObjectGame,
}

// ParseActivity maps a nicorepo trigger to an Activity. Unmapped triggers
// become ActivityUnknown.
func ParseActivity(trigger string) model.Activity {
	if a, ok := activities[trigger]; ok {
		return a
	}
	return model.ActivityUnknown
}

// ParseObjectType maps a nicorepo object type to an ObjectType. Unmapped
// types become ObjectUnknown.
func ParseObjectType(s string) model.ObjectType {
	if t, ok := objectTypes[s]; ok {
		return t
	}
	return model.ObjectUnknown
}

func redirectedToLogin(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return strings.Contains(resp.Request.URL.Path, "/login")
}
