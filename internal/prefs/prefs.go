// Package prefs holds the user-adjustable settings of the report: poll
// interval, page fetch delay and the last entry the user looked at. The
// settings are persisted to a YAML file and reloaded when another process
// rewrites it.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Defaults for a fresh preferences file.
const (
	DefaultPollInterval = 5 * time.Minute
	DefaultFetchDelay   = time.Second
)

// Bounds of the adjustable settings, enforced by the setters and on reload.
const (
	MinPollInterval = 30 * time.Second
	MaxPollInterval = 24 * time.Hour
	MinFetchDelay   = 500 * time.Millisecond
	MaxFetchDelay   = 10 * time.Second
)

// Interval is a poll interval. A disabled interval means the report is
// never polled automatically.
type Interval struct {
	D       time.Duration
	Enabled bool
}

// Never is the disabled poll interval.
var Never = Interval{}

// Every returns an enabled interval of d.
func Every(d time.Duration) Interval {
	return Interval{D: d, Enabled: true}
}

func (iv Interval) String() string {
	if !iv.Enabled {
		return "never"
	}
	return iv.D.String()
}

// Model is the set of persisted settings.
type Model struct {
	path   string
	logger *slog.Logger

	poll        *Value[Interval]
	delay       *Value[time.Duration]
	lastVisible *Value[string]

	fileMu sync.Mutex
}

// file is the on-disk form. Durations are in seconds; a null
// poll_interval disables polling.
type file struct {
	PollInterval     *float64 `yaml:"poll_interval"`
	FetchDelay       float64  `yaml:"fetch_delay"`
	LastVisibleEntry string   `yaml:"last_visible_entry,omitempty"`
}

// Open loads the settings stored at path. A missing file is created with
// the default settings.
func Open(path string, logger *slog.Logger) (*Model, error) {
	m := &Model{
		path:        filepath.Clean(path),
		logger:      logger,
		poll:        NewValue(Every(DefaultPollInterval)),
		delay:       NewValue(DefaultFetchDelay),
		lastVisible: NewValue(""),
	}

	err := m.Reload()
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
			return nil, fmt.Errorf("create prefs dir: %w", err)
		}
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PollInterval returns the poll interval, whether polling is enabled and
// a channel closed on the next change.
func (m *Model) PollInterval() (time.Duration, bool, <-chan struct{}) {
	iv, ch := m.poll.Snapshot()
	return iv.D, iv.Enabled, ch
}

// FetchDelay returns the delay between page requests and a channel closed
// on the next change. The delay is always enabled.
func (m *Model) FetchDelay() (time.Duration, bool, <-chan struct{}) {
	d, ch := m.delay.Snapshot()
	return d, true, ch
}

// LastVisibleEntryID returns the ID of the entry last shown to the user,
// or "" if none was recorded.
func (m *Model) LastVisibleEntryID() string {
	return m.lastVisible.Get()
}

// Interval returns the current poll interval.
func (m *Model) Interval() Interval {
	return m.poll.Get()
}

// SetPollInterval changes and persists the poll interval.
func (m *Model) SetPollInterval(iv Interval) error {
	if iv.Enabled && (iv.D < MinPollInterval || iv.D > MaxPollInterval) {
		return fmt.Errorf("poll interval must be between %s and %s, got %s", MinPollInterval, MaxPollInterval, iv.D)
	}
	if !m.poll.Set(iv) {
		return nil
	}
	return m.save()
}

// SetFetchDelay changes and persists the page fetch delay.
func (m *Model) SetFetchDelay(d time.Duration) error {
	if d < MinFetchDelay || d > MaxFetchDelay {
		return fmt.Errorf("fetch delay must be between %s and %s, got %s", MinFetchDelay, MaxFetchDelay, d)
	}
	if !m.delay.Set(d) {
		return nil
	}
	return m.save()
}

// SetLastVisibleEntryID records the entry last shown to the user.
func (m *Model) SetLastVisibleEntryID(id string) error {
	if !m.lastVisible.Set(id) {
		return nil
	}
	return m.save()
}

// Reload reads the file again and updates every value that differs.
func (m *Model) Reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read prefs: %w", err)
	}

	poll := DefaultPollInterval.Seconds()
	f := file{PollInterval: &poll, FetchDelay: DefaultFetchDelay.Seconds()}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse prefs %s: %w", m.path, err)
	}

	// Bounds are checked on the float so that huge values cannot overflow
	// into a negative Duration.
	iv := Never
	if f.PollInterval != nil {
		if !inRange(*f.PollInterval, MinPollInterval, MaxPollInterval) {
			return fmt.Errorf("parse prefs %s: poll_interval must be between %g and %g seconds",
				m.path, MinPollInterval.Seconds(), MaxPollInterval.Seconds())
		}
		iv = Every(seconds(*f.PollInterval))
	}
	if !inRange(f.FetchDelay, MinFetchDelay, MaxFetchDelay) {
		return fmt.Errorf("parse prefs %s: fetch_delay must be between %g and %g seconds",
			m.path, MinFetchDelay.Seconds(), MaxFetchDelay.Seconds())
	}

	m.poll.Set(iv)
	m.delay.Set(seconds(f.FetchDelay))
	m.lastVisible.Set(f.LastVisibleEntry)
	return nil
}

// Watch reloads the settings whenever the file is rewritten, until ctx is
// done. The parent directory is watched so that atomic replacements of the
// file are seen too.
func (m *Model) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != m.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("reload prefs", "path", m.path, "error", err)
				continue
			}
			m.logger.Debug("prefs reloaded", "path", m.path)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("prefs watcher", "error", err)
		}
	}
}

// save writes the current values through a temporary file so readers never
// see a partial file.
func (m *Model) save() error {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	f := file{
		FetchDelay:       m.delay.Get().Seconds(),
		LastVisibleEntry: m.lastVisible.Get(),
	}
	if iv := m.poll.Get(); iv.Enabled {
		s := iv.D.Seconds()
		f.PollInterval = &s
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".prefs-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp prefs: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close prefs: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replace prefs: %w", err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// inRange reports whether s seconds lie within [lo, hi]. NaN is never in range.
func inRange(s float64, lo, hi time.Duration) bool {
	return s >= lo.Seconds() && s <= hi.Seconds()
}
