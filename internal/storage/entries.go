package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nicorepo_bot/internal/model"
)

const entryColumns = `id, title, timestamp, subject_id, subject_url, subject_name, subject_icon,
	activity, object_type, object_url, object_title, object_thumb, hidden`

const eachBatchSize = 100

// entries implements EntryStore on top of a connection or a transaction.
// begin is nil inside a transaction, where every statement is already atomic.
type entries struct {
	q     querier
	begin func(ctx context.Context, mode TxMode) (*sql.Tx, error)
}

// atomic runs fn in a transaction unless e already belongs to one.
func (e entries) atomic(ctx context.Context, fn func(q querier) error) error {
	if e.begin == nil {
		return fn(e.q)
	}
	tx, err := e.begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// TryInsert inserts entry unless an entry with the same ID exists.
func (e entries) TryInsert(ctx context.Context, entry model.ReportEntry) (bool, error) {
	res, err := e.q.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		entryArgs(entry)...,
	)
	if err != nil {
		return false, fmt.Errorf("insert entry %s: %w", entry.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// BulkUpsert inserts or replaces every entry in one transaction.
func (e entries) BulkUpsert(ctx context.Context, list []model.ReportEntry) error {
	if len(list) == 0 {
		return nil
	}
	return e.atomic(ctx, func(q querier) error {
		for _, entry := range list {
			_, err := q.ExecContext(ctx,
				`INSERT INTO entries (`+entryColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
				   title=excluded.title,
				   timestamp=excluded.timestamp,
				   subject_id=excluded.subject_id,
				   subject_url=excluded.subject_url,
				   subject_name=excluded.subject_name,
				   subject_icon=excluded.subject_icon,
				   activity=excluded.activity,
				   object_type=excluded.object_type,
				   object_url=excluded.object_url,
				   object_title=excluded.object_title,
				   object_thumb=excluded.object_thumb,
				   hidden=excluded.hidden`,
				entryArgs(entry)...,
			)
			if err != nil {
				return fmt.Errorf("upsert entry %s: %w", entry.ID, err)
			}
		}
		return nil
	})
}

// Exists reports whether an entry with the given ID is stored.
func (e entries) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := e.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return n > 0, nil
}

// Lookup returns the entry with the given ID.
func (e entries) Lookup(ctx context.Context, id string) (*model.ReportEntry, error) {
	row := e.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Count returns the number of stored entries.
func (e entries) Count(ctx context.Context) (int, error) {
	var n int
	if err := e.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Newest returns the entry with the latest timestamp, or nil.
func (e entries) Newest(ctx context.Context) (*model.ReportEntry, error) {
	row := e.q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries ORDER BY timestamp DESC, id DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// EachNewestFirst walks the entries in batches so that visit never runs
// while a result set holds the connection.
func (e entries) EachNewestFirst(ctx context.Context, visit func(model.ReportEntry) error) error {
	var (
		batch []model.ReportEntry
		err   error
	)
	batch, err = e.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries ORDER BY timestamp DESC, id DESC LIMIT ?`,
		eachBatchSize)
	for err == nil && len(batch) > 0 {
		for _, entry := range batch {
			if err := visit(entry); err != nil {
				return err
			}
		}
		if len(batch) < eachBatchSize {
			return nil
		}
		last := batch[len(batch)-1]
		ts := last.Timestamp.UnixMilli()
		batch, err = e.queryEntries(ctx,
			`SELECT `+entryColumns+` FROM entries
			 WHERE timestamp < ? OR (timestamp = ? AND id < ?)
			 ORDER BY timestamp DESC, id DESC LIMIT ?`,
			ts, ts, last.ID, eachBatchSize)
	}
	return err
}

// Purge removes entries older than olderThan and returns how many were removed.
func (e entries) Purge(ctx context.Context, olderThan time.Time, onRemoved func(model.ReportEntry) error) (int, error) {
	var removed int
	err := e.atomic(ctx, func(q querier) error {
		cutoff := olderThan.UnixMilli()
		if onRemoved != nil {
			expired, err := entries{q: q}.queryEntries(ctx,
				`SELECT `+entryColumns+` FROM entries WHERE timestamp < ? ORDER BY timestamp DESC, id DESC`,
				cutoff)
			if err != nil {
				return err
			}
			for _, entry := range expired {
				if err := onRemoved(entry); err != nil {
					return err
				}
			}
		}
		res, err := q.ExecContext(ctx, `DELETE FROM entries WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Clear removes all entries.
func (e entries) Clear(ctx context.Context) error {
	if _, err := e.q.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

func (e entries) queryEntries(ctx context.Context, query string, args ...any) ([]model.ReportEntry, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []model.ReportEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return list, nil
}

func entryArgs(entry model.ReportEntry) []any {
	var objType, objURL, objTitle, objThumb *string
	if o := entry.Object; o != nil {
		t := string(o.Type)
		objType, objURL, objTitle, objThumb = &t, &o.URL, &o.Title, &o.ThumbURL
	}
	return []any{
		entry.ID,
		entry.Title,
		entry.Timestamp.UnixMilli(),
		entry.Subject.ID,
		entry.Subject.URL,
		entry.Subject.Name,
		entry.Subject.IconURL,
		string(entry.Activity),
		objType, objURL, objTitle, objThumb,
		boolToInt(entry.Hidden),
	}
}

func scanEntry(row scannable) (model.ReportEntry, error) {
	var (
		entry                               model.ReportEntry
		ts                                  int64
		activity                            string
		objType, objURL, objTitle, objThumb sql.NullString
		hidden                              int
	)
	err := row.Scan(&entry.ID, &entry.Title, &ts,
		&entry.Subject.ID, &entry.Subject.URL, &entry.Subject.Name, &entry.Subject.IconURL,
		&activity, &objType, &objURL, &objTitle, &objThumb, &hidden)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, err
	}
	if err != nil {
		return entry, fmt.Errorf("scan entry: %w", err)
	}
	entry.Timestamp = time.UnixMilli(ts).UTC()
	entry.Activity = model.Activity(activity)
	if objType.Valid {
		entry.Object = &model.Object{
			Type:     model.ObjectType(objType.String),
			URL:      objURL.String,
			Title:    objTitle.String,
			ThumbURL: objThumb.String,
		}
	}
	entry.Hidden = hidden == 1
	return entry, nil
}
