package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nicorepo_bot/internal/model"
)

const ruleColumns = `id, priority, action, subject_id, subject_url, subject_name, subject_icon,
	activity, object_type, times_fired, last_fired_at`

// ListRules returns all filter rules, highest priority first.
func (s *SQLite) ListRules(ctx context.Context) ([]model.FilterRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.FilterRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns a single rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id string) (*model.FilterRule, error) {
	return getRule(ctx, s.db, id)
}

// MaxPriority returns the highest priority in use, or -1 without rules.
func (s *SQLite) MaxPriority(ctx context.Context) (int, error) {
	var p sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(priority) FROM rules`).Scan(&p); err != nil {
		return 0, fmt.Errorf("max priority: %w", err)
	}
	if !p.Valid {
		return -1, nil
	}
	return int(p.Int64), nil
}

// InsertRule stores a new rule. It fails if the ID or priority is taken.
func (s *SQLite) InsertRule(ctx context.Context, r *model.FilterRule) error {
	return insertRule(ctx, s.db, r)
}

// UpdateRuleStats persists the firing statistics of a rule.
func (s *SQLite) UpdateRuleStats(ctx context.Context, r *model.FilterRule) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rules SET times_fired = ?, last_fired_at = ? WHERE id = ?`,
		r.TimesFired, formatTime(r.LastFiredAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule stats: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by its ID.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// SwapRulePriorities exchanges the priorities of two rules. Updating both
// rows in place would briefly violate the unique index on priority, so
// rule A is removed first and re-inserted with B's old priority.
func (s *SQLite) SwapRulePriorities(ctx context.Context, idA, idB string) error {
	tx, err := s.begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := getRule(ctx, tx, idA)
	if err != nil {
		return err
	}
	b, err := getRule(ctx, tx, idB)
	if err != nil {
		return err
	}
	a.Priority, b.Priority = b.Priority, a.Priority

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rules SET priority = ? WHERE id = ?`, b.Priority, b.ID); err != nil {
		return fmt.Errorf("update rule priority: %w", err)
	}
	if err := insertRule(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func getRule(ctx context.Context, q querier, id string) (*model.FilterRule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func insertRule(ctx context.Context, q querier, r *model.FilterRule) error {
	var subjectID, subjectURL, subjectName, subjectIcon *string
	if u := r.Subject; u != nil {
		subjectID, subjectURL, subjectName, subjectIcon = &u.ID, &u.URL, &u.Name, &u.IconURL
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Priority, string(r.Action),
		subjectID, subjectURL, subjectName, subjectIcon,
		nullString(string(r.Activity)), nullString(string(r.ObjectType)),
		r.TimesFired, formatTime(r.LastFiredAt),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func scanRule(row scannable) (model.FilterRule, error) {
	var (
		r                                               model.FilterRule
		action                                          string
		subjectID, subjectURL, subjectName, subjectIcon sql.NullString
		activity, objectType, lastFired                 sql.NullString
	)
	err := row.Scan(&r.ID, &r.Priority, &action,
		&subjectID, &subjectURL, &subjectName, &subjectIcon,
		&activity, &objectType, &r.TimesFired, &lastFired)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.Action = model.FilterAction(action)
	if subjectID.Valid {
		r.Subject = &model.User{
			ID:      subjectID.String,
			URL:     subjectURL.String,
			Name:    subjectName.String,
			IconURL: subjectIcon.String,
		}
	}
	r.Activity = model.Activity(activity.String)
	r.ObjectType = model.ObjectType(objectType.String)
	if lastFired.Valid {
		t, err := time.Parse(timeLayout, lastFired.String)
		if err != nil {
			return r, fmt.Errorf("parse last_fired_at %q: %w", lastFired.String, err)
		}
		r.LastFiredAt = &t
	}
	return r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}
