package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"quotagate/internal/limits"
	"quotagate/internal/usage"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries exposes the Postgres store for usage limits and processing history.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

const selectLimitColumns = `id, customer_id, usage_limit_value, usage_unit, amount_limit_value, exceed_action, emails, created_at, updated_at`

// QueryUsageLimits returns every rule configured for the customer, oldest
// first.
func (q *Queries) QueryUsageLimits(ctx context.Context, customerID string) ([]limits.UsageLimit, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+selectLimitColumns+` FROM usage_limits WHERE customer_id = $1 ORDER BY created_at`,
		customerID)
	if err != nil {
		return nil, fmt.Errorf("query usage limits: %w", err)
	}
	defer rows.Close()

	var result []limits.UsageLimit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read usage limits: %w", err)
	}
	return result, nil
}

func scanLimit(rows *sql.Rows) (limits.UsageLimit, error) {
	var (
		l           limits.UsageLimit
		usageValue  sql.NullFloat64
		usageUnit   sql.NullString
		amountValue sql.NullFloat64
		action      string
		emailsRaw   []byte
	)
	if err := rows.Scan(&l.ID, &l.CustomerID, &usageValue, &usageUnit, &amountValue, &action, &emailsRaw, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return limits.UsageLimit{}, fmt.Errorf("scan usage limit: %w", err)
	}
	l.ExceedAction = limits.ExceedAction(action)
	if err := json.Unmarshal(emailsRaw, &l.Emails); err != nil {
		return limits.UsageLimit{}, fmt.Errorf("decode emails for limit %s: %w", l.ID, err)
	}

	var uv, av *float64
	var uu *string
	if usageValue.Valid {
		uv = &usageValue.Float64
	}
	if usageUnit.Valid {
		uu = &usageUnit.String
	}
	if amountValue.Valid {
		av = &amountValue.Float64
	}
	threshold, err := limits.NewThreshold(uv, uu, av)
	if err != nil {
		return limits.UsageLimit{}, fmt.Errorf("limit %s: %w", l.ID, err)
	}
	l.Threshold = threshold
	return l, nil
}

func thresholdColumns(l limits.UsageLimit) (usageValue, amountValue sql.NullFloat64, usageUnit sql.NullString) {
	switch t := l.Threshold.(type) {
	case limits.DataVolume:
		usageValue = sql.NullFloat64{Float64: t.Value, Valid: true}
		usageUnit = sql.NullString{String: string(t.Unit), Valid: true}
	case limits.MonetaryAmount:
		amountValue = sql.NullFloat64{Float64: t.Value, Valid: true}
	}
	return usageValue, amountValue, usageUnit
}

// InsertUsageLimit stores a new rule.
func (q *Queries) InsertUsageLimit(ctx context.Context, l limits.UsageLimit) error {
	emails, err := json.Marshal(l.Emails)
	if err != nil {
		return fmt.Errorf("encode emails: %w", err)
	}
	usageValue, amountValue, usageUnit := thresholdColumns(l)
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO usage_limits (id, customer_id, usage_limit_value, usage_unit, amount_limit_value, exceed_action, emails, created_at, updated_at)
                 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.CustomerID, usageValue, usageUnit, amountValue, string(l.ExceedAction), emails, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert usage limit: %w", err)
	}
	return nil
}

// UpdateUsageLimit replaces the threshold, action and recipients of a rule
// owned by the customer.
func (q *Queries) UpdateUsageLimit(ctx context.Context, l limits.UsageLimit) error {
	emails, err := json.Marshal(l.Emails)
	if err != nil {
		return fmt.Errorf("encode emails: %w", err)
	}
	usageValue, amountValue, usageUnit := thresholdColumns(l)
	res, err := q.db.ExecContext(ctx,
		`UPDATE usage_limits
                 SET usage_limit_value = $1, usage_unit = $2, amount_limit_value = $3, exceed_action = $4, emails = $5, updated_at = $6
                 WHERE id = $7 AND customer_id = $8`,
		usageValue, usageUnit, amountValue, string(l.ExceedAction), emails, l.UpdatedAt, l.ID, l.CustomerID)
	if err != nil {
		return fmt.Errorf("update usage limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update usage limit: %w", err)
	}
	if affected == 0 {
		return limits.ErrNotFound
	}
	return nil
}

// DeleteUsageLimit removes a rule owned by the customer.
func (q *Queries) DeleteUsageLimit(ctx context.Context, customerID, id string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM usage_limits WHERE id = $1 AND customer_id = $2`, id, customerID)
	if err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete usage limit: %w", err)
	}
	if affected == 0 {
		return limits.ErrNotFound
	}
	return nil
}

// QueryProcessingHistory returns up to params.Limit entries for the
// customer, most recent first.
func (q *Queries) QueryProcessingHistory(ctx context.Context, params usage.QueryParams) ([]usage.HistoryEntry, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = usage.DefaultPageLimit
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, customer_id, user_id, user_name, policy_id, policy_name, usage_amount_bytes, status, created_at
                 FROM processing_history
                 WHERE customer_id = $1
                 ORDER BY created_at DESC
                 LIMIT $2`,
		params.CustomerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query processing history: %w", err)
	}
	defer rows.Close()

	var entries []usage.HistoryEntry
	for rows.Next() {
		var e usage.HistoryEntry
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.UserID, &e.UserName, &e.PolicyID, &e.PolicyName, &e.UsageBytes, &e.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan processing history: %w", err)
		}
		e.CreatedAt = createdAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read processing history: %w", err)
	}
	return entries, nil
}

// InsertProcessingHistory records one processing run.
func (q *Queries) InsertProcessingHistory(ctx context.Context, entry usage.HistoryEntry) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO processing_history (id, customer_id, user_id, user_name, policy_id, policy_name, usage_amount_bytes, status, created_at)
                 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.CustomerID, entry.UserID, entry.UserName, entry.PolicyID, entry.PolicyName, entry.UsageBytes, entry.Status, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert processing history: %w", err)
	}
	return nil
}
