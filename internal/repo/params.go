package repo

import (
	"context"
	"database/sql"
	"time"

	"researchhunt/internal/domain"
)

// Timespan parameter names as stored in the params table.
const (
	ParamApplicationMinimum = "application_minimum"
	ParamSubmissionMinimum  = "submission_minimum"
	ParamDistributionEnd    = "distribution_end"
	ParamRefundable         = "refundable"
)

var paramNames = []string{ParamApplicationMinimum, ParamSubmissionMinimum, ParamDistributionEnd, ParamRefundable}

// KnownParam reports whether name is one of the four timespan parameters.
func KnownParam(name string) bool {
	for _, n := range paramNames {
		if n == name {
			return true
		}
	}
	return false
}

// SeedParams inserts missing parameter rows without touching existing ones.
func (r Repo) SeedParams(ctx context.Context, tx *sql.Tx, p domain.Params) error {
	now := time.Now().UTC().Format(time.RFC3339)
	seed := map[string]int64{
		ParamApplicationMinimum: p.ApplicationMinimum,
		ParamSubmissionMinimum:  p.SubmissionMinimum,
		ParamDistributionEnd:    p.DistributionEnd,
		ParamRefundable:         p.Refundable,
	}
	for _, name := range paramNames {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO params(name,seconds,updated_at) VALUES (?,?,?)`,
			name, seed[name], now); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) SetParam(ctx context.Context, tx *sql.Tx, name string, seconds int64, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO params(name,seconds,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET seconds=excluded.seconds, updated_at=excluded.updated_at`, name, seconds, updatedAt)
	return err
}

func (r Repo) GetParams(ctx context.Context) (domain.Params, error) {
	return r.getParams(ctx, nil)
}

func (r Repo) GetParamsTx(ctx context.Context, tx *sql.Tx) (domain.Params, error) {
	return r.getParams(ctx, tx)
}

func (r Repo) getParams(ctx context.Context, tx *sql.Tx) (domain.Params, error) {
	query := `SELECT name,seconds,updated_at FROM params`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query)
	} else {
		rows, err = r.DB.QueryContext(ctx, query)
	}
	if err != nil {
		return domain.Params{}, err
	}
	defer rows.Close()
	var p domain.Params
	for rows.Next() {
		var name, updatedAt string
		var seconds int64
		if err := rows.Scan(&name, &seconds, &updatedAt); err != nil {
			return p, err
		}
		switch name {
		case ParamApplicationMinimum:
			p.ApplicationMinimum = seconds
		case ParamSubmissionMinimum:
			p.SubmissionMinimum = seconds
		case ParamDistributionEnd:
			p.DistributionEnd = seconds
		case ParamRefundable:
			p.Refundable = seconds
		}
		if updatedAt > p.UpdatedAt {
			p.UpdatedAt = updatedAt
		}
	}
	return p, rows.Err()
}
