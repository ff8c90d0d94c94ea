package repo

import (
	"context"
	"database/sql"
	"strings"

	"researchhunt/internal/domain"
)

const requestColumns = `id,owner,deposit,minimum_reward,application_end_at,submission_end_at,status,created_at,closed_at`

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		req.ID, req.Owner, req.Deposit, req.MinimumReward, req.ApplicationEndAt, req.SubmissionEndAt,
		req.Status, req.CreatedAt, nullableStringPtr(req.ClosedAt))
	return err
}

// RequestExists reports whether the identifier was ever registered, in any status.
func (r Repo) RequestExists(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT 1 FROM requests WHERE id=? LIMIT 1`, id)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var closedAt sql.NullString
	err := scan(&req.ID, &req.Owner, &req.Deposit, &req.MinimumReward, &req.ApplicationEndAt,
		&req.SubmissionEndAt, &req.Status, &req.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if closedAt.Valid {
		req.ClosedAt = &closedAt.String
	}
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	req, err := scanRequest(row.Scan)
	if err != nil {
		return req, err
	}
	req.Applicants, err = r.ListApplicants(ctx, req.ID)
	return req, err
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.Request, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	req, err := scanRequest(row.Scan)
	if err != nil {
		return req, err
	}
	req.Applicants, err = r.listApplicants(ctx, tx, req.ID)
	return req, err
}

type RequestFilters struct {
	Owner  string
	Status string
	Limit  int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRequestDeposit(ctx context.Context, tx *sql.Tx, id string, deposit int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET deposit=? WHERE id=?`, deposit, id)
	return err
}

func (r Repo) UpdateRequestMinimumReward(ctx context.Context, tx *sql.Tx, id string, minimumReward int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET minimum_reward=? WHERE id=?`, minimumReward, id)
	return err
}

// CloseRequest flips a request to its terminal status.
func (r Repo) CloseRequest(ctx context.Context, tx *sql.Tx, id, status, closedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, closed_at=? WHERE id=?`, status, closedAt, id)
	return err
}

func (r Repo) InsertApplicant(ctx context.Context, tx *sql.Tx, a domain.Applicant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applicants(request_id,actor_id,position,approved,applied_at) VALUES (?,?,?,?,?)`,
		a.RequestID, a.ActorID, a.Position, boolToInt(a.Approved), a.AppliedAt)
	return err
}

func (r Repo) GetApplicantTx(ctx context.Context, tx *sql.Tx, requestID, actorID string) (domain.Applicant, error) {
	row := tx.QueryRowContext(ctx, `SELECT request_id,actor_id,position,approved,applied_at,approved_at,evidence_hash,submitted_at
FROM applicants WHERE request_id=? AND actor_id=?`, requestID, actorID)
	return scanApplicant(row.Scan)
}

func (r Repo) CountApplicantsTx(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM applicants WHERE request_id=?`, requestID).Scan(&n)
	return n, err
}

func (r Repo) ApproveApplicant(ctx context.Context, tx *sql.Tx, requestID, actorID, approvedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE applicants SET approved=1, approved_at=? WHERE request_id=? AND actor_id=?`,
		approvedAt, requestID, actorID)
	return err
}

func (r Repo) RecordSubmission(ctx context.Context, tx *sql.Tx, requestID, actorID, evidenceHash, submittedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE applicants SET evidence_hash=?, submitted_at=? WHERE request_id=? AND actor_id=?`,
		evidenceHash, submittedAt, requestID, actorID)
	return err
}

func (r Repo) ListApplicants(ctx context.Context, requestID string) ([]domain.Applicant, error) {
	return r.listApplicants(ctx, nil, requestID)
}

func (r Repo) listApplicants(ctx context.Context, tx *sql.Tx, requestID string) ([]domain.Applicant, error) {
	query := `SELECT request_id,actor_id,position,approved,applied_at,approved_at,evidence_hash,submitted_at
FROM applicants WHERE request_id=? ORDER BY position ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, requestID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, requestID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Applicant
	for rows.Next() {
		a, err := scanApplicant(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func scanApplicant(scan func(dest ...any) error) (domain.Applicant, error) {
	var a domain.Applicant
	var approved int
	var approvedAt, evidence, submittedAt sql.NullString
	err := scan(&a.RequestID, &a.ActorID, &a.Position, &approved, &a.AppliedAt, &approvedAt, &evidence, &submittedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Approved = approved != 0
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.String
	}
	if evidence.Valid {
		a.EvidenceHash = &evidence.String
	}
	if submittedAt.Valid {
		a.SubmittedAt = &submittedAt.String
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
