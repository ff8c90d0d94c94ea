package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"researchhunt/internal/domain"
	"researchhunt/internal/events"
	"researchhunt/internal/repo"
)

// Apply registers the caller as an applicant. Re-application by the same
// identity fails, as does applying after the application window closes.
func (e Engine) Apply(ctx context.Context, actorID, requestID string) (domain.Applicant, error) {
	if actorID == "" {
		return domain.Applicant{}, ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()

	req, err := e.ensureOpen(ctx, tx, requestID)
	if err != nil {
		return domain.Applicant{}, err
	}
	appEnd, err := parseTime(req.ApplicationEndAt)
	if err != nil {
		return domain.Applicant{}, err
	}
	now := e.now().UTC()
	if !now.Before(appEnd) {
		return domain.Applicant{}, fmt.Errorf("%w: application window closed", ErrInvalidWindow)
	}
	if _, err := e.Repo.GetApplicantTx(ctx, tx, requestID, actorID); err == nil {
		return domain.Applicant{}, fmt.Errorf("%w: already applied", ErrDuplicateIdentifier)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Applicant{}, err
	}
	count, err := e.Repo.CountApplicantsTx(ctx, tx, requestID)
	if err != nil {
		return domain.Applicant{}, err
	}
	max := 0
	if e.Config != nil {
		max = e.Config.Limits.MaxApplicants
	}
	if max > 0 && count >= max {
		return domain.Applicant{}, fmt.Errorf("%w: applicant capacity %d reached", ErrConstraintViolation, max)
	}
	a := domain.Applicant{
		RequestID: requestID,
		ActorID:   actorID,
		Position:  count,
		AppliedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertApplicant(ctx, tx, a); err != nil {
		return domain.Applicant{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.applied", "request", requestID, actorID, events.EventPayload{
		"applicant": actorID,
	}); err != nil {
		return domain.Applicant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Applicant{}, err
	}
	return a, nil
}

// Approve marks an applicant as authorized to submit. Owner only; approval
// is a one-way mark.
func (e Engine) Approve(ctx context.Context, actorID, requestID, applicantID string) (domain.Applicant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()

	req, err := e.ensureOpen(ctx, tx, requestID)
	if err != nil {
		return domain.Applicant{}, err
	}
	if actorID != req.Owner {
		return domain.Applicant{}, fmt.Errorf("%w: only the request owner may approve", ErrUnauthorized)
	}
	a, err := e.Repo.GetApplicantTx(ctx, tx, requestID, applicantID)
	if err != nil {
		return domain.Applicant{}, err
	}
	if a.Approved {
		return a, fmt.Errorf("%w: applicant already approved", ErrConstraintViolation)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.ApproveApplicant(ctx, tx, requestID, applicantID, now); err != nil {
		return a, err
	}
	a.Approved = true
	a.ApprovedAt = &now
	if err := e.Events.Append(ctx, tx, "request.approved", "request", requestID, actorID, events.EventPayload{
		"applicant": applicantID,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// Submit records an approved applicant's evidence hash, once, before the
// submission window closes.
func (e Engine) Submit(ctx context.Context, actorID, requestID, evidenceHash string) (domain.Applicant, error) {
	if evidenceHash == "" {
		return domain.Applicant{}, fmt.Errorf("%w: evidence hash required", ErrConstraintViolation)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Applicant{}, err
	}
	defer tx.Rollback()

	req, err := e.ensureOpen(ctx, tx, requestID)
	if err != nil {
		return domain.Applicant{}, err
	}
	subEnd, err := parseTime(req.SubmissionEndAt)
	if err != nil {
		return domain.Applicant{}, err
	}
	now := e.now().UTC()
	if !now.Before(subEnd) {
		return domain.Applicant{}, fmt.Errorf("%w: submission window closed", ErrInvalidWindow)
	}
	a, err := e.Repo.GetApplicantTx(ctx, tx, requestID, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Applicant{}, fmt.Errorf("%w: caller is not an applicant", ErrUnauthorized)
		}
		return domain.Applicant{}, err
	}
	if !a.Approved {
		return a, fmt.Errorf("%w: caller is not approved", ErrUnauthorized)
	}
	if a.EvidenceHash != nil {
		return a, fmt.Errorf("%w: submission already recorded", ErrConstraintViolation)
	}
	ts := now.Format(time.RFC3339)
	if err := e.Repo.RecordSubmission(ctx, tx, requestID, actorID, evidenceHash, ts); err != nil {
		return a, err
	}
	a.EvidenceHash = &evidenceHash
	a.SubmittedAt = &ts
	if err := e.Events.Append(ctx, tx, "request.submitted", "request", requestID, actorID, events.EventPayload{
		"applicant":     actorID,
		"evidence_hash": evidenceHash,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}
