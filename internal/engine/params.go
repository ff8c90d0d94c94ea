package engine

import (
	"context"
	"fmt"
	"time"

	"researchhunt/internal/domain"
	"researchhunt/internal/events"
	"researchhunt/internal/repo"
)

// EnsureParams seeds the timespan parameters from configuration on first
// run. Existing rows survive restarts untouched, so operator overrides via
// SetTimespan stick.
func (e Engine) EnsureParams(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SeedParams(ctx, tx, domain.Params{
		ApplicationMinimum: e.Config.Timespans.ApplicationMinimum,
		SubmissionMinimum:  e.Config.Timespans.SubmissionMinimum,
		DistributionEnd:    e.Config.Timespans.DistributionEnd,
		Refundable:         e.Config.Timespans.Refundable,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Params reads the current timespan parameters.
func (e Engine) Params(ctx context.Context) (domain.Params, error) {
	return e.Repo.GetParams(ctx)
}

// SetTimespan updates one timespan parameter. Only the configured operator
// may change parameters; new values apply to operations from this point on
// and never rewrite history on existing requests.
func (e Engine) SetTimespan(ctx context.Context, actorID, name string, seconds int64) (domain.Params, error) {
	if actorID == "" || actorID != e.Config.Operator.ID {
		return domain.Params{}, fmt.Errorf("%w: only the operator may set parameters", ErrUnauthorized)
	}
	if !repo.KnownParam(name) {
		return domain.Params{}, fmt.Errorf("%w: unknown parameter %q", ErrConstraintViolation, name)
	}
	if seconds < 0 {
		return domain.Params{}, fmt.Errorf("%w: seconds must not be negative", ErrInvalidAmount)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Params{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetParam(ctx, tx, name, seconds, now); err != nil {
		return domain.Params{}, err
	}
	if err := e.Events.Append(ctx, tx, "params.changed", "params", name, actorID, events.EventPayload{
		"name":    name,
		"seconds": seconds,
	}); err != nil {
		return domain.Params{}, err
	}
	params, err := e.Repo.GetParamsTx(ctx, tx)
	if err != nil {
		return domain.Params{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Params{}, err
	}
	return params, nil
}
