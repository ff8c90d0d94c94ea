package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"researchhunt/internal/config"
	"researchhunt/internal/domain"
	"researchhunt/internal/events"
	"researchhunt/internal/ledger"
	"researchhunt/internal/repo"
)

var (
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	ErrInvalidWindow       = errors.New("invalid time window")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrAlreadyClosed       = errors.New("request already closed")
	ErrConstraintViolation = errors.New("constraint violation")
)

// Amount and funds errors are shared with the ledger component.
var (
	ErrInvalidAmount     = ledger.ErrInvalidAmount
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// ledgerOperator is the identity the engine presents to the ledger. Only
// engine code holds it; callers are gated on request ownership instead.
const ledgerOperator = "lifecycle-engine"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Ledger: ledger.New(db, ledgerOperator),
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RequestAccount is the ledger account holding a request's escrow.
func RequestAccount(requestID string) string {
	return "request:" + requestID
}

// ActorAccount is the ledger account credited on distribution or refund.
func ActorAccount(actorID string) string {
	return "actor:" + actorID
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidWindow, s)
	}
	return t, nil
}

// ensureOpen loads a request inside tx and rejects terminal states.
func (e Engine) ensureOpen(ctx context.Context, tx *sql.Tx, requestID string) (domain.Request, error) {
	req, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return req, err
	}
	if req.Status != domain.RequestStatusOpen {
		return req, fmt.Errorf("%w: status %s", ErrAlreadyClosed, req.Status)
	}
	return req, nil
}

// CreateRequestOptions are parameters for registering a research request.
type CreateRequestOptions struct {
	ID               string
	Owner            string
	ApplicationEndAt time.Time
	SubmissionEndAt  time.Time
	MinimumReward    int64
	Deposit          int64
}

// CreateRequest escrows the deposit and registers a new open request.
func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	if e.Config == nil {
		return domain.Request{}, errors.New("config not loaded")
	}
	if opts.ID == "" {
		return domain.Request{}, fmt.Errorf("%w: request id required", ErrInvalidWindow)
	}
	if opts.Owner == "" {
		return domain.Request{}, ErrUnauthorized
	}
	if opts.Deposit <= 0 {
		return domain.Request{}, ErrInvalidAmount
	}
	now := e.now().UTC()
	if !now.Before(opts.ApplicationEndAt) || !opts.ApplicationEndAt.Before(opts.SubmissionEndAt) {
		return domain.Request{}, fmt.Errorf("%w: require now < applicationEndAt < submissionEndAt", ErrInvalidWindow)
	}
	if opts.MinimumReward > opts.Deposit {
		return domain.Request{}, fmt.Errorf("%w: minimum reward exceeds deposit", ErrConstraintViolation)
	}
	if opts.MinimumReward < 0 {
		return domain.Request{}, ErrInvalidAmount
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	params, err := e.Repo.GetParamsTx(ctx, tx)
	if err != nil {
		return domain.Request{}, err
	}
	if min := time.Duration(params.ApplicationMinimum) * time.Second; min > 0 && opts.ApplicationEndAt.Sub(now) < min {
		return domain.Request{}, fmt.Errorf("%w: application window below minimum timespan", ErrInvalidWindow)
	}
	if min := time.Duration(params.SubmissionMinimum) * time.Second; min > 0 && opts.SubmissionEndAt.Sub(opts.ApplicationEndAt) < min {
		return domain.Request{}, fmt.Errorf("%w: submission window below minimum timespan", ErrInvalidWindow)
	}

	exists, err := e.Repo.RequestExists(ctx, tx, opts.ID)
	if err != nil {
		return domain.Request{}, err
	}
	if exists {
		return domain.Request{}, fmt.Errorf("%w: request %s", ErrDuplicateIdentifier, opts.ID)
	}

	req := domain.Request{
		ID:               opts.ID,
		Owner:            opts.Owner,
		Deposit:          opts.Deposit,
		MinimumReward:    opts.MinimumReward,
		ApplicationEndAt: opts.ApplicationEndAt.UTC().Format(time.RFC3339),
		SubmissionEndAt:  opts.SubmissionEndAt.UTC().Format(time.RFC3339),
		Status:           domain.RequestStatusOpen,
		CreatedAt:        now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.Ledger.Deposit(ctx, tx, ledgerOperator, RequestAccount(req.ID), req.Deposit); err != nil {
		return domain.Request{}, err
	}
	if err := e.Events.Append(ctx, tx, "request.created", "request", req.ID, req.Owner, events.EventPayload{
		"owner":          req.Owner,
		"deposit":        req.Deposit,
		"minimum_reward": req.MinimumReward,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// AddDeposit raises a request's escrow. The deposit only ever grows.
func (e Engine) AddDeposit(ctx context.Context, actorID, requestID string, amount int64) (domain.Request, error) {
	if amount <= 0 {
		return domain.Request{}, ErrInvalidAmount
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.ensureOpen(ctx, tx, requestID)
	if err != nil {
		return req, err
	}
	if actorID != req.Owner {
		return req, fmt.Errorf("%w: only the request owner may add deposit", ErrUnauthorized)
	}
	req.Deposit += amount
	if err := e.Repo.UpdateRequestDeposit(ctx, tx, req.ID, req.Deposit); err != nil {
		return req, err
	}
	if err := e.Ledger.Deposit(ctx, tx, ledgerOperator, RequestAccount(req.ID), amount); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "request.deposited", "request", req.ID, actorID, events.EventPayload{
		"deposit": req.Deposit,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}

// AddMinimumReward raises the per-payee floor. The floor never exceeds the
// deposit and never decreases.
func (e Engine) AddMinimumReward(ctx context.Context, actorID, requestID string, amount int64) (domain.Request, error) {
	if amount <= 0 {
		return domain.Request{}, ErrInvalidAmount
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	req, err := e.ensureOpen(ctx, tx, requestID)
	if err != nil {
		return req, err
	}
	if actorID != req.Owner {
		return req, fmt.Errorf("%w: only the request owner may raise the minimum reward", ErrUnauthorized)
	}
	if req.MinimumReward+amount > req.Deposit {
		return req, fmt.Errorf("%w: minimum reward would exceed deposit", ErrConstraintViolation)
	}
	req.MinimumReward += amount
	if err := e.Repo.UpdateRequestMinimumReward(ctx, tx, req.ID, req.MinimumReward); err != nil {
		return req, err
	}
	if err := e.Events.Append(ctx, tx, "request.min_reward_raised", "request", req.ID, actorID, events.EventPayload{
		"minimum_reward": req.MinimumReward,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	return req, nil
}
