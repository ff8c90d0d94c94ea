package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"researchhunt/internal/domain"
	"researchhunt/internal/events"
)

// Distribute splits the escrowed deposit among approved, submitting
// applicants per the owner-chosen awards and closes the request. Awards are
// an explicit applicant -> amount map; every entry must name an approved
// applicant with a recorded submission and meet the minimum reward, and the
// total never exceeds the deposit. Any validation failure aborts the whole
// call before funds move.
func (e Engine) Distribute(ctx context.Context, actorID, requestID string, awards map[string]int64) (domain.Request, error) {
	if len(awards) == 0 {
		return domain.Request{}, fmt.Errorf("%w: awards required", ErrInvalidAmount)
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
		return req, fmt.Errorf("%w: only the request owner may distribute", ErrUnauthorized)
	}
	subEnd, err := parseTime(req.SubmissionEndAt)
	if err != nil {
		return req, err
	}
	now := e.now().UTC()
	if !now.After(subEnd) {
		return req, fmt.Errorf("%w: submission window still open", ErrInvalidWindow)
	}
	params, err := e.Repo.GetParamsTx(ctx, tx)
	if err != nil {
		return req, err
	}
	if params.DistributionEnd > 0 {
		deadline := subEnd.Add(time.Duration(params.DistributionEnd) * time.Second)
		if now.After(deadline) {
			return req, fmt.Errorf("%w: distribution deadline passed", ErrInvalidWindow)
		}
	}

	byActor := make(map[string]domain.Applicant, len(req.Applicants))
	for _, a := range req.Applicants {
		byActor[a.ActorID] = a
	}
	payees := make([]string, 0, len(awards))
	var total int64
	for payee, amount := range awards {
		if amount <= 0 {
			return req, fmt.Errorf("%w: award for %s must be positive", ErrInvalidAmount, payee)
		}
		a, ok := byActor[payee]
		if !ok {
			return req, fmt.Errorf("%w: %s is not an applicant", ErrConstraintViolation, payee)
		}
		if !a.Approved || a.EvidenceHash == nil {
			return req, fmt.Errorf("%w: %s has no approved submission", ErrConstraintViolation, payee)
		}
		if amount < req.MinimumReward {
			return req, fmt.Errorf("%w: award for %s below minimum reward", ErrConstraintViolation, payee)
		}
		total += amount
		payees = append(payees, payee)
	}
	if total > req.Deposit {
		return req, fmt.Errorf("%w: awards total %d exceeds deposit %d", ErrInsufficientFunds, total, req.Deposit)
	}
	sort.Strings(payees)

	// Bookkeeping before transfer: the request is closed before value moves.
	closedAt := now.Format(time.RFC3339)
	if err := e.Repo.CloseRequest(ctx, tx, req.ID, domain.RequestStatusDistributed, closedAt); err != nil {
		return req, err
	}
	amounts := make([]int64, len(payees))
	for i, payee := range payees {
		if err := e.Ledger.Transfer(ctx, tx, ledgerOperator, RequestAccount(req.ID), ActorAccount(payee), awards[payee]); err != nil {
			return req, err
		}
		amounts[i] = awards[payee]
	}
	if err := e.Events.Append(ctx, tx, "request.distributed", "request", req.ID, actorID, events.EventPayload{
		"payees":  payees,
		"amounts": amounts,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.Status = domain.RequestStatusDistributed
	req.ClosedAt = &closedAt
	return req, nil
}

// Refund returns the full remaining escrow to the request owner once the
// refundable timespan has elapsed since creation. The boundary is
// inclusive: elapsed == timespan refunds.
func (e Engine) Refund(ctx context.Context, actorID, requestID string) (domain.Request, error) {
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
		return req, fmt.Errorf("%w: only the request owner may refund", ErrUnauthorized)
	}
	createdAt, err := parseTime(req.CreatedAt)
	if err != nil {
		return req, err
	}
	params, err := e.Repo.GetParamsTx(ctx, tx)
	if err != nil {
		return req, err
	}
	now := e.now().UTC()
	if now.Sub(createdAt) < time.Duration(params.Refundable)*time.Second {
		return req, fmt.Errorf("%w: refundable timespan has not elapsed", ErrInvalidWindow)
	}

	closedAt := now.Format(time.RFC3339)
	if err := e.Repo.CloseRequest(ctx, tx, req.ID, domain.RequestStatusRefunded, closedAt); err != nil {
		return req, err
	}
	remaining, err := e.Ledger.BalanceOfTx(ctx, tx, RequestAccount(req.ID))
	if err != nil {
		return req, err
	}
	if remaining > 0 {
		if err := e.Ledger.Transfer(ctx, tx, ledgerOperator, RequestAccount(req.ID), ActorAccount(req.Owner), remaining); err != nil {
			return req, err
		}
	}
	if err := e.Events.Append(ctx, tx, "request.refunded", "request", req.ID, actorID, events.EventPayload{
		"amount": remaining,
	}); err != nil {
		return req, err
	}
	if err := tx.Commit(); err != nil {
		return req, err
	}
	req.Status = domain.RequestStatusRefunded
	req.ClosedAt = &closedAt
	return req, nil
}

// Withdraw pays out from the caller's own ledger account. A zero amount
// withdraws the full balance.
func (e Engine) Withdraw(ctx context.Context, actorID string, amount int64) (int64, error) {
	if actorID == "" {
		return 0, ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	account := ActorAccount(actorID)
	paid := amount
	if amount == 0 {
		paid, err = e.Ledger.Withdraw(ctx, tx, ledgerOperator, account)
	} else {
		err = e.Ledger.WithdrawAmount(ctx, tx, ledgerOperator, account, amount)
	}
	if err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.withdrawn", "account", account, actorID, events.EventPayload{
		"amount": paid,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return paid, nil
}

// BalanceOf reads an actor's ledger balance.
func (e Engine) BalanceOf(ctx context.Context, actorID string) (int64, error) {
	return e.Ledger.BalanceOf(ctx, ActorAccount(actorID))
}

// EscrowBalance reads a request's remaining escrow.
func (e Engine) EscrowBalance(ctx context.Context, requestID string) (int64, error) {
	return e.Ledger.BalanceOf(ctx, RequestAccount(requestID))
}
