package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"researchhunt/internal/config"
	"researchhunt/internal/db"
	"researchhunt/internal/engine"
	"researchhunt/internal/migrate"
	"researchhunt/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if err := eng.EnsureParams(ctx); err != nil {
		t.Fatalf("seed params: %v", err)
	}
	return &testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

// openRequest creates a funded request owned by "owner" with two-day
// application and four-day submission windows.
func (env *testEnv) openRequest(t *testing.T, id string, deposit, minReward int64) {
	t.Helper()
	now := env.Engine.Now()
	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		ID:               id,
		Owner:            "owner",
		ApplicationEndAt: now.Add(48 * time.Hour),
		SubmissionEndAt:  now.Add(96 * time.Hour),
		MinimumReward:    minReward,
		Deposit:          deposit,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	now := env.Engine.Now()
	base := engine.CreateRequestOptions{
		ID:               "req-1",
		Owner:            "owner",
		ApplicationEndAt: now.Add(48 * time.Hour),
		SubmissionEndAt:  now.Add(96 * time.Hour),
		Deposit:          1000,
	}

	opts := base
	opts.Deposit = 0
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("zero deposit: got %v", err)
	}
	opts = base
	opts.Deposit = -5
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("negative deposit: got %v", err)
	}
	opts = base
	opts.ApplicationEndAt, opts.SubmissionEndAt = opts.SubmissionEndAt, opts.ApplicationEndAt
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("inverted windows: got %v", err)
	}
	opts = base
	opts.ApplicationEndAt = now.Add(-time.Hour)
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("application end in past: got %v", err)
	}
	opts = base
	opts.MinimumReward = 2000
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("min reward above deposit: got %v", err)
	}
	// Default params require a one-day application window.
	opts = base
	opts.ApplicationEndAt = now.Add(time.Hour)
	if _, err := env.Engine.CreateRequest(env.Ctx, opts); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("window below minimum timespan: got %v", err)
	}

	if _, err := env.Engine.CreateRequest(env.Ctx, base); err != nil {
		t.Fatalf("valid request: %v", err)
	}
}

func TestRequestIDUniqueIncludingClosed(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)

	now := env.Engine.Now()
	_, err := env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		ID:               "req-1",
		Owner:            "other",
		ApplicationEndAt: now.Add(48 * time.Hour),
		SubmissionEndAt:  now.Add(96 * time.Hour),
		Deposit:          50,
	})
	if !errors.Is(err, engine.ErrDuplicateIdentifier) {
		t.Fatalf("duplicate id: got %v", err)
	}

	// Identifiers stay burned after the request closes.
	env.advance(14 * 24 * time.Hour)
	if _, err := env.Engine.Refund(env.Ctx, "owner", "req-1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	now = env.Engine.Now()
	_, err = env.Engine.CreateRequest(env.Ctx, engine.CreateRequestOptions{
		ID:               "req-1",
		Owner:            "owner",
		ApplicationEndAt: now.Add(48 * time.Hour),
		SubmissionEndAt:  now.Add(96 * time.Hour),
		Deposit:          50,
	})
	if !errors.Is(err, engine.ErrDuplicateIdentifier) {
		t.Fatalf("reuse of closed id: got %v", err)
	}
}

func TestDepositAndMinimumRewardOnlyGrow(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 100)

	if _, err := env.Engine.AddDeposit(env.Ctx, "stranger", "req-1", 50); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-owner deposit: got %v", err)
	}
	if _, err := env.Engine.AddDeposit(env.Ctx, "owner", "req-1", 0); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("zero deposit add: got %v", err)
	}
	req, err := env.Engine.AddDeposit(env.Ctx, "owner", "req-1", 500)
	if err != nil || req.Deposit != 1500 {
		t.Fatalf("add deposit: %v deposit=%d", err, req.Deposit)
	}
	escrow, err := env.Engine.EscrowBalance(env.Ctx, "req-1")
	if err != nil || escrow != 1500 {
		t.Fatalf("escrow after add: %v balance=%d", err, escrow)
	}

	req, err = env.Engine.AddMinimumReward(env.Ctx, "owner", "req-1", 400)
	if err != nil || req.MinimumReward != 500 {
		t.Fatalf("raise min reward: %v min=%d", err, req.MinimumReward)
	}
	if _, err := env.Engine.AddMinimumReward(env.Ctx, "owner", "req-1", 1001); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("min reward above deposit: got %v", err)
	}
}

func TestApplyWindowAndDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)

	a, err := env.Engine.Apply(env.Ctx, "alice", "req-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if a.Position != 0 {
		t.Fatalf("position: got %d", a.Position)
	}
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); !errors.Is(err, engine.ErrDuplicateIdentifier) {
		t.Fatalf("duplicate apply: got %v", err)
	}
	b, err := env.Engine.Apply(env.Ctx, "bob", "req-1")
	if err != nil || b.Position != 1 {
		t.Fatalf("second apply: %v position=%d", err, b.Position)
	}

	// The window boundary itself is closed.
	env.advance(48 * time.Hour)
	if _, err := env.Engine.Apply(env.Ctx, "carol", "req-1"); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("apply at window end: got %v", err)
	}
}

func TestApplicantCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Limits.MaxApplicants = 1
	env.openRequest(t, "req-1", 1000, 0)

	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, "bob", "req-1"); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("over capacity: got %v", err)
	}
}

func TestApproveAndSubmit(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Approve(env.Ctx, "alice", "req-1", "alice"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-owner approve: got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("approve unknown applicant: got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "alice", "req-1", "hash-1"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("submit before approval: got %v", err)
	}

	a, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "alice")
	if err != nil || !a.Approved {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "alice"); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("double approve: got %v", err)
	}

	if _, err := env.Engine.Submit(env.Ctx, "stranger", "req-1", "hash-x"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("submit by non-applicant: got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "alice", "req-1", ""); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("submit without evidence: got %v", err)
	}
	a, err = env.Engine.Submit(env.Ctx, "alice", "req-1", "hash-1")
	if err != nil || a.EvidenceHash == nil || *a.EvidenceHash != "hash-1" {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "alice", "req-1", "hash-2"); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("second submission: got %v", err)
	}

	env.advance(96 * time.Hour)
	env.openRequest(t, "req-2", 100, 0)
	if _, err := env.Engine.Apply(env.Ctx, "dave", "req-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-2", "dave"); err != nil {
		t.Fatal(err)
	}
	env.advance(96 * time.Hour)
	if _, err := env.Engine.Submit(env.Ctx, "dave", "req-2", "late"); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("submit at window end: got %v", err)
	}
}

func TestDistribute(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 10)
	for _, actor := range []string{"alice", "bob"} {
		if _, err := env.Engine.Apply(env.Ctx, actor, "req-1"); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", actor); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.Submit(env.Ctx, actor, "req-1", "hash-"+actor); err != nil {
			t.Fatal(err)
		}
	}

	// Submission window still open.
	awards := map[string]int64{"alice": 600, "bob": 400}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", awards); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("distribute before window close: got %v", err)
	}

	env.advance(96*time.Hour + time.Second)
	if _, err := env.Engine.Distribute(env.Ctx, "alice", "req-1", awards); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-owner distribute: got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 700, "bob": 400}); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("over-distribute: got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 5}); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("award below minimum: got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"carol": 100}); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("award to non-applicant: got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 0}); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("zero award: got %v", err)
	}

	req, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", awards)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if req.Status != "distributed" || req.ClosedAt == nil {
		t.Fatalf("status after distribute: %+v", req)
	}
	for actor, want := range awards {
		balance, err := env.Engine.BalanceOf(env.Ctx, actor)
		if err != nil || balance != want {
			t.Fatalf("balance of %s: %v got=%d want=%d", actor, err, balance, want)
		}
	}
	escrow, err := env.Engine.EscrowBalance(env.Ctx, "req-1")
	if err != nil || escrow != 0 {
		t.Fatalf("escrow after distribute: %v balance=%d", err, escrow)
	}

	// Terminal state rejects every further mutation.
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", awards); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("re-distribute: got %v", err)
	}
	if _, err := env.Engine.Refund(env.Ctx, "owner", "req-1"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("refund after distribute: got %v", err)
	}
	if _, err := env.Engine.AddDeposit(env.Ctx, "owner", "req-1", 10); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("deposit after distribute: got %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, "dave", "req-1"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("apply after distribute: got %v", err)
	}
}

func TestDistributeUnapprovedOrUnsubmitted(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Apply(env.Ctx, "bob", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "bob"); err != nil {
		t.Fatal(err)
	}

	env.advance(96*time.Hour + time.Second)
	// alice never approved, bob approved but never submitted
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 100}); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("unapproved payee: got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"bob": 100}); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("unsubmitted payee: got %v", err)
	}
}

func TestDistributionDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "alice", "req-1", "hash"); err != nil {
		t.Fatal(err)
	}

	// Default distribution_end parameter is 14 days past submission end.
	env.advance(96*time.Hour + 14*24*time.Hour + time.Second)
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 100}); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("distribute past deadline: got %v", err)
	}
}

func TestRefundBoundaryInclusive(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)

	if _, err := env.Engine.Refund(env.Ctx, "stranger", "req-1"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-owner refund: got %v", err)
	}

	env.advance(14*24*time.Hour - time.Second)
	if _, err := env.Engine.Refund(env.Ctx, "owner", "req-1"); !errors.Is(err, engine.ErrInvalidWindow) {
		t.Fatalf("refund one second early: got %v", err)
	}

	env.advance(time.Second)
	req, err := env.Engine.Refund(env.Ctx, "owner", "req-1")
	if err != nil {
		t.Fatalf("refund at exact boundary: %v", err)
	}
	if req.Status != "refunded" || req.ClosedAt == nil {
		t.Fatalf("status after refund: %+v", req)
	}
	balance, err := env.Engine.BalanceOf(env.Ctx, "owner")
	if err != nil || balance != 1000 {
		t.Fatalf("owner balance after refund: %v got=%d", err, balance)
	}
	escrow, err := env.Engine.EscrowBalance(env.Ctx, "req-1")
	if err != nil || escrow != 0 {
		t.Fatalf("escrow after refund: %v balance=%d", err, escrow)
	}
	if _, err := env.Engine.Refund(env.Ctx, "owner", "req-1"); !errors.Is(err, engine.ErrAlreadyClosed) {
		t.Fatalf("double refund: got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Submit(env.Ctx, "alice", "req-1", "hash"); err != nil {
		t.Fatal(err)
	}
	env.advance(96*time.Hour + time.Second)
	if _, err := env.Engine.Distribute(env.Ctx, "owner", "req-1", map[string]int64{"alice": 1000}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Withdraw(env.Ctx, "alice", 2000); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("over-withdraw: got %v", err)
	}
	if _, err := env.Engine.Withdraw(env.Ctx, "alice", -1); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("negative withdraw: got %v", err)
	}
	paid, err := env.Engine.Withdraw(env.Ctx, "alice", 300)
	if err != nil || paid != 300 {
		t.Fatalf("partial withdraw: %v paid=%d", err, paid)
	}
	paid, err = env.Engine.Withdraw(env.Ctx, "alice", 0)
	if err != nil || paid != 700 {
		t.Fatalf("full withdraw: %v paid=%d", err, paid)
	}
	if _, err := env.Engine.Withdraw(env.Ctx, "alice", 0); !errors.Is(err, engine.ErrInsufficientFunds) {
		t.Fatalf("withdraw from empty account: got %v", err)
	}

	payouts, err := env.Engine.Ledger.Payouts(env.Ctx, engine.ActorAccount("alice"), 0)
	if err != nil || len(payouts) != 2 {
		t.Fatalf("payout history: %v n=%d", err, len(payouts))
	}
}

func TestSetTimespan(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.SetTimespan(env.Ctx, "stranger", repo.ParamRefundable, 60); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-operator set: got %v", err)
	}
	if _, err := env.Engine.SetTimespan(env.Ctx, "operator", "bogus", 60); !errors.Is(err, engine.ErrConstraintViolation) {
		t.Fatalf("unknown param: got %v", err)
	}
	if _, err := env.Engine.SetTimespan(env.Ctx, "operator", repo.ParamRefundable, -1); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("negative seconds: got %v", err)
	}

	p, err := env.Engine.SetTimespan(env.Ctx, "operator", repo.ParamRefundable, 3600)
	if err != nil || p.Refundable != 3600 {
		t.Fatalf("set refundable: %v got=%d", err, p.Refundable)
	}

	// Shorter refundable timespan applies immediately.
	env.openRequest(t, "req-1", 100, 0)
	env.advance(time.Hour)
	if _, err := env.Engine.Refund(env.Ctx, "owner", "req-1"); err != nil {
		t.Fatalf("refund under new timespan: %v", err)
	}
}

func TestEventLog(t *testing.T) {
	env := newTestEnv(t)
	env.openRequest(t, "req-1", 1000, 0)
	if _, err := env.Engine.Apply(env.Ctx, "alice", "req-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, "owner", "req-1", "alice"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "request", "req-1")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{"request.approved", "request.applied", "request.created"}
	if len(types) != len(want) {
		t.Fatalf("event types: got %v want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types: got %v want %v", types, want)
		}
	}
}
