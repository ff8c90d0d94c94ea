package domain

const (
	RequestStatusOpen        = "open"
	RequestStatusDistributed = "distributed"
	RequestStatusRefunded    = "refunded"
)

// Request is a funded research bounty. Amounts are integral value units;
// timestamps are RFC3339 UTC strings.
type Request struct {
	ID               string      `json:"id"`
	Owner            string      `json:"owner"`
	Deposit          int64       `json:"deposit"`
	MinimumReward    int64       `json:"minimum_reward"`
	ApplicationEndAt string      `json:"application_end_at" format:"date-time"`
	SubmissionEndAt  string      `json:"submission_end_at" format:"date-time"`
	Status           string      `json:"status" enum:"open,distributed,refunded"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	ClosedAt         *string     `json:"closed_at,omitempty" format:"date-time"`
	Applicants       []Applicant `json:"applicants,omitempty"`
}

// Applicant tracks one reporter's progress on a request. Position preserves
// application order. EvidenceHash is set at most once.
type Applicant struct {
	RequestID    string  `json:"request_id"`
	ActorID      string  `json:"actor_id"`
	Position     int     `json:"position"`
	Approved     bool    `json:"approved"`
	AppliedAt    string  `json:"applied_at" format:"date-time"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	EvidenceHash *string `json:"evidence_hash,omitempty"`
	SubmittedAt  *string `json:"submitted_at,omitempty" format:"date-time"`
}

// Account is a pull-payment ledger balance.
type Account struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
}

// Payout records value leaving the ledger. The balance is already debited
// when the row is written.
type Payout struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Params are the operator-settable global timespans, in seconds.
type Params struct {
	ApplicationMinimum int64  `json:"application_minimum"`
	SubmissionMinimum  int64  `json:"submission_minimum"`
	DistributionEnd    int64  `json:"distribution_end"`
	Refundable         int64  `json:"refundable"`
	UpdatedAt          string `json:"updated_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
