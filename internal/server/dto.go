package server

import (
	"encoding/json"

	"researchhunt/internal/domain"
)

// Request payloads

type CreateRequestRequest struct {
	ID               string `json:"id,omitempty" doc:"Client-chosen UUID; generated when empty"`
	Deposit          int64  `json:"deposit"`
	MinimumReward    int64  `json:"minimum_reward,omitempty"`
	ApplicationEndAt string `json:"application_end_at" format:"date-time"`
	SubmissionEndAt  string `json:"submission_end_at" format:"date-time"`
}

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

type SubmitRequest struct {
	EvidenceHash string `json:"evidence_hash"`
}

type DistributeRequest struct {
	Awards map[string]int64 `json:"awards" doc:"Applicant actor id to award amount"`
}

type SetParamRequest struct {
	Seconds int64 `json:"seconds"`
}

type WithdrawRequest struct {
	Amount int64 `json:"amount,omitempty" doc:"Zero withdraws the full balance"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type RequestResponse struct {
	ID               string              `json:"id"`
	Owner            string              `json:"owner"`
	Deposit          int64               `json:"deposit"`
	MinimumReward    int64               `json:"minimum_reward"`
	ApplicationEndAt string              `json:"application_end_at" format:"date-time"`
	SubmissionEndAt  string              `json:"submission_end_at" format:"date-time"`
	Status           string              `json:"status" enum:"open,distributed,refunded"`
	CreatedAt        string              `json:"created_at" format:"date-time"`
	ClosedAt         *string             `json:"closed_at,omitempty" format:"date-time"`
	Applicants       []ApplicantResponse `json:"applicants,omitempty"`
}

type ApplicantResponse struct {
	RequestID    string  `json:"request_id"`
	ActorID      string  `json:"actor_id"`
	Position     int     `json:"position"`
	Approved     bool    `json:"approved"`
	AppliedAt    string  `json:"applied_at" format:"date-time"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	EvidenceHash *string `json:"evidence_hash,omitempty"`
	SubmittedAt  *string `json:"submitted_at,omitempty" format:"date-time"`
}

type ParamsResponse struct {
	ApplicationMinimum int64  `json:"application_minimum"`
	SubmissionMinimum  int64  `json:"submission_minimum"`
	DistributionEnd    int64  `json:"distribution_end"`
	Refundable         int64  `json:"refundable"`
	UpdatedAt          string `json:"updated_at,omitempty" format:"date-time"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type WithdrawResponse struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

type PayoutResponse struct {
	ID        int64  `json:"id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:               r.ID,
		Owner:            r.Owner,
		Deposit:          r.Deposit,
		MinimumReward:    r.MinimumReward,
		ApplicationEndAt: r.ApplicationEndAt,
		SubmissionEndAt:  r.SubmissionEndAt,
		Status:           r.Status,
		CreatedAt:        r.CreatedAt,
		ClosedAt:         r.ClosedAt,
		Applicants:       mapApplicants(r.Applicants),
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	res := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		res = append(res, requestResponse(r))
	}
	return res
}

func applicantResponse(a domain.Applicant) ApplicantResponse {
	return ApplicantResponse(a)
}

func mapApplicants(items []domain.Applicant) []ApplicantResponse {
	if items == nil {
		return nil
	}
	res := make([]ApplicantResponse, 0, len(items))
	for _, a := range items {
		res = append(res, applicantResponse(a))
	}
	return res
}

func paramsResponse(p domain.Params) ParamsResponse {
	return ParamsResponse(p)
}

func payoutResponse(p domain.Payout) PayoutResponse {
	return PayoutResponse(p)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
