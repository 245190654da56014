package models

import (
	"time"
)

// CallStatus tags the outcome of an outbound platform call in the ledger.
type CallStatus string

const (
	CallSuccess     CallStatus = "success"
	CallFailed      CallStatus = "failed"
	CallCached      CallStatus = "cached"
	CallCircuitOpen CallStatus = "circuit_open"
)

// CallRecord is one immutable ledger entry. Only digests of the arguments
// and response are retained, never the raw payloads.
type CallRecord struct {
	ID             string     `json:"call_id"`
	Endpoint       string     `json:"endpoint"`
	ArgsDigest     string     `json:"args_digest"`
	ResponseDigest string     `json:"response_digest"`
	Status         CallStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// BlastRadius categorizes how far an action's effect can spread.
type BlastRadius string

const (
	BlastEntityOnly BlastRadius = "entity_only"
	BlastLimited    BlastRadius = "limited"
	BlastBroad      BlastRadius = "broad"
	BlastCritical   BlastRadius = "critical"
)

// ActionCandidate is an extracted, not yet validated action proposal.
type ActionCandidate struct {
	ActionType   string   `json:"action_type"`
	TargetID     string   `json:"target_id"`
	TargetType   string   `json:"target_type"`
	Reason       string   `json:"reason"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// ValidatedAction is a candidate that passed the safety gate, enriched with
// the matched policy. Only the gate constructs these.
type ValidatedAction struct {
	ActionType       string      `json:"action_type"`
	TargetID         string      `json:"target_id"`
	TargetType       string      `json:"target_type"`
	Reason           string      `json:"reason"`
	Confidence       float64     `json:"confidence"`
	EvidenceRefs     []string    `json:"evidence_refs"`
	EvidenceCount    int         `json:"evidence_count"`
	EvidenceRequired []string    `json:"evidence_required"`
	ApprovalRequired bool        `json:"approval_required"`
	BlastRadius      BlastRadius `json:"blast_radius"`
	RiskTier         string      `json:"risk_tier"`
}

// EvidenceChain links a triggering event, a finding, and the supporting
// platform calls. ChainComplete is derived, never set by callers.
type EvidenceChain struct {
	EventID       string   `json:"event_id,omitempty"`
	FindingID     string   `json:"finding_id,omitempty"`
	CallIDs       []string `json:"call_ids"`
	ChainComplete bool     `json:"chain_complete"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Citation points a consumer at a resolvable ledger record.
type Citation struct {
	CallID         string `json:"call_id"`
	Endpoint       string `json:"endpoint"`
	ArgsDigest     string `json:"args_digest"`
	ResponseDigest string `json:"response_digest"`
	Stale          bool   `json:"stale,omitempty"`
}

// Advisory is the outbound response object assembled by the pipeline.
type Advisory struct {
	RequestID          string            `json:"request_id"`
	Citations          []Citation        `json:"citations"`
	RecommendedActions []ValidatedAction `json:"recommended_actions"`
	RejectedActions    []RejectedAction  `json:"rejected_actions,omitempty"`
	EvidenceChain      EvidenceChain     `json:"evidence_chain"`
	GeneratedAt        time.Time         `json:"generated_at"`
}

// RejectedAction reports a candidate the gate refused, with its reason code.
type RejectedAction struct {
	ActionType string `json:"action_type"`
	TargetID   string `json:"target_id,omitempty"`
	ReasonCode string `json:"reason_code"`
	Detail     string `json:"detail,omitempty"`
}
