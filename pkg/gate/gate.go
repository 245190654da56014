package gate

import (
	"fmt"
	"strings"

	"aegis/pkg/models"
)

// Rejection reason codes.
const (
	ReasonUnknownActionType    = "unknown_action_type"
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonMissingTarget        = "missing_target"
)

// RejectionError reports why a candidate was refused. Rejections are
// per-candidate and never abort the batch.
type RejectionError struct {
	ReasonCode string
	Detail     string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return e.ReasonCode
	}
	return fmt.Sprintf("%s: %s", e.ReasonCode, e.Detail)
}

// Gate validates candidates against the fixed allow-list. It is
// deterministic and side-effect free: it never touches the ledger or the
// platform.
type Gate struct {
	policies          map[string]Policy
	normalizeEvidence bool
}

// New builds a gate over an allow-list. When normalizeEvidence is set,
// evidence references are case-folded before deduplication.
func New(policies map[string]Policy, normalizeEvidence bool) *Gate {
	return &Gate{policies: policies, normalizeEvidence: normalizeEvidence}
}

// Validate checks one candidate. The allow-list check always runs first and
// is never bypassed by confidence or evidence volume.
func (g *Gate) Validate(c models.ActionCandidate) (models.ValidatedAction, error) {
	policy, ok := g.policies[c.ActionType]
	if !ok {
		return models.ValidatedAction{}, &RejectionError{
			ReasonCode: ReasonUnknownActionType,
			Detail:     fmt.Sprintf("action type %q is not in the allow-list", c.ActionType),
		}
	}

	evidence := g.dedupe(c.EvidenceRefs)
	if len(evidence) == 0 || len(evidence) < policy.MinEvidenceCount {
		return models.ValidatedAction{}, &RejectionError{
			ReasonCode: ReasonInsufficientEvidence,
			Detail:     fmt.Sprintf("%d distinct evidence refs, policy requires %d", len(evidence), policy.MinEvidenceCount),
		}
	}

	if strings.TrimSpace(c.TargetID) == "" {
		return models.ValidatedAction{}, &RejectionError{
			ReasonCode: ReasonMissingTarget,
			Detail:     "candidate has no target",
		}
	}

	return models.ValidatedAction{
		ActionType:       c.ActionType,
		TargetID:         c.TargetID,
		TargetType:       c.TargetType,
		Reason:           c.Reason,
		Confidence:       c.Confidence,
		EvidenceRefs:     evidence,
		EvidenceCount:    len(evidence),
		EvidenceRequired: append([]string(nil), evidence...),
		ApprovalRequired: policy.ApprovalRequired,
		BlastRadius:      policy.BlastRadius,
		RiskTier:         policy.RiskTier,
	}, nil
}

// dedupe preserves first-seen order.
func (g *Gate) dedupe(refs []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		key := ref
		if g.normalizeEvidence {
			key = strings.ToLower(ref)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}
