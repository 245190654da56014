package gate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"aegis/pkg/models"
)

func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	return rej.ReasonCode
}

func TestAcceptEnrichesWithPolicy(t *testing.T) {
	g := New(DefaultPolicies(), false)
	got, err := g.Validate(models.ActionCandidate{
		ActionType:   "isolate_entity",
		TargetID:     "customer-db",
		TargetType:   "entity",
		Reason:       "active exfiltration",
		Confidence:   0.9,
		EvidenceRefs: []string{"e1", "f1"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.EvidenceCount != 2 {
		t.Fatalf("expected evidence_count 2, got %d", got.EvidenceCount)
	}
	if !got.ApprovalRequired {
		t.Fatal("expected approval_required from policy")
	}
	if got.BlastRadius != models.BlastEntityOnly {
		t.Fatalf("expected entity_only blast radius, got %s", got.BlastRadius)
	}
}

func TestUnknownActionTypeRejectedFirst(t *testing.T) {
	g := New(DefaultPolicies(), false)
	// Plenty of evidence and full confidence must not bypass the allow-list.
	_, err := g.Validate(models.ActionCandidate{
		ActionType:   "delete_data",
		TargetID:     "customer-db",
		Confidence:   1.0,
		EvidenceRefs: []string{"e1", "e2", "e3", "e4", "e5"},
	})
	if rejectionCode(t, err) != ReasonUnknownActionType {
		t.Fatalf("expected unknown_action_type, got %v", err)
	}
}

func TestInsufficientEvidenceAfterDedupe(t *testing.T) {
	g := New(DefaultPolicies(), false)
	_, err := g.Validate(models.ActionCandidate{
		ActionType:   "suspend_account",
		TargetID:     "acct-1",
		EvidenceRefs: []string{"e1", "e1", "e1"},
	})
	if rejectionCode(t, err) != ReasonInsufficientEvidence {
		t.Fatalf("expected insufficient_evidence, got %v", err)
	}
}

func TestZeroEvidenceAlwaysRejected(t *testing.T) {
	g := New(DefaultPolicies(), false)
	_, err := g.Validate(models.ActionCandidate{
		ActionType: "isolate_entity",
		TargetID:   "customer-db",
	})
	if rejectionCode(t, err) != ReasonInsufficientEvidence {
		t.Fatalf("expected insufficient_evidence for empty refs, got %v", err)
	}
}

func TestMissingTarget(t *testing.T) {
	g := New(DefaultPolicies(), false)
	_, err := g.Validate(models.ActionCandidate{
		ActionType:   "isolate_entity",
		TargetID:     "   ",
		EvidenceRefs: []string{"e1"},
	})
	if rejectionCode(t, err) != ReasonMissingTarget {
		t.Fatalf("expected missing_target, got %v", err)
	}
}

func TestEvidenceNormalizationConfigurable(t *testing.T) {
	cand := models.ActionCandidate{
		ActionType:   "suspend_account",
		TargetID:     "acct-1",
		EvidenceRefs: []string{"EVT-1", "evt-1"},
	}

	strict := New(DefaultPolicies(), false)
	got, err := strict.Validate(cand)
	if err != nil {
		t.Fatalf("validate without normalization: %v", err)
	}
	if got.EvidenceCount != 2 {
		t.Fatalf("expected 2 distinct refs without normalization, got %d", got.EvidenceCount)
	}

	folded := New(DefaultPolicies(), true)
	if _, err := folded.Validate(cand); rejectionCode(t, err) != ReasonInsufficientEvidence {
		t.Fatalf("expected case-folded dedupe to reject, got %v", err)
	}
}

func TestDedupePreservesOrder(t *testing.T) {
	g := New(DefaultPolicies(), false)
	got, err := g.Validate(models.ActionCandidate{
		ActionType:   "isolate_entity",
		TargetID:     "db",
		EvidenceRefs: []string{"b", "a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := []string{"b", "a", "c"}
	for i, ref := range want {
		if got.EvidenceRefs[i] != ref {
			t.Fatalf("expected order %v, got %v", want, got.EvidenceRefs)
		}
	}
}

func TestLoadPoliciesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	content := []byte(`
isolate_entity:
  min_evidence_count: 1
  approval_required: true
  blast_radius: entity_only
  risk_tier: high
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	policies, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := policies["isolate_entity"]
	if !ok || !p.ApprovalRequired || p.BlastRadius != models.BlastEntityOnly {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestLoadPoliciesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	content := []byte(`
isolate_entity:
  min_evidence_count: 9
  blast_radius: entity_only
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadPolicies(path); err == nil {
		t.Fatal("expected validation error for min_evidence_count out of range")
	}
}

func TestValidatePoliciesBlastRadius(t *testing.T) {
	err := ValidatePolicies(map[string]Policy{
		"isolate_entity": {MinEvidenceCount: 1, BlastRadius: "galaxy"},
	})
	if err == nil {
		t.Fatal("expected unknown blast_radius to be rejected")
	}
}

func TestDefaultPoliciesValid(t *testing.T) {
	if err := ValidatePolicies(DefaultPolicies()); err != nil {
		t.Fatalf("default allow-list invalid: %v", err)
	}
}
