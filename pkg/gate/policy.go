package gate

import (
	"fmt"
	"os"
	"path/filepath"

	"aegis/pkg/models"

	"gopkg.in/yaml.v3"
)

// Policy is the per-action-type entry in the allow-list, owned by
// configuration.
type Policy struct {
	MinEvidenceCount int                `yaml:"min_evidence_count" json:"min_evidence_count"`
	ApprovalRequired bool               `yaml:"approval_required" json:"approval_required"`
	BlastRadius      models.BlastRadius `yaml:"blast_radius" json:"blast_radius"`
	RiskTier         string             `yaml:"risk_tier" json:"risk_tier"`
}

var validBlastRadius = map[models.BlastRadius]struct{}{
	models.BlastEntityOnly: {},
	models.BlastLimited:    {},
	models.BlastBroad:      {},
	models.BlastCritical:   {},
}

// LoadPolicies reads the allow-list from a YAML file mapping action types to
// policies.
func LoadPolicies(path string) (map[string]Policy, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var policies map[string]Policy
	if err := yaml.Unmarshal(raw, &policies); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// ValidatePolicies rejects malformed allow-list entries at startup rather
// than at request time.
func ValidatePolicies(policies map[string]Policy) error {
	if len(policies) == 0 {
		return fmt.Errorf("policy allow-list is empty")
	}
	for actionType, p := range policies {
		if actionType == "" {
			return fmt.Errorf("policy with empty action type")
		}
		if p.MinEvidenceCount < 1 || p.MinEvidenceCount > 5 {
			return fmt.Errorf("policy %s: min_evidence_count %d outside [1,5]", actionType, p.MinEvidenceCount)
		}
		if _, ok := validBlastRadius[p.BlastRadius]; !ok {
			return fmt.Errorf("policy %s: unknown blast_radius %q", actionType, p.BlastRadius)
		}
	}
	return nil
}

// DefaultPolicies is the built-in allow-list used when no policy file is
// configured.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"isolate_entity":     {MinEvidenceCount: 1, ApprovalRequired: true, BlastRadius: models.BlastEntityOnly, RiskTier: "high"},
		"quarantine_host":    {MinEvidenceCount: 1, ApprovalRequired: true, BlastRadius: models.BlastEntityOnly, RiskTier: "high"},
		"block_indicator":    {MinEvidenceCount: 1, ApprovalRequired: false, BlastRadius: models.BlastLimited, RiskTier: "medium"},
		"suspend_account":    {MinEvidenceCount: 2, ApprovalRequired: true, BlastRadius: models.BlastEntityOnly, RiskTier: "high"},
		"revoke_credentials": {MinEvidenceCount: 2, ApprovalRequired: true, BlastRadius: models.BlastLimited, RiskTier: "high"},
		"rotate_credentials": {MinEvidenceCount: 1, ApprovalRequired: true, BlastRadius: models.BlastLimited, RiskTier: "medium"},
		"escalate_incident":  {MinEvidenceCount: 1, ApprovalRequired: false, BlastRadius: models.BlastEntityOnly, RiskTier: "low"},
		"disable_account":    {MinEvidenceCount: 3, ApprovalRequired: true, BlastRadius: models.BlastBroad, RiskTier: "critical"},
		"notify_owner":       {MinEvidenceCount: 1, ApprovalRequired: false, BlastRadius: models.BlastEntityOnly, RiskTier: "low"},
	}
}
