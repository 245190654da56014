package evidence

import (
	"context"
	"fmt"

	"aegis/pkg/ledger"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
)

// Builder links triggering events, findings, and ledger records into
// traceable chains. Unresolved call ids are warnings, never failures: a
// partially-traced recommendation is surfaced, not suppressed.
type Builder struct {
	Ledger  ledger.Ledger
	Metrics *metrics.Registry
}

// Build resolves every call id against the ledger. ChainComplete is derived:
// true iff the event id is present, the finding id is present, and every
// call id resolves.
func (b *Builder) Build(ctx context.Context, eventID, findingID string, callIDs []string) models.EvidenceChain {
	chain := models.EvidenceChain{
		EventID:   eventID,
		FindingID: findingID,
		CallIDs:   append([]string(nil), callIDs...),
	}
	complete := eventID != "" && findingID != ""
	for _, id := range callIDs {
		if _, err := b.Ledger.Get(ctx, id); err != nil {
			chain.Warnings = append(chain.Warnings, fmt.Sprintf("call %s does not resolve in the ledger", id))
			complete = false
		}
	}
	chain.ChainComplete = complete
	if b.Metrics != nil {
		b.Metrics.IncChainBuild(complete)
	}
	return chain
}

// Attach merges the chain's references into the action's evidence refs in
// chain order: event, then finding, then calls in call order. References the
// action already carried are never removed.
func Attach(action models.ValidatedAction, chain models.EvidenceChain) models.ValidatedAction {
	refs := append([]string(nil), action.EvidenceRefs...)
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		seen[ref] = struct{}{}
	}
	add := func(ref string) {
		if ref == "" {
			return
		}
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	add(chain.EventID)
	add(chain.FindingID)
	for _, id := range chain.CallIDs {
		add(id)
	}
	action.EvidenceRefs = refs
	action.EvidenceCount = len(refs)
	return action
}
