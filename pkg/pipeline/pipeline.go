package pipeline

import (
	"context"
	"errors"
	"time"

	"aegis/pkg/evidence"
	"aegis/pkg/extract"
	"aegis/pkg/gate"
	"aegis/pkg/metrics"
	"aegis/pkg/models"
	"aegis/pkg/platform"
	"aegis/pkg/stream"

	"github.com/google/uuid"
)

// Request is the inbound reasoning context handed over by the HTTP boundary
// after the LLM has produced its raw output.
type Request struct {
	RequestID string
	EventID   string
	FindingID string
	EntityID  string
	Reasoning string
}

// Pipeline drives one request through lookups, extraction, gating, and
// evidence-chain assembly. All state here is shared and long-lived; the
// values flowing through Advise are request-scoped.
type Pipeline struct {
	Client   *platform.Client
	Gate     *gate.Gate
	Evidence *evidence.Builder
	Metrics  *metrics.Registry
	Events   *stream.Hub
}

// Advise assembles the advisory for one request. Citations only ever point
// at ledger records that resolve; actions only ever carry allow-listed
// types. A ledger write failure aborts the whole request: unaudited output
// is worse than no output.
func (p *Pipeline) Advise(ctx context.Context, req Request) (models.Advisory, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	citations, verified, lookupErr := p.lookups(ctx, req)
	if lookupErr != nil {
		return models.Advisory{}, lookupErr
	}

	accepted, rejected := p.gateCandidates(extract.Extract(req.Reasoning))

	callIDs := make([]string, 0, len(citations))
	for _, c := range citations {
		callIDs = append(callIDs, c.CallID)
	}
	// An id whose lookup failed is unverified: the chain must not claim
	// completeness over it.
	eventID, findingID := req.EventID, req.FindingID
	if eventID != "" && !verified[endpointEvents] {
		eventID = ""
	}
	if findingID != "" && !verified[endpointFindings] {
		findingID = ""
	}
	chain := p.Evidence.Build(ctx, eventID, findingID, callIDs)
	for i := range accepted {
		accepted[i] = evidence.Attach(accepted[i], chain)
	}

	adv := models.Advisory{
		RequestID:          req.RequestID,
		Citations:          citations,
		RecommendedActions: accepted,
		RejectedActions:    rejected,
		EvidenceChain:      chain,
		GeneratedAt:        time.Now().UTC(),
	}
	p.Events.Publish(stream.AdvisoryIssued(stream.AdvisoryIssuedPayload{
		RequestID:     adv.RequestID,
		ActionCount:   len(adv.RecommendedActions),
		RejectedCount: len(adv.RejectedActions),
		ChainComplete: chain.ChainComplete,
	}))
	return adv, nil
}

// Platform endpoints the pipeline reads from.
const (
	endpointEntityRisk = "v1/risk/entity"
	endpointEvents     = "v1/events"
	endpointFindings   = "v1/findings"
)

// lookups performs the platform reads this request needs. Individual
// upstream failures degrade (the client already consulted its cache); the
// request only fails when every attempted lookup is unavailable, or when
// the audit trail itself cannot be written.
func (p *Pipeline) lookups(ctx context.Context, req Request) ([]models.Citation, map[string]bool, error) {
	type lookup struct {
		endpoint string
		args     map[string]string
	}
	var wanted []lookup
	if req.EntityID != "" {
		wanted = append(wanted, lookup{endpointEntityRisk, map[string]string{"entity_id": req.EntityID}})
	}
	if req.EventID != "" {
		wanted = append(wanted, lookup{endpointEvents, map[string]string{"event_id": req.EventID}})
	}
	if req.FindingID != "" {
		wanted = append(wanted, lookup{endpointFindings, map[string]string{"finding_id": req.FindingID}})
	}

	citations := make([]models.Citation, 0, len(wanted))
	verified := make(map[string]bool, len(wanted))
	var lastErr error
	for _, l := range wanted {
		res, err := p.Client.Get(ctx, l.endpoint, l.args)
		if err != nil {
			if errors.Is(err, platform.ErrLedgerWrite) {
				return nil, nil, err
			}
			lastErr = err
			continue
		}
		verified[l.endpoint] = true
		citations = append(citations, models.Citation{
			CallID:         res.CallID,
			Endpoint:       res.Endpoint,
			ArgsDigest:     res.ArgsDigest,
			ResponseDigest: res.ResponseDigest,
			Stale:          res.Stale,
		})
	}
	if len(wanted) > 0 && len(citations) == 0 && lastErr != nil {
		return nil, nil, lastErr
	}
	return citations, verified, nil
}

func (p *Pipeline) gateCandidates(candidates []models.ActionCandidate) ([]models.ValidatedAction, []models.RejectedAction) {
	var accepted []models.ValidatedAction
	var rejected []models.RejectedAction
	for _, cand := range candidates {
		validated, err := p.Gate.Validate(cand)
		if err != nil {
			code := "rejected"
			detail := err.Error()
			var rej *gate.RejectionError
			if errors.As(err, &rej) {
				code = rej.ReasonCode
				detail = rej.Detail
			}
			rejected = append(rejected, models.RejectedAction{
				ActionType: cand.ActionType,
				TargetID:   cand.TargetID,
				ReasonCode: code,
				Detail:     detail,
			})
			if p.Metrics != nil {
				p.Metrics.IncGateReason(code)
			}
			continue
		}
		accepted = append(accepted, validated)
		if p.Metrics != nil {
			p.Metrics.IncGateReason("accepted")
		}
	}
	return accepted, rejected
}
