package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"aegis/pkg/models"
)

// ParseKind tags which extraction path produced the candidates.
type ParseKind string

const (
	StructuredParse ParseKind = "structured"
	FallbackParse   ParseKind = "fallback"
	NoAction        ParseKind = "none"
)

// Extraction is the tagged result of one extraction pass.
type Extraction struct {
	Kind       ParseKind
	Candidates []models.ActionCandidate
}

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\}|\\[.*?\\])\\s*```")
	taggedBlockRe = regexp.MustCompile(`(?s)<actions>\s*(.*?)\s*</actions>`)
	imperativeRe  = regexp.MustCompile(`(?i)\b(isolate|quarantine|block|suspend|revoke|rotate|escalate|disable|notify)\b(?:\s+(?:the|this|all))?\s+(?:(entity|host|account|user|credential|indicator|incident|session|device)\s+)?["'` + "`" + `]?([A-Za-z0-9][A-Za-z0-9._:/-]*)`)
)

// actionVerbs maps imperative verbs in free text onto candidate action
// types. The safety gate decides whether any of them are actually allowed.
var actionVerbs = map[string]string{
	"isolate":    "isolate_entity",
	"quarantine": "quarantine_host",
	"block":      "block_indicator",
	"suspend":    "suspend_account",
	"revoke":     "revoke_credentials",
	"rotate":     "rotate_credentials",
	"escalate":   "escalate_incident",
	"disable":    "disable_account",
	"notify":     "notify_owner",
}

// Extract converts free-form reasoning output into typed candidates. An
// embedded machine-parseable block wins; otherwise imperative phrasing is
// pattern-matched; an empty result is a valid outcome, never an error.
func Extract(raw string) []models.ActionCandidate {
	return ExtractDetailed(raw).Candidates
}

// ExtractDetailed returns the candidates plus which path produced them.
func ExtractDetailed(raw string) Extraction {
	if cands := structured(raw); len(cands) > 0 {
		return Extraction{Kind: StructuredParse, Candidates: cands}
	}
	if cands := fallback(raw); len(cands) > 0 {
		return Extraction{Kind: FallbackParse, Candidates: cands}
	}
	return Extraction{Kind: NoAction}
}

type structuredAction struct {
	ActionType   string   `json:"action_type"`
	Target       string   `json:"target"`
	TargetID     string   `json:"target_id"`
	TargetType   string   `json:"target_type"`
	Reason       string   `json:"reason"`
	Confidence   *float64 `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs"`
}

type structuredBlock struct {
	Actions []structuredAction `json:"actions"`
}

func structured(raw string) []models.ActionCandidate {
	block := ""
	if m := fencedBlockRe.FindStringSubmatch(raw); len(m) == 2 {
		block = m[1]
	} else if m := taggedBlockRe.FindStringSubmatch(raw); len(m) == 2 {
		block = m[1]
	}
	if block == "" {
		return nil
	}

	var entries []structuredAction
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil
		}
	} else {
		var wrapper structuredBlock
		if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
			return nil
		}
		entries = wrapper.Actions
	}

	out := make([]models.ActionCandidate, 0, len(entries))
	for _, e := range entries {
		cand, ok := candidateFrom(e)
		if !ok {
			continue
		}
		out = append(out, cand)
	}
	return out
}

func candidateFrom(e structuredAction) (models.ActionCandidate, bool) {
	target := strings.TrimSpace(e.TargetID)
	if target == "" {
		target = strings.TrimSpace(e.Target)
	}
	if strings.TrimSpace(e.ActionType) == "" || target == "" || strings.TrimSpace(e.Reason) == "" {
		return models.ActionCandidate{}, false
	}
	if e.Confidence == nil || *e.Confidence < 0 || *e.Confidence > 1 {
		return models.ActionCandidate{}, false
	}
	return models.ActionCandidate{
		ActionType:   strings.TrimSpace(e.ActionType),
		TargetID:     target,
		TargetType:   strings.TrimSpace(e.TargetType),
		Reason:       strings.TrimSpace(e.Reason),
		Confidence:   *e.Confidence,
		EvidenceRefs: e.EvidenceRefs,
	}, true
}

// fallbackConfidence marks pattern-matched candidates as low confidence.
const fallbackConfidence = 0.4

func fallback(raw string) []models.ActionCandidate {
	matches := imperativeRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]models.ActionCandidate, 0, len(matches))
	for _, m := range matches {
		verb := strings.ToLower(m[1])
		actionType, ok := actionVerbs[verb]
		if !ok {
			continue
		}
		target := m[3]
		key := actionType + "|" + target
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, models.ActionCandidate{
			ActionType: actionType,
			TargetID:   target,
			TargetType: strings.ToLower(m[2]),
			Reason:     strings.TrimSpace(m[0]),
			Confidence: fallbackConfidence,
		})
	}
	return out
}
