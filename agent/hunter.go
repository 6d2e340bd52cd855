package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// HunterProfile narrows prospect discovery.
type HunterProfile struct {
	Industry     string
	CompanySize  string
	Region       string
	Keywords     []string
	MaxProspects int
}

// Hunter discovers prospects matching a profile. It populates the
// hunter result slot; candidate filtering and the zero-result policy
// belong to the campaign layer and the engine respectively.
type Hunter struct {
	gen     Generator
	profile HunterProfile
	logger  *slog.Logger
}

// NewHunter creates the hunting stage agent.
func NewHunter(gen Generator, profile HunterProfile, logger *slog.Logger) *Hunter {
	if logger == nil {
		logger = slog.Default()
	}
	if profile.MaxProspects <= 0 {
		profile.MaxProspects = 10
	}
	return &Hunter{gen: gen, profile: profile, logger: logger}
}

// Name implements engine.Agent.
func (h *Hunter) Name() string { return "hunter" }

type hunterOutput struct {
	Prospects []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		Email     string `json:"email"`
		Website   string `json:"website"`
		LeadScore int    `json:"lead_score"`
	} `json:"prospects"`
	Signals    []string `json:"signals"`
	Confidence float64  `json:"confidence"`
}

// Invoke implements engine.Agent.
func (h *Hunter) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	prompt := fmt.Sprintf(
		`Find up to %d B2B prospects.
Industry: %s
Company size: %s
Region: %s
Keywords: %s

Respond with JSON:
{"prospects": [{"name": "", "type": "company|individual", "email": "", "website": "", "lead_score": 0}],
 "signals": [""], "confidence": 0.0}`,
		h.profile.MaxProspects,
		valueOr(h.profile.Industry, "any"),
		valueOr(h.profile.CompanySize, "any"),
		valueOr(h.profile.Region, "any"),
		valueOr(strings.Join(h.profile.Keywords, ", "), "none"),
	)

	var out hunterOutput
	if _, err := h.gen.GenerateJSON(ctx, jsonRequest(prompt, 2000), &out); err != nil {
		return nil, classifyLLMError(err)
	}

	candidates := make([]workflow.ProspectRecord, 0, len(out.Prospects))
	for _, p := range out.Prospects {
		prospectType := workflow.ProspectType(p.Type)
		if !prospectType.IsValid() {
			prospectType = workflow.ProspectTypeCompany
		}
		score := p.LeadScore
		if score < 0 {
			score = 0
		}
		candidates = append(candidates, workflow.ProspectRecord{
			Name:      p.Name,
			Type:      prospectType,
			Email:     p.Email,
			Website:   p.Website,
			Status:    "new",
			LeadScore: score,
		})
		if len(candidates) >= h.profile.MaxProspects {
			break
		}
	}

	state.HunterResults = &workflow.HunterResults{
		ProspectsFound: len(candidates),
		Confidence:     out.Confidence,
		Signals:        out.Signals,
		Candidates:     candidates,
	}

	// The first candidate becomes the workflow's subject when the state
	// was seeded with a placeholder prospect.
	if len(candidates) > 0 && state.Prospect.Email == "" && state.Prospect.Website == "" {
		state.Prospect = candidates[0]
	}

	h.logger.Info("hunt finished",
		"workflow_id", state.WorkflowID,
		"prospects_found", len(candidates),
		"confidence", out.Confidence)
	return state, nil
}

var _ engine.Agent = (*Hunter)(nil)

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
