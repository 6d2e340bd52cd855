package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/prospectflow/agent/webfetch"
	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// maxSiteExcerpt caps how much fetched site content goes into the
// enrichment prompt.
const maxSiteExcerpt = 6000

// PageFetcher is the slice of webfetch the enricher uses.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*webfetch.FetchResult, error)
}

// Enricher researches the prospect: it fetches the prospect's website,
// reduces it to markdown, and asks the model for structured insights.
type Enricher struct {
	gen       Generator
	fetcher   PageFetcher
	extractor *webfetch.Extractor
	logger    *slog.Logger
	now       func() time.Time
}

// NewEnricher creates the enriching stage agent. fetcher may be nil, in
// which case enrichment runs on prospect metadata alone.
func NewEnricher(gen Generator, fetcher PageFetcher, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		gen:       gen,
		fetcher:   fetcher,
		extractor: webfetch.NewExtractor(),
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements engine.Agent.
func (e *Enricher) Name() string { return "enricher" }

type enricherOutput struct {
	Insights []struct {
		Topic   string `json:"topic"`
		Summary string `json:"summary"`
		Source  string `json:"source"`
	} `json:"insights"`
}

// Invoke implements engine.Agent.
func (e *Enricher) Invoke(ctx context.Context, state *workflow.WorkflowState) (*workflow.WorkflowState, error) {
	siteContent, sources := e.fetchSite(ctx, state)

	prompt := fmt.Sprintf(
		`Research this prospect and produce structured insights.
Prospect: %s (%s)
Website: %s
Lead score: %d

Website content:
%s

Respond with JSON:
{"insights": [{"topic": "", "summary": "", "source": ""}]}`,
		state.Prospect.Name,
		state.Prospect.Type,
		valueOr(state.Prospect.Website, "unknown"),
		state.Prospect.LeadScore,
		valueOr(siteContent, "(not available)"),
	)

	var out enricherOutput
	if _, err := e.gen.GenerateJSON(ctx, jsonRequest(prompt, 2000), &out); err != nil {
		return nil, classifyLLMError(err)
	}

	insights := make([]workflow.EnrichmentInsight, 0, len(out.Insights))
	for _, in := range out.Insights {
		if in.Summary == "" {
			continue
		}
		insights = append(insights, workflow.EnrichmentInsight{
			Topic:   in.Topic,
			Summary: in.Summary,
			Source:  in.Source,
		})
	}

	state.EnrichmentResults = &workflow.EnrichmentResults{
		Insights:   insights,
		Sources:    sources,
		EnrichedAt: e.now().UTC(),
	}

	e.logger.Info("enrichment finished",
		"workflow_id", state.WorkflowID,
		"insights", len(insights),
		"sources", len(sources))
	return state, nil
}

// fetchSite retrieves and reduces the prospect's website. Fetch failures
// degrade enrichment instead of failing the stage; the model still works
// from prospect metadata.
func (e *Enricher) fetchSite(ctx context.Context, state *workflow.WorkflowState) (string, []string) {
	if e.fetcher == nil || state.Prospect.Website == "" {
		return "", nil
	}

	result, err := e.fetcher.Fetch(ctx, state.Prospect.Website)
	if err != nil {
		e.logger.Warn("site fetch failed, enriching without page content",
			"workflow_id", state.WorkflowID,
			"website", state.Prospect.Website,
			"error", err)
		return "", nil
	}

	page, err := e.extractor.Extract(state.Prospect.Website, result.Body)
	if err != nil {
		e.logger.Warn("page extraction failed",
			"workflow_id", state.WorkflowID, "error", err)
		return "", nil
	}

	content := page.Markdown
	if len(content) > maxSiteExcerpt {
		content = content[:maxSiteExcerpt]
	}
	if page.Title != "" {
		content = page.Title + "\n\n" + content
	}
	return content, []string{state.Prospect.Website}
}

var _ engine.Agent = (*Enricher)(nil)
