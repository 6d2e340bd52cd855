// Package agent implements the pipeline stage agents. Each agent
// consumes a workflow state, performs its stage's work through the LLM
// client (and the web fetcher, for enrichment), and populates its result
// slot on the returned state.
package agent

import (
	"context"
	"log/slog"

	"github.com/c360studio/prospectflow/llm"
	"github.com/c360studio/prospectflow/workflow"
	"github.com/c360studio/prospectflow/workflow/engine"
)

// Generator is the slice of the LLM client the agents use. Tests
// substitute a canned implementation.
type Generator interface {
	GenerateText(ctx context.Context, req llm.Request) (*llm.Response, error)
	GenerateJSON(ctx context.Context, req llm.Request, out any) (*llm.Response, error)
}

// classifyLLMError converts an LLM client error into a typed agent
// failure so the engine can apply the retry policy.
func classifyLLMError(err error) *engine.AgentFailure {
	switch {
	case llm.IsRateLimited(err):
		return engine.Failf(workflow.ErrorKindRateLimit, "llm rate limited: %v", err)
	default:
		return engine.Failf(workflow.ErrorKindAPIFailure, "llm request failed: %v", err)
	}
}

// systemPrompt is shared context for every stage prompt.
const systemPrompt = "You are a B2B sales development assistant. " +
	"Answer with the exact JSON shape requested and nothing else."

func jsonRequest(user string, maxTokens int) llm.Request {
	temp := 0.2
	return llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		Temperature: &temp,
		MaxTokens:   maxTokens,
	}
}

// Set wires the standard pipeline agent set. fetcher may be nil to run
// enrichment without site fetching.
func Set(gen Generator, manager *workflow.Manager, fetcher PageFetcher,
	profile HunterProfile, logger *slog.Logger, outreachOpts ...OutreachOption) engine.AgentSet {
	return engine.AgentSet{
		workflow.StageHunting:      NewHunter(gen, profile, logger),
		workflow.StageEnriching:    NewEnricher(gen, fetcher, logger),
		workflow.StageOutreach:     NewOutreach(gen, manager, logger, outreachOpts...),
		workflow.StageConversation: NewConversation(gen, logger),
		workflow.StageProposal:     NewProposal(gen, logger),
		workflow.StageMeeting:      NewMeeting(gen, logger),
	}
}
