// Package main implements a mock LLM server for pipeline testing.
// It serves OpenAI-compatible /v1/chat/completions responses from JSON
// fixture files, routing by the pipeline stage inferred from the user
// prompt. This eliminates the need for a real LLM when exercising the
// full discovery pipeline, making runs fast, deterministic, and
// offline-capable.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are JSON named by stage (e.g., "hunter.json" answers
// hunting prompts). The file content is returned as the assistant
// message.
//
// Sequential fixtures: if numbered files exist (e.g., "proposal.1.json",
// "proposal.2.json"), the Nth call for that stage returns the Nth
// fixture. After exhausting numbered fixtures, the base "proposal.json"
// is used as a repeating fallback. This enables testing the
// not-ready→backward-edge→ready loops of the proposal and meeting
// stages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// stageMarkers maps the opening phrase of each agent's prompt to the
// fixture stage that answers it. Order matters: more specific phrases
// first.
var stageMarkers = []struct {
	prefix string
	stage  string
}{
	{"Find up to", "hunter"},
	{"Research this prospect", "enricher"},
	{"Qualify this prospect", "conversation"},
	{"Write a proposal", "proposal"},
	{"Propose a meeting", "meeting"},
	{"Write a", "outreach"}, // first-touch and follow-up emails
}

// stageForPrompt infers the pipeline stage from the user prompt.
func stageForPrompt(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		for _, m := range stageMarkers {
			if strings.HasPrefix(messages[i].Content, m.prefix) {
				return m.stage
			}
		}
	}
	return ""
}

// --- Server ---

// capturedRequest stores the key fields of an incoming LLM request for
// test verification.
type capturedRequest struct {
	Stage     string        `json:"stage"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-stage call number
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // stage → ordered fixture contents (sequential)
	calls    atomic.Int64        // total calls served

	// Per-stage call counters for sequential fixture selection.
	stageCalls   map[string]*atomic.Int64
	stageCallsMu sync.Mutex // protects lazy init of stageCalls entries

	// Per-stage request capture for prompt verification.
	stageRequests   map[string][]capturedRequest
	stageRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string) *server {
	return &server{
		fixtures:      fixtures,
		stageCalls:    make(map[string]*atomic.Int64),
		stageRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) captureRequest(stage string, req chatRequest, callIndex int) {
	s.stageRequestsMu.Lock()
	defer s.stageRequestsMu.Unlock()
	s.stageRequests[stage] = append(s.stageRequests[stage], capturedRequest{
		Stage:     stage,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// getStageCounter returns the call counter for a stage, creating it lazily.
func (s *server) getStageCounter(stage string) *atomic.Int64 {
	s.stageCallsMu.Lock()
	defer s.stageCallsMu.Unlock()
	if c, ok := s.stageCalls[stage]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.stageCalls[stage] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		log.Fatalf("Failed to load fixtures from %s: %v", *fixtureDir, err)
	}
	log.Printf("Loaded %d stage(s) from %s", len(fixtures), *fixtureDir)
	for stage, seq := range fixtures {
		log.Printf("  stage: %s (%d fixture(s))", stage, len(seq))
	}

	s := newServer(fixtures)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock LLM server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	callNum := s.calls.Add(1)

	stage := stageForPrompt(req.Messages)
	if stage == "" {
		log.Printf("[call %d] WARNING: cannot infer stage from prompt, returning error", callNum)
		http.Error(w, "no fixture stage matches the prompt", http.StatusNotFound)
		return
	}
	log.Printf("[call %d] stage=%s model=%s messages=%d", callNum, stage, req.Model, len(req.Messages))

	seq, ok := s.fixtures[stage]
	if !ok {
		log.Printf("[call %d] WARNING: no fixture for stage=%q, returning error", callNum, stage)
		http.Error(w, fmt.Sprintf("no fixture for stage %q", stage), http.StatusNotFound)
		return
	}

	// Select fixture from sequence based on per-stage call count
	counter := s.getStageCounter(stage)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	s.captureRequest(stage, req, callIndex+1)
	var content string
	if callIndex < len(seq) {
		content = seq[callIndex]
	} else {
		content = seq[len(seq)-1] // repeat last fixture
	}

	log.Printf("[call %d] stage=%s call_index=%d/%d", callNum, stage, callIndex+1, len(seq))

	// Wrap in OpenAI response envelope
	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index: 0,
				Message: chatMessage{
					Role:    "assistant",
					Content: content,
				},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(content) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 2,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.stageCallsMu.Lock()
	callsByStage := make(map[string]int64, len(s.stageCalls))
	for stage, counter := range s.stageCalls {
		callsByStage[stage] = counter.Load()
	}
	s.stageCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":    s.calls.Load(),
		"calls_by_stage": callsByStage,
	})
}

// handleRequests returns captured request bodies for test assertions.
// Query params:
//   - stage: filter by stage name (optional, returns all stages if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_stage": {"hunter": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	stageFilter := r.URL.Query().Get("stage")
	callFilter := r.URL.Query().Get("call")

	s.stageRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for stage, reqs := range s.stageRequests {
		if stageFilter != "" && stage != stageFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[stage] = append(result[stage], req)
					}
				}
				continue
			}
		}
		result[stage] = reqs
	}
	s.stageRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_stage": result,
	})
}

// numberedFileRe matches files like "proposal.1.json", "meeting.2.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns a map of
// stage→content sequence.
//
// For each stage, fixtures are ordered:
//  1. Numbered files (stage.1.json, stage.2.json, ...) in numeric order
//  2. Base file (stage.json) appended as the final fallback
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)             // stage → content
	numberedFiles := make(map[string]map[int]string) // stage → {index → content}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}

		content := string(data)

		// Check for numbered pattern: stage.N.json
		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			stage := matches[1]
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[stage] == nil {
				numberedFiles[stage] = make(map[int]string)
			}
			numberedFiles[stage][index] = content
			return nil
		}

		// Base file: stage.json
		stage := strings.TrimSuffix(info.Name(), ".json")
		baseFiles[stage] = content
		return nil
	})

	if err != nil {
		return nil, err
	}

	// Build ordered sequences
	fixtures := make(map[string][]string)

	allStages := make(map[string]bool)
	for s := range baseFiles {
		allStages[s] = true
	}
	for s := range numberedFiles {
		allStages[s] = true
	}

	for stage := range allStages {
		var seq []string

		if numbered, ok := numberedFiles[stage]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		// Append base file as fallback
		if base, ok := baseFiles[stage]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[stage] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}
