package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeOutcome classifies how faithfully a snapshot was reconstructed.
type DecodeOutcome string

const (
	// DecodeClean means every field reconstructed strictly.
	DecodeClean DecodeOutcome = "clean"
	// DecodeDropped means the state was reconstructed but some entries
	// (unknown keys, unparsable enum values, undecodable result slots)
	// were dropped along the way.
	DecodeDropped DecodeOutcome = "dropped_entries"
)

// DecodeReport describes what was lost during a tolerant decode.
// Fatal schema violations are returned as errors instead.
type DecodeReport struct {
	Outcome DecodeOutcome

	// DroppedKeys lists top-level keys outside the canonical field set.
	DroppedKeys []string

	// DroppedStages lists enum values that failed to parse.
	DroppedStages []string

	// RawSlots holds result slots that failed strict reconstruction,
	// keyed by field name, preserved as raw JSON instead of raising.
	RawSlots map[string]json.RawMessage
}

// canonicalFields pins the persisted schema. Keys outside this set are
// filtered on decode so coordinator-only fields can never leak into a
// reconstructed state.
var canonicalFields = map[string]bool{
	"workflow_id":               true,
	"current_stage":             true,
	"completed_stages":          true,
	"workflow_started_at":       true,
	"last_updated_at":           true,
	"prospect":                  true,
	"hunter_results":            true,
	"enrichment_results":        true,
	"outreach_campaigns":        true,
	"conversation_summary":      true,
	"proposal_data":             true,
	"meeting_details":           true,
	"errors":                    true,
	"retry_count":               true,
	"max_retries":               true,
	"human_intervention_needed": true,
	"approval_pending":          true,
	"assigned_human":            true,
	"approval_requests":         true,
	"manual_overrides":          true,
	"next_agent":                true,
	"skip_stages":               true,
	"priority":                  true,
	"cancelled":                 true,
	"stage_durations":           true,
	"total_duration_seconds":    true,
	"api_calls_made":            true,
	"rate_limit_status":         true,
}

// resultSlotDecoders maps each result-slot field to a strict decode probe.
// Slots that fail the probe are kept as raw JSON rather than failing the
// whole snapshot, tolerating schema drift in old persisted states.
var resultSlotDecoders = map[string]func(json.RawMessage) error{
	"hunter_results":       func(raw json.RawMessage) error { return strictDecode(raw, &HunterResults{}) },
	"enrichment_results":   func(raw json.RawMessage) error { return strictDecode(raw, &EnrichmentResults{}) },
	"outreach_campaigns":   func(raw json.RawMessage) error { return strictDecode(raw, &[]OutreachCampaign{}) },
	"conversation_summary": func(raw json.RawMessage) error { return strictDecode(raw, &ConversationSummary{}) },
	"proposal_data":        func(raw json.RawMessage) error { return strictDecode(raw, &ProposalData{}) },
	"meeting_details":      func(raw json.RawMessage) error { return strictDecode(raw, &MeetingDetails{}) },
}

func strictDecode(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(out)
}

// Marshal encodes a state as deterministic JSON. Timestamps render as
// RFC 3339, enums as their string values.
func (m *Manager) Marshal(s *WorkflowState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	return data, nil
}

// Unmarshal tolerantly reconstructs a state from persisted JSON.
//
// Unknown top-level keys are filtered (schema pinning). Unparsable stage
// enum entries are dropped with a logged warning rather than aborting the
// decode. Result slots that fail strict reconstruction are preserved as
// raw JSON in the report. Only malformed JSON is fatal.
func (m *Manager) Unmarshal(data []byte) (*WorkflowState, *DecodeReport, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}

	report := &DecodeReport{Outcome: DecodeClean}

	for key := range fields {
		if !canonicalFields[key] {
			report.DroppedKeys = append(report.DroppedKeys, key)
			delete(fields, key)
		}
	}

	if raw, ok := fields["current_stage"]; ok {
		var stage Stage
		if err := json.Unmarshal(raw, &stage); err != nil || !stage.IsValid() {
			m.logger.Warn("dropping unparsable current_stage", "value", string(raw))
			report.DroppedStages = append(report.DroppedStages, string(raw))
			delete(fields, "current_stage")
		}
	}

	if raw, ok := fields["completed_stages"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			m.logger.Warn("dropping unparsable completed_stages", "error", err)
			report.DroppedStages = append(report.DroppedStages, string(raw))
			delete(fields, "completed_stages")
		} else {
			kept := make([]Stage, 0, len(entries))
			for _, entry := range entries {
				var stage Stage
				if err := json.Unmarshal(entry, &stage); err != nil || !stage.IsValid() {
					m.logger.Warn("dropping unparsable completed stage", "value", string(entry))
					report.DroppedStages = append(report.DroppedStages, string(entry))
					continue
				}
				kept = append(kept, stage)
			}
			replaced, err := json.Marshal(kept)
			if err != nil {
				return nil, nil, fmt.Errorf("re-encode completed_stages: %w", err)
			}
			fields["completed_stages"] = replaced
		}
	}

	for slot, probe := range resultSlotDecoders {
		raw, ok := fields[slot]
		if !ok {
			continue
		}
		if err := probe(raw); err != nil {
			m.logger.Warn("keeping result slot as raw JSON after failed reconstruction",
				"slot", slot, "error", err)
			if report.RawSlots == nil {
				report.RawSlots = make(map[string]json.RawMessage)
			}
			report.RawSlots[slot] = raw
			delete(fields, slot)
		}
	}

	filtered, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encode filtered state: %w", err)
	}

	state := &WorkflowState{}
	if err := json.Unmarshal(filtered, state); err != nil {
		return nil, nil, fmt.Errorf("decode workflow state: %w", err)
	}
	if state.Errors == nil {
		state.Errors = []AgentError{}
	}
	if state.CompletedStages == nil {
		state.CompletedStages = []Stage{}
	}

	if len(report.DroppedKeys) > 0 || len(report.DroppedStages) > 0 || len(report.RawSlots) > 0 {
		report.Outcome = DecodeDropped
	}
	return state, report, nil
}
