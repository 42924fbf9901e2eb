package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// workflowState is the workflow engine's serialized state.
type workflowState struct {
	CompletedSteps []string `json:"completed_steps"`
	TurnCount      int      `json:"turn_count"`
}

// WorkflowEngine executes deterministic multi-step plans. Each turn parses
// the input into ordered steps, runs them sequentially, and proposes a tool
// call for every imperative step.
type WorkflowEngine struct{}

// NewWorkflowEngine creates a workflow engine.
func NewWorkflowEngine() *WorkflowEngine {
	return &WorkflowEngine{}
}

// Kind implements Engine.
func (e *WorkflowEngine) Kind() Mode {
	return ModeWorkflow
}

var stepSplitPattern = regexp.MustCompile(`(?i)\s*(?:;|\n|\bthen\b|^\d+[.)]|\n\d+[.)])\s*`)

// parsePlan splits input text into ordered plan steps.
func parsePlan(input string) []string {
	parts := stepSplitPattern.Split(input, -1)
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			steps = append(steps, p)
		}
	}
	return steps
}

// Execute implements Engine. Steps run strictly in order; a failed tool
// call aborts the remainder of the plan.
func (e *WorkflowEngine) Execute(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Tools == nil {
		return nil, fmt.Errorf("engine: workflow requires a tool executor")
	}

	var state workflowState
	if len(req.State.Bytes) > 0 {
		if err := json.Unmarshal(req.State.Bytes, &state); err != nil {
			return nil, fmt.Errorf("engine: decode workflow state: %w", err)
		}
	}

	events := make(chan Event, 16)

	go func() {
		defer close(events)

		steps := parsePlan(req.Input)
		usage := &Usage{PromptTokens: estimateTokens(req.Input)}

		for i, step := range steps {
			select {
			case <-ctx.Done():
				events <- Event{Type: EventError, Err: ctx.Err()}
				return
			default:
			}

			events <- Event{Type: EventContent, Content: fmt.Sprintf("step %d/%d: %s\n", i+1, len(steps), step)}
			usage.CompletionTokens += estimateTokens(step)

			call, ok := proposeToolCall(step)
			if !ok {
				state.CompletedSteps = append(state.CompletedSteps, step)
				continue
			}

			events <- Event{Type: EventToolCall, ToolCall: &call}
			usage.ToolCalls++

			result, err := req.Tools.Execute(ctx, call)
			if err != nil {
				events <- Event{Type: EventError, Err: fmt.Errorf("step %d: %w", i+1, err)}
				return
			}

			events <- Event{Type: EventToolResult, ToolResult: result}
			if result.IsError {
				// A rejected or failed tool call halts the plan; completed
				// steps stay recorded so a restored session can resume.
				events <- Event{Type: EventContent, Content: fmt.Sprintf("plan halted at step %d\n", i+1)}
				break
			}

			state.CompletedSteps = append(state.CompletedSteps, step)
		}

		state.TurnCount++
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		next, err := marshalState(StateKindMAF, state.TurnCount, state)
		if err != nil {
			events <- Event{Type: EventError, Err: err}
			return
		}

		events <- Event{Type: EventDone, State: next, Usage: usage}
	}()

	return events, nil
}
