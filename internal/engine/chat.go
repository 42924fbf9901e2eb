package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// chatState is the chat engine's serialized state.
type chatState struct {
	Turns []chatTurn `json:"turns"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatEngine handles open-ended conversational turns. Independent tool
// calls within one turn execute concurrently.
type ChatEngine struct{}

// NewChatEngine creates a chat engine.
func NewChatEngine() *ChatEngine {
	return &ChatEngine{}
}

// Kind implements Engine.
func (e *ChatEngine) Kind() Mode {
	return ModeChat
}

// Execute implements Engine.
func (e *ChatEngine) Execute(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Tools == nil {
		return nil, fmt.Errorf("engine: chat requires a tool executor")
	}

	var state chatState
	if len(req.State.Bytes) > 0 {
		if err := json.Unmarshal(req.State.Bytes, &state); err != nil {
			return nil, fmt.Errorf("engine: decode chat state: %w", err)
		}
	}

	events := make(chan Event, 16)

	go func() {
		defer close(events)

		usage := &Usage{PromptTokens: estimateTokens(req.Input)}
		state.Turns = append(state.Turns, chatTurn{Role: "user", Content: req.Input})

		// Independent clauses joined by "and" become separate tool calls
		// and run concurrently.
		var calls []ToolCall
		for _, clause := range strings.Split(req.Input, " and ") {
			if call, ok := proposeToolCall(clause); ok {
				calls = append(calls, call)
			}
		}

		var reply strings.Builder
		if len(calls) == 0 {
			fmt.Fprintf(&reply, "noted: %s", strings.TrimSpace(req.Input))
			events <- Event{Type: EventContent, Content: reply.String()}
		} else {
			for i := range calls {
				events <- Event{Type: EventToolCall, ToolCall: &calls[i]}
			}
			usage.ToolCalls = len(calls)

			results := make([]*ToolResult, len(calls))
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			for i, call := range calls {
				g.Go(func() error {
					result, err := req.Tools.Execute(gctx, call)
					if err != nil {
						return err
					}
					mu.Lock()
					results[i] = result
					mu.Unlock()
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				events <- Event{Type: EventError, Err: err}
				return
			}

			for _, result := range results {
				events <- Event{Type: EventToolResult, ToolResult: result}
				if result.IsError {
					fmt.Fprintf(&reply, "%s: skipped (%s)\n", result.ToolName, result.Output)
				} else {
					fmt.Fprintf(&reply, "%s\n", result.Output)
				}
			}
			events <- Event{Type: EventContent, Content: reply.String()}
		}

		usage.CompletionTokens = estimateTokens(reply.String())
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		state.Turns = append(state.Turns, chatTurn{Role: "assistant", Content: reply.String()})

		next, err := marshalState(StateKindClaude, len(state.Turns), state)
		if err != nil {
			events <- Event{Type: EventError, Err: err}
			return
		}

		events <- Event{Type: EventDone, State: next, Usage: usage}
	}()

	return events, nil
}
