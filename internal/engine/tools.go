package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutorFunc adapts a function to the ToolExecutor interface.
type ExecutorFunc func(ctx context.Context, call ToolCall) (*ToolResult, error)

// Execute implements ToolExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	return f(ctx, call)
}

// NewSimulatedExecutor returns a ToolExecutor that pretends to run tools.
// It is the default backing executor; deployments substitute a real one.
func NewSimulatedExecutor() ToolExecutor {
	return ExecutorFunc(func(ctx context.Context, call ToolCall) (*ToolResult, error) {
		start := time.Now()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return &ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Output:     fmt.Sprintf("executed %s(%s)", call.Name, call.Arguments),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	})
}

var actionPattern = regexp.MustCompile(`(?i)^\s*(delete|remove|clean|purge|wipe|drop|run|execute|deploy|install|restart|migrate|truncate)\b`)

// proposeToolCall returns a shell tool call for imperative action text, or
// false when the text is conversational.
func proposeToolCall(text string) (ToolCall, bool) {
	if !actionPattern.MatchString(text) {
		return ToolCall{}, false
	}

	args, _ := json.Marshal(map[string]string{"command": strings.TrimSpace(text)})
	return ToolCall{
		ID:        uuid.New().String(),
		Name:      "shell",
		Arguments: string(args),
	}, true
}

func estimateTokens(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += len(strings.Fields(t))
	}
	return total
}
