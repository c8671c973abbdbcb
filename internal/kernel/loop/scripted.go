package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/aether/aether/internal/kernel/toolhost"
)

// ScriptedStep is a deterministic ChatStep used when no provider key is
// configured and throughout the test suite. Each step announces progress
// toward the goal and sends one message to the owner; the final step
// marks the run done.
type ScriptedStep struct {
	Goal  string
	Steps int // steps before Done; minimum 1

	mu   sync.Mutex
	step int
}

// NewScriptedStep returns a step that completes after n iterations.
func NewScriptedStep(goal string, n int) *ScriptedStep {
	if n < 1 {
		n = 1
	}
	return &ScriptedStep{Goal: goal, Steps: n}
}

func (s *ScriptedStep) Step(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error) {
	s.mu.Lock()
	s.step++
	n := s.step
	s.mu.Unlock()

	result := &StepResult{
		Content: fmt.Sprintf("working on %q (step %d of %d)", s.Goal, n, s.Steps),
		ToolCalls: []ToolCall{{
			Name: "send_message",
			Args: map[string]interface{}{"content": s.Goal},
		}},
		Usage: Usage{PromptTokens: len(messages), CompletionTokens: 1},
	}
	if n >= s.Steps {
		result.Done = true
	}
	return result, nil
}
