package core

import "fmt"

// StopReason documents why a generation loop ended.
type StopReason struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

const (
	StopReasonComplete      = "complete"
	StopReasonMaxSteps      = "max_steps"
	StopReasonNoMoreTools   = "no_more_tools"
	StopReasonToolSeen      = "tool_seen"
	StopReasonMaxTokens     = "max_tokens"
	StopReasonAllConditions = "all_conditions"
	StopReasonCustom        = "custom"
)

// LoopState captures the progress of one send/receive/tool loop. Conditions
// receive it after every completed step.
type LoopState struct {
	Steps     int
	ToolCalls int
	Usage     Usage
	LastTurn  *Turn
	Requests  []ToolRequest
}

// StopCondition determines whether the orchestrator should halt the tool loop.
type StopCondition func(*LoopState) (bool, StopReason)

// MaxSteps stops the loop once n request/response steps have completed.
func MaxSteps(n int) StopCondition {
	if n <= 0 {
		n = 1
	}
	return func(state *LoopState) (bool, StopReason) {
		if state == nil {
			return false, StopReason{}
		}
		if state.Steps >= n {
			return true, StopReason{
				Type:        StopReasonMaxSteps,
				Description: fmt.Sprintf("reached maximum of %d steps", n),
			}
		}
		return false, StopReason{}
	}
}

// NoMoreTools stops when the last assistant turn requested no tools.
func NoMoreTools() StopCondition {
	return func(state *LoopState) (bool, StopReason) {
		if state == nil || state.LastTurn == nil {
			return false, StopReason{}
		}
		if len(state.LastTurn.ToolRequests()) == 0 {
			return true, StopReason{
				Type:        StopReasonNoMoreTools,
				Description: "no tool requests in last turn",
			}
		}
		return false, StopReason{}
	}
}

// UntilToolSeen stops after the named tool has been requested at least once.
func UntilToolSeen(name string) StopCondition {
	return func(state *LoopState) (bool, StopReason) {
		if state == nil {
			return false, StopReason{}
		}
		for _, req := range state.Requests {
			if req.Name == name {
				return true, StopReason{
					Type:        StopReasonToolSeen,
					Description: fmt.Sprintf("tool %s was requested", name),
				}
			}
		}
		return false, StopReason{}
	}
}

// MaxTokens stops once cumulative loop token usage reaches the threshold.
func MaxTokens(n int) StopCondition {
	if n <= 0 {
		n = 1
	}
	return func(state *LoopState) (bool, StopReason) {
		if state == nil {
			return false, StopReason{}
		}
		if state.Usage.TotalTokens >= n {
			return true, StopReason{
				Type:        StopReasonMaxTokens,
				Description: fmt.Sprintf("total tokens reached %d (limit: %d)", state.Usage.TotalTokens, n),
			}
		}
		return false, StopReason{}
	}
}

// Any returns a condition that triggers when any of the provided conditions fire.
func Any(conds ...StopCondition) StopCondition {
	return func(state *LoopState) (bool, StopReason) {
		for _, cond := range conds {
			if cond == nil {
				continue
			}
			if stop, reason := cond(state); stop {
				return true, reason
			}
		}
		return false, StopReason{}
	}
}

// All returns a condition that triggers only when every provided condition fires.
func All(conds ...StopCondition) StopCondition {
	return func(state *LoopState) (bool, StopReason) {
		if len(conds) == 0 {
			return false, StopReason{}
		}
		reasons := make([]string, 0, len(conds))
		for _, cond := range conds {
			if cond == nil {
				return false, StopReason{}
			}
			stop, reason := cond(state)
			if !stop {
				return false, StopReason{}
			}
			reasons = append(reasons, reason.Type)
		}
		return true, StopReason{
			Type:        StopReasonAllConditions,
			Description: fmt.Sprintf("all stop conditions met: %v", reasons),
		}
	}
}

// CombineConditions is an alias for Any.
func CombineConditions(conds ...StopCondition) StopCondition {
	return Any(conds...)
}

// Custom wraps a user-defined stop condition.
func Custom(fn func(state *LoopState) (bool, StopReason)) StopCondition {
	if fn == nil {
		return func(*LoopState) (bool, StopReason) {
			return false, StopReason{}
		}
	}
	return func(state *LoopState) (bool, StopReason) {
		stop, reason := fn(state)
		if stop && reason.Type == "" {
			reason.Type = StopReasonCustom
		}
		return stop, reason
	}
}
