package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"sagents/internal/domain"
)

// resumeTask applies operator decisions inside the pipeline task and
// re-enters the pipeline at propagate_state. Runs on the task goroutine
// against the task's own state snapshot.
func (w *Worker) resumeTask(ctx context.Context, p *Pipeline, state *domain.State,
	decisions []domain.Decision, opts RunOptions) Outcome {

	record := state.Interrupt
	if record == nil || record.Current == nil {
		return Outcome{Kind: OutcomeError, State: state,
			Err: domain.NewDomainError("Worker.Resume", domain.ErrNotInterrupted, "no interrupt record")}
	}

	switch record.Current.Kind {
	case domain.InterruptKindSubAgent:
		return w.resumeSubAgent(ctx, p, state, record, decisions, opts)
	default:
		return w.resumeHITL(ctx, p, state, record, decisions, opts)
	}
}

// resumeHITL resolves a pre-tool human-in-the-loop interrupt: decisions
// apply positionally to the action requests; calls the policy did not gate
// execute with their original arguments.
func (w *Worker) resumeHITL(ctx context.Context, p *Pipeline, state *domain.State,
	record *domain.InterruptRecord, decisions []domain.Decision, opts RunOptions) Outcome {

	current := record.Current
	if len(current.ActionRequests) == 0 {
		// A middleware after_model interrupt with nothing to decide;
		// resuming simply continues the conversation.
		state.Interrupt = nil
		return p.Run(ctx, state, opts)
	}
	if len(decisions) != len(current.ActionRequests) {
		return Outcome{Kind: OutcomeError, State: state,
			Err: domain.NewDomainError("Worker.Resume", domain.ErrInvalidInput,
				fmt.Sprintf("%d decisions for %d action requests", len(decisions), len(current.ActionRequests)))}
	}

	// Messages may have been appended while Interrupted; locate the turn
	// that reserved the tool-message slot rather than assuming it is last.
	assistantIdx := -1
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].HasToolCalls() {
			assistantIdx = i
			break
		}
	}
	if assistantIdx == -1 {
		return Outcome{Kind: OutcomeError, State: state,
			Err: domain.NewDomainError("Worker.Resume", domain.ErrInvalidInput,
				"interrupted turn has no pending tool calls")}
	}
	assistant := state.Messages[assistantIdx]

	requestIdx := make(map[string]int, len(current.ActionRequests))
	for i, req := range current.ActionRequests {
		requestIdx[req.ToolCallID] = i
	}

	results := make([]domain.ToolResult, 0, len(assistant.ToolCalls))
	for _, call := range assistant.ToolCalls {
		idx, gated := requestIdx[call.ID]
		if !gated {
			results = append(results, p.ExecuteToolCall(ctx, call))
			continue
		}
		result, err := w.applyDecision(ctx, p, current.ActionRequests[idx], decisions[idx], call)
		if err != nil {
			return Outcome{Kind: OutcomeError, State: state, Err: err}
		}
		results = append(results, result)
	}

	// Insert the tool message at the position the interrupted turn
	// reserved, clear the interrupt, and re-enter at propagate_state.
	toolMsg := domain.Message{ID: domain.NewID(), Role: domain.RoleTool, ToolResults: results, Timestamp: time.Now()}
	state.Messages = slices.Insert(state.Messages, assistantIdx+1, toolMsg)
	state.Interrupt = nil
	return p.Resume(ctx, state, opts)
}

func (w *Worker) applyDecision(ctx context.Context, p *Pipeline, req domain.ActionRequest,
	d domain.Decision, call domain.ToolCall) (domain.ToolResult, error) {

	if !req.Allows(d.Kind) {
		return domain.ToolResult{}, domain.NewDomainError("Worker.Resume", domain.ErrDecision,
			fmt.Sprintf("%s not allowed for %s", d.Kind, req.ToolName))
	}

	switch d.Kind {
	case domain.DecisionApprove:
		return p.ExecuteToolCall(ctx, call), nil
	case domain.DecisionEdit:
		edited := call
		if d.ToolName != "" {
			edited.Name = d.ToolName
		}
		if d.Arguments != nil {
			edited.Arguments = d.Arguments
		}
		result := p.ExecuteToolCall(ctx, edited)
		result.CallID = call.ID
		return result, nil
	case domain.DecisionReject:
		text := "Tool call rejected by the operator; do not retry it."
		if note := strings.TrimSpace(d.Note); note != "" {
			text += " Reason: " + note
		}
		return domain.ToolResult{CallID: call.ID, Name: call.Name, Content: text}, nil
	default:
		return domain.ToolResult{}, domain.NewDomainError("Worker.Resume", domain.ErrDecision,
			fmt.Sprintf("unknown decision kind %q", d.Kind))
	}
}

// resumeSubAgent forwards decisions to the interrupted child via the
// sub-agents middleware. Each resume consumes at least one pending
// interrupt, which bounds the recursion.
func (w *Worker) resumeSubAgent(ctx context.Context, p *Pipeline, state *domain.State,
	record *domain.InterruptRecord, decisions []domain.Decision, opts RunOptions) Outcome {

	current := record.Current
	resumer := w.subAgentResumer()
	if resumer == nil {
		return Outcome{Kind: OutcomeError, State: state,
			Err: domain.NewDomainError("Worker.Resume", domain.ErrConfig,
				"no sub-agent middleware configured for subagent_hitl interrupt")}
	}

	childOutcome, err := resumer.ResumeChild(ctx, current.SubAgentID, decisions)
	if err != nil {
		return Outcome{Kind: OutcomeError, State: state,
			Err: domain.WrapOp("resume sub-agent "+current.SubAgentID, err)}
	}

	if childOutcome.Interrupt != nil {
		// The same child paused again; it stays current.
		next := current.Clone()
		next.ActionRequests = childOutcome.Interrupt.Clone().ActionRequests
		record.Current = next
		return Outcome{Kind: OutcomeInterrupt, State: state, Interrupt: record}
	}

	setToolResultContent(state, current.ToolCallID, childOutcome.FinalText)

	if len(record.Pending) > 0 {
		record.Current = record.Pending[0]
		record.Pending = record.Pending[1:]
		return Outcome{Kind: OutcomeInterrupt, State: state, Interrupt: record}
	}

	state.Interrupt = nil
	return p.Resume(ctx, state, opts)
}

func (w *Worker) subAgentResumer() domain.SubAgentResumer {
	for _, e := range w.assembled.Config.Middleware {
		if r, ok := e.Middleware.(domain.SubAgentResumer); ok {
			return r
		}
	}
	return nil
}

// setToolResultContent replaces the placeholder result of a completed
// sub-agent with its final text and drops the interrupt signal.
func setToolResultContent(state *domain.State, callID, content string) {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := &state.Messages[i]
		if msg.Role != domain.RoleTool {
			continue
		}
		for j := range msg.ToolResults {
			if msg.ToolResults[j].CallID == callID {
				msg.ToolResults[j].Content = content
				msg.ToolResults[j].Processed = nil
				return
			}
		}
	}
}
