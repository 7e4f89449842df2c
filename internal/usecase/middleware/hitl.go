// Package middleware contains the built-in agent middleware: human-in-the-
// loop approval, sub-agent delegation, conversation summarization, todo
// tracking, and trace propagation.
package middleware

import (
	"fmt"

	"sagents/internal/domain"
)

// AllDecisions is the default allowed-decision set for a gated tool.
var AllDecisions = []domain.DecisionKind{domain.DecisionApprove, domain.DecisionEdit, domain.DecisionReject}

// HumanInTheLoop pauses the pipeline before executing tool calls that
// match its policy, surfacing one action request per gated call.
type HumanInTheLoop struct {
	domain.BaseMiddleware
	policies map[string][]domain.DecisionKind
}

// NewHumanInTheLoop gates the named tools. A nil decision list means all
// of approve, edit, and reject are allowed.
func NewHumanInTheLoop(interruptOn map[string][]domain.DecisionKind) *HumanInTheLoop {
	policies := make(map[string][]domain.DecisionKind, len(interruptOn))
	for name, allowed := range interruptOn {
		if allowed == nil {
			allowed = AllDecisions
		}
		policies[name] = allowed
	}
	return &HumanInTheLoop{policies: policies}
}

func (h *HumanInTheLoop) Name() string { return "human_in_the_loop" }

// Init accepts an optional "interrupt_on" list of tool names in the entry
// config, gated with the full decision set.
func (h *HumanInTheLoop) Init(config map[string]any) error {
	names, ok := config["interrupt_on"]
	if !ok {
		if len(h.policies) == 0 {
			return fmt.Errorf("human_in_the_loop requires at least one gated tool")
		}
		return nil
	}
	list, ok := names.([]string)
	if !ok {
		return fmt.Errorf("interrupt_on must be a list of tool names")
	}
	for _, name := range list {
		if name == "" {
			return fmt.Errorf("interrupt_on contains an empty tool name")
		}
		if _, exists := h.policies[name]; !exists {
			h.policies[name] = AllDecisions
		}
	}
	return nil
}

// PendingInterrupt implements domain.HITLPolicy.
func (h *HumanInTheLoop) PendingInterrupt(msg domain.Message) *domain.Interrupt {
	var requests []domain.ActionRequest
	for _, call := range msg.ToolCalls {
		allowed, gated := h.policies[call.Name]
		if !gated {
			continue
		}
		requests = append(requests, domain.ActionRequest{
			ToolCallID:       call.ID,
			ToolName:         call.Name,
			Arguments:        call.Arguments,
			AllowedDecisions: allowed,
		})
	}
	if len(requests) == 0 {
		return nil
	}
	return &domain.Interrupt{Kind: domain.InterruptKindHITL, ActionRequests: requests}
}

var _ domain.HITLPolicy = (*HumanInTheLoop)(nil)
