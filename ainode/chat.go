// Package ainode provides a concrete noderegistry.Node that invokes an
// AI provider through model.ChatModel, optionally dispatching the
// model's requested tool calls through tool.Tool, and exposes the
// noderegistry.AINode capability so workflow.Engine's Budget/Pricing
// hooks actually gate and cost a real call site (teacher:
// examples/ai_research_assistant's GPTAnalysisNode/ClaudeAnalysisNode/
// GeminiAnalysisNode, each a struct holding a model.ChatModel field;
// generalized here from one bespoke struct per provider into a single
// reusable node parameterized by provider/model name).
package ainode

import (
	"context"
	"fmt"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/model"
	"github.com/cortexflow/engine/pricing"
	"github.com/cortexflow/engine/taskcontext"
	"github.com/cortexflow/engine/tool"
)

// ChatInput is read from the TaskContext to build the prompt sent to
// Model: either the instance's own input (InputNodeID == "") or a prior
// node's output (InputNodeID set).
type ChatInput struct {
	Messages []model.Message
}

// ChatOutput is the shape ChatNode writes back via UpdateNode.
type ChatOutput struct {
	Text      string
	ToolCalls []string // names of tools dispatched, in call order
}

// ChatNode invokes Model with the conversation built from its declared
// input, dispatches any requested tool calls through Tools, and reports
// AIRequest/Usage so the engine can consult Budget and Pricing around
// the call (spec §2).
type ChatNode struct {
	// NodeID must match the id ChatNode is registered under; Process
	// needs it to write its own output (UpdateNode takes an explicit id
	// rather than the engine passing one in, per noderegistry.Node).
	NodeID string

	// Provider/ModelName select the pricing.Engine row and label the
	// metrics/budget calls (e.g. "anthropic", "claude-3-5-sonnet-20241022").
	Provider  string
	ModelName string

	Model model.ChatModel
	Tools []tool.Tool

	// InputNodeID, if set, reads ChatInput from that node's prior output
	// instead of the instance's own input payload.
	InputNodeID string

	// UserID/ProjectID scope the budget check beyond the always-checked
	// global and provider scopes.
	UserID, ProjectID string

	lastUsage pricing.Usage
}

// Process implements noderegistry.Node.
func (n *ChatNode) Process(ctx context.Context, tc *taskcontext.TaskContext) error {
	var in ChatInput
	var err error
	if n.InputNodeID != "" {
		err = tc.GetNodeData(n.InputNodeID, &in)
	} else {
		err = tc.GetEventData(&in)
	}
	if err != nil {
		return err
	}

	byName := make(map[string]tool.Tool, len(n.Tools))
	specs := make([]model.ToolSpec, 0, len(n.Tools))
	for _, t := range n.Tools {
		byName[t.Name()] = t
		specs = append(specs, model.ToolSpec{Name: t.Name()})
	}

	out, err := n.Model.Chat(ctx, in.Messages, specs)
	if err != nil {
		return &errs.ProviderError{Provider: n.Provider, Code: "chat", Cause: err}
	}

	n.lastUsage = estimateUsage(in.Messages, out)

	result := ChatOutput{Text: out.Text}
	for _, call := range out.ToolCalls {
		t, ok := byName[call.Name]
		if !ok {
			continue
		}
		if _, err := t.Call(ctx, call.Input); err != nil {
			return &errs.ProviderError{Provider: n.Provider, Code: "tool:" + call.Name, Cause: err}
		}
		result.ToolCalls = append(result.ToolCalls, call.Name)
	}

	return tc.UpdateNode(n.NodeID, result)
}

// AIRequest implements noderegistry.AINode.
func (n *ChatNode) AIRequest() (provider, modelName, userID, projectID string) {
	return n.Provider, n.ModelName, n.UserID, n.ProjectID
}

// Usage implements noderegistry.AINode, reporting the most recently
// completed call's estimated token counts.
func (n *ChatNode) Usage() pricing.Usage {
	return n.lastUsage
}

// estimateUsage approximates token counts at ~4 characters per token.
// model.ChatModel's contract (kept unmodified as an external-collaborator
// boundary) never surfaces a provider's actual usage metadata through
// ChatOut, so this is a deliberate estimate, not a provider-reported
// figure; callers needing billing-grade accuracy should price off a
// provider's own usage response instead of this node's Usage().
func estimateUsage(messages []model.Message, out model.ChatOut) pricing.Usage {
	var inputChars int
	for _, m := range messages {
		inputChars += len(m.Content)
	}
	outputChars := len(out.Text)
	for _, call := range out.ToolCalls {
		outputChars += len(call.Name) + len(fmt.Sprint(call.Input))
	}
	return pricing.Usage{
		InputTokens:  int64(inputChars) / 4,
		OutputTokens: int64(outputChars) / 4,
	}
}
