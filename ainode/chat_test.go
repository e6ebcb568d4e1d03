package ainode_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cortexflow/engine/ainode"
	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/model"
	"github.com/cortexflow/engine/noderegistry"
	"github.com/cortexflow/engine/taskcontext"
	"github.com/cortexflow/engine/tool"
)

func TestChatNodeWritesTextOutput(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "paris"}}}
	n := &ainode.ChatNode{NodeID: "ask", Provider: "mock", ModelName: "mock-1", Model: mock}

	tc, err := taskcontext.New("qa", ainode.ChatInput{Messages: []model.Message{{Role: model.RoleUser, Content: "capital of france?"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Process(context.Background(), tc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var out ainode.ChatOutput
	if err := tc.GetNodeData("ask", &out); err != nil {
		t.Fatalf("GetNodeData: %v", err)
	}
	if out.Text != "paris" {
		t.Errorf("Text = %q, want paris", out.Text)
	}
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", mock.CallCount())
	}
}

func TestChatNodeDispatchesToolCalls(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{
		ToolCalls: []model.ToolCall{{Name: "search", Input: map[string]interface{}{"q": "go"}}},
	}}}
	searchTool := &tool.MockTool{ToolName: "search", Responses: []map[string]interface{}{{"ok": true}}}
	n := &ainode.ChatNode{NodeID: "ask", Provider: "mock", ModelName: "mock-1", Model: mock, Tools: []tool.Tool{searchTool}}

	tc, _ := taskcontext.New("qa", ainode.ChatInput{})
	if err := n.Process(context.Background(), tc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	var out ainode.ChatOutput
	_ = tc.GetNodeData("ask", &out)
	if len(out.ToolCalls) != 1 || out.ToolCalls[0] != "search" {
		t.Errorf("ToolCalls = %v, want [search]", out.ToolCalls)
	}
	if searchTool.CallCount() != 1 {
		t.Errorf("tool CallCount = %d, want 1", searchTool.CallCount())
	}
}

func TestChatNodeWrapsModelErrorAsProviderError(t *testing.T) {
	mock := &model.MockChatModel{Err: errors.New("rate limited")}
	n := &ainode.ChatNode{NodeID: "ask", Provider: "mock", Model: mock}

	tc, _ := taskcontext.New("qa", ainode.ChatInput{})
	err := n.Process(context.Background(), tc)

	var pe *errs.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *errs.ProviderError", err)
	}
	if pe.Provider != "mock" {
		t.Errorf("Provider = %q, want mock", pe.Provider)
	}
}

func TestChatNodeReadsFromPriorNodeOutput(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	n := &ainode.ChatNode{NodeID: "ask", Provider: "mock", Model: mock, InputNodeID: "prep"}

	tc, _ := taskcontext.New("qa", ainode.ChatInput{})
	if err := tc.UpdateNode("prep", ainode.ChatInput{Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}}}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if err := n.Process(context.Background(), tc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(mock.Calls) != 1 || mock.Calls[0].Messages[0].Content != "hi" {
		t.Errorf("model was not given the prior node's messages: %+v", mock.Calls)
	}
}

func TestChatNodeImplementsAINodeAndReportsUsageAfterCall(t *testing.T) {
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "a fairly long response used to estimate tokens"}}}
	n := &ainode.ChatNode{NodeID: "ask", Provider: "openai", ModelName: "gpt-4o", UserID: "u1", ProjectID: "p1", Model: mock}

	var _ noderegistry.AINode = n // compile-time capability check

	if usage := n.Usage(); usage.InputTokens != 0 || usage.OutputTokens != 0 {
		t.Errorf("Usage before any call = %+v, want zero value", usage)
	}

	tc, _ := taskcontext.New("qa", ainode.ChatInput{Messages: []model.Message{{Role: model.RoleUser, Content: "tell me something long"}}})
	if err := n.Process(context.Background(), tc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	usage := n.Usage()
	if usage.OutputTokens == 0 {
		t.Error("expected non-zero OutputTokens after a non-empty response")
	}

	provider, modelName, userID, projectID := n.AIRequest()
	if provider != "openai" || modelName != "gpt-4o" || userID != "u1" || projectID != "p1" {
		t.Errorf("AIRequest = (%q,%q,%q,%q), want (openai,gpt-4o,u1,p1)", provider, modelName, userID, projectID)
	}
}
