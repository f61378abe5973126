package agentloop

import (
	"errors"
	"fmt"
	"testing"
)

func TestTurnResponsesFollowRequests(t *testing.T) {
	turn := NewTurn(1)
	if err := turn.AddResponse(ToolCallResponse{ID: "a"}); err == nil {
		t.Error("expected error for response without request")
	}

	turn.AddRequest(ToolCallRequest{ID: "a"})
	if err := turn.AddResponse(ToolCallResponse{ID: "b"}); err == nil {
		t.Error("expected error for mismatched response id")
	}
	if err := turn.AddResponse(ToolCallResponse{ID: "a"}); err != nil {
		t.Errorf("AddResponse: %v", err)
	}
	if err := turn.AddResponse(ToolCallResponse{ID: "a"}); err == nil {
		t.Error("expected error for duplicate response")
	}
	if len(turn.Responses) > len(turn.Requests) {
		t.Error("responses outnumber requests")
	}
}

func TestTurnStatusTerminal(t *testing.T) {
	turn := NewTurn(2)
	if turn.Status != TurnActive {
		t.Fatalf("expected active, got %s", turn.Status)
	}
	if !turn.Complete() {
		t.Fatal("Complete returned false on an active turn")
	}
	if turn.Fail(errors.New("late")) {
		t.Error("Fail must not change a completed turn")
	}
	if turn.Status != TurnCompleted || turn.Err != "" {
		t.Errorf("expected completed without error, got %s %q", turn.Status, turn.Err)
	}
	if err := turn.AddRequest(ToolCallRequest{ID: "x"}); err == nil {
		t.Error("expected closed turn to reject requests")
	}

	failed := NewTurn(3)
	failed.Fail(errors.New("model down"))
	if failed.Complete() || failed.Status != TurnError || failed.Err != "model down" {
		t.Errorf("unexpected failed turn: %+v", failed)
	}
}

func TestHistoryPrunesOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(NewUserMessage(fmt.Sprint(i)))
	}
	msgs := h.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].TextContent() != "2" || msgs[2].TextContent() != "4" {
		t.Errorf("expected messages 2..4, got %q..%q", msgs[0].TextContent(), msgs[2].TextContent())
	}
}

func TestToolMessagesCorrelate(t *testing.T) {
	req := ToolCallRequest{ID: "call-9", Name: "glob"}
	call := NewToolCallMessage(req)
	result := NewToolResultMessage(ToolCallResponse{ID: "call-9", Success: true})
	if call.CorrelationID != result.CorrelationID {
		t.Errorf("expected matching correlation ids, got %q and %q", call.CorrelationID, result.CorrelationID)
	}
	if call.Role != RoleModel || result.Role != RoleUser {
		t.Errorf("unexpected roles %s and %s", call.Role, result.Role)
	}
}
