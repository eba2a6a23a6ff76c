package format

import (
	"strings"
	"testing"

	"github.com/relaypool/cc-gateway/internal/config"
)

// validSignature and validThinkingSignature satisfy MinSignatureLength (50)
// and MinThinkingSignatureLength (10) respectively.
var validSignature = strings.Repeat("s", config.MinSignatureLength)
var validThinkingSignature = strings.Repeat("t", config.MinThinkingSignatureLength)
var shortSignature = "short"

func TestCleanCacheControl_RemovesCacheControlOnly(t *testing.T) {
	messages := []Message{
		{
			Role: "user",
			Content: []ContentBlock{
				{Type: "text", Text: "hello", CacheControl: map[string]interface{}{"type": "ephemeral"}},
				{Type: "text", Text: "world"},
			},
		},
	}

	cleaned := CleanCacheControl(messages)
	if len(cleaned) != 1 || len(cleaned[0].Content) != 2 {
		t.Fatalf("expected 1 message with 2 blocks, got %+v", cleaned)
	}
	if cleaned[0].Content[0].CacheControl != nil {
		t.Error("expected cache_control to be stripped from first block")
	}
	if cleaned[0].Content[0].Text != "hello" {
		t.Error("expected text content to be preserved")
	}
	if cleaned[0].Content[1].CacheControl != nil {
		t.Error("second block had no cache_control; should remain nil")
	}
}

func TestCleanCacheControl_EmptyInput(t *testing.T) {
	if got := CleanCacheControl(nil); got != nil {
		t.Errorf("expected nil passthrough for empty input, got %+v", got)
	}
}

func TestHasGeminiHistory(t *testing.T) {
	withSig := []Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ThoughtSignature: validSignature}}},
	}
	if !HasGeminiHistory(withSig) {
		t.Error("expected true when a tool_use block carries a thoughtSignature")
	}

	withoutSig := []Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use"}}},
	}
	if HasGeminiHistory(withoutSig) {
		t.Error("expected false when no tool_use block carries a thoughtSignature")
	}
}

func TestHasUnsignedThinkingBlocks(t *testing.T) {
	cases := []struct {
		name     string
		messages []Message
		want     bool
	}{
		{
			name: "assistant thinking with valid signature",
			messages: []Message{
				{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "hmm", Signature: validSignature}}},
			},
			want: false,
		},
		{
			name: "assistant thinking with short signature",
			messages: []Message{
				{Role: "assistant", Content: []ContentBlock{{Type: "thinking", Thinking: "hmm", Signature: shortSignature}}},
			},
			want: true,
		},
		{
			name: "user message with unsigned thinking is ignored",
			messages: []Message{
				{Role: "user", Content: []ContentBlock{{Type: "thinking", Thinking: "hmm"}}},
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasUnsignedThinkingBlocks(tc.messages); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRestoreThinkingSignatures_ValidSignatureNoThinkingTextKept(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Signature: validSignature},
	}
	got := RestoreThinkingSignatures(content)
	if len(got) != 1 || got[0].Type != "thinking" || got[0].Signature != validSignature {
		t.Fatalf("expected the thinking block preserved as-is, got %+v", got)
	}
}

func TestRestoreThinkingSignatures_ValidThinkingSignatureKept(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "some thought", Signature: validThinkingSignature},
	}
	got := RestoreThinkingSignatures(content)
	if len(got) != 1 || got[0].Type != "thinking" || got[0].Thinking != "some thought" {
		t.Fatalf("expected the thinking block preserved, got %+v", got)
	}
}

func TestRestoreThinkingSignatures_InvalidWithTextConvertsToText(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "some thought", Signature: shortSignature},
	}
	got := RestoreThinkingSignatures(content)
	if len(got) != 1 || got[0].Type != "text" || got[0].Text != "some thought" {
		t.Fatalf("expected conversion to a text block, got %+v", got)
	}
}

func TestRestoreThinkingSignatures_InvalidEmptyIsDroppedAndPlaceholderAdded(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Signature: ""},
	}
	got := RestoreThinkingSignatures(content)
	if len(got) != 1 || got[0].Type != "text" || got[0].Text != "" {
		t.Fatalf("expected a single empty text placeholder, got %+v", got)
	}
}

func TestRestoreThinkingSignatures_NonThinkingBlocksPassThrough(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "hello"},
		{Type: "tool_use", ID: "t1", Name: "foo"},
	}
	got := RestoreThinkingSignatures(content)
	if len(got) != 2 {
		t.Fatalf("expected both non-thinking blocks to pass through, got %+v", got)
	}
}

func TestRemoveTrailingThinkingBlocks_StripsOnlyTrailingUnsigned(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "hi"},
		{Type: "thinking", Thinking: "signed", Signature: validSignature},
		{Type: "thinking", Thinking: "unsigned"},
	}
	got := RemoveTrailingThinkingBlocks(content)
	if len(got) != 2 {
		t.Fatalf("expected trailing unsigned thinking block removed, got %d blocks: %+v", len(got), got)
	}
	if got[1].Signature != validSignature {
		t.Error("expected the signed thinking block to remain")
	}
}

func TestRemoveTrailingThinkingBlocks_StopsAtSignedThinkingBlock(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "unsigned-1"},
		{Type: "thinking", Thinking: "signed", Signature: validSignature},
	}
	got := RemoveTrailingThinkingBlocks(content)
	if len(got) != 2 {
		t.Fatalf("a signed thinking block at the end should halt trimming, got %+v", got)
	}
}

func TestRemoveTrailingThinkingBlocks_NoTrailingThinkingIsUnchanged(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "hi"},
		{Type: "tool_use", ID: "t1"},
	}
	got := RemoveTrailingThinkingBlocks(content)
	if len(got) != 2 {
		t.Errorf("expected content unchanged when nothing trailing is a thinking block, got %+v", got)
	}
}

func TestReorderAssistantContent_OrdersThinkingTextToolUse(t *testing.T) {
	content := []ContentBlock{
		{Type: "tool_use", ID: "t1", Name: "foo"},
		{Type: "text", Text: "body"},
		{Type: "thinking", Thinking: "hmm", Signature: validSignature},
	}
	got := ReorderAssistantContent(content)
	if len(got) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(got))
	}
	if got[0].Type != "thinking" {
		t.Errorf("expected thinking block first, got %s", got[0].Type)
	}
	if got[1].Type != "text" {
		t.Errorf("expected text block second, got %s", got[1].Type)
	}
	if got[2].Type != "tool_use" {
		t.Errorf("expected tool_use block last, got %s", got[2].Type)
	}
}

func TestReorderAssistantContent_DropsEmptyTextBlocks(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: ""},
		{Type: "tool_use", ID: "t1", Name: "foo"},
	}
	got := ReorderAssistantContent(content)
	if len(got) != 1 || got[0].Type != "tool_use" {
		t.Fatalf("expected the empty text block dropped, got %+v", got)
	}
}

func TestReorderAssistantContent_SingleElementSanitizesThinking(t *testing.T) {
	content := []ContentBlock{
		{Type: "thinking", Thinking: "hmm", Signature: validSignature, Input: map[string]interface{}{"extra": "field"}},
	}
	got := ReorderAssistantContent(content)
	if len(got) != 1 || got[0].Type != "thinking" {
		t.Fatalf("expected a single sanitized thinking block, got %+v", got)
	}
	if got[0].Input != nil {
		t.Error("expected sanitizeAnthropicThinkingBlock to strip unrelated fields like Input")
	}
}

func TestFilterUnsignedThinkingBlocks_KeepsSignedDropsUnsigned(t *testing.T) {
	contents := []map[string]interface{}{
		{
			"role": "model",
			"parts": []interface{}{
				map[string]interface{}{"thought": true, "thoughtSignature": validSignature, "text": "keep me"},
				map[string]interface{}{"thought": true, "thoughtSignature": shortSignature, "text": "drop me"},
				map[string]interface{}{"text": "plain part"},
			},
		},
	}

	got := FilterUnsignedThinkingBlocks(contents)
	if len(got) != 1 {
		t.Fatalf("expected 1 content entry, got %d", len(got))
	}
	parts, ok := got[0]["parts"].([]interface{})
	if !ok {
		t.Fatalf("expected parts to remain a []interface{}, got %T", got[0]["parts"])
	}
	if len(parts) != 2 {
		t.Fatalf("expected unsigned thinking part dropped (2 remaining), got %d: %+v", len(parts), parts)
	}
}

func TestNeedsThinkingRecovery_ToolLoopWithoutThinking(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do something"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "run"}}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "ok"}}},
	}
	if !NeedsThinkingRecovery(messages) {
		t.Error("expected recovery needed: tool loop with no valid thinking block")
	}
}

func TestNeedsThinkingRecovery_ToolLoopWithThinkingNoRecovery(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "do something"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "thinking", Thinking: "planning", Signature: validSignature},
			{Type: "tool_use", ID: "t1", Name: "run"},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "ok"}}},
	}
	if NeedsThinkingRecovery(messages) {
		t.Error("expected no recovery needed: tool loop already has a valid thinking block")
	}
}

func TestNeedsThinkingRecovery_NoToolLoopNoRecovery(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "hello"}}},
	}
	if NeedsThinkingRecovery(messages) {
		t.Error("expected no recovery needed outside a tool loop or interrupted tool")
	}
}

func TestCloseToolLoopForThinking_InterruptedToolInsertsAcknowledgement(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "run the tool"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "run"}}},
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "nevermind, do something else"}}},
	}

	got := CloseToolLoopForThinking(messages, "gemini")
	if len(got) != len(messages)+1 {
		t.Fatalf("expected one synthetic message inserted, got %d messages (want %d)", len(got), len(messages)+1)
	}
	inserted := got[2]
	if inserted.Role != "assistant" {
		t.Fatalf("expected the inserted message to be an assistant message, got role %q", inserted.Role)
	}
	if len(inserted.Content) != 1 || !strings.Contains(inserted.Content[0].Text, "interrupted") {
		t.Errorf("expected an interruption acknowledgement, got %+v", inserted.Content)
	}
	if got[3].Role != "user" {
		t.Errorf("expected the original user message to follow the synthetic one, got role %q", got[3].Role)
	}
}

func TestCloseToolLoopForThinking_ToolLoopAppendsContinuation(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "run the tool"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "run"}}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "done"}}},
	}

	got := CloseToolLoopForThinking(messages, "gemini")
	if len(got) != len(messages)+2 {
		t.Fatalf("expected two synthetic messages appended, got %d messages (want %d)", len(got), len(messages)+2)
	}
	if got[len(got)-2].Role != "assistant" {
		t.Errorf("expected a synthetic assistant message second-to-last, got role %q", got[len(got)-2].Role)
	}
	if got[len(got)-1].Role != "user" {
		t.Errorf("expected a synthetic user message last, got role %q", got[len(got)-1].Role)
	}
}

func TestCloseToolLoopForThinking_NoOpWhenNotInLoop(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", Content: []ContentBlock{{Type: "text", Text: "hello"}}},
	}
	got := CloseToolLoopForThinking(messages, "gemini")
	if len(got) != len(messages) {
		t.Errorf("expected no change outside a tool loop or interrupted tool, got %d messages (want %d)", len(got), len(messages))
	}
}
