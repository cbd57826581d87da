package llm

import "testing"

func TestResponse_SetToolCallsUpdatesFinishReason(t *testing.T) {
	resp := &Response{Text: "x", FinishReason: FinishReasonStop}
	resp.SetToolCalls([]ToolCall{{ID: "1", Name: "lookup"}})

	if resp.FinishReason != FinishReasonToolCalls {
		t.Fatalf("finish=%q", resp.FinishReason)
	}

	resp2 := &Response{}
	resp2.SetFunctionCall(&FunctionCall{Name: "f", Arguments: "{}"})
	if resp2.FinishReason != FinishReasonFunctionCall {
		t.Fatalf("finish=%q", resp2.FinishReason)
	}
}

func TestResponse_MergeMetadataIsAdditive(t *testing.T) {
	resp := &Response{}
	resp.MergeMetadata(map[string]any{"a": 1})
	resp.MergeMetadata(map[string]any{"b": 2})

	if resp.Metadata["a"] != 1 || resp.Metadata["b"] != 2 {
		t.Fatalf("metadata=%v", resp.Metadata)
	}
}

func TestResponse_SafetyBlockIsNotAnError(t *testing.T) {
	resp := &Response{}
	resp.MarkSafetyBlocked("HARM_CATEGORY_DANGEROUS")

	if !resp.IsSafetyBlocked() {
		t.Fatalf("expected blocked result")
	}
	if resp.Text == "" {
		t.Fatalf("expected human-readable notice")
	}
	if resp.FinishReason != FinishReasonContentFilter {
		t.Fatalf("finish=%q", resp.FinishReason)
	}
	if resp.Err != nil {
		t.Fatalf("blocked result must not carry an error")
	}
	if resp.Metadata["block_reason"] != "HARM_CATEGORY_DANGEROUS" {
		t.Fatalf("metadata=%v", resp.Metadata)
	}
}

func TestMessage_TextAndClone(t *testing.T) {
	msg := Message{
		Role: RoleUser,
		Parts: []ContentPart{
			TextPart("a"),
			ImagePart("https://example.com/x.png"),
			TextPart("b"),
		},
	}
	if msg.Text() != "ab" {
		t.Fatalf("Text=%q", msg.Text())
	}
	if !msg.HasMedia() {
		t.Fatalf("expected media")
	}

	cp := msg.Clone()
	cp.Parts[0].Text = "changed"
	if msg.Parts[0].Text != "a" {
		t.Fatalf("clone shares parts")
	}
}
