package stream

import (
	"errors"
	"testing"

	"llmgate/internal/apierr"
)

func TestUnwrapResponsePlain(t *testing.T) {
	body := []byte(`{
		"id": "chatcmpl-1",
		"choices": [{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
		"usage": {"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
	}`)

	resp, err := UnwrapResponse(body, "p1")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected total tokens %d", resp.Usage.TotalTokens)
	}
}

// Decoding the outer object of a wrapped response yields empty content and
// zero token counts, so the nested data payload must be peeled first.
func TestUnwrapResponseNestedEnvelope(t *testing.T) {
	body := []byte(`{"data": {
		"id": "chatcmpl-2",
		"choices": [{"index":0,"message":{"role":"assistant","content":"wrapped"},"finish_reason":"stop"}],
		"usage": {"prompt_tokens":7,"completion_tokens":4,"total_tokens":11}
	}}`)

	resp, err := UnwrapResponse(body, "relay")
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if resp.Choices[0].Message.Content == "" {
		t.Fatal("expected non-empty content from wrapped payload")
	}
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("expected non-zero total tokens from wrapped payload")
	}
}

func TestUnwrapResponseNoChoices(t *testing.T) {
	_, err := UnwrapResponse([]byte(`{"id":"x"}`), "p1")
	if err == nil {
		t.Fatal("expected error for response without choices")
	}
	var ge *apierr.Error
	if !errors.As(err, &ge) || ge.Kind != apierr.KindProtocol {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}
