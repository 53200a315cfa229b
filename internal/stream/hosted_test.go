package stream

import (
	"errors"
	"io"
	"strings"
	"testing"

	"llmgate/internal/apierr"
)

func sseBody(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func collect(events <-chan Event) []Event {
	out := []Event{}
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestFromHostedSSESuffixDeltas(t *testing.T) {
	events := FromHostedSSE(sseBody(
		`data: {"text":"Hel","message_id":"n1","done":false}`,
		`data: {"text":"Hello wor","message_id":"n1","done":false}`,
		`data: {"text":"Hello world","message_id":"n1","done":true,"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`,
	), "p1", "m1", "message_id")

	got := collect(events)
	text := ""
	for _, ev := range got {
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		text += ev.Chunk.Choices[0].Delta.Content
	}
	if text != "Hello world" {
		t.Fatalf("reassembled text %q", text)
	}

	last := got[len(got)-1]
	if last.NodeID != "n1" {
		t.Fatalf("expected terminal node id n1, got %q", last.NodeID)
	}
	if last.Chunk.Usage == nil || last.Chunk.Usage.TotalTokens != 5 {
		t.Fatalf("expected usage on terminal chunk, got %+v", last.Chunk.Usage)
	}
	if last.Chunk.Choices[0].FinishReason == nil || *last.Chunk.Choices[0].FinishReason != FinishStop {
		t.Fatalf("expected stop finish reason, got %+v", last.Chunk.Choices[0].FinishReason)
	}
}

func TestFromHostedSSEConfigurableNodeField(t *testing.T) {
	events := FromHostedSSE(sseBody(
		`data: {"text":"x","node_ref":"alt-7","done":true}`,
	), "p1", "m1", "node_ref")

	got := collect(events)
	last := got[len(got)-1]
	if last.NodeID != "alt-7" {
		t.Fatalf("expected node id from configured field, got %q", last.NodeID)
	}
}

func TestFromHostedSSEMidStreamError(t *testing.T) {
	events := FromHostedSSE(sseBody(
		`data: {"text":"partial","message_id":"n1","done":false}`,
		`data: {"error":"backend exploded"}`,
	), "p1", "m1", "message_id")

	got := collect(events)
	last := got[len(got)-1]
	if last.Err == nil {
		t.Fatal("expected terminal error event")
	}
	var ge *apierr.Error
	if !errors.As(last.Err, &ge) || ge.Kind != apierr.KindProvider {
		t.Fatalf("expected provider error, got %v", last.Err)
	}
}

func TestFromHostedSSEMissingTerminal(t *testing.T) {
	events := FromHostedSSE(sseBody(
		`data: {"text":"partial","message_id":"n1","done":false}`,
	), "p1", "m1", "message_id")

	got := collect(events)
	last := got[len(got)-1]
	if last.Err == nil || apierr.KindOf(last.Err) != apierr.KindProtocol {
		t.Fatalf("expected protocol violation for missing terminal event, got %v", last.Err)
	}
}

func TestParseHostedResponse(t *testing.T) {
	body := []byte(`{"text":"answer","message_id":"n9","usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)

	resp, node, err := ParseHostedResponse(body, "p1", "m1", "message_id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if node != "n9" {
		t.Fatalf("expected node id n9, got %q", node)
	}
	if resp.Choices[0].Message.Content != "answer" {
		t.Fatalf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 2 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}
