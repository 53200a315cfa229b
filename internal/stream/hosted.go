package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"llmgate/internal/apierr"
	"llmgate/internal/openai"
)

// hostedEvent is the native shape of one hosted-direct stream event. Text is
// cumulative, not a delta. The assigned-node id is read separately because
// its field name varies across response shapes and is configured, not guessed.
type hostedEvent struct {
	Text  string        `json:"text"`
	Done  bool          `json:"done"`
	Error string        `json:"error"`
	Usage *openai.Usage `json:"usage"`
}

// nodeID digs the backend-assigned message node id out of a raw payload under
// the configured field name.
func nodeID(raw []byte, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	v, ok := m[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// ParseHostedResponse converts a hosted-direct non-streaming completion into
// an openai response plus the new node id for the session manager.
func ParseHostedResponse(body []byte, provider, model, parentField string) (openai.ChatResponse, string, error) {
	var ev hostedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return openai.ChatResponse{}, "", apierr.Wrap(apierr.KindProtocol, err, "malformed completion response").WithProvider(provider)
	}
	if ev.Error != "" {
		return openai.ChatResponse{}, "", apierr.New(apierr.KindProvider, "backend error: %s", ev.Error).WithProvider(provider)
	}

	usage := openai.Usage{}
	if ev.Usage != nil {
		usage = *ev.Usage
	}
	resp := openai.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.Choice{{
			Message:      openai.Message{Role: "assistant", Content: ev.Text},
			FinishReason: FinishStop,
		}},
		Usage: usage,
	}
	return resp, nodeID(body, parentField), nil
}

// FromHostedSSE normalizes a hosted-direct stream. Native events carry the
// full text so far, so each event is turned into the suffix delta since the
// previous one. The terminal event carries usage and the node id.
func FromHostedSSE(body io.ReadCloser, provider, model, parentField string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer body.Close()

		id := NewChunkID()
		sent := ""
		first := true

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for sc.Scan() {
			data, ok := ssePayload(sc.Bytes())
			if !ok {
				continue
			}
			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			var ev hostedEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				out <- Event{Err: apierr.Wrap(apierr.KindProtocol, err, "malformed stream event").WithProvider(provider)}
				return
			}
			if ev.Error != "" {
				out <- Event{Err: apierr.New(apierr.KindProvider, "backend error: %s", ev.Error).WithProvider(provider)}
				return
			}

			delta := suffixDelta(sent, ev.Text)
			sent = ev.Text

			if delta != "" || first {
				role := ""
				if first {
					role = "assistant"
					first = false
				}
				out <- Event{Chunk: chunk(id, model, delta, role, nil, nil)}
			}

			if ev.Done {
				out <- Event{
					Chunk:  finishChunk(id, model, FinishStop, ev.Usage),
					NodeID: nodeID(data, parentField),
				}
				return
			}
		}
		if err := sc.Err(); err != nil {
			out <- Event{Err: apierr.Wrap(apierr.KindConnection, err, "stream read failed").WithProvider(provider)}
			return
		}
		// Stream ended without a terminal event: the node id never arrived.
		out <- Event{Err: apierr.New(apierr.KindProtocol, "stream ended without terminal event").WithProvider(provider)}
	}()
	return out
}

// suffixDelta returns what cur adds beyond prev. A backend that rewrites
// earlier text instead of appending falls back to resending cur whole.
func suffixDelta(prev, cur string) string {
	if strings.HasPrefix(cur, prev) {
		return cur[len(prev):]
	}
	return cur
}
