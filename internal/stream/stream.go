// Package stream normalizes backend-native response payloads, streaming or
// not, into the gateway's OpenAI-compatible chunk format. Each native event is
// translated and forwarded as it arrives; nothing buffers the full response.
package stream

import (
	"time"

	"github.com/google/uuid"

	"llmgate/internal/openai"
)

// Event is one normalized unit of a streamed completion. Exactly one of Chunk
// or Err is set. NodeID carries the backend-assigned message node id when the
// backend protocol is stateful; it shows up on the terminal event.
type Event struct {
	Chunk  *openai.Chunk
	NodeID string
	Err    error
}

const (
	FinishStop  = "stop"
	FinishError = "error"
)

// NewChunkID mints a chat.completion.chunk id in the OpenAI format.
func NewChunkID() string {
	return "chatcmpl-" + uuid.NewString()
}

func chunk(id, model, content string, role string, finish *string, usage *openai.Usage) *openai.Chunk {
	return &openai.Chunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChunkChoice{{
			Delta:        openai.Delta{Role: role, Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}

// ErrorChunk builds the terminal chunk emitted when a backend stream fails
// mid-sequence, so the client-visible stream always terminates cleanly.
func ErrorChunk(id, model string) *openai.Chunk {
	reason := FinishError
	return chunk(id, model, "", "", &reason, nil)
}

func finishChunk(id, model, reason string, usage *openai.Usage) *openai.Chunk {
	return chunk(id, model, "", "", &reason, usage)
}
