package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"llmgate/internal/apierr"
	"llmgate/internal/openai"
)

// maxSSELine bounds a single SSE data line so a misbehaving backend cannot
// grow the scanner buffer without limit.
const maxSSELine = 1 << 20

// FromOpenAISSE consumes an openai-shaped SSE body and forwards each chunk as
// it arrives. The body is closed when the stream ends or the consumer's
// context cancels the underlying request.
func FromOpenAISSE(body io.ReadCloser, provider string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		defer body.Close()

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
			var ch openai.Chunk
			if err := json.Unmarshal(data, &ch); err != nil {
				out <- Event{Err: apierr.Wrap(apierr.KindProtocol, err, "malformed stream chunk").WithProvider(provider)}
				return
			}
			out <- Event{Chunk: &ch}
		}
		if err := sc.Err(); err != nil {
			out <- Event{Err: apierr.Wrap(apierr.KindConnection, err, "stream read failed").WithProvider(provider)}
		}
	}()
	return out
}

func ssePayload(line []byte) ([]byte, bool) {
	s := strings.TrimSpace(string(line))
	if !strings.HasPrefix(s, "data:") {
		return nil, false
	}
	return []byte(strings.TrimSpace(strings.TrimPrefix(s, "data:"))), true
}
