package stream

import (
	"encoding/json"

	"llmgate/internal/apierr"
	"llmgate/internal/openai"
)

// UnwrapResponse decodes a non-streaming openai-shaped completion body. Some
// backends wrap the actual payload in a nested "data" key; decoding the outer
// object directly would yield empty content and zero token counts, so the
// envelope is peeled first when present.
func UnwrapResponse(body []byte, provider string) (openai.ChatResponse, error) {
	var outer struct {
		Data    json.RawMessage `json:"data"`
		Choices []openai.Choice `json:"choices"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return openai.ChatResponse{}, apierr.Wrap(apierr.KindProtocol, err, "malformed completion response").WithProvider(provider)
	}

	payload := body
	if len(outer.Choices) == 0 && len(outer.Data) > 0 && string(outer.Data) != "null" {
		payload = outer.Data
	}

	var resp openai.ChatResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return openai.ChatResponse{}, apierr.Wrap(apierr.KindProtocol, err, "malformed completion payload").WithProvider(provider)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatResponse{}, apierr.New(apierr.KindProtocol, "completion response has no choices").WithProvider(provider)
	}
	return resp, nil
}
