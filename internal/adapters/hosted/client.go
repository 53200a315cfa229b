// Package hosted implements the hosted-direct variant: every conversation is
// a server-side resource addressed as a tree of message nodes. The client is
// never handed the full history to replay; it sends the newest message plus a
// parent pointer the session manager maintains.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/adapters"
	"llmgate/internal/apierr"
	"llmgate/internal/openai"
	"llmgate/internal/stream"
)

const defaultTokenHeader = "X-Challenge-Token"

type Config struct {
	ProviderID    string
	BaseURL       string
	Headers       map[string]string
	TokenHeader   string
	Tokens        TokenSource
	ParentIDField string
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

type Client struct {
	cfg Config
}

var _ adapters.StatefulAdapter = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apierr.New(apierr.KindConfiguration, "base url is empty").WithProvider(cfg.ProviderID)
	}
	if cfg.Tokens == nil {
		return nil, apierr.New(apierr.KindConfiguration, "token source is required").WithProvider(cfg.ProviderID)
	}
	if cfg.TokenHeader == "" {
		cfg.TokenHeader = defaultTokenHeader
	}
	if cfg.ParentIDField == "" {
		cfg.ParentIDField = "message_id"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) CreateChat(ctx context.Context) (string, error) {
	body, err := c.call(ctx, http.MethodPost, c.endpoint("new-chat", nil), nil, true)
	if err != nil {
		return "", err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "", apierr.Wrap(apierr.KindConnection, err, "read new-chat body").WithProvider(c.cfg.ProviderID)
	}
	var payload struct {
		ChatID string `json:"chat_id"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", apierr.Wrap(apierr.KindProtocol, err, "malformed new-chat response").WithProvider(c.cfg.ProviderID)
	}
	chatID := payload.ChatID
	if chatID == "" {
		chatID = payload.ID
	}
	if chatID == "" {
		return "", apierr.New(apierr.KindProtocol, "new-chat response missing chat id").WithProvider(c.cfg.ProviderID)
	}
	return chatID, nil
}

func (c *Client) SendTurn(ctx context.Context, turn adapters.Turn, req openai.ChatRequest) (adapters.TurnResult, error) {
	body, err := c.call(ctx, http.MethodPost, c.completionsURL(turn.ChatID), c.turnPayload(turn, req, false), true)
	if err != nil {
		return adapters.TurnResult{}, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return adapters.TurnResult{}, apierr.Wrap(apierr.KindConnection, err, "read completion body").WithProvider(c.cfg.ProviderID)
	}
	resp, nodeID, err := stream.ParseHostedResponse(raw, c.cfg.ProviderID, req.Model, c.cfg.ParentIDField)
	if err != nil {
		return adapters.TurnResult{}, err
	}
	return adapters.TurnResult{Response: resp, NodeID: nodeID}, nil
}

func (c *Client) StreamTurn(ctx context.Context, turn adapters.Turn, req openai.ChatRequest) (<-chan stream.Event, error) {
	body, err := c.call(ctx, http.MethodPost, c.completionsURL(turn.ChatID), c.turnPayload(turn, req, true), true)
	if err != nil {
		return nil, err
	}
	return stream.FromHostedSSE(body, c.cfg.ProviderID, req.Model, c.cfg.ParentIDField), nil
}

// ListModels needs no anti-automation token; the remote protocol only gates
// chat creation and completions.
func (c *Client) ListModels(ctx context.Context) ([]openai.Model, error) {
	body, err := c.call(ctx, http.MethodGet, c.endpoint("models", nil), nil, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConnection, err, "read models body").WithProvider(c.cfg.ProviderID)
	}
	var list openai.ModelList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, apierr.Wrap(apierr.KindProtocol, err, "malformed model list").WithProvider(c.cfg.ProviderID)
	}
	return list.Data, nil
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.ListModels(ctx)
	if err != nil {
		c.cfg.Logger.Debug().Err(err).Str("provider", c.cfg.ProviderID).Msg("health check failed")
	}
	return err == nil
}

type turnPayload struct {
	Model    string         `json:"model,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Message  openai.Message `json:"message"`
	Stream   bool           `json:"stream"`
}

func (c *Client) turnPayload(turn adapters.Turn, req openai.ChatRequest, streaming bool) turnPayload {
	msg, ok := req.LastUserMessage()
	if !ok && len(req.Messages) > 0 {
		msg = req.Messages[len(req.Messages)-1]
	}
	return turnPayload{
		Model:    req.Model,
		ParentID: turn.ParentID,
		Message:  msg,
		Stream:   streaming,
	}
}

func (c *Client) completionsURL(chatID string) string {
	return c.endpoint("completions", url.Values{"chat_id": {chatID}})
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload any, needsToken bool) (io.ReadCloser, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal turn payload: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if needsToken {
		token, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch anti-automation token: %w", err)
		}
		req.Header.Set(c.cfg.TokenHeader, token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConnection, err, "backend unreachable").WithProvider(c.cfg.ProviderID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, apierr.New(apierr.KindProvider, "backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))).
			WithProvider(c.cfg.ProviderID).
			WithStatus(resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/") + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
