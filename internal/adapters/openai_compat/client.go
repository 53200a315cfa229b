// Package openai_compat talks to backends that already speak the openai chat
// protocol: the local inference server and the hosted-via-relay provider.
// Request and response transforms are identity, except that the relay wraps
// non-streaming payloads in a data envelope the client unwraps.
package openai_compat

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

var _ adapters.Adapter = (*Client)(nil)

type Config struct {
	ProviderID string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apierr.New(apierr.KindConfiguration, "base url is empty").WithProvider(cfg.ProviderID)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, err, "invalid base url").WithProvider(cfg.ProviderID)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) ChatCompletion(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error) {
	req.Stream = false
	body, err := c.call(ctx, http.MethodPost, c.endpoint("chat/completions"), req)
	if err != nil {
		return openai.ChatResponse{}, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, 8<<20))
	if err != nil {
		return openai.ChatResponse{}, apierr.Wrap(apierr.KindConnection, err, "read response body").WithProvider(c.cfg.ProviderID)
	}
	return stream.UnwrapResponse(raw, c.cfg.ProviderID)
}

func (c *Client) StreamChat(ctx context.Context, req openai.ChatRequest) (<-chan stream.Event, error) {
	req.Stream = true
	body, err := c.call(ctx, http.MethodPost, c.endpoint("chat/completions"), req)
	if err != nil {
		return nil, err
	}
	return stream.FromOpenAISSE(body, c.cfg.ProviderID), nil
}

func (c *Client) ListModels(ctx context.Context) ([]openai.Model, error) {
	body, err := c.call(ctx, http.MethodGet, c.endpoint("models"), nil)
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

func (c *Client) call(ctx context.Context, method, endpoint string, payload any) (io.ReadCloser, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
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

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(strings.TrimSpace(c.cfg.BaseURL), "/") + "/" + path
}
