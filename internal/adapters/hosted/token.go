package hosted

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"llmgate/internal/apierr"
)

// TokenSource yields the rotating anti-automation token the hosted backend
// demands on chat-creation and completion calls. It is a per-call capability:
// operations that do not need it simply never ask.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken serves one fixed token from config, for backends whose token
// rotates rarely enough to manage by hand.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// RefreshingToken fetches the token from a configured endpoint and caches it
// for a bounded lifetime, refreshing on the first call after expiry.
type RefreshingToken struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

func NewRefreshingToken(url string, ttl time.Duration, client *http.Client) *RefreshingToken {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RefreshingToken{url: url, ttl: ttl, client: client}
}

func (r *RefreshingToken) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Since(r.fetchedAt) < r.ttl {
		return r.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", apierr.Wrap(apierr.KindConnection, err, "token endpoint unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apierr.New(apierr.KindProvider, "token endpoint status %d", resp.StatusCode).WithStatus(resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", apierr.Wrap(apierr.KindConnection, err, "read token body")
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", apierr.Wrap(apierr.KindProtocol, err, "malformed token response")
	}
	if payload.Token == "" {
		return "", apierr.New(apierr.KindProtocol, "token response missing token field")
	}

	r.token = payload.Token
	r.fetchedAt = time.Now()
	return r.token, nil
}
