// Package registry builds adapter instances from persisted provider records
// and keeps one immutable snapshot per provider. A config change produces a
// new instance and swaps the stored pointer; requests already holding the old
// snapshot finish on it.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/adapters"
	"llmgate/internal/adapters/hosted"
	"llmgate/internal/adapters/openai_compat"
	"llmgate/internal/apierr"
	"llmgate/internal/storage"
)

// Instance is one built adapter snapshot. Exactly one of Chat or Stateful is
// set, depending on the provider kind.
type Instance struct {
	Provider    storage.Provider
	Fingerprint string
	Chat        adapters.Adapter
	Stateful    adapters.StatefulAdapter
}

type BuildOptions struct {
	HTTPClient    *http.Client
	ParentIDField string
	Logger        zerolog.Logger
}

func Build(p storage.Provider, cfg map[string]string, opts BuildOptions) (*Instance, error) {
	inst := &Instance{Provider: p, Fingerprint: fingerprint(p, cfg)}

	headers, err := parseHeaders(cfg["headers_json"])
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfiguration, err, "invalid headers_json").WithProvider(p.ID)
	}

	switch p.Kind {
	case storage.KindLocalInference, storage.KindHostedRelay:
		client, err := openai_compat.New(openai_compat.Config{
			ProviderID: p.ID,
			BaseURL:    cfg["base_url"],
			APIKey:     cfg["api_key"],
			Headers:    headers,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		inst.Chat = client

	case storage.KindHostedDirect:
		tokens, err := tokenSource(cfg, opts.HTTPClient)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindConfiguration, err, "invalid token config").WithProvider(p.ID)
		}
		parentField := cfg["parent_id_field"]
		if parentField == "" {
			parentField = opts.ParentIDField
		}
		client, err := hosted.New(hosted.Config{
			ProviderID:    p.ID,
			BaseURL:       cfg["base_url"],
			Headers:       headers,
			TokenHeader:   cfg["token_header"],
			Tokens:        tokens,
			ParentIDField: parentField,
			HTTPClient:    opts.HTTPClient,
			Logger:        opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		inst.Stateful = client

	default:
		return nil, apierr.New(apierr.KindConfiguration, "unsupported provider kind %q", p.Kind).WithProvider(p.ID)
	}

	return inst, nil
}

func tokenSource(cfg map[string]string, client *http.Client) (hosted.TokenSource, error) {
	if u := strings.TrimSpace(cfg["token_url"]); u != "" {
		ttl := 2 * time.Minute
		if raw := strings.TrimSpace(cfg["token_ttl"]); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("parse token_ttl: %w", err)
			}
			ttl = d
		}
		return hosted.NewRefreshingToken(u, ttl, client), nil
	}
	if t := strings.TrimSpace(cfg["token"]); t != "" {
		return hosted.StaticToken(t), nil
	}
	return nil, fmt.Errorf("one of token or token_url is required")
}

func parseHeaders(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// fingerprint hashes everything an adapter is built from, so any persisted
// change forces a rebuild on the next request.
func fingerprint(p storage.Provider, cfg map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s\n", p.ID, p.Kind, p.Priority, p.DefaultModel)

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, cfg[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache holds the current snapshot per provider id.
type Cache struct {
	opts      BuildOptions
	instances sync.Map
}

func NewCache(opts BuildOptions) *Cache {
	return &Cache{opts: opts}
}

// Get returns the cached snapshot when its fingerprint still matches the
// persisted state, otherwise rebuilds and swaps it in. Concurrent callers may
// briefly both build; the last store wins and both instances are valid.
func (c *Cache) Get(p storage.Provider, cfg map[string]string) (*Instance, error) {
	fp := fingerprint(p, cfg)
	if v, ok := c.instances.Load(p.ID); ok {
		inst := v.(*Instance)
		if inst.Fingerprint == fp {
			return inst, nil
		}
	}

	inst, err := Build(p, cfg, c.opts)
	if err != nil {
		return nil, err
	}
	c.instances.Store(p.ID, inst)
	return inst, nil
}
