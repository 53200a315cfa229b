// Package router resolves which provider serves a request, delegates to its
// adapter (through the session manager when the adapter is stateful), and
// emits one audit record per request. Provider state is read fresh from the
// configuration store on every request; nothing here caches a routing
// decision.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llmgate/internal/adapters/registry"
	"llmgate/internal/apierr"
	"llmgate/internal/audit"
	"llmgate/internal/metrics"
	"llmgate/internal/openai"
	"llmgate/internal/session"
	"llmgate/internal/storage"
	"llmgate/internal/stream"
)

type Router struct {
	store    *storage.Store
	adapters *registry.Cache
	sessions *session.Manager
	audit    *audit.Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
}

type Config struct {
	Store    *storage.Store
	Adapters *registry.Cache
	Sessions *session.Manager
	Audit    *audit.Sink
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Timeout  time.Duration
}

func New(cfg Config) *Router {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Router{
		store:    cfg.Store,
		adapters: cfg.Adapters,
		sessions: cfg.Sessions,
		audit:    cfg.Audit,
		metrics:  m,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
	}
}

// ChatCompletion routes one non-streaming request. One attempt, no retry;
// callers see failures and may retry themselves.
func (r *Router) ChatCompletion(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()

	inst, err := r.resolve(ctx, req.Model)
	if err != nil {
		r.record(requestID, "", "", req.Model, start, openai.Usage{}, err)
		return openai.ChatResponse{}, err
	}
	r.metrics.RequestsTotal.WithLabelValues(inst.Provider.ID).Inc()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var resp openai.ChatResponse
	sessionKey := ""
	if inst.Stateful != nil {
		sessionKey, _ = session.Key(req)
		resp, err = r.sessions.Complete(ctx, inst.Stateful, req)
	} else {
		resp, err = inst.Chat.ChatCompletion(ctx, req)
	}
	if err != nil {
		err = r.normalize(ctx, err, inst.Provider.ID)
		r.record(requestID, inst.Provider.ID, sessionKey, req.Model, start, openai.Usage{}, err)
		return openai.ChatResponse{}, err
	}

	r.annotateToolOutcome(req, resp, inst.Provider.ID)
	r.record(requestID, inst.Provider.ID, sessionKey, req.Model, start, resp.Usage, nil)
	return resp, nil
}

// StreamChat routes one streaming request. The returned channel closes when
// the backend stream terminates; the audit record is emitted at that point
// with whatever usage the terminal chunk carried.
func (r *Router) StreamChat(ctx context.Context, req openai.ChatRequest) (<-chan stream.Event, error) {
	start := time.Now()
	requestID := uuid.NewString()

	inst, err := r.resolve(ctx, req.Model)
	if err != nil {
		r.record(requestID, "", "", req.Model, start, openai.Usage{}, err)
		return nil, err
	}
	r.metrics.RequestsTotal.WithLabelValues(inst.Provider.ID).Inc()

	var events <-chan stream.Event
	sessionKey := ""
	if inst.Stateful != nil {
		sessionKey, _ = session.Key(req)
		events, err = r.sessions.Stream(ctx, inst.Stateful, req)
	} else {
		events, err = inst.Chat.StreamChat(ctx, req)
	}
	if err != nil {
		err = r.normalize(ctx, err, inst.Provider.ID)
		r.record(requestID, inst.Provider.ID, sessionKey, req.Model, start, openai.Usage{}, err)
		return nil, err
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		usage := openai.Usage{}
		var streamErr error
		for ev := range events {
			if ev.Err != nil {
				streamErr = ev.Err
			}
			if ev.Chunk != nil {
				r.metrics.StreamChunks.Inc()
				if ev.Chunk.Usage != nil {
					usage = *ev.Chunk.Usage
				}
			}
			out <- ev
		}
		r.record(requestID, inst.Provider.ID, sessionKey, req.Model, start, usage, streamErr)
	}()
	return out, nil
}

// Models lists models from the named provider, or the active one when id is
// empty. Links persisted in the store take precedence; an adapter that can
// enumerate its backend fills in the rest.
func (r *Router) Models(ctx context.Context, providerID string) ([]openai.Model, error) {
	var p storage.Provider
	var err error
	if providerID != "" {
		p, err = r.store.GetProvider(ctx, providerID)
	} else {
		p, err = r.store.GetActiveProvider(ctx)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.New(apierr.KindProviderUnavailable, "no enabled provider resolves")
		}
		return nil, apierr.Wrap(apierr.KindInternal, err, "read provider")
	}

	linked, err := r.store.GetModelsForProvider(ctx, p.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "read model links")
	}
	if len(linked) > 0 {
		out := make([]openai.Model, 0, len(linked))
		for _, m := range linked {
			out = append(out, openai.Model{ID: m.ID, Object: "model", OwnedBy: p.ID})
		}
		return out, nil
	}

	inst, err := r.instance(ctx, p)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if inst.Stateful != nil {
		return inst.Stateful.ListModels(ctx)
	}
	return inst.Chat.ListModels(ctx)
}

// resolve picks the target provider: an explicit model mapping wins,
// otherwise the active_provider setting; neither resolving to an enabled
// provider is ProviderUnavailable.
func (r *Router) resolve(ctx context.Context, model string) (*registry.Instance, error) {
	var p storage.Provider
	var err error

	if model != "" {
		p, err = r.store.GetProviderForModel(ctx, model)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.Wrap(apierr.KindInternal, err, "resolve provider for model")
		}
	}
	if model == "" || errors.Is(err, storage.ErrNotFound) {
		p, err = r.store.GetActiveProvider(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apierr.New(apierr.KindProviderUnavailable, "no enabled provider resolves for model %q", model)
			}
			return nil, apierr.Wrap(apierr.KindInternal, err, "resolve active provider")
		}
	}

	return r.instance(ctx, p)
}

func (r *Router) instance(ctx context.Context, p storage.Provider) (*registry.Instance, error) {
	cfg, err := r.store.GetProviderConfig(ctx, p.ID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "read provider config").WithProvider(p.ID)
	}
	return r.adapters.Get(p, cfg)
}

// normalize maps timeouts to ConnectionError and tags untyped errors.
func (r *Router) normalize(ctx context.Context, err error, providerID string) error {
	var ge *apierr.Error
	if errors.As(err, &ge) {
		r.metrics.RequestFailures.WithLabelValues(string(ge.Kind)).Inc()
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx != nil && ctx.Err() != nil) {
		r.metrics.RequestFailures.WithLabelValues(string(apierr.KindConnection)).Inc()
		return apierr.Wrap(apierr.KindConnection, err, "backend timed out").WithProvider(providerID)
	}
	r.metrics.RequestFailures.WithLabelValues(string(apierr.KindInternal)).Inc()
	return apierr.Wrap(apierr.KindInternal, err, "unexpected failure").WithProvider(providerID)
}

// annotateToolOutcome makes the documented pass-through behavior observable:
// a backend answering a tool-eligible prompt with plain text is not an error,
// but it must not vanish silently either.
func (r *Router) annotateToolOutcome(req openai.ChatRequest, resp openai.ChatResponse, providerID string) {
	if !req.WantsTools() || len(resp.Choices) == 0 {
		return
	}
	msg := resp.Choices[0].Message
	if len(msg.ToolCalls) == 0 || string(msg.ToolCalls) == "null" {
		r.logger.Info().
			Str("provider", providerID).
			Msg("tool-eligible prompt answered with plain text")
	}
}

func (r *Router) record(requestID, providerID, sessionKey, model string, start time.Time, usage openai.Usage, err error) {
	if r.audit == nil {
		return
	}
	rec := storage.RequestRecord{
		RequestID:        requestID,
		ProviderID:       providerID,
		SessionKey:       sessionKey,
		Model:            model,
		Outcome:          "ok",
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err != nil {
		rec.Outcome = string(apierr.KindOf(err))
		msg := err.Error()
		rec.Error = &msg
		var ge *apierr.Error
		if errors.As(err, &ge) {
			rec.Status = ge.Status
		}
	}
	r.audit.Record(rec)
}
