// Package session bridges the stateless client protocol onto stateful
// backend conversations. The client sends no session token, so a conversation
// is identified by the content of its first user message; each logical
// conversation maps onto one remote chat-tree handle and a pointer to the
// newest node in that tree.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmgate/internal/adapters"
	"llmgate/internal/apierr"
	"llmgate/internal/metrics"
	"llmgate/internal/openai"
	"llmgate/internal/stream"
)

type Session struct {
	mu sync.Mutex

	Key            string
	RemoteChatID   string
	LastParentID   string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

type Config struct {
	TTL      time.Duration
	Capacity int
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Manager struct {
	ttl      time.Duration
	capacity int
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config) *Manager {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	return &Manager{
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Key derives the session key for a request: the content hash of the first
// user message, the only stable identifier a stateless client gives us.
func Key(req openai.ChatRequest) (string, error) {
	first, ok := req.FirstUserMessage()
	if !ok {
		return "", apierr.New(apierr.KindBadRequest, "request has no user message")
	}
	sum := sha256.Sum256([]byte(first.Content))
	return hex.EncodeToString(sum[:]), nil
}

// Complete runs one non-streaming turn through the stateful adapter,
// creating the remote chat on first contact and advancing the parent pointer
// only from the backend's own response.
func (m *Manager) Complete(ctx context.Context, ad adapters.StatefulAdapter, req openai.ChatRequest) (openai.ChatResponse, error) {
	key, err := Key(req)
	if err != nil {
		return openai.ChatResponse{}, err
	}

	sess := m.checkout(key)
	defer sess.mu.Unlock()

	turn, err := m.ensureChat(ctx, ad, sess)
	if err != nil {
		return openai.ChatResponse{}, err
	}

	res, err := ad.SendTurn(ctx, turn, req)
	if err != nil {
		return openai.ChatResponse{}, err
	}
	if res.NodeID == "" {
		// A stale pointer must never be kept silently; surface the gap.
		return openai.ChatResponse{}, apierr.New(apierr.KindProtocol, "backend response missing assigned node id")
	}

	sess.LastParentID = res.NodeID
	sess.LastAccessedAt = time.Now()
	return res.Response, nil
}

// Stream runs one streaming turn. The per-key lock is held until the backend
// stream terminates so a racing retry waits for this turn's parent-pointer
// update instead of reusing a stale value.
func (m *Manager) Stream(ctx context.Context, ad adapters.StatefulAdapter, req openai.ChatRequest) (<-chan stream.Event, error) {
	key, err := Key(req)
	if err != nil {
		return nil, err
	}

	sess := m.checkout(key)

	turn, err := m.ensureChat(ctx, ad, sess)
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}

	events, err := ad.StreamTurn(ctx, turn, req)
	if err != nil {
		sess.mu.Unlock()
		return nil, err
	}

	out := make(chan stream.Event)
	go func() {
		defer close(out)
		defer sess.mu.Unlock()

		nodeID := ""
		failed := false
		for ev := range events {
			if ev.NodeID != "" {
				nodeID = ev.NodeID
			}
			if ev.Err != nil {
				failed = true
			}
			out <- ev
		}

		switch {
		case nodeID != "":
			sess.LastParentID = nodeID
			sess.LastAccessedAt = time.Now()
		case !failed:
			out <- stream.Event{Err: apierr.New(apierr.KindProtocol, "backend stream missing assigned node id")}
		}
	}()
	return out, nil
}

// checkout returns the session for key with its per-key lock held. An absent
// or expired record comes back reset, ready for chat creation.
func (m *Manager) checkout(key string) *Session {
	for {
		m.mu.Lock()
		sess, ok := m.sessions[key]
		if !ok {
			m.evictOverCapacityLocked()
			sess = &Session{Key: key, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
			m.sessions[key] = sess
		}
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.mu.Unlock()

		sess.mu.Lock()

		// The record may have been evicted while we waited for its lock; if
		// the map no longer holds this pointer, start over.
		m.mu.Lock()
		current := m.sessions[key] == sess
		m.mu.Unlock()
		if !current {
			sess.mu.Unlock()
			continue
		}

		if sess.RemoteChatID != "" && time.Since(sess.LastAccessedAt) > m.ttl {
			m.metrics.SessionEvicted.WithLabelValues("ttl").Inc()
			sess.RemoteChatID = ""
			sess.LastParentID = ""
			sess.CreatedAt = time.Now()
		}
		return sess
	}
}

func (m *Manager) ensureChat(ctx context.Context, ad adapters.StatefulAdapter, sess *Session) (adapters.Turn, error) {
	if sess.RemoteChatID == "" {
		chatID, err := ad.CreateChat(ctx)
		if err != nil {
			return adapters.Turn{}, err
		}
		sess.RemoteChatID = chatID
		sess.LastParentID = ""
		m.logger.Debug().Str("session_key", sess.Key).Str("chat_id", chatID).Msg("created remote chat")
	}
	return adapters.Turn{ChatID: sess.RemoteChatID, ParentID: sess.LastParentID}, nil
}

// evictOverCapacityLocked drops the oldest sessions until one slot is free.
// Callers hold m.mu.
func (m *Manager) evictOverCapacityLocked() {
	for len(m.sessions) >= m.capacity {
		oldestKey := ""
		var oldest time.Time
		for k, s := range m.sessions {
			if oldestKey == "" || s.LastAccessedAt.Before(oldest) {
				oldestKey = k
				oldest = s.LastAccessedAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(m.sessions, oldestKey)
		m.metrics.SessionEvicted.WithLabelValues("capacity").Inc()
	}
}

// Sweep expires idle sessions and trims the table back under capacity,
// oldest first. Wired to the cron janitor.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, s := range m.sessions {
		if now.Sub(s.LastAccessedAt) > m.ttl {
			delete(m.sessions, k)
			m.metrics.SessionEvicted.WithLabelValues("ttl").Inc()
		}
	}

	if over := len(m.sessions) - m.capacity; over > 0 {
		type aged struct {
			key  string
			last time.Time
		}
		all := make([]aged, 0, len(m.sessions))
		for k, s := range m.sessions {
			all = append(all, aged{key: k, last: s.LastAccessedAt})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
		for i := 0; i < over; i++ {
			delete(m.sessions, all[i].key)
			m.metrics.SessionEvicted.WithLabelValues("capacity").Inc()
		}
	}

	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
}

// Len reports the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot is a point-in-time copy of one session record.
type Snapshot struct {
	Key            string
	RemoteChatID   string
	LastParentID   string
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Peek returns a snapshot of the session record for key, for tests and
// diagnostics only; it does not refresh access time.
func (m *Manager) Peek(key string) (Snapshot, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{
		Key:            sess.Key,
		RemoteChatID:   sess.RemoteChatID,
		LastParentID:   sess.LastParentID,
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
	}, true
}
