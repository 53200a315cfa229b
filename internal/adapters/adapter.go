// Package adapters defines the contract between the router and a backend
// variant. Stateless variants take the full openai request; the stateful
// variant takes only the newest message plus a chat-tree handle supplied by
// the session manager.
package adapters

import (
	"context"

	"llmgate/internal/openai"
	"llmgate/internal/stream"
)

// Adapter is the per-backend strategy for openai-shaped protocols.
type Adapter interface {
	ChatCompletion(ctx context.Context, req openai.ChatRequest) (openai.ChatResponse, error)
	StreamChat(ctx context.Context, req openai.ChatRequest) (<-chan stream.Event, error)
	ListModels(ctx context.Context) ([]openai.Model, error)
	HealthCheck(ctx context.Context) bool
}

// Turn addresses one message into a backend's server-side chat tree.
type Turn struct {
	ChatID   string
	ParentID string
}

// TurnResult is a completed non-streaming turn. NodeID is the id the backend
// assigned the new tree node; the session manager records it as the next
// parent pointer.
type TurnResult struct {
	Response openai.ChatResponse
	NodeID   string
}

// StatefulAdapter is the hosted-direct variant. It never sees the full
// message history; conversation state lives on the backend.
type StatefulAdapter interface {
	CreateChat(ctx context.Context) (string, error)
	SendTurn(ctx context.Context, turn Turn, req openai.ChatRequest) (TurnResult, error)
	StreamTurn(ctx context.Context, turn Turn, req openai.ChatRequest) (<-chan stream.Event, error)
	ListModels(ctx context.Context) ([]openai.Model, error)
	HealthCheck(ctx context.Context) bool
}
