package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"llmgate/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, "llmgate:audit", "audit-workers", "test-consumer", 50*time.Millisecond)
}

func testRecord(id string) storage.RequestRecord {
	return storage.RequestRecord{
		RequestID:   id,
		ProviderID:  "p1",
		Model:       "m1",
		Outcome:     "ok",
		TotalTokens: 12,
		DurationMs:  40,
	}
}

func TestQueueRoundtrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := q.Enqueue(ctx, testRecord("req-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	messages, err := q.Read(ctx, 16)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	got := messages[0].Record
	if got.RequestID != "req-1" || got.TotalTokens != 12 {
		t.Fatalf("record mangled in transit: %+v", got)
	}

	if err := q.Ack(ctx, messages[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	messages, err = q.Read(ctx, 16)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty stream after ack, got %d messages", len(messages))
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("second ensure must tolerate BUSYGROUP: %v", err)
	}
}

func TestSinkNeverBlocks(t *testing.T) {
	s := NewSink(SinkConfig{Buffer: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Second record exceeds the buffer; it must be dropped, not queued.
		s.Record(testRecord("req-1"))
		s.Record(testRecord("req-2"))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}

func TestSinkPublishesToStream(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	s := NewSink(SinkConfig{Queue: q, Buffer: 4})
	go s.Start(ctx)

	s.Record(testRecord("req-1"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		messages, err := q.Read(ctx, 16)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(messages) == 1 && messages[0].Record.RequestID == "req-1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("record never reached the stream")
		}
	}
}
