package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"llmgate/internal/crypto"
)

var dbSeq int

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:repo_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq)
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{0x42}, 32)})
	if err != nil {
		t.Fatalf("crypto manager: %v", err)
	}
	store, err := Open(context.Background(), "sqlite", dsn, true, "", cm)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenPostgresDriverRegistered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Nothing listens on port 1; the open must get as far as the connection
	// attempt, not die on driver registration.
	for _, driver := range []string{"postgres", "pgx"} {
		_, err := Open(ctx, driver, "postgres://u:p@127.0.0.1:1/llmgate?connect_timeout=1", false, "", nil)
		if err == nil {
			t.Fatalf("driver %s: expected connection failure", driver)
		}
		if strings.Contains(err.Error(), "unknown driver") {
			t.Fatalf("driver %s: not registered with database/sql: %v", driver, err)
		}
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, SettingActiveProvider); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unset key, got %v", err)
	}
	if err := s.SetSetting(ctx, SettingActiveProvider, "p1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSetting(ctx, SettingActiveProvider, "p2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetSetting(ctx, SettingActiveProvider)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "p2" {
		t.Fatalf("expected p2, got %q", got)
	}
}

func TestActiveProviderResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetActiveProvider(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found with no setting, got %v", err)
	}

	p := Provider{ID: "p1", Name: "local", Kind: KindLocalInference, Enabled: true}
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetSetting(ctx, SettingActiveProvider, "p1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	got, err := s.GetActiveProvider(ctx)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if got.ID != "p1" || got.Kind != KindLocalInference {
		t.Fatalf("unexpected provider %+v", got)
	}

	p.Enabled = false
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.GetActiveProvider(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disabled active provider must read as not found, got %v", err)
	}
}

func TestSensitiveConfigSealedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProvider(ctx, Provider{ID: "p1", Name: "relay", Kind: KindHostedRelay, Enabled: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetConfigValue(ctx, "p1", "base_url", "http://relay.example.com", false); err != nil {
		t.Fatalf("set base_url: %v", err)
	}
	if err := s.SetConfigValue(ctx, "p1", "api_key", "sk-secret", true); err != nil {
		t.Fatalf("set api_key: %v", err)
	}

	// The raw row must hold an envelope, never the plaintext.
	var raw string
	if err := s.DB().QueryRowContext(ctx,
		"SELECT value FROM provider_config WHERE provider_id='p1' AND key='api_key'").Scan(&raw); err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if strings.Contains(raw, "sk-secret") {
		t.Fatal("sensitive value stored in plaintext")
	}

	cfg, err := s.GetProviderConfig(ctx, "p1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg["api_key"] != "sk-secret" {
		t.Fatalf("expected decrypted value, got %q", cfg["api_key"])
	}
	if cfg["base_url"] != "http://relay.example.com" {
		t.Fatalf("plain value mangled: %q", cfg["base_url"])
	}

	entries, err := s.ListProviderConfig(ctx, "p1")
	if err != nil {
		t.Fatalf("list config: %v", err)
	}
	for _, e := range entries {
		if e.Key == "api_key" && e.Value != MaskedValue {
			t.Fatalf("sensitive value must be masked on listing, got %q", e.Value)
		}
		if e.Key == "base_url" && e.Value != "http://relay.example.com" {
			t.Fatalf("plain value must list unmasked, got %q", e.Value)
		}
	}
}

func TestLinkModelKeepsSingleDefault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProvider(ctx, Provider{ID: "p1", Name: "local", Kind: KindLocalInference, Enabled: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		if err := s.UpsertModel(ctx, Model{ID: id, Name: id, Capabilities: []string{"chat"}}); err != nil {
			t.Fatalf("upsert model %s: %v", id, err)
		}
	}
	if err := s.LinkModel(ctx, "p1", "m1", true); err != nil {
		t.Fatalf("link m1: %v", err)
	}
	if err := s.LinkModel(ctx, "p1", "m2", true); err != nil {
		t.Fatalf("link m2: %v", err)
	}

	models, err := s.GetModelsForProvider(ctx, "p1")
	if err != nil {
		t.Fatalf("models for provider: %v", err)
	}
	defaults := 0
	for _, m := range models {
		if m.IsDefault {
			defaults++
			if m.ID != "m2" {
				t.Fatalf("newest default must win, got %s", m.ID)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}

func TestGetProviderForModelPrefersPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	providers := []Provider{
		{ID: "low", Name: "low", Kind: KindLocalInference, Enabled: true, Priority: 1},
		{ID: "high", Name: "high", Kind: KindHostedRelay, Enabled: true, Priority: 9},
		{ID: "off", Name: "off", Kind: KindHostedDirect, Enabled: false, Priority: 99},
	}
	for _, p := range providers {
		if err := s.UpsertProvider(ctx, p); err != nil {
			t.Fatalf("upsert %s: %v", p.ID, err)
		}
	}
	if err := s.UpsertModel(ctx, Model{ID: "m1", Name: "m1"}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	for _, p := range providers {
		if err := s.LinkModel(ctx, p.ID, "m1", false); err != nil {
			t.Fatalf("link %s: %v", p.ID, err)
		}
	}

	got, err := s.GetProviderForModel(ctx, "m1")
	if err != nil {
		t.Fatalf("provider for model: %v", err)
	}
	if got.ID != "high" {
		t.Fatalf("expected highest-priority enabled provider, got %s", got.ID)
	}

	if _, err := s.GetProviderForModel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unlinked model, got %v", err)
	}
}

func TestDeleteProviderRefusesWhileLinked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertProvider(ctx, Provider{ID: "p1", Name: "local", Kind: KindLocalInference, Enabled: true}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	if err := s.UpsertModel(ctx, Model{ID: "m1", Name: "m1"}); err != nil {
		t.Fatalf("upsert model: %v", err)
	}
	if err := s.LinkModel(ctx, "p1", "m1", false); err != nil {
		t.Fatalf("link: %v", err)
	}

	if err := s.DeleteProvider(ctx, "p1"); !errors.Is(err, ErrProviderLinked) {
		t.Fatalf("expected linked-provider refusal, got %v", err)
	}

	if _, err := s.DB().ExecContext(ctx, "DELETE FROM provider_models WHERE provider_id='p1'"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := s.DeleteProvider(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetProvider(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected provider gone, got %v", err)
	}
	if err := s.DeleteProvider(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete must report not found, got %v", err)
	}
}

func TestAuditInsertAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := RequestRecord{
		RequestID:   "req-1",
		ProviderID:  "p1",
		SessionKey:  "abc",
		Model:       "m1",
		Outcome:     "success",
		Status:      200,
		TotalTokens: 12,
		DurationMs:  35,
	}
	if err := s.InsertRequestRecord(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Nothing is old enough yet.
	n, err := s.PruneRequestRecords(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows pruned, got %d", n)
	}

	n, err = s.PruneRequestRecords(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one row pruned, got %d", n)
	}
}
