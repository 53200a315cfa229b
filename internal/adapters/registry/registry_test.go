package registry

import (
	"testing"

	"llmgate/internal/apierr"
	"llmgate/internal/storage"
)

func localProvider() storage.Provider {
	return storage.Provider{ID: "p1", Name: "local", Kind: storage.KindLocalInference, Enabled: true}
}

func TestBuildLocalInference(t *testing.T) {
	inst, err := Build(localProvider(), map[string]string{"base_url": "http://127.0.0.1:8081"}, BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.Chat == nil || inst.Stateful != nil {
		t.Fatalf("local-inference must build a stateless adapter, got %+v", inst)
	}
}

func TestBuildHostedRelay(t *testing.T) {
	inst, err := Build(
		storage.Provider{ID: "p2", Kind: storage.KindHostedRelay, Enabled: true},
		map[string]string{"base_url": "http://relay.example.com", "api_key": "sk-1"},
		BuildOptions{},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.Chat == nil {
		t.Fatal("hosted-via-relay must build a stateless adapter")
	}
}

func TestBuildHostedDirect(t *testing.T) {
	inst, err := Build(
		storage.Provider{ID: "p3", Kind: storage.KindHostedDirect, Enabled: true},
		map[string]string{"base_url": "http://hosted.example.com", "token": "tok"},
		BuildOptions{},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if inst.Stateful == nil || inst.Chat != nil {
		t.Fatalf("hosted-direct must build a stateful adapter, got %+v", inst)
	}
}

func TestBuildMissingBaseURL(t *testing.T) {
	_, err := Build(localProvider(), map[string]string{}, BuildOptions{})
	if apierr.KindOf(err) != apierr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildHostedDirectNeedsToken(t *testing.T) {
	_, err := Build(
		storage.Provider{ID: "p3", Kind: storage.KindHostedDirect, Enabled: true},
		map[string]string{"base_url": "http://hosted.example.com"},
		BuildOptions{},
	)
	if apierr.KindOf(err) != apierr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildUnsupportedKind(t *testing.T) {
	_, err := Build(storage.Provider{ID: "p4", Kind: "carrier-pigeon"}, nil, BuildOptions{})
	if apierr.KindOf(err) != apierr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCacheReusesUnchangedSnapshot(t *testing.T) {
	c := NewCache(BuildOptions{})
	cfg := map[string]string{"base_url": "http://127.0.0.1:8081"}

	first, err := c.Get(localProvider(), cfg)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := c.Get(localProvider(), cfg)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatal("unchanged config must return the cached snapshot")
	}
}

func TestCacheRebuildsOnConfigChange(t *testing.T) {
	c := NewCache(BuildOptions{})

	first, err := c.Get(localProvider(), map[string]string{"base_url": "http://127.0.0.1:8081"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := c.Get(localProvider(), map[string]string{"base_url": "http://127.0.0.1:9090"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first == second {
		t.Fatal("changed config must rebuild the snapshot")
	}
	if first.Fingerprint == second.Fingerprint {
		t.Fatal("fingerprints must differ across config changes")
	}
}
