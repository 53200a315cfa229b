package storage

import "time"

// Provider kinds form a closed set; new backend variants are new kinds, not
// subclasses of existing ones.
const (
	KindLocalInference = "local-inference"
	KindHostedRelay    = "hosted-via-relay"
	KindHostedDirect   = "hosted-direct"
)

// SettingActiveProvider names the settings row holding the active provider id.
const SettingActiveProvider = "active_provider"

type Provider struct {
	ID           string
	Name         string
	Kind         string
	Enabled      bool
	Priority     int
	DefaultModel string
	CreatedAt    time.Time
}

type ConfigEntry struct {
	ProviderID string
	Key        string
	Value      string
	Sensitive  bool
}

type Model struct {
	ID           string
	Name         string
	Capabilities []string
	IsDefault    bool
}

type RequestRecord struct {
	RequestID        string
	ProviderID       string
	SessionKey       string
	Model            string
	Outcome          string
	Status           int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMs       int64
	Error            *string
}
