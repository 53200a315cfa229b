package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

// ErrProviderLinked guards provider deletion: once models reference a
// provider its id is immutable and the row cannot be removed.
var ErrProviderLinked = errors.New("provider has linked models")

// MaskedValue replaces sensitive config values on listing reads.
const MaskedValue = "******"

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value").From("settings").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build get setting query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	q := s.sql.Insert("settings").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT(key) DO UPDATE SET value=excluded.value")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set setting query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (Provider, error) {
	return s.getProvider(ctx, sq.Eq{"id": id})
}

// GetActiveProvider resolves the active_provider setting to an enabled
// provider row. A missing setting, missing row, or disabled row all read as
// not found; the router maps that to ProviderUnavailable.
func (s *Store) GetActiveProvider(ctx context.Context) (Provider, error) {
	id, err := s.GetSetting(ctx, SettingActiveProvider)
	if err != nil {
		return Provider{}, err
	}
	p, err := s.getProvider(ctx, sq.Eq{"id": id})
	if err != nil {
		return Provider{}, err
	}
	if !p.Enabled {
		return Provider{}, ErrNotFound
	}
	return p, nil
}

// GetProviderForModel returns the highest-priority enabled provider linked to
// the given model id.
func (s *Store) GetProviderForModel(ctx context.Context, modelID string) (Provider, error) {
	q := s.sql.Select("p.id", "p.name", "p.kind", "p.enabled", "p.priority", "p.default_model", "p.created_at").
		From("providers p").
		Join("provider_models pm ON pm.provider_id = p.id").
		Where(sq.Eq{"pm.model_id": modelID, "p.enabled": true}).
		OrderBy("p.priority DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build provider for model query: %w", err)
	}
	return s.scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) getProvider(ctx context.Context, where sq.Sqlizer) (Provider, error) {
	q := s.sql.Select("id", "name", "kind", "enabled", "priority", "default_model", "created_at").
		From("providers").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Provider{}, fmt.Errorf("build get provider query: %w", err)
	}
	return s.scanProvider(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) scanProvider(row *sql.Row) (Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.Enabled, &p.Priority, &p.DefaultModel, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("scan provider: %w", err)
	}
	return p, nil
}

func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	q := s.sql.Select("id", "name", "kind", "enabled", "priority", "default_model", "created_at").
		From("providers").
		OrderBy("priority DESC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0)
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Enabled, &p.Priority, &p.DefaultModel, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate provider rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertProvider(ctx context.Context, p Provider) error {
	q := s.sql.Insert("providers").
		Columns("id", "name", "kind", "enabled", "priority", "default_model").
		Values(p.ID, p.Name, p.Kind, p.Enabled, p.Priority, p.DefaultModel).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, enabled=excluded.enabled, priority=excluded.priority, default_model=excluded.default_model")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build provider upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	linked, err := s.countModelLinks(ctx, id)
	if err != nil {
		return err
	}
	if linked > 0 {
		return ErrProviderLinked
	}

	for _, table := range []string{"provider_config", "providers"} {
		var where sq.Sqlizer = sq.Eq{"provider_id": id}
		if table == "providers" {
			where = sq.Eq{"id": id}
		}
		q := s.sql.Delete(table).Where(where)
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build delete provider query: %w", err)
		}
		res, err := s.db.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("delete provider: %w", err)
		}
		if table == "providers" {
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrNotFound
			}
		}
	}
	return nil
}

func (s *Store) countModelLinks(ctx context.Context, providerID string) (int64, error) {
	q := s.sql.Select("COUNT(*)").From("provider_models").Where(sq.Eq{"provider_id": providerID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build model link count query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count model links: %w", err)
	}
	return n, nil
}

// SetConfigValue writes one provider config entry. Sensitive values are
// sealed before they touch the table.
func (s *Store) SetConfigValue(ctx context.Context, providerID, key, value string, sensitive bool) error {
	if sensitive && s.crypto != nil {
		sealed, err := s.crypto.SealString(value)
		if err != nil {
			return fmt.Errorf("seal config value: %w", err)
		}
		value = sealed
	}
	q := s.sql.Insert("provider_config").
		Columns("provider_id", "key", "value", "is_sensitive").
		Values(providerID, key, value, sensitive).
		Suffix("ON CONFLICT(provider_id, key) DO UPDATE SET value=excluded.value, is_sensitive=excluded.is_sensitive")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build config upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert config value: %w", err)
	}
	return nil
}

// GetProviderConfig returns the full config map with sensitive values
// decrypted, the form adapters are built from.
func (s *Store) GetProviderConfig(ctx context.Context, providerID string) (map[string]string, error) {
	entries, err := s.readConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		value := e.Value
		if e.Sensitive && s.crypto != nil {
			plain, err := s.crypto.OpenString(e.Value)
			if err != nil {
				return nil, fmt.Errorf("open config value %s/%s: %w", providerID, e.Key, err)
			}
			value = plain
		}
		out[e.Key] = value
	}
	return out, nil
}

// ListProviderConfig is the management-facing read: sensitive values masked.
func (s *Store) ListProviderConfig(ctx context.Context, providerID string) ([]ConfigEntry, error) {
	entries, err := s.readConfig(ctx, providerID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Sensitive {
			entries[i].Value = MaskedValue
		}
	}
	return entries, nil
}

func (s *Store) readConfig(ctx context.Context, providerID string) ([]ConfigEntry, error) {
	q := s.sql.Select("provider_id", "key", "value", "is_sensitive").
		From("provider_config").
		Where(sq.Eq{"provider_id": providerID}).
		OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build config query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("read provider config: %w", err)
	}
	defer rows.Close()

	out := make([]ConfigEntry, 0)
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.ProviderID, &e.Key, &e.Value, &e.Sensitive); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	q := s.sql.Insert("models").
		Columns("id", "name", "capabilities").
		Values(m.ID, m.Name, string(caps)).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, capabilities=excluded.capabilities")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

// LinkModel attaches a model to a provider. Marking a link default clears any
// previous default so a provider keeps at most one.
func (s *Store) LinkModel(ctx context.Context, providerID, modelID string, isDefault bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link model tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if isDefault {
		q := s.sql.Update("provider_models").
			Set("is_default", false).
			Where(sq.Eq{"provider_id": providerID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build clear default query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("clear default model: %w", err)
		}
	}

	q := s.sql.Insert("provider_models").
		Columns("provider_id", "model_id", "is_default").
		Values(providerID, modelID, isDefault).
		Suffix("ON CONFLICT(provider_id, model_id) DO UPDATE SET is_default=excluded.is_default")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build link model query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("link model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit link model tx: %w", err)
	}
	return nil
}

func (s *Store) GetModelsForProvider(ctx context.Context, providerID string) ([]Model, error) {
	q := s.sql.Select("m.id", "m.name", "m.capabilities", "pm.is_default").
		From("models m").
		Join("provider_models pm ON pm.model_id = m.id").
		Where(sq.Eq{"pm.provider_id": providerID}).
		OrderBy("m.id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build models for provider query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("models for provider: %w", err)
	}
	defer rows.Close()

	out := make([]Model, 0)
	for rows.Next() {
		var m Model
		var caps string
		if err := rows.Scan(&m.ID, &m.Name, &caps, &m.IsDefault); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		if strings.TrimSpace(caps) != "" {
			if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
				return nil, fmt.Errorf("parse capabilities for model %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return out, nil
}

func (s *Store) InsertRequestRecord(ctx context.Context, r RequestRecord) error {
	q := s.sql.Insert("audit_requests").
		Columns("request_id", "provider_id", "session_key", "model", "outcome", "status",
			"prompt_tokens", "completion_tokens", "total_tokens", "duration_ms", "error").
		Values(r.RequestID, r.ProviderID, r.SessionKey, r.Model, r.Outcome, r.Status,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.DurationMs, r.Error)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// PruneRequestRecords deletes audit rows older than the cutoff and reports
// how many went away.
func (s *Store) PruneRequestRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	q := s.sql.Delete("audit_requests").Where(sq.Lt{"created_at": olderThan.UTC()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build audit prune query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
