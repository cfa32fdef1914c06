// Package store supplies the minimal database contract the sync engine
// (internal/syncengine) consumes: Put/Get/Delete/Iterate over JSON
// documents, a per-model sync flag, and a commit callback invoked with
// (model, key, item, params, cmd). This is deliberately NOT a general
// schema/trigger/query engine — that engine is out of scope per
// spec.md §1, named only by the contract it exposes. Backed by
// modernc.org/sqlite (pure Go, no cgo), a real pack dependency, because
// the agent needs real crash-safe persistence and a cgo-free driver
// cross-compiles cleanly to embedded targets.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// Cmd is the mutation kind the commit callback receives.
type Cmd string

const (
	CmdCreate Cmd = "create"
	CmdUpdate Cmd = "update"
	CmdUpsert Cmd = "upsert"
	CmdRemove Cmd = "remove"
)

// Params carries per-call flags, notably Bypass: items applied from the
// cloud-receive path are marked Bypass to prevent the sync engine from
// re-publishing what it just received (echo prevention, spec.md §4.6).
type Params struct {
	Bypass bool
}

// CommitFunc is invoked on every commit with the model name, the row key,
// the serialized item, the call params, and the mutation kind.
type CommitFunc func(model, key string, item []byte, params Params, cmd Cmd)

// Store is the minimal KV-over-JSON contract.
type Store struct {
	db         *sql.DB
	commits    []CommitFunc
	syncModels map[string]bool
}

// Open opens (creating if absent) a SQLite-backed store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.CantInitialize, "store", "Open", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS items (
		model TEXT NOT NULL,
		key TEXT NOT NULL,
		json TEXT NOT NULL,
		updated TEXT NOT NULL,
		PRIMARY KEY (model, key)
	)`); err != nil {
		return nil, agenterr.Wrap(agenterr.CantInitialize, "store", "Open", err)
	}
	return &Store{db: db, syncModels: make(map[string]bool)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// OnCommit registers an additional commit observer; every registered
// observer fires on every commit, in registration order. Both the sync
// engine and the command dispatcher attach independently this way.
func (s *Store) OnCommit(fn CommitFunc) { s.commits = append(s.commits, fn) }

// SetSyncEnabled marks whether a model participates in cloud sync
// (spec.md §4.6's "model.sync flag").
func (s *Store) SetSyncEnabled(model string, enabled bool) { s.syncModels[model] = enabled }

func (s *Store) SyncEnabled(model string) bool { return s.syncModels[model] }

// SyncEnabledModels lists the models currently marked sync-enabled, for
// full-sync-up (spec.md §4.6's "iterates ... every model.sync record").
func (s *Store) SyncEnabledModels() []string {
	models := make([]string, 0, len(s.syncModels))
	for model, enabled := range s.syncModels {
		if enabled {
			models = append(models, model)
		}
	}
	return models
}

// Put inserts or updates an item, invoking the commit callback unless
// params.Bypass filtering is the caller's own concern (the callback
// always fires; the engine decides whether to act based on Bypass).
func (s *Store) Put(ctx context.Context, model, key string, item any, params Params, cmd Cmd) error {
	data, err := json.Marshal(item)
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "store", "Put", err)
	}
	updated := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `INSERT INTO items (model, key, json, updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(model, key) DO UPDATE SET json = excluded.json, updated = excluded.updated`,
		model, key, string(data), updated)
	if err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "store", "Put", err)
	}

	for _, fn := range s.commits {
		fn(model, key, data, params, cmd)
	}
	return nil
}

// Get fetches the raw JSON and updated timestamp for a key, ok=false if absent.
func (s *Store) Get(ctx context.Context, model, key string) (data []byte, updated string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT json, updated FROM items WHERE model = ? AND key = ?`, model, key)
	var j, u string
	if scanErr := row.Scan(&j, &u); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return nil, "", false, nil
		}
		return nil, "", false, agenterr.Wrap(agenterr.CantRead, "store", "Get", scanErr)
	}
	return []byte(j), u, true, nil
}

// Delete removes a key, invoking the commit callback with CmdRemove.
func (s *Store) Delete(ctx context.Context, model, key string, params Params) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE model = ? AND key = ?`, model, key)
	if err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "store", "Delete", err)
	}
	for _, fn := range s.commits {
		fn(model, key, nil, params, CmdRemove)
	}
	return nil
}

// Item is one row surfaced by Iterate.
type Item struct {
	Key     string
	JSON    []byte
	Updated string
}

// Iterate calls fn for every row of model, in key order. Used by
// full-sync-up (spec.md §4.6's "iterates the primary index").
func (s *Store) Iterate(ctx context.Context, model string, fn func(Item) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, json, updated FROM items WHERE model = ? ORDER BY key`, model)
	if err != nil {
		return agenterr.Wrap(agenterr.CantRead, "store", "Iterate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		var j string
		if err := rows.Scan(&it.Key, &j, &it.Updated); err != nil {
			return agenterr.Wrap(agenterr.CantRead, "store", "Iterate", err)
		}
		it.JSON = []byte(j)
		if err := fn(it); err != nil {
			return err
		}
	}
	return rows.Err()
}
