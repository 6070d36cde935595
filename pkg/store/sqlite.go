package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/nostrlink/relaygate/pkg/nip01"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		pubkey     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind       INTEGER NOT NULL,
		d_tag      TEXT NOT NULL DEFAULT '',
		tags       TEXT NOT NULL,
		content    TEXT NOT NULL,
		sig        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind_created ON events(kind, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_pubkey_created ON events(pubkey, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_replaceable ON events(pubkey, kind, d_tag)`,
	`CREATE TABLE IF NOT EXISTS event_tags (
		event_id TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		value    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_name_value ON event_tags(name, value)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_event ON event_tags(event_id)`,
}

// SQLiteStore is the durable event store. A single connection serializes
// writes; WAL mode keeps readers unblocked while the writer commits.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (creating if necessary) the database at dsn and
// ensures the schema.
func NewSQLiteStore(ctx context.Context, dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensuring schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *nostr.Event) (bool, error) {
	if nip01.IsEphemeral(ev.Kind) && !s.opts.keepEphemeral[ev.Kind] {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM events WHERE id = ?", ev.ID).Scan(&one)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, storageErr(err)
	}

	dTag := ""
	replaceable := nip01.IsReplaceable(ev.Kind)
	if nip01.IsAddressable(ev.Kind) {
		replaceable = true
		dTag = nip01.DTag(ev)
	}
	if replaceable {
		var (
			currentID      string
			currentCreated int64
		)
		err = tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM events WHERE pubkey = ? AND kind = ? AND d_tag = ?",
			ev.PubKey, ev.Kind, dTag,
		).Scan(&currentID, &currentCreated)
		switch {
		case err == nil:
			current := &nostr.Event{ID: currentID, CreatedAt: nostr.Timestamp(currentCreated)}
			if keepsNewer(current, ev) {
				return false, nil
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE id = ?", currentID); err != nil {
				return false, storageErr(err)
			}
		case !errors.Is(err, sql.ErrNoRows):
			return false, storageErr(err)
		}
	}

	tagsJSON, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, storageErr(err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, d_tag, tags, content, sig)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, dTag, string(tagsJSON), ev.Content, ev.Sig,
	)
	if err != nil {
		return false, storageErr(err)
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)",
			ev.ID, tag[0], tag[1],
		); err != nil {
			return false, storageErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr(err)
	}
	return true, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*nostr.Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return ev, nil
}

func (s *SQLiteStore) QueryEvents(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	seen := make(map[string]bool)
	var out []*nostr.Event

	for _, f := range filters {
		query, args, ok := buildFilterQuery(f)
		if !ok {
			continue
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, storageErr(err)
		}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return nil, storageErr(err)
			}
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, storageErr(err)
		}
		rows.Close()
	}

	nip01.SortEvents(out)
	return out, nil
}

func (s *SQLiteStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// buildFilterQuery renders one filter as a SELECT. ok is false for filters
// that can never return stored events (limit zero).
func buildFilterQuery(f nostr.Filter) (string, []any, bool) {
	if f.LimitZero {
		return "", nil, false
	}

	var (
		conds []string
		args  []any
	)
	if len(f.IDs) > 0 {
		conds = append(conds, prefixCondition("id", f.IDs, &args))
	}
	if len(f.Authors) > 0 {
		conds = append(conds, prefixCondition("pubkey", f.Authors, &args))
	}
	if len(f.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(f.Kinds)), ", ")
		conds = append(conds, "kind IN ("+placeholders+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, int64(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, int64(*f.Until))
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			conds = append(conds, "1 = 0")
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		conds = append(conds,
			"EXISTS (SELECT 1 FROM event_tags t WHERE t.event_id = events.id AND t.name = ? AND t.value IN ("+placeholders+"))")
		args = append(args, name)
		for _, v := range values {
			args = append(args, v)
		}
	}

	query := "SELECT id, pubkey, created_at, kind, tags, content, sig FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args, true
}

// prefixCondition ORs hex-prefix matches over a column. Full-length values
// become equality checks; shorter ones a LIKE with escaping.
func prefixCondition(column string, prefixes []string, args *[]any) string {
	terms := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if len(p) == 64 {
			terms = append(terms, column+" = ?")
			*args = append(*args, p)
			continue
		}
		terms = append(terms, column+" LIKE ? ESCAPE '\\'")
		*args = append(*args, escapeLike(p)+"%")
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*nostr.Event, error) {
	var (
		ev        nostr.Event
		createdAt int64
		tagsJSON  string
	)
	if err := row.Scan(&ev.ID, &ev.PubKey, &createdAt, &ev.Kind, &tagsJSON, &ev.Content, &ev.Sig); err != nil {
		return nil, err
	}
	ev.CreatedAt = nostr.Timestamp(createdAt)
	if err := json.Unmarshal([]byte(tagsJSON), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags of %s: %w", ev.ID, err)
	}
	return &ev, nil
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
