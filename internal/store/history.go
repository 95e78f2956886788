package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cuesheet/internal/history"
	"cuesheet/internal/rundown"
)

// PostgresStore keeps rundown history in an append-only table; triggers
// reject UPDATE and DELETE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ history.Store = (*PostgresStore)(nil)

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Append(ctx context.Context, entry history.Entry) error {
	details := entry.Details
	if details == nil {
		details = map[string]string{}
	}
	encodedDetails, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal history details: %w", err)
	}
	var encodedSnapshot any
	if entry.Snapshot != nil {
		raw, err := json.Marshal(entry.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal history snapshot: %w", err)
		}
		encodedSnapshot = string(raw)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rundown_history (id, rundown_id, action, details, actor, snapshot, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7)
	`, entry.ID, entry.RundownID, entry.Action, string(encodedDetails), entry.Actor, encodedSnapshot, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert rundown history: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, rundownID string, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = history.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rundown_id, action, details, actor, snapshot, created_at
		FROM rundown_history
		WHERE rundown_id=$1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, rundownID, limit)
	if err != nil {
		return nil, fmt.Errorf("list rundown history: %w", err)
	}
	defer rows.Close()

	items := make([]history.Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rundown history: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Get(ctx context.Context, rundownID, id string) (history.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rundown_id, action, details, actor, snapshot, created_at
		FROM rundown_history
		WHERE rundown_id=$1 AND id=$2
	`, rundownID, id)
	item, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Entry{}, history.ErrNotFound
	}
	return item, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (history.Entry, error) {
	var item history.Entry
	var detailsRaw, snapshotRaw []byte
	if err := row.Scan(&item.ID, &item.RundownID, &item.Action, &detailsRaw, &item.Actor, &snapshotRaw, &item.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.Entry{}, err
		}
		return history.Entry{}, fmt.Errorf("scan rundown history: %w", err)
	}
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &item.Details); err != nil {
			return history.Entry{}, fmt.Errorf("unmarshal history details: %w", err)
		}
		if len(item.Details) == 0 {
			item.Details = nil
		}
	}
	if len(snapshotRaw) > 0 {
		var snap rundown.Snapshot
		if err := json.Unmarshal(snapshotRaw, &snap); err != nil {
			return history.Entry{}, fmt.Errorf("unmarshal history snapshot: %w", err)
		}
		item.Snapshot = &snap
	}
	item.Timestamp = item.Timestamp.UTC()
	return item, nil
}
