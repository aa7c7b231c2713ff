package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"
)

const metadataKey = "sync_metadata"

// LoadQueue returns the persisted queue in stored order.
func (db *DB) LoadQueue(ctx context.Context) ([]models.QueueItem, error) {
	query := `SELECT id, created_at, operation_type, payload, session_id, user_id, retry_count, status, priority, last_error, next_attempt_at, updated_at
              FROM sync_queue
              ORDER BY position ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.NewPersistenceError("load queue", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var (
			it          models.QueueItem
			payload     sql.NullString
			sessionID   sql.NullString
			userID      sql.NullString
			lastError   sql.NullString
			nextAttempt sql.NullTime
		)
		err := rows.Scan(
			&it.ID, &it.Timestamp, &it.OperationType, &payload, &sessionID, &userID,
			&it.RetryCount, &it.Status, &it.Priority, &lastError, &nextAttempt, &it.UpdatedAt,
		)
		if err != nil {
			return nil, domain.NewPersistenceError("scan queue item", err)
		}
		if payload.Valid && payload.String != "" {
			it.Payload = json.RawMessage(payload.String)
		}
		it.SessionID = sessionID.String
		it.UserID = userID.String
		it.Error = lastError.String
		if nextAttempt.Valid {
			at := nextAttempt.Time
			it.NextAttemptAt = &at
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("load queue", err)
	}
	return items, nil
}

// SaveQueue replaces the stored queue inside one transaction.
func (db *DB) SaveQueue(ctx context.Context, items []models.QueueItem) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewPersistenceError("save queue", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return domain.NewPersistenceError("save queue", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_queue
        (id, position, created_at, operation_type, payload, session_id, user_id, retry_count, status, priority, last_error, next_attempt_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return domain.NewPersistenceError("save queue", err)
	}
	defer stmt.Close()

	for pos := range items {
		it := &items[pos]
		var nextAttempt interface{}
		if it.NextAttemptAt != nil {
			nextAttempt = *it.NextAttemptAt
		}
		_, err = stmt.ExecContext(ctx,
			it.ID, pos, it.Timestamp, it.OperationType, nullString(string(it.Payload)),
			nullString(it.SessionID), nullString(it.UserID), it.RetryCount,
			string(it.Status), string(it.Priority), nullString(it.Error), nextAttempt, it.UpdatedAt,
		)
		if err != nil {
			return domain.NewPersistenceError(fmt.Sprintf("save queue item %s", it.ID), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return domain.NewPersistenceError("save queue", err)
	}
	return nil
}

// LoadMetadata returns the stored metadata or a zero value when none exists.
func (db *DB) LoadMetadata(ctx context.Context) (models.SyncMetadata, error) {
	var meta models.SyncMetadata
	var raw string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, metadataKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return meta, domain.NewPersistenceError("load metadata", err)
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, domain.NewPersistenceError("decode metadata", err)
	}
	return meta, nil
}

// SaveMetadata upserts the metadata record under its fixed key.
func (db *DB) SaveMetadata(ctx context.Context, meta models.SyncMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return domain.NewPersistenceError("encode metadata", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		metadataKey, string(raw), time.Now())
	if err != nil {
		return domain.NewPersistenceError("save metadata", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
