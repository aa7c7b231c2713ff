package database

import (
	"context"
	"encoding/json"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"
)

// LoadAssets returns every reconciled asset record.
func (db *DB) LoadAssets(ctx context.Context) ([]models.ReconciledAsset, error) {
	rows, err := db.QueryContext(ctx, `SELECT data FROM reconciled_assets ORDER BY asset_key ASC`)
	if err != nil {
		return nil, domain.NewPersistenceError("load assets", err)
	}
	defer rows.Close()

	var assets []models.ReconciledAsset
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, domain.NewPersistenceError("scan asset", err)
		}
		var asset models.ReconciledAsset
		if err := json.Unmarshal([]byte(raw), &asset); err != nil {
			return nil, domain.NewPersistenceError("decode asset", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("load assets", err)
	}
	return assets, nil
}

// SaveAsset upserts one reconciled asset record.
func (db *DB) SaveAsset(ctx context.Context, asset models.ReconciledAsset) error {
	raw, err := json.Marshal(asset)
	if err != nil {
		return domain.NewPersistenceError("encode asset", err)
	}

	var verifiedAt interface{}
	if asset.VerifiedAt != nil {
		verifiedAt = *asset.VerifiedAt
	}

	_, err = db.ExecContext(ctx, `INSERT INTO reconciled_assets (asset_key, data, verified_at, needs_resolution, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(asset_key) DO UPDATE SET
            data = excluded.data,
            verified_at = excluded.verified_at,
            needs_resolution = excluded.needs_resolution,
            updated_at = excluded.updated_at`,
		asset.AssetKey, string(raw), verifiedAt, asset.NeedsResolution, asset.UpdatedAt)
	if err != nil {
		return domain.NewPersistenceError("save asset "+asset.AssetKey, err)
	}
	return nil
}
