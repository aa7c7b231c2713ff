package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

var ErrEmptyAssetKey = errors.New("asset key is required")

// Reconciler merges locally observed asset facts into a working set that
// is compared against the authoritative snapshot.
type Reconciler struct {
	mu      sync.RWMutex
	repo    domain.AssetRepository
	records map[string]*models.ReconciledAsset
	now     func() time.Time
	logger  *zerolog.Logger
}

func New(repo domain.AssetRepository, logger *zerolog.Logger) *Reconciler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Reconciler{
		repo:    repo,
		records: make(map[string]*models.ReconciledAsset),
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock overrides time.Now. Not safe to call concurrently with Merge.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Load replaces the working set with the persisted records.
func (r *Reconciler) Load(ctx context.Context) error {
	assets, err := r.repo.LoadAssets(ctx)
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}

	records := make(map[string]*models.ReconciledAsset, len(assets))
	for i := range assets {
		asset := assets[i].Clone()
		records[asset.AssetKey] = &asset
	}

	r.mu.Lock()
	r.records = records
	r.mu.Unlock()
	r.logger.Info().Int("assets", len(records)).Msg("reconciled assets loaded")
	return nil
}

// Seed marks snapshot assets as known and takes their recorded location
// and organization. Observed fields of existing records are kept.
func (r *Reconciler) Seed(ctx context.Context, snapshots []models.AssetSnapshot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := 0
	for _, snap := range snapshots {
		key := strings.TrimSpace(snap.AssetKey)
		if key == "" {
			continue
		}

		var next models.ReconciledAsset
		if cur, ok := r.records[key]; ok {
			next = cur.Clone()
		} else {
			next = models.ReconciledAsset{AssetKey: key}
		}
		next.Known = true
		setIfNotEmpty(&next.Description, snap.Description)
		setIfNotEmpty(&next.RecordedLocation, snap.Location)
		setIfNotEmpty(&next.RecordedOrganization, snap.Organization)
		next.NeedsResolution = needsResolution(next)
		next.UpdatedAt = r.now()

		if err := r.repo.SaveAsset(ctx, next); err != nil {
			return changed, fmt.Errorf("seed asset %s: %w", key, err)
		}
		r.records[key] = &next
		changed++
	}
	return changed, nil
}

// Merge applies fact to the record with the same asset key, inserting it
// when absent. The verification time is set only once.
func (r *Reconciler) Merge(ctx context.Context, fact models.AssetFact) (models.ReconciledAsset, error) {
	key := strings.TrimSpace(fact.AssetKey)
	if key == "" {
		return models.ReconciledAsset{}, ErrEmptyAssetKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var next models.ReconciledAsset
	if cur, ok := r.records[key]; ok {
		next = cur.Clone()
	} else {
		next = models.ReconciledAsset{AssetKey: key}
	}

	setIfNotEmpty(&next.Description, fact.Description)
	setIfNotEmpty(&next.RecordedLocation, fact.RecordedLocation)
	setIfNotEmpty(&next.RecordedOrganization, fact.RecordedOrganization)
	setIfNotEmpty(&next.ObservedLocation, fact.ObservedLocation)
	setIfNotEmpty(&next.ObservedOrganization, fact.ObservedOrganization)
	setIfNotEmpty(&next.Condition, fact.Condition)
	setIfNotEmpty(&next.Disposition, fact.Disposition)
	for k, v := range fact.Attributes {
		if v == "" {
			continue
		}
		if next.Attributes == nil {
			next.Attributes = make(map[string]string, len(fact.Attributes))
		}
		next.Attributes[k] = v
	}
	if fact.RecordedLocation != "" || fact.RecordedOrganization != "" {
		next.Known = true
	}

	now := r.now()
	if next.VerifiedAt == nil && next.ObservedLocation != "" && next.ObservedOrganization != "" {
		at := fact.ObservedAt
		if at.IsZero() {
			at = now
		}
		next.VerifiedAt = &at
	}
	next.NeedsResolution = needsResolution(next)
	next.UpdatedAt = now

	if err := r.repo.SaveAsset(ctx, next); err != nil {
		return models.ReconciledAsset{}, fmt.Errorf("save asset %s: %w", key, err)
	}
	r.records[key] = &next

	r.logger.Debug().
		Str("asset_key", key).
		Bool("verified", next.VerifiedAt != nil).
		Bool("needs_resolution", next.NeedsResolution).
		Msg("asset merged")
	return next.Clone(), nil
}

func (r *Reconciler) Get(key string) (models.ReconciledAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return models.ReconciledAsset{}, false
	}
	return rec.Clone(), true
}

// Records returns every record ordered by asset key.
func (r *Reconciler) Records() []models.ReconciledAsset {
	r.mu.RLock()
	out := make([]models.ReconciledAsset, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AssetKey < out[j].AssetKey })
	return out
}

func (r *Reconciler) Stats() models.InventoryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats models.InventoryStats
	stats.Total = len(r.records)
	for _, rec := range r.records {
		if rec.VerifiedAt != nil {
			stats.Inventoried++
		}
		if rec.NeedsResolution {
			stats.NeedsResolution++
		}
	}
	if stats.Total > 0 {
		stats.CompletionPercent = float64(stats.Inventoried) / float64(stats.Total) * 100
	}
	return stats
}

// needsResolution flags records without a disposition that are unknown to
// the snapshot or were observed away from their recorded place.
func needsResolution(rec models.ReconciledAsset) bool {
	if rec.Disposition != "" {
		return false
	}
	if !rec.Known {
		return true
	}
	if rec.ObservedLocation != "" && rec.ObservedLocation != rec.RecordedLocation {
		return true
	}
	return rec.ObservedOrganization != "" && rec.ObservedOrganization != rec.RecordedOrganization
}

func setIfNotEmpty(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
