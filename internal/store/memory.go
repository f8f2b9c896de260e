package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imagevault/imagevault/internal/domain"
)

// MemoryRepository mirrors the postgres semantics for tests and local runs.
type MemoryRepository struct {
	mu       sync.Mutex
	assets   map[string]domain.Asset
	variants map[string]domain.Variant
	outbox   map[string]domain.OutboxEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		assets:   make(map[string]domain.Asset),
		variants: make(map[string]domain.Variant),
		outbox:   make(map[string]domain.OutboxEvent),
	}
}

func (r *MemoryRepository) CreateAsset(_ context.Context, asset domain.Asset) (domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var maxSeq int64
	for _, a := range r.assets {
		if a.Path == asset.Path && a.Sequence > maxSeq {
			maxSeq = a.Sequence
		}
	}
	asset.Sequence = maxSeq + 1
	r.assets[asset.ID] = asset
	return asset, nil
}

func (r *MemoryRepository) GetAssetByPath(_ context.Context, path string) (domain.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found bool
		best  domain.Asset
	)
	for _, a := range r.assets {
		if a.Path == path && (!found || a.Sequence > best.Sequence) {
			best = a
			found = true
		}
	}
	if !found {
		return domain.Asset{}, domain.ErrNotFound
	}
	return best, nil
}

func (r *MemoryRepository) MarkAssetReady(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, ok := r.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	asset.State = domain.AssetStateReady
	asset.ModifiedAt = time.Now().UTC()
	r.assets[id] = asset
	return nil
}

func (r *MemoryRepository) InsertVariant(_ context.Context, v domain.Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.variants {
		if existing.AssetID == v.AssetID && existing.TransformationKey == v.TransformationKey {
			return fmt.Errorf("variant %s/%s: %w", v.AssetID, v.TransformationKey, domain.ErrConflict)
		}
	}
	r.variants[v.ID] = v
	return nil
}

func (r *MemoryRepository) MarkVariantUploaded(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.variants[id]
	if !ok {
		return fmt.Errorf("variant %s: %w", id, domain.ErrNotFound)
	}
	v.UploadedAt = &at
	r.variants[id] = v
	return nil
}

func (r *MemoryRepository) GetVariant(_ context.Context, assetID, transformationKey string) (domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.variants {
		if v.AssetID == assetID && v.TransformationKey == transformationKey {
			return v, nil
		}
	}
	return domain.Variant{}, domain.ErrNotFound
}

func (r *MemoryRepository) GetOriginalVariant(_ context.Context, assetID string) (domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.variants {
		if v.AssetID == assetID && v.IsOriginal {
			return v, nil
		}
	}
	return domain.Variant{}, domain.ErrNotFound
}

func (r *MemoryRepository) ListVariants(_ context.Context, assetID string) ([]domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var variants []domain.Variant
	for _, v := range r.variants {
		if v.AssetID == assetID {
			variants = append(variants, v)
		}
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].CreatedAt.Before(variants[j].CreatedAt) })
	return variants, nil
}

func (r *MemoryRepository) DeleteAssetWithOutbox(_ context.Context, assetID string, events []domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[assetID]; !ok {
		return fmt.Errorf("asset %s: %w", assetID, domain.ErrNotFound)
	}
	delete(r.assets, assetID)
	for id, v := range r.variants {
		if v.AssetID == assetID {
			delete(r.variants, id)
		}
	}
	for _, event := range events {
		r.outbox[event.ID] = event
	}
	return nil
}

func (r *MemoryRepository) DeleteVariantWithOutbox(_ context.Context, variantID string, event *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.variants[variantID]; !ok {
		return fmt.Errorf("variant %s: %w", variantID, domain.ErrNotFound)
	}
	delete(r.variants, variantID)
	if event != nil {
		r.outbox[event.ID] = *event
	}
	return nil
}

func (r *MemoryRepository) ListFailedAssets(_ context.Context, before time.Time, limit int) ([]FailedAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []FailedAsset
	for _, a := range r.assets {
		if a.State != domain.AssetStatePending || !a.CreatedAt.Before(before) {
			continue
		}
		fa := FailedAsset{Asset: a}
		if original, ok := r.originalLocked(a.ID); ok {
			if original.UploadedAt != nil {
				continue
			}
			fa.VariantID = original.ID
			fa.Bucket = original.Bucket
			fa.ObjectKey = original.ObjectKey
		}
		failed = append(failed, fa)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Asset.CreatedAt.Before(failed[j].Asset.CreatedAt) })
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (r *MemoryRepository) originalLocked(assetID string) (domain.Variant, bool) {
	for _, v := range r.variants {
		if v.AssetID == assetID && v.IsOriginal {
			return v, true
		}
	}
	return domain.Variant{}, false
}

func (r *MemoryRepository) ListFailedVariants(_ context.Context, before time.Time, limit int) ([]domain.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []domain.Variant
	for _, v := range r.variants {
		if !v.IsOriginal && v.UploadedAt == nil && v.CreatedAt.Before(before) {
			failed = append(failed, v)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	if len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (r *MemoryRepository) ListOutboxEvents(_ context.Context, limit int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []domain.OutboxEvent
	for _, e := range r.outbox {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *MemoryRepository) DeleteOutboxEvent(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outbox, id)
	return nil
}

func (r *MemoryRepository) OutboxSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

func (r *MemoryRepository) AssetExists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.assets[id]
	return ok
}
