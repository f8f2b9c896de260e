package store

import (
	"context"
	"time"

	"github.com/imagevault/imagevault/internal/domain"
)

// FailedAsset pairs a stuck Pending asset with its reserved object key.
type FailedAsset struct {
	Asset     domain.Asset
	VariantID string
	Bucket    string
	ObjectKey string
}

// Repository is the relational-store port. The unique
// (asset_id, transformation_key) index is the sole serialization mechanism
// preventing duplicate variant creation.
type Repository interface {
	CreateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error)
	GetAssetByPath(ctx context.Context, path string) (domain.Asset, error)
	MarkAssetReady(ctx context.Context, id string) error

	// InsertVariant returns domain.ErrConflict on a duplicate key.
	InsertVariant(ctx context.Context, v domain.Variant) error
	MarkVariantUploaded(ctx context.Context, id string, at time.Time) error
	GetVariant(ctx context.Context, assetID, transformationKey string) (domain.Variant, error)
	GetOriginalVariant(ctx context.Context, assetID string) (domain.Variant, error)
	ListVariants(ctx context.Context, assetID string) ([]domain.Variant, error)

	DeleteAssetWithOutbox(ctx context.Context, assetID string, events []domain.OutboxEvent) error
	DeleteVariantWithOutbox(ctx context.Context, variantID string, event *domain.OutboxEvent) error

	ListFailedAssets(ctx context.Context, before time.Time, limit int) ([]FailedAsset, error)
	ListFailedVariants(ctx context.Context, before time.Time, limit int) ([]domain.Variant, error)
	ListOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	DeleteOutboxEvent(ctx context.Context, id string) error
}
