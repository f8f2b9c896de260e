package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/imagevault/imagevault/internal/domain"
)

func TestCreateAssetAssignsPerPathSequence(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.CreateAsset(ctx, domain.Asset{ID: "a1", Path: "products/1/hero", State: domain.AssetStatePending})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := repo.CreateAsset(ctx, domain.Asset{ID: "a2", Path: "products/1/hero", State: domain.AssetStatePending})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	other, err := repo.CreateAsset(ctx, domain.Asset{ID: "a3", Path: "products/2/hero", State: domain.AssetStatePending})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequences 1 and 2, got %d and %d", first.Sequence, second.Sequence)
	}
	if other.Sequence != 1 {
		t.Fatalf("sequences are per path, expected 1, got %d", other.Sequence)
	}
}

func TestGetAssetByPathReturnsLatestSequence(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if _, err := repo.CreateAsset(ctx, domain.Asset{ID: "a1", Path: "p", State: domain.AssetStateReady}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.CreateAsset(ctx, domain.Asset{ID: "a2", Path: "p", State: domain.AssetStateReady}); err != nil {
		t.Fatalf("create: %v", err)
	}

	asset, err := repo.GetAssetByPath(ctx, "p")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if asset.ID != "a2" {
		t.Fatalf("expected the latest entry a2, got %s", asset.ID)
	}

	if _, err := repo.GetAssetByPath(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertVariantConflictsOnDuplicateKey(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	v := domain.Variant{ID: "v1", AssetID: "a1", TransformationKey: "k1", CreatedAt: time.Now()}
	if err := repo.InsertVariant(ctx, v); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := v
	dup.ID = "v2"
	if err := repo.InsertVariant(ctx, dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	other := v
	other.ID = "v3"
	other.TransformationKey = "k2"
	if err := repo.InsertVariant(ctx, other); err != nil {
		t.Fatalf("different key must insert: %v", err)
	}
}

func TestMarkVariantUploaded(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if err := repo.InsertVariant(ctx, domain.Variant{ID: "v1", AssetID: "a1", TransformationKey: "k1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	at := time.Now().UTC()
	if err := repo.MarkVariantUploaded(ctx, "v1", at); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}

	v, err := repo.GetVariant(ctx, "a1", "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.UploadedAt == nil || !v.UploadedAt.Equal(at) {
		t.Fatalf("uploaded_at not recorded: %v", v.UploadedAt)
	}

	if err := repo.MarkVariantUploaded(ctx, "missing", at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAssetCascadesVariantsAndRecordsEvents(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if _, err := repo.CreateAsset(ctx, domain.Asset{ID: "a1", Path: "p", State: domain.AssetStateReady}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, v := range []domain.Variant{
		{ID: "v1", AssetID: "a1", TransformationKey: "orig", IsOriginal: true},
		{ID: "v2", AssetID: "a1", TransformationKey: "k1"},
	} {
		if err := repo.InsertVariant(ctx, v); err != nil {
			t.Fatalf("insert %s: %v", v.ID, err)
		}
	}

	events := []domain.OutboxEvent{
		{ID: "e1", EventType: domain.OutboxEventVariantDeleted, Payload: domain.ReapPayload{ObjectKey: "a1/orig"}},
		{ID: "e2", EventType: domain.OutboxEventVariantDeleted, Payload: domain.ReapPayload{ObjectKey: "a1/k1"}},
	}
	if err := repo.DeleteAssetWithOutbox(ctx, "a1", events); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if repo.AssetExists("a1") {
		t.Fatal("asset must be gone")
	}
	if _, err := repo.GetVariant(ctx, "a1", "k1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("variants must cascade, got %v", err)
	}
	if repo.OutboxSize() != 2 {
		t.Fatalf("expected both events recorded, got %d", repo.OutboxSize())
	}
}

func TestListVariantsOrdersByCreation(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"v2", "v1", "v3"} {
		offsets := map[string]time.Duration{"v1": 0, "v2": time.Second, "v3": 2 * time.Second}
		v := domain.Variant{ID: id, AssetID: "a1", TransformationKey: id, CreatedAt: base.Add(offsets[id])}
		if err := repo.InsertVariant(ctx, v); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	variants, err := repo.ListVariants(ctx, "a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(variants) != 3 || variants[0].ID != "v1" || variants[2].ID != "v3" {
		t.Fatalf("expected creation order v1..v3, got %v", []string{variants[0].ID, variants[1].ID, variants[2].ID})
	}
}
