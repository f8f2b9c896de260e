package variant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imagevault/imagevault/internal/domain"
	"github.com/imagevault/imagevault/internal/id"
	"github.com/imagevault/imagevault/internal/lqip"
	"github.com/imagevault/imagevault/internal/pathconfig"
	"github.com/imagevault/imagevault/internal/pipeline"
	"github.com/imagevault/imagevault/internal/scheduler"
	"github.com/imagevault/imagevault/internal/store"
)

type BlobStore interface {
	Persist(ctx context.Context, bucket, key string, data []byte, contentType string) (time.Time, error)
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

type Cache interface {
	Get(ctx context.Context, assetID, transformationKey string) (domain.Variant, bool)
	Put(ctx context.Context, v domain.Variant)
	Invalidate(ctx context.Context, assetID, transformationKey string)
}

type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type nopCache struct{}

func (nopCache) Get(context.Context, string, string) (domain.Variant, bool) {
	return domain.Variant{}, false
}
func (nopCache) Put(context.Context, domain.Variant)        {}
func (nopCache) Invalidate(context.Context, string, string) {}

type Deps struct {
	Repo      store.Repository
	Blobs     BlobStore
	Cache     Cache
	Scheduler *scheduler.Scheduler
	Backend   pipeline.Backend
	Resolver  pathconfig.Resolver
	Bucket    string
	Logger    zerolog.Logger

	// Optional; lifecycle events are delivered only when both are set.
	Notifier        Notifier
	WebhookEndpoint string
}

type Service struct {
	repo    store.Repository
	blobs   BlobStore
	cache   Cache
	sched   *scheduler.Scheduler
	backend pipeline.Backend
	paths   pathconfig.Resolver
	bucket  string
	logger  zerolog.Logger
	tracer  trace.Tracer

	notifier Notifier
	endpoint string
}

func NewService(d Deps) *Service {
	c := d.Cache
	if c == nil {
		c = nopCache{}
	}
	return &Service{
		repo:    d.Repo,
		blobs:   d.Blobs,
		cache:   c,
		sched:   d.Scheduler,
		backend: d.Backend,
		paths:   d.Resolver,
		bucket:  d.Bucket,
		logger:  d.Logger,
		tracer:  otel.Tracer("imagevault/variant"),

		notifier: d.Notifier,
		endpoint: d.WebhookEndpoint,
	}
}

type StoreRequest struct {
	Path        string
	Data        []byte
	ContentType string
	AltText     string
	Labels      []string
	Tags        []string
}

// Store creates pending rows first and confirms them only after the original
// blob upload, so an interrupted ingest is always sweepable.
func (s *Service) Store(ctx context.Context, req StoreRequest) (domain.Asset, error) {
	ctx, span := s.tracer.Start(ctx, "variant.store", trace.WithAttributes(attribute.String("asset.path", req.Path)))
	defer span.End()

	cfg := s.paths.Resolve(req.Path)
	if !cfg.Allows(req.ContentType) {
		return domain.Asset{}, domain.NewValidationError("content_type",
			fmt.Sprintf("content type %q is not allowed under %q", req.ContentType, cfg.Prefix))
	}

	img, err := s.backend.Decode(req.Data)
	if err != nil {
		return domain.Asset{}, domain.NewValidationError("data", fmt.Sprintf("undecodable image: %v", err))
	}
	attrs := pipeline.Describe(img)
	img.Close()

	now := time.Now().UTC()
	asset, err := s.repo.CreateAsset(ctx, domain.Asset{
		ID:         id.New(),
		Path:       req.Path,
		AltText:    req.AltText,
		Labels:     req.Labels,
		Tags:       req.Tags,
		State:      domain.AssetStatePending,
		CreatedAt:  now,
		ModifiedAt: now,
	})
	if err != nil {
		return domain.Asset{}, fmt.Errorf("create asset: %w", err)
	}

	lqipSet, err := lqip.Generate(req.Data, cfg.LQIPAlgorithms)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("generate lqip: %w", err)
	}

	bucket := s.bucketFor(cfg)
	original := domain.Variant{
		ID:                id.New(),
		AssetID:           asset.ID,
		Width:             attrs.Width,
		Height:            attrs.Height,
		Format:            attrs.Format,
		Orientation:       attrs.Orientation,
		Pages:             attrs.Pages,
		LoopCount:         attrs.LoopCount,
		Transformation:    domain.OriginalTransformation(),
		TransformationKey: domain.OriginalKey(attrs),
		Bucket:            bucket,
		ObjectKey:         asset.ID + "/original." + attrs.Format,
		LQIP:              lqipSet,
		IsOriginal:        true,
		CreatedAt:         now,
	}
	if err := s.repo.InsertVariant(ctx, original); err != nil {
		return domain.Asset{}, fmt.Errorf("insert original variant: %w", err)
	}

	uploadedAt, err := s.blobs.Persist(ctx, bucket, original.ObjectKey, req.Data, domain.ContentType(attrs.Format))
	if err != nil {
		return domain.Asset{}, fmt.Errorf("upload original: %w", err)
	}
	if err := s.repo.MarkVariantUploaded(ctx, original.ID, uploadedAt); err != nil {
		return domain.Asset{}, err
	}
	if err := s.repo.MarkAssetReady(ctx, asset.ID); err != nil {
		return domain.Asset{}, err
	}
	asset.State = domain.AssetStateReady

	original.UploadedAt = &uploadedAt
	s.cache.Put(ctx, original)

	s.logger.Info().
		Str("asset_id", asset.ID).
		Str("path", asset.Path).
		Int64("sequence", asset.Sequence).
		Str("format", attrs.Format).
		Msg("asset stored")

	s.EnqueueEager(asset, attrs, cfg)
	s.notify("asset.stored", map[string]any{
		"asset_id": asset.ID,
		"path":     asset.Path,
		"sequence": asset.Sequence,
		"format":   attrs.Format,
	})
	return asset, nil
}

// EnqueueEager detaches; failures are logged, never surfaced.
func (s *Service) EnqueueEager(asset domain.Asset, attrs domain.Attributes, cfg pathconfig.Config) {
	if len(cfg.EagerTransformations) == 0 {
		return
	}
	if cfg.Weight != nil {
		s.sched.SetWeight(*cfg.Weight)
	}

	normalized := make([]domain.Transformation, 0, len(cfg.EagerTransformations))
	for _, t := range cfg.EagerTransformations {
		nt, err := NormalizeWith(t, attrs)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", asset.Path).Msg("skipping invalid eager transformation")
			continue
		}
		normalized = append(normalized, nt)
	}
	if len(normalized) == 0 {
		return
	}

	job := scheduler.NewJob(asset.ID, asset.Path, s.bucketFor(cfg), normalized, cfg.LQIPAlgorithms)
	go func() {
		ctx := context.Background()
		if err := s.sched.Submit(ctx, scheduler.LaneBackground, job); err != nil {
			s.logger.Error().Err(err).Str("asset_id", asset.ID).Msg("eager enqueue failed")
			return
		}
		if r, err := job.Wait(ctx); err == nil && r.Err != nil {
			s.logger.Error().Err(r.Err).Str("asset_id", asset.ID).Msg("eager variant generation failed")
		}
	}()
}

// FetchOrGenerate treats a row still awaiting upload confirmation as a miss.
func (s *Service) FetchOrGenerate(ctx context.Context, path string, requested domain.Transformation) (domain.Variant, error) {
	ctx, span := s.tracer.Start(ctx, "variant.fetch_or_generate", trace.WithAttributes(attribute.String("asset.path", path)))
	defer span.End()

	asset, err := s.repo.GetAssetByPath(ctx, path)
	if err != nil {
		return domain.Variant{}, fmt.Errorf("asset %s: %w", path, err)
	}

	normalizer := NewNormalizer(func(ctx context.Context) (domain.Attributes, error) {
		original, err := s.uploadedOriginal(ctx, asset.ID)
		if err != nil {
			return domain.Attributes{}, err
		}
		return original.Attributes(), nil
	})
	normalized, err := normalizer.Normalize(ctx, requested)
	if err != nil {
		return domain.Variant{}, err
	}

	if normalized.IsOriginal() {
		return s.uploadedOriginal(ctx, asset.ID)
	}

	key := domain.TransformationKey(normalized)
	if v, ok := s.cache.Get(ctx, asset.ID, key); ok {
		return v, nil
	}
	v, err := s.repo.GetVariant(ctx, asset.ID, key)
	switch {
	case err == nil && v.UploadedAt != nil:
		s.cache.Put(ctx, v)
		return v, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Variant{}, fmt.Errorf("lookup variant: %w", err)
	}

	cfg := s.paths.Resolve(path)
	job := scheduler.NewJob(asset.ID, path, s.bucketFor(cfg), []domain.Transformation{normalized}, cfg.LQIPAlgorithms)
	if err := s.sched.Submit(ctx, scheduler.LaneHighPriority, job); err != nil {
		return domain.Variant{}, err
	}
	result, err := job.Wait(ctx)
	if err != nil {
		return domain.Variant{}, err
	}
	if result.Err != nil {
		return domain.Variant{}, result.Err
	}
	for _, generated := range result.Variants {
		if generated.TransformationKey == key {
			return generated, nil
		}
	}
	return domain.Variant{}, fmt.Errorf("job completed without variant %s", key)
}

func (s *Service) Open(ctx context.Context, v domain.Variant) ([]byte, error) {
	return s.blobs.Fetch(ctx, v.Bucket, v.ObjectKey)
}

// Delete leaves one outbox event per blob for the reaper.
func (s *Service) Delete(ctx context.Context, path string) error {
	asset, err := s.repo.GetAssetByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("asset %s: %w", path, err)
	}
	variants, err := s.repo.ListVariants(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("list variants: %w", err)
	}

	now := time.Now().UTC()
	events := make([]domain.OutboxEvent, 0, len(variants))
	for _, v := range variants {
		events = append(events, domain.OutboxEvent{
			ID:        id.New(),
			EventType: domain.OutboxEventVariantDeleted,
			Payload:   domain.ReapPayload{Bucket: v.Bucket, ObjectKey: v.ObjectKey, VariantID: v.ID},
			CreatedAt: now,
		})
	}
	if err := s.repo.DeleteAssetWithOutbox(ctx, asset.ID, events); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	for _, v := range variants {
		s.cache.Invalidate(ctx, v.AssetID, v.TransformationKey)
	}

	s.logger.Info().Str("asset_id", asset.ID).Str("path", path).Int("variants", len(variants)).Msg("asset deleted")
	s.notify("asset.deleted", map[string]any{
		"asset_id": asset.ID,
		"path":     path,
		"variants": len(variants),
	})
	return nil
}

func (s *Service) DeleteVariant(ctx context.Context, path string, requested domain.Transformation) error {
	asset, err := s.repo.GetAssetByPath(ctx, path)
	if err != nil {
		return fmt.Errorf("asset %s: %w", path, err)
	}

	normalizer := NewNormalizer(func(ctx context.Context) (domain.Attributes, error) {
		original, err := s.uploadedOriginal(ctx, asset.ID)
		if err != nil {
			return domain.Attributes{}, err
		}
		return original.Attributes(), nil
	})
	normalized, err := normalizer.Normalize(ctx, requested)
	if err != nil {
		return err
	}
	if normalized.IsOriginal() {
		return domain.NewValidationError("transformation", "the original variant cannot be deleted on its own")
	}

	key := domain.TransformationKey(normalized)
	v, err := s.repo.GetVariant(ctx, asset.ID, key)
	if err != nil {
		return fmt.Errorf("variant %s: %w", key, err)
	}

	event := domain.OutboxEvent{
		ID:        id.New(),
		EventType: domain.OutboxEventVariantDeleted,
		Payload:   domain.ReapPayload{Bucket: v.Bucket, ObjectKey: v.ObjectKey, VariantID: v.ID},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.DeleteVariantWithOutbox(ctx, v.ID, &event); err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	s.cache.Invalidate(ctx, asset.ID, key)
	return nil
}

// ExecuteJob is the scheduler handler.
func (s *Service) ExecuteJob(ctx context.Context, job *scheduler.Job) ([]domain.Variant, error) {
	original, err := s.uploadedOriginal(ctx, job.AssetID)
	if err != nil {
		return nil, err
	}
	source, err := s.blobs.Fetch(ctx, original.Bucket, original.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("fetch original blob: %w", err)
	}

	bucket := job.Bucket
	if bucket == "" {
		bucket = original.Bucket
	}

	variants := make([]domain.Variant, 0, len(job.Transformations))
	for _, t := range job.Transformations {
		if t.IsOriginal() {
			variants = append(variants, original)
			continue
		}
		key := domain.TransformationKey(t)
		if existing, err := s.repo.GetVariant(ctx, job.AssetID, key); err == nil && existing.UploadedAt != nil {
			variants = append(variants, existing)
			continue
		}

		v, err := s.generate(ctx, job, original, source, bucket, t, key)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, nil
}

func (s *Service) generate(ctx context.Context, job *scheduler.Job, original domain.Variant, source []byte, bucket string, t domain.Transformation, key string) (domain.Variant, error) {
	img, err := s.backend.Decode(source)
	if err != nil {
		return domain.Variant{}, fmt.Errorf("decode original: %w", err)
	}

	result := pipeline.Run(img, t)
	if err := result.Failure(); err != nil {
		img.Close()
		return domain.Variant{}, err
	}

	encoded, encErr := pipeline.Encode(img, t.Format, t.Quality)
	attrs := pipeline.Describe(img)

	regenerate := result.RegenerateLQIP && len(job.LQIPAlgorithms) > 0
	lqipSource := encoded
	if encErr == nil && regenerate && !lqip.Decodable(t.Format) {
		// target encoding cannot be read back; hash a png re-export instead
		if alt, altErr := pipeline.Encode(img, domain.FormatPNG, 0); altErr == nil {
			lqipSource = alt
		}
	}
	img.Close()
	if encErr != nil {
		return domain.Variant{}, fmt.Errorf("encode %s: %w", t.Format, encErr)
	}

	lqipSet := original.LQIP
	if regenerate {
		regenerated, lqipErr := lqip.Generate(lqipSource, job.LQIPAlgorithms)
		if lqipErr != nil {
			s.logger.Warn().Err(lqipErr).Str("asset_id", job.AssetID).Msg("lqip regeneration failed, keeping the original's placeholders")
		} else {
			lqipSet = regenerated
		}
	}

	objectKey := job.AssetID + "/" + key + "." + t.Format
	uploadedAt, err := s.blobs.Persist(ctx, bucket, objectKey, encoded, domain.ContentType(t.Format))
	if err != nil {
		return domain.Variant{}, fmt.Errorf("upload variant: %w", err)
	}

	v := domain.Variant{
		ID:                id.New(),
		AssetID:           job.AssetID,
		Width:             attrs.Width,
		Height:            attrs.Height,
		Format:            t.Format,
		Orientation:       1,
		Pages:             attrs.Pages,
		LoopCount:         attrs.LoopCount,
		Transformation:    t,
		TransformationKey: key,
		Bucket:            bucket,
		ObjectKey:         objectKey,
		LQIP:              lqipSet,
		UploadedAt:        &uploadedAt,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.InsertVariant(ctx, v); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// same bytes under the same object key; the loser's upload needs no cleanup
			winner, readErr := s.repo.GetVariant(ctx, job.AssetID, key)
			if readErr != nil {
				return domain.Variant{}, fmt.Errorf("re-read after conflict: %w", readErr)
			}
			s.cache.Put(ctx, winner)
			return winner, nil
		}
		return domain.Variant{}, fmt.Errorf("insert variant: %w", err)
	}
	s.cache.Put(ctx, v)
	return v, nil
}

func (s *Service) uploadedOriginal(ctx context.Context, assetID string) (domain.Variant, error) {
	original, err := s.repo.GetOriginalVariant(ctx, assetID)
	if err != nil {
		return domain.Variant{}, fmt.Errorf("original variant: %w", err)
	}
	if original.UploadedAt == nil {
		return domain.Variant{}, fmt.Errorf("original for asset %s not uploaded yet: %w", assetID, domain.ErrNotFound)
	}
	return original, nil
}

func (s *Service) notify(event string, payload any) {
	if s.notifier == nil || s.endpoint == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.Send(ctx, s.endpoint, event, payload); err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		}
	}()
}

func (s *Service) bucketFor(cfg pathconfig.Config) string {
	if cfg.Bucket != "" {
		return cfg.Bucket
	}
	return s.bucket
}
