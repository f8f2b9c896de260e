package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/imagevault/imagevault/internal/domain"
	"github.com/imagevault/imagevault/internal/id"
	"github.com/imagevault/imagevault/internal/store"
)

// BlobDeleter must tolerate already-missing objects so reap retries stay
// idempotent.
type BlobDeleter interface {
	Delete(ctx context.Context, bucket, key string) error
}

type Config struct {
	GraceWindow time.Duration
	Interval    time.Duration
	BatchSize   int
}

const (
	jobFailedAssets   = "failed_assets"
	jobFailedVariants = "failed_variants"
	jobReaper         = "reaper"
)

// Sweeper runs the three consistency jobs on a shared schedule. Every job
// isolates per-row failures, so one bad row never stalls the rest of a batch.
type Sweeper struct {
	repo    store.Repository
	blobs   BlobDeleter
	cfg     Config
	logger  zerolog.Logger
	metrics *Metrics
	cron    *cron.Cron

	now func() time.Time
}

func New(repo store.Repository, blobs BlobDeleter, cfg Config, logger zerolog.Logger, metrics *Metrics) *Sweeper {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		repo:    repo,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		cron:    cron.New(),
		now:     time.Now,
	}
}

func (s *Sweeper) Start() error {
	spec := "@every " + s.cfg.Interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Dur("interval", s.cfg.Interval).Dur("grace_window", s.cfg.GraceWindow).Msg("sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one pass of all three jobs.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.SweepFailedAssets(ctx)
	s.SweepFailedVariants(ctx)
	s.ReapOutbox(ctx)
}

// SweepFailedAssets deletes assets stuck in Pending past the grace window.
func (s *Sweeper) SweepFailedAssets(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.GraceWindow)
	failed, err := s.repo.ListFailedAssets(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.fail(jobFailedAssets, err, "list failed assets")
		return
	}

	for _, fa := range failed {
		var events []domain.OutboxEvent
		if fa.ObjectKey != "" {
			events = append(events, domain.OutboxEvent{
				ID:        id.New(),
				EventType: domain.OutboxEventReapVariant,
				Payload:   domain.ReapPayload{Bucket: fa.Bucket, ObjectKey: fa.ObjectKey, VariantID: fa.VariantID},
				CreatedAt: s.now().UTC(),
			})
		}
		if err := s.repo.DeleteAssetWithOutbox(ctx, fa.Asset.ID, events); err != nil {
			s.fail(jobFailedAssets, err, "delete failed asset")
			continue
		}
		s.metrics.sweptTotal.WithLabelValues(jobFailedAssets).Inc()
		s.logger.Info().Str("asset_id", fa.Asset.ID).Str("path", fa.Asset.Path).Msg("swept failed asset")
	}
}

// SweepFailedVariants deletes derived rows whose upload never confirmed.
func (s *Sweeper) SweepFailedVariants(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.GraceWindow)
	failed, err := s.repo.ListFailedVariants(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.fail(jobFailedVariants, err, "list failed variants")
		return
	}

	for _, v := range failed {
		var event *domain.OutboxEvent
		if v.ObjectKey != "" {
			event = &domain.OutboxEvent{
				ID:        id.New(),
				EventType: domain.OutboxEventReapVariant,
				Payload:   domain.ReapPayload{Bucket: v.Bucket, ObjectKey: v.ObjectKey, VariantID: v.ID},
				CreatedAt: s.now().UTC(),
			}
		}
		if err := s.repo.DeleteVariantWithOutbox(ctx, v.ID, event); err != nil {
			s.fail(jobFailedVariants, err, "delete failed variant")
			continue
		}
		s.metrics.sweptTotal.WithLabelValues(jobFailedVariants).Inc()
		s.logger.Info().Str("variant_id", v.ID).Str("asset_id", v.AssetID).Msg("swept failed variant")
	}
}

// ReapOutbox removes an event only after its blob delete succeeded, giving
// at-least-once blob cleanup.
func (s *Sweeper) ReapOutbox(ctx context.Context) {
	events, err := s.repo.ListOutboxEvents(ctx, s.cfg.BatchSize)
	if err != nil {
		s.fail(jobReaper, err, "list outbox events")
		return
	}

	for _, event := range events {
		if err := s.blobs.Delete(ctx, event.Payload.Bucket, event.Payload.ObjectKey); err != nil {
			s.fail(jobReaper, err, "delete blob")
			continue
		}
		if err := s.repo.DeleteOutboxEvent(ctx, event.ID); err != nil {
			s.fail(jobReaper, err, "delete outbox event")
			continue
		}
		s.metrics.sweptTotal.WithLabelValues(jobReaper).Inc()
		s.logger.Info().
			Str("event_id", event.ID).
			Str("event_type", event.EventType).
			Str("object", event.Payload.Bucket+"/"+event.Payload.ObjectKey).
			Msg("reaped blob")
	}
}

func (s *Sweeper) fail(job string, err error, msg string) {
	s.metrics.failuresTotal.WithLabelValues(job).Inc()
	s.logger.Error().Err(err).Str("job", job).Msg(msg)
}
