package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/imagevault/imagevault/internal/domain"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	alt_text TEXT NOT NULL DEFAULT '',
	labels JSONB NOT NULL DEFAULT '[]',
	tags JSONB NOT NULL DEFAULT '[]',
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	UNIQUE (path, sequence)
);

CREATE TABLE IF NOT EXISTS variants (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	width INT NOT NULL,
	height INT NOT NULL,
	format TEXT NOT NULL,
	orientation INT NOT NULL DEFAULT 1,
	pages INT NOT NULL DEFAULT 1,
	loop_count INT NOT NULL DEFAULT 0,
	transformation JSONB NOT NULL,
	transformation_key TEXT NOT NULL,
	bucket TEXT NOT NULL,
	object_key TEXT NOT NULL,
	lqip JSONB NOT NULL DEFAULT '{}',
	uploaded_at TIMESTAMPTZ,
	is_original BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (asset_id, transformation_key)
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const variantColumns = `id, asset_id, width, height, format, orientation, pages, loop_count,
	 transformation, transformation_key, bucket, object_key, lqip, uploaded_at, is_original, created_at`

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := &PostgresRepository{db: db}
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return repo, nil
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return domain.NewStorageError("ensure schema", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) CreateAsset(ctx context.Context, asset domain.Asset) (domain.Asset, error) {
	labels, err := json.Marshal(asset.Labels)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("marshal labels: %w", err)
	}
	tags, err := json.Marshal(asset.Tags)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("marshal tags: %w", err)
	}

	// The sequence subselect can race with a concurrent insert for the same
	// path; the (path, sequence) unique constraint catches that, and a short
	// retry picks the next number.
	for attempt := 0; ; attempt++ {
		row := r.db.QueryRowContext(
			ctx,
			`INSERT INTO assets (id, path, sequence, alt_text, labels, tags, state, created_at, modified_at)
			 VALUES ($1, $2, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM assets WHERE path = $2), $3, $4, $5, $6, $7, $8)
			 RETURNING sequence`,
			asset.ID, asset.Path, asset.AltText, labels, tags, asset.State, asset.CreatedAt, asset.ModifiedAt,
		)
		if err := row.Scan(&asset.Sequence); err != nil {
			if isUniqueViolation(err) && attempt < 3 {
				continue
			}
			return domain.Asset{}, domain.NewStorageError("insert asset", err)
		}
		return asset, nil
	}
}

func (r *PostgresRepository) GetAssetByPath(ctx context.Context, path string) (domain.Asset, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, path, sequence, alt_text, labels, tags, state, created_at, modified_at
		 FROM assets
		 WHERE path = $1
		 ORDER BY sequence DESC
		 LIMIT 1`,
		path,
	)
	return scanAsset(row)
}

func (r *PostgresRepository) MarkAssetReady(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE assets SET state = $1, modified_at = $2 WHERE id = $3`,
		domain.AssetStateReady, time.Now().UTC(), id,
	)
	if err != nil {
		return domain.NewStorageError("mark asset ready", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) InsertVariant(ctx context.Context, v domain.Variant) error {
	transformation, err := json.Marshal(v.Transformation)
	if err != nil {
		return fmt.Errorf("marshal transformation: %w", err)
	}
	lqip, err := json.Marshal(v.LQIP)
	if err != nil {
		return fmt.Errorf("marshal lqip: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO variants (`+variantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.AssetID, v.Width, v.Height, v.Format, v.Orientation, v.Pages, v.LoopCount,
		transformation, v.TransformationKey, v.Bucket, v.ObjectKey, lqip, v.UploadedAt, v.IsOriginal, v.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("variant %s/%s: %w", v.AssetID, v.TransformationKey, domain.ErrConflict)
		}
		return domain.NewStorageError("insert variant", err)
	}
	return nil
}

func (r *PostgresRepository) MarkVariantUploaded(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE variants SET uploaded_at = $1 WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return domain.NewStorageError("mark variant uploaded", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("variant %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) GetVariant(ctx context.Context, assetID, transformationKey string) (domain.Variant, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+variantColumns+` FROM variants WHERE asset_id = $1 AND transformation_key = $2`,
		assetID, transformationKey,
	)
	return scanVariant(row)
}

func (r *PostgresRepository) GetOriginalVariant(ctx context.Context, assetID string) (domain.Variant, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT `+variantColumns+` FROM variants WHERE asset_id = $1 AND is_original`,
		assetID,
	)
	return scanVariant(row)
}

func (r *PostgresRepository) ListVariants(ctx context.Context, assetID string) ([]domain.Variant, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+variantColumns+` FROM variants WHERE asset_id = $1 ORDER BY created_at`,
		assetID,
	)
	if err != nil {
		return nil, domain.NewStorageError("query variants", err)
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (r *PostgresRepository) DeleteAssetWithOutbox(ctx context.Context, assetID string, events []domain.OutboxEvent) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, assetID)
		if err != nil {
			return domain.NewStorageError("delete asset", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("asset %s: %w", assetID, domain.ErrNotFound)
		}
		for _, event := range events {
			if err := insertOutboxEvent(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) DeleteVariantWithOutbox(ctx context.Context, variantID string, event *domain.OutboxEvent) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM variants WHERE id = $1`, variantID)
		if err != nil {
			return domain.NewStorageError("delete variant", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("variant %s: %w", variantID, domain.ErrNotFound)
		}
		if event != nil {
			return insertOutboxEvent(ctx, tx, *event)
		}
		return nil
	})
}

func (r *PostgresRepository) ListFailedAssets(ctx context.Context, before time.Time, limit int) ([]FailedAsset, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT a.id, a.path, a.sequence, a.alt_text, a.labels, a.tags, a.state, a.created_at, a.modified_at,
		        COALESCE(v.id, ''), COALESCE(v.bucket, ''), COALESCE(v.object_key, '')
		 FROM assets a
		 LEFT JOIN variants v ON v.asset_id = a.id AND v.is_original
		 WHERE a.state = $1 AND a.created_at < $2 AND v.uploaded_at IS NULL
		 ORDER BY a.created_at
		 LIMIT $3`,
		domain.AssetStatePending, before, limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("query failed assets", err)
	}
	defer rows.Close()

	var failed []FailedAsset
	for rows.Next() {
		var (
			fa     FailedAsset
			labels []byte
			tags   []byte
		)
		if err := rows.Scan(
			&fa.Asset.ID, &fa.Asset.Path, &fa.Asset.Sequence, &fa.Asset.AltText, &labels, &tags,
			&fa.Asset.State, &fa.Asset.CreatedAt, &fa.Asset.ModifiedAt,
			&fa.VariantID, &fa.Bucket, &fa.ObjectKey,
		); err != nil {
			return nil, fmt.Errorf("scan failed asset: %w", err)
		}
		if err := json.Unmarshal(labels, &fa.Asset.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
		if err := json.Unmarshal(tags, &fa.Asset.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		failed = append(failed, fa)
	}
	return failed, rows.Err()
}

func (r *PostgresRepository) ListFailedVariants(ctx context.Context, before time.Time, limit int) ([]domain.Variant, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT `+variantColumns+`
		 FROM variants
		 WHERE NOT is_original AND uploaded_at IS NULL AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("query failed variants", err)
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

func (r *PostgresRepository) ListOutboxEvents(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, event_type, payload, created_at FROM outbox_events ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, domain.NewStorageError("query outbox events", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var (
			event   domain.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&event.ID, &event.EventType, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal outbox payload: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *PostgresRepository) DeleteOutboxEvent(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, id); err != nil {
		return domain.NewStorageError("delete outbox event", err)
	}
	return nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.NewStorageError("commit transaction", err)
	}
	return nil
}

func insertOutboxEvent(ctx context.Context, tx *sql.Tx, event domain.OutboxEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO outbox_events (id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		event.ID, event.EventType, payload, event.CreatedAt,
	)
	if err != nil {
		return domain.NewStorageError("insert outbox event", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (domain.Asset, error) {
	var (
		asset  domain.Asset
		labels []byte
		tags   []byte
	)
	err := row.Scan(
		&asset.ID, &asset.Path, &asset.Sequence, &asset.AltText, &labels, &tags,
		&asset.State, &asset.CreatedAt, &asset.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Asset{}, domain.ErrNotFound
		}
		return domain.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	if err := json.Unmarshal(labels, &asset.Labels); err != nil {
		return domain.Asset{}, fmt.Errorf("unmarshal labels: %w", err)
	}
	if err := json.Unmarshal(tags, &asset.Tags); err != nil {
		return domain.Asset{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	return asset, nil
}

func scanVariant(row rowScanner) (domain.Variant, error) {
	var (
		v              domain.Variant
		transformation []byte
		lqip           []byte
		uploadedAt     sql.NullTime
	)
	err := row.Scan(
		&v.ID, &v.AssetID, &v.Width, &v.Height, &v.Format, &v.Orientation, &v.Pages, &v.LoopCount,
		&transformation, &v.TransformationKey, &v.Bucket, &v.ObjectKey, &lqip, &uploadedAt, &v.IsOriginal, &v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Variant{}, domain.ErrNotFound
		}
		return domain.Variant{}, fmt.Errorf("scan variant: %w", err)
	}
	if err := json.Unmarshal(transformation, &v.Transformation); err != nil {
		return domain.Variant{}, fmt.Errorf("unmarshal transformation: %w", err)
	}
	if err := json.Unmarshal(lqip, &v.LQIP); err != nil {
		return domain.Variant{}, fmt.Errorf("unmarshal lqip: %w", err)
	}
	if uploadedAt.Valid {
		at := uploadedAt.Time
		v.UploadedAt = &at
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
