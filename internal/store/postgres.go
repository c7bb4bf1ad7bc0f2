package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shelfdata/curator/internal/db"
	"github.com/shelfdata/curator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., monitoring).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS predictions (
	id                   TEXT PRIMARY KEY,
	barcode              TEXT NOT NULL,
	type                 TEXT NOT NULL,
	value                TEXT NOT NULL DEFAULT '',
	value_tag            TEXT NOT NULL DEFAULT '',
	source_image         TEXT NOT NULL DEFAULT '',
	confidence           DOUBLE PRECISION,
	predictor            TEXT NOT NULL,
	predictor_version    TEXT NOT NULL DEFAULT '',
	data                 JSONB,
	automatic_processing BOOLEAN NOT NULL DEFAULT false,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_predictions_barcode_type ON predictions(barcode, type);
CREATE INDEX IF NOT EXISTS idx_predictions_source ON predictions(barcode, type, predictor, source_image);

CREATE TABLE IF NOT EXISTS insights (
	id                   TEXT PRIMARY KEY,
	barcode              TEXT NOT NULL,
	type                 TEXT NOT NULL,
	value                TEXT NOT NULL DEFAULT '',
	value_tag            TEXT NOT NULL DEFAULT '',
	data                 JSONB,
	confidence           DOUBLE PRECISION,
	state                TEXT NOT NULL DEFAULT 'pending',
	annotation           INTEGER,
	automatic_processing BOOLEAN NOT NULL DEFAULT false,
	process_after        TIMESTAMPTZ,
	latent               BOOLEAN NOT NULL DEFAULT false,
	predictor            TEXT NOT NULL DEFAULT '',
	predictor_version    TEXT NOT NULL DEFAULT '',
	source_image         TEXT NOT NULL DEFAULT '',
	reserved_barcode     BOOLEAN NOT NULL DEFAULT false,
	brands               JSONB,
	countries            JSONB,
	unique_scans_n       INTEGER NOT NULL DEFAULT 0,
	completed_by         TEXT NOT NULL DEFAULT '',
	completed_at         TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_open_unique
	ON insights(barcode, type, value_tag)
	WHERE state IN ('pending', 'latent', 'automatic_scheduled');
CREATE INDEX IF NOT EXISTS idx_insights_barcode ON insights(barcode);
CREATE INDEX IF NOT EXISTS idx_insights_state ON insights(state);
CREATE INDEX IF NOT EXISTS idx_insights_process_after ON insights(process_after) WHERE process_after IS NOT NULL;

CREATE TABLE IF NOT EXISTS insight_events (
	id         TEXT PRIMARY KEY,
	insight_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_insight_events_insight ON insight_events(insight_id);
`

const insightColumns = `id, barcode, type, value, value_tag, data, confidence, state, annotation,
	automatic_processing, process_after, latent, predictor, predictor_version, source_image,
	reserved_barcode, brands, countries, unique_scans_n, completed_by, completed_at, created_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertPredictions stores a batch of predictions, superseding earlier
// rows from the same (barcode, type, predictor, source image) first.
// All rows are applied in one transaction.
func (s *PostgresStore) InsertPredictions(ctx context.Context, preds []model.Prediction) (int, error) {
	if len(preds) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert predictions: begin")
	}
	defer tx.Rollback(ctx)

	rows := make([][]any, 0, len(preds))
	now := time.Now().UTC()
	for i := range preds {
		p := &preds[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM predictions WHERE barcode = $1 AND type = $2 AND predictor = $3 AND source_image = $4`,
			p.Barcode, string(p.Type), p.Predictor, p.SourceImage,
		); err != nil {
			return 0, eris.Wrap(err, "postgres: supersede predictions")
		}

		var dataJSON []byte
		if p.Data != nil {
			dataJSON, err = json.Marshal(p.Data)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal prediction data")
			}
		}
		rows = append(rows, []any{
			p.ID, p.Barcode, string(p.Type), p.Value, p.ValueTag, p.SourceImage,
			p.Confidence, p.Predictor, p.PredictorVersion, dataJSON, p.Automatic, p.CreatedAt,
		})
	}

	n, err := db.CopyFrom(ctx, tx, "predictions",
		[]string{"id", "barcode", "type", "value", "value_tag", "source_image",
			"confidence", "predictor", "predictor_version", "data", "automatic_processing", "created_at"},
		rows,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert predictions")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: insert predictions: commit")
	}
	return int(n), nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, barcode string, typ model.InsightType) ([]model.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, barcode, type, value, value_tag, source_image, confidence, predictor,
		        predictor_version, data, automatic_processing, created_at
		 FROM predictions WHERE barcode = $1 AND type = $2 ORDER BY created_at`,
		barcode, string(typ),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list predictions")
	}
	defer rows.Close()

	var preds []model.Prediction
	for rows.Next() {
		var p model.Prediction
		var dataJSON []byte
		if err := rows.Scan(&p.ID, &p.Barcode, &p.Type, &p.Value, &p.ValueTag, &p.SourceImage,
			&p.Confidence, &p.Predictor, &p.PredictorVersion, &dataJSON, &p.Automatic, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prediction")
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &p.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal prediction data")
			}
		}
		preds = append(preds, p)
	}
	return preds, eris.Wrap(rows.Err(), "postgres: list predictions iterate")
}

// scanInsight reads one insight row in insightColumns order.
func scanInsight(row pgx.Row) (*model.Insight, error) {
	var i model.Insight
	var dataJSON, brandsJSON, countriesJSON []byte

	err := row.Scan(&i.ID, &i.Barcode, &i.Type, &i.Value, &i.ValueTag, &dataJSON, &i.Confidence,
		&i.State, &i.Annotation, &i.AutomaticProcessing, &i.ProcessAfter, &i.Latent,
		&i.Predictor, &i.PredictorVersion, &i.SourceImage, &i.ReservedBarcode,
		&brandsJSON, &countriesJSON, &i.UniqueScans, &i.CompletedBy, &i.CompletedAt, &i.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &i.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal insight data")
		}
	}
	if len(brandsJSON) > 0 {
		if err := json.Unmarshal(brandsJSON, &i.Brands); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal insight brands")
		}
	}
	if len(countriesJSON) > 0 {
		if err := json.Unmarshal(countriesJSON, &i.Countries); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal insight countries")
		}
	}
	return &i, nil
}

func (s *PostgresStore) GetInsight(ctx context.Context, id string) (*model.Insight, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM insights WHERE id = $1`, insightColumns), id)
	i, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get insight %s", id)
	}
	return i, nil
}

func (s *PostgresStore) queryInsights(ctx context.Context, query string, args ...any) ([]model.Insight, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query insights")
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		i, err := scanInsight(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan insight")
		}
		insights = append(insights, *i)
	}
	return insights, eris.Wrap(rows.Err(), "postgres: query insights iterate")
}

func (s *PostgresStore) PendingInsights(ctx context.Context, barcode string, typ model.InsightType) ([]model.Insight, error) {
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE barcode = $1 AND type = $2 AND state IN ('pending', 'automatic_scheduled')
		 ORDER BY created_at`, insightColumns),
		barcode, string(typ),
	)
}

// buildFilter appends WHERE clauses for the filter and returns the SQL
// suffix plus its arguments.
func buildFilter(filter InsightFilter) (string, []any) {
	query := ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Barcode != "" {
		query += fmt.Sprintf(` AND barcode = $%d`, argIdx)
		args = append(args, filter.Barcode)
		argIdx++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.ValueTag != "" {
		query += fmt.Sprintf(` AND value_tag = $%d`, argIdx)
		args = append(args, filter.ValueTag)
		argIdx++
	}
	if filter.Annotated != nil {
		if *filter.Annotated {
			query += ` AND annotation IS NOT NULL`
		} else {
			query += ` AND annotation IS NULL`
		}
	}
	if filter.Latent != nil {
		query += fmt.Sprintf(` AND latent = $%d`, argIdx)
		args = append(args, *filter.Latent)
		argIdx++
	}
	return query, args
}

func (s *PostgresStore) ListInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, error) {
	where, args := buildFilter(filter)
	query := fmt.Sprintf(`SELECT %s FROM insights`, insightColumns) + where + ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, filter.Offset)
	}

	return s.queryInsights(ctx, query, args...)
}

func (s *PostgresStore) RandomInsight(ctx context.Context, filter InsightFilter) (*model.Insight, error) {
	where, args := buildFilter(filter)
	query := fmt.Sprintf(`SELECT %s FROM insights`, insightColumns) + where + ` ORDER BY random() LIMIT 1`

	row := s.pool.QueryRow(ctx, query, args...)
	i, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: random insight")
	}
	return i, nil
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]model.Insight, error) {
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE state IN ('pending', 'latent', 'automatic_scheduled') AND created_at < $1
		 ORDER BY created_at`, insightColumns),
		olderThan,
	)
}

// execer abstracts pgx.Tx and db.Pool for event insertion.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, q execer, insightID string, from, to model.InsightState, actor string) error {
	_, err := q.Exec(ctx,
		`INSERT INTO insight_events (id, insight_id, from_state, to_state, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), insightID, string(from), string(to), actor, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: insert event")
}

func (s *PostgresStore) ApplyImportBatch(ctx context.Context, barcode string, batch ImportBatch) (model.ImportResult, error) {
	var result model.ImportResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, eris.Wrap(err, "postgres: import batch: begin")
	}
	defer tx.Rollback(ctx)

	for _, id := range batch.DeleteIDs {
		var from string
		err := tx.QueryRow(ctx, `SELECT state FROM insights WHERE id = $1`, id).Scan(&from)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return model.ImportResult{}, eris.Wrapf(err, "postgres: import batch: read %s", id)
		}
		if err := insertEvent(ctx, tx, id, model.InsightState(from), model.StateDeleted, "importer"); err != nil {
			return model.ImportResult{}, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE id = $1`, id); err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "postgres: import batch: delete %s", id)
		}
		result.Deleted++
	}

	for i := range batch.Creates {
		ins := &batch.Creates[i]
		if ins.ID == "" {
			ins.ID = uuid.New().String()
		}
		if ins.CreatedAt.IsZero() {
			ins.CreatedAt = time.Now().UTC()
		}

		var dataJSON []byte
		if ins.Data != nil {
			dataJSON, err = json.Marshal(ins.Data)
			if err != nil {
				return model.ImportResult{}, eris.Wrap(err, "postgres: marshal insight data")
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO insights (id, barcode, type, value, value_tag, data, confidence, state,
			   automatic_processing, process_after, latent, predictor, predictor_version,
			   source_image, reserved_barcode, unique_scans_n, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			ins.ID, ins.Barcode, string(ins.Type), ins.Value, ins.ValueTag, dataJSON,
			ins.Confidence, string(ins.State), ins.AutomaticProcessing, ins.ProcessAfter,
			ins.Latent, ins.Predictor, ins.PredictorVersion, ins.SourceImage,
			ins.ReservedBarcode, ins.UniqueScans, ins.CreatedAt,
		)
		if err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "postgres: import batch: insert %s", ins.ValueTag)
		}
		if err := insertEvent(ctx, tx, ins.ID, "", ins.State, "importer"); err != nil {
			return model.ImportResult{}, err
		}
		result.Created++
	}

	for i := range batch.Updates {
		ins := &batch.Updates[i]
		var dataJSON []byte
		if ins.Data != nil {
			dataJSON, err = json.Marshal(ins.Data)
			if err != nil {
				return model.ImportResult{}, eris.Wrap(err, "postgres: marshal insight data")
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE insights SET value = $1, data = $2, confidence = $3, predictor = $4,
			   predictor_version = $5, source_image = $6
			 WHERE id = $7 AND annotation IS NULL`,
			ins.Value, dataJSON, ins.Confidence, ins.Predictor, ins.PredictorVersion,
			ins.SourceImage, ins.ID,
		)
		if err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "postgres: import batch: update %s", ins.ID)
		}
		if tag.RowsAffected() > 0 {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ImportResult{}, eris.Wrap(err, "postgres: import batch: commit")
	}
	return result, nil
}

// MarkAutomatic stamps process_after on every automatic insight that has
// not been stamped yet. Re-running finds nothing to mark.
func (s *PostgresStore) MarkAutomatic(ctx context.Context, processAfter time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark automatic: begin")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM insights
		 WHERE automatic_processing = true AND process_after IS NULL AND annotation IS NULL
		   AND state = 'pending'`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark automatic: scan")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "postgres: mark automatic: scan id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "postgres: mark automatic: iterate")
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`UPDATE insights SET process_after = $1, state = 'automatic_scheduled' WHERE id = $2`,
			processAfter, id,
		); err != nil {
			return 0, eris.Wrapf(err, "postgres: mark automatic: update %s", id)
		}
		if err := insertEvent(ctx, tx, id, model.StatePending, model.StateAutomaticScheduled, "scheduler"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: mark automatic: commit")
	}
	return len(ids), nil
}

func (s *PostgresStore) ReadyToApply(ctx context.Context, now time.Time, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE state = 'automatic_scheduled' AND process_after IS NOT NULL
		   AND process_after < $1 AND annotation IS NULL
		 ORDER BY process_after LIMIT $2`, insightColumns),
		now, limit,
	)
}

func (s *PostgresStore) SetLatent(ctx context.Context, id string, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: set latent: begin")
	}
	defer tx.Rollback(ctx)

	var from string
	if err := tx.QueryRow(ctx, `SELECT state FROM insights WHERE id = $1`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsightNotFound
		}
		return eris.Wrapf(err, "postgres: set latent: read %s", id)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE insights SET latent = true, state = 'latent' WHERE id = $1 AND annotation IS NULL`, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: set latent %s", id)
	}
	if err := insertEvent(ctx, tx, id, model.InsightState(from), model.StateLatent, actor); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: set latent: commit")
}

func (s *PostgresStore) DeleteInsight(ctx context.Context, id string, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: delete insight: begin")
	}
	defer tx.Rollback(ctx)

	var from string
	if err := tx.QueryRow(ctx, `SELECT state FROM insights WHERE id = $1`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsightNotFound
		}
		return eris.Wrapf(err, "postgres: delete insight: read %s", id)
	}
	if err := insertEvent(ctx, tx, id, model.InsightState(from), model.StateDeleted, actor); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE id = $1`, id); err != nil {
		return eris.Wrapf(err, "postgres: delete insight %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: delete insight: commit")
}

// DeleteProductInsights removes every non-terminal insight of a product.
// Annotated and rejected insights are retained for provenance.
func (s *PostgresStore) DeleteProductInsights(ctx context.Context, barcode string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete product insights: begin")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, state FROM insights
		 WHERE barcode = $1 AND state IN ('pending', 'latent', 'automatic_scheduled')`,
		barcode,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete product insights: scan")
	}
	type rec struct {
		id    string
		state string
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.state); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "postgres: delete product insights: scan row")
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "postgres: delete product insights: iterate")
	}

	for _, r := range recs {
		if err := insertEvent(ctx, tx, r.id, model.InsightState(r.state), model.StateDeleted, "validator"); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE id = $1`, r.id); err != nil {
			return 0, eris.Wrapf(err, "postgres: delete product insight %s", r.id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: delete product insights: commit")
	}
	return len(recs), nil
}

func (s *PostgresStore) RefreshProductFields(ctx context.Context, id string, brands, countries []string, uniqueScans int) error {
	brandsJSON, err := json.Marshal(brands)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal brands")
	}
	countriesJSON, err := json.Marshal(countries)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal countries")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE insights SET brands = $1, countries = $2, unique_scans_n = $3 WHERE id = $4`,
		brandsJSON, countriesJSON, uniqueScans, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: refresh product fields %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsightNotFound
	}
	return nil
}

// AnnotateTx records a decision and runs the external write-back in one
// transaction. The row is locked for the duration, so a concurrent
// attempt observes the committed annotation and gets ErrAlreadyAnnotated.
func (s *PostgresStore) AnnotateTx(ctx context.Context, id string, annotation int, completedBy string, writeback WritebackFunc) (*model.Insight, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: annotate: begin")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM insights WHERE id = $1 FOR UPDATE`, insightColumns), id)
	ins, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsightNotFound
		}
		return nil, eris.Wrapf(err, "postgres: annotate: read %s", id)
	}
	if ins.Annotation != nil {
		return nil, ErrAlreadyAnnotated
	}

	now := time.Now().UTC()
	fromState := ins.State
	ins.Annotation = &annotation
	ins.State = stateForAnnotation(annotation)
	ins.CompletedBy = completedBy
	ins.CompletedAt = &now

	if _, err := tx.Exec(ctx,
		`UPDATE insights SET annotation = $1, state = $2, completed_by = $3, completed_at = $4 WHERE id = $5`,
		annotation, string(ins.State), completedBy, now, id,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: annotate: update %s", id)
	}
	if err := insertEvent(ctx, tx, id, fromState, ins.State, completedBy); err != nil {
		return nil, err
	}

	if writeback != nil {
		if err := writeback(ctx, ins); err != nil {
			return nil, eris.Wrapf(err, "postgres: annotate: write-back %s", id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: annotate: commit")
	}
	return ins, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, insightID string) ([]model.InsightEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, insight_id, from_state, to_state, actor, created_at
		 FROM insight_events WHERE insight_id = $1 ORDER BY created_at, id`,
		insightID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.InsightEvent
	for rows.Next() {
		var e model.InsightEvent
		if err := rows.Scan(&e.ID, &e.InsightID, &e.FromState, &e.ToState, &e.Actor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) Stats(ctx context.Context, since, now time.Time) (Stats, error) {
	stats := Stats{ByState: map[model.InsightState]int{}}

	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM insights GROUP BY state`)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: stats: states")
	}
	defer rows.Close()
	for rows.Next() {
		var state model.InsightState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, eris.Wrap(err, "postgres: stats: scan state")
		}
		stats.ByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "postgres: stats: iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM insights WHERE created_at >= $1),
			(SELECT COUNT(*) FROM insights WHERE completed_at IS NOT NULL AND completed_at >= $1),
			(SELECT COUNT(*) FROM insights WHERE state = 'automatic_scheduled' AND process_after IS NOT NULL AND process_after < $2)`,
		since, now,
	).Scan(&stats.CreatedSince, &stats.CompletedSince, &stats.OverdueAutomatic)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: stats: windows")
	}
	return stats, nil
}
