package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/shelfdata/curator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the shared behavioral test suite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Writes are serialized through one connection; SQLite has no row locks.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS predictions (
	id                   TEXT PRIMARY KEY,
	barcode              TEXT NOT NULL,
	type                 TEXT NOT NULL,
	value                TEXT NOT NULL DEFAULT '',
	value_tag            TEXT NOT NULL DEFAULT '',
	source_image         TEXT NOT NULL DEFAULT '',
	confidence           REAL,
	predictor            TEXT NOT NULL,
	predictor_version    TEXT NOT NULL DEFAULT '',
	data                 TEXT,
	automatic_processing INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_predictions_barcode_type ON predictions(barcode, type);

CREATE TABLE IF NOT EXISTS insights (
	id                   TEXT PRIMARY KEY,
	barcode              TEXT NOT NULL,
	type                 TEXT NOT NULL,
	value                TEXT NOT NULL DEFAULT '',
	value_tag            TEXT NOT NULL DEFAULT '',
	data                 TEXT,
	confidence           REAL,
	state                TEXT NOT NULL DEFAULT 'pending',
	annotation           INTEGER,
	automatic_processing INTEGER NOT NULL DEFAULT 0,
	process_after        DATETIME,
	latent               INTEGER NOT NULL DEFAULT 0,
	predictor            TEXT NOT NULL DEFAULT '',
	predictor_version    TEXT NOT NULL DEFAULT '',
	source_image         TEXT NOT NULL DEFAULT '',
	reserved_barcode     INTEGER NOT NULL DEFAULT 0,
	brands               TEXT,
	countries            TEXT,
	unique_scans_n       INTEGER NOT NULL DEFAULT 0,
	completed_by         TEXT NOT NULL DEFAULT '',
	completed_at         DATETIME,
	created_at           DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_open_unique
	ON insights(barcode, type, value_tag)
	WHERE state IN ('pending', 'latent', 'automatic_scheduled');
CREATE INDEX IF NOT EXISTS idx_insights_barcode ON insights(barcode);
CREATE INDEX IF NOT EXISTS idx_insights_state ON insights(state);

CREATE TABLE IF NOT EXISTS insight_events (
	id         TEXT PRIMARY KEY,
	insight_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	actor      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_insight_events_insight ON insight_events(insight_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func (s *SQLiteStore) InsertPredictions(ctx context.Context, preds []model.Prediction) (int, error) {
	if len(preds) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert predictions: begin")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	count := 0
	for i := range preds {
		p := &preds[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM predictions WHERE barcode = ? AND type = ? AND predictor = ? AND source_image = ?`,
			p.Barcode, string(p.Type), p.Predictor, p.SourceImage,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: supersede predictions")
		}

		var dataJSON []byte
		if p.Data != nil {
			dataJSON, err = json.Marshal(p.Data)
			if err != nil {
				return 0, eris.Wrap(err, "sqlite: marshal prediction data")
			}
		}
		var conf any
		if p.Confidence != nil {
			conf = *p.Confidence
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO predictions (id, barcode, type, value, value_tag, source_image, confidence,
			   predictor, predictor_version, data, automatic_processing, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Barcode, string(p.Type), p.Value, p.ValueTag, p.SourceImage, conf,
			p.Predictor, p.PredictorVersion, dataJSON, p.Automatic, p.CreatedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert prediction")
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert predictions: commit")
	}
	return count, nil
}

func (s *SQLiteStore) ListPredictions(ctx context.Context, barcode string, typ model.InsightType) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, barcode, type, value, value_tag, source_image, confidence, predictor,
		        predictor_version, data, automatic_processing, created_at
		 FROM predictions WHERE barcode = ? AND type = ? ORDER BY created_at`,
		barcode, string(typ),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list predictions")
	}
	defer rows.Close()

	var preds []model.Prediction
	for rows.Next() {
		var p model.Prediction
		var conf sql.NullFloat64
		var dataJSON []byte
		if err := rows.Scan(&p.ID, &p.Barcode, &p.Type, &p.Value, &p.ValueTag, &p.SourceImage,
			&conf, &p.Predictor, &p.PredictorVersion, &dataJSON, &p.Automatic, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prediction")
		}
		if conf.Valid {
			c := conf.Float64
			p.Confidence = &c
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &p.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal prediction data")
			}
		}
		preds = append(preds, p)
	}
	return preds, eris.Wrap(rows.Err(), "sqlite: list predictions iterate")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteInsight(row rowScanner) (*model.Insight, error) {
	var i model.Insight
	var dataJSON, brandsJSON, countriesJSON []byte
	var conf sql.NullFloat64
	var annotation sql.NullInt64
	var processAfter, completedAt sql.NullTime

	err := row.Scan(&i.ID, &i.Barcode, &i.Type, &i.Value, &i.ValueTag, &dataJSON, &conf,
		&i.State, &annotation, &i.AutomaticProcessing, &processAfter, &i.Latent,
		&i.Predictor, &i.PredictorVersion, &i.SourceImage, &i.ReservedBarcode,
		&brandsJSON, &countriesJSON, &i.UniqueScans, &i.CompletedBy, &completedAt, &i.CreatedAt)
	if err != nil {
		return nil, err
	}

	if conf.Valid {
		c := conf.Float64
		i.Confidence = &c
	}
	if annotation.Valid {
		a := int(annotation.Int64)
		i.Annotation = &a
	}
	if processAfter.Valid {
		t := processAfter.Time
		i.ProcessAfter = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		i.CompletedAt = &t
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &i.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal insight data")
		}
	}
	if len(brandsJSON) > 0 {
		if err := json.Unmarshal(brandsJSON, &i.Brands); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal insight brands")
		}
	}
	if len(countriesJSON) > 0 {
		if err := json.Unmarshal(countriesJSON, &i.Countries); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal insight countries")
		}
	}
	return &i, nil
}

func (s *SQLiteStore) GetInsight(ctx context.Context, id string) (*model.Insight, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM insights WHERE id = ?`, insightColumns), id)
	i, err := scanSQLiteInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get insight %s", id)
	}
	return i, nil
}

func (s *SQLiteStore) queryInsights(ctx context.Context, query string, args ...any) ([]model.Insight, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query insights")
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		i, err := scanSQLiteInsight(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan insight")
		}
		insights = append(insights, *i)
	}
	return insights, eris.Wrap(rows.Err(), "sqlite: query insights iterate")
}

func (s *SQLiteStore) PendingInsights(ctx context.Context, barcode string, typ model.InsightType) ([]model.Insight, error) {
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE barcode = ? AND type = ? AND state IN ('pending', 'automatic_scheduled')
		 ORDER BY created_at`, insightColumns),
		barcode, string(typ),
	)
}

func buildSQLiteFilter(filter InsightFilter) (string, []any) {
	query := ` WHERE 1=1`
	args := []any{}

	if filter.Barcode != "" {
		query += ` AND barcode = ?`
		args = append(args, filter.Barcode)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.ValueTag != "" {
		query += ` AND value_tag = ?`
		args = append(args, filter.ValueTag)
	}
	if filter.Annotated != nil {
		if *filter.Annotated {
			query += ` AND annotation IS NOT NULL`
		} else {
			query += ` AND annotation IS NULL`
		}
	}
	if filter.Latent != nil {
		query += ` AND latent = ?`
		args = append(args, *filter.Latent)
	}
	return query, args
}

func (s *SQLiteStore) ListInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, error) {
	where, args := buildSQLiteFilter(filter)
	query := fmt.Sprintf(`SELECT %s FROM insights`, insightColumns) + where + ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryInsights(ctx, query, args...)
}

func (s *SQLiteStore) RandomInsight(ctx context.Context, filter InsightFilter) (*model.Insight, error) {
	where, args := buildSQLiteFilter(filter)
	query := fmt.Sprintf(`SELECT %s FROM insights`, insightColumns) + where + ` ORDER BY RANDOM() LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	i, err := scanSQLiteInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: random insight")
	}
	return i, nil
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]model.Insight, error) {
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE state IN ('pending', 'latent', 'automatic_scheduled') AND created_at < ?
		 ORDER BY created_at`, insightColumns),
		olderThan,
	)
}

func sqliteInsertEvent(ctx context.Context, tx *sql.Tx, insightID string, from, to model.InsightState, actor string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO insight_events (id, insight_id, from_state, to_state, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), insightID, string(from), string(to), actor, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert event")
}

func (s *SQLiteStore) ApplyImportBatch(ctx context.Context, barcode string, batch ImportBatch) (model.ImportResult, error) {
	var result model.ImportResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: import batch: begin")
	}
	defer tx.Rollback()

	for _, id := range batch.DeleteIDs {
		var from string
		err := tx.QueryRowContext(ctx, `SELECT state FROM insights WHERE id = ?`, id).Scan(&from)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return model.ImportResult{}, eris.Wrapf(err, "sqlite: import batch: read %s", id)
		}
		if err := sqliteInsertEvent(ctx, tx, id, model.InsightState(from), model.StateDeleted, "importer"); err != nil {
			return model.ImportResult{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE id = ?`, id); err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "sqlite: import batch: delete %s", id)
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
				return model.ImportResult{}, eris.Wrap(err, "sqlite: marshal insight data")
			}
		}
		var conf any
		if ins.Confidence != nil {
			conf = *ins.Confidence
		}
		var processAfter any
		if ins.ProcessAfter != nil {
			processAfter = *ins.ProcessAfter
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO insights (id, barcode, type, value, value_tag, data, confidence, state,
			   automatic_processing, process_after, latent, predictor, predictor_version,
			   source_image, reserved_barcode, unique_scans_n, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ins.ID, ins.Barcode, string(ins.Type), ins.Value, ins.ValueTag, dataJSON,
			conf, string(ins.State), ins.AutomaticProcessing, processAfter,
			ins.Latent, ins.Predictor, ins.PredictorVersion, ins.SourceImage,
			ins.ReservedBarcode, ins.UniqueScans, ins.CreatedAt,
		); err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "sqlite: import batch: insert %s", ins.ValueTag)
		}
		if err := sqliteInsertEvent(ctx, tx, ins.ID, "", ins.State, "importer"); err != nil {
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
				return model.ImportResult{}, eris.Wrap(err, "sqlite: marshal insight data")
			}
		}
		var conf any
		if ins.Confidence != nil {
			conf = *ins.Confidence
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE insights SET value = ?, data = ?, confidence = ?, predictor = ?,
			   predictor_version = ?, source_image = ?
			 WHERE id = ? AND annotation IS NULL`,
			ins.Value, dataJSON, conf, ins.Predictor, ins.PredictorVersion,
			ins.SourceImage, ins.ID,
		)
		if err != nil {
			return model.ImportResult{}, eris.Wrapf(err, "sqlite: import batch: update %s", ins.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return model.ImportResult{}, eris.Wrap(err, "sqlite: import batch: commit")
	}
	return result, nil
}

func (s *SQLiteStore) MarkAutomatic(ctx context.Context, processAfter time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark automatic: begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM insights
		 WHERE automatic_processing = 1 AND process_after IS NULL AND annotation IS NULL
		   AND state = 'pending'`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark automatic: scan")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: mark automatic: scan id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: mark automatic: iterate")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE insights SET process_after = ?, state = 'automatic_scheduled' WHERE id = ?`,
			processAfter, id,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: mark automatic: update %s", id)
		}
		if err := sqliteInsertEvent(ctx, tx, id, model.StatePending, model.StateAutomaticScheduled, "scheduler"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: mark automatic: commit")
	}
	return len(ids), nil
}

func (s *SQLiteStore) ReadyToApply(ctx context.Context, now time.Time, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryInsights(ctx,
		fmt.Sprintf(`SELECT %s FROM insights
		 WHERE state = 'automatic_scheduled' AND process_after IS NOT NULL
		   AND process_after < ? AND annotation IS NULL
		 ORDER BY process_after LIMIT ?`, insightColumns),
		now, limit,
	)
}

func (s *SQLiteStore) SetLatent(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: set latent: begin")
	}
	defer tx.Rollback()

	var from string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM insights WHERE id = ?`, id).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsightNotFound
		}
		return eris.Wrapf(err, "sqlite: set latent: read %s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE insights SET latent = 1, state = 'latent' WHERE id = ? AND annotation IS NULL`, id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: set latent %s", id)
	}
	if err := sqliteInsertEvent(ctx, tx, id, model.InsightState(from), model.StateLatent, actor); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: set latent: commit")
}

func (s *SQLiteStore) DeleteInsight(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete insight: begin")
	}
	defer tx.Rollback()

	var from string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM insights WHERE id = ?`, id).Scan(&from); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsightNotFound
		}
		return eris.Wrapf(err, "sqlite: delete insight: read %s", id)
	}
	if err := sqliteInsertEvent(ctx, tx, id, model.InsightState(from), model.StateDeleted, actor); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete insight %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete insight: commit")
}

func (s *SQLiteStore) DeleteProductInsights(ctx context.Context, barcode string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete product insights: begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, state FROM insights
		 WHERE barcode = ? AND state IN ('pending', 'latent', 'automatic_scheduled')`,
		barcode,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete product insights: scan")
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
			return 0, eris.Wrap(err, "sqlite: delete product insights: scan row")
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete product insights: iterate")
	}

	for _, r := range recs {
		if err := sqliteInsertEvent(ctx, tx, r.id, model.InsightState(r.state), model.StateDeleted, "validator"); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE id = ?`, r.id); err != nil {
			return 0, eris.Wrapf(err, "sqlite: delete product insight %s", r.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: delete product insights: commit")
	}
	return len(recs), nil
}

func (s *SQLiteStore) RefreshProductFields(ctx context.Context, id string, brands, countries []string, uniqueScans int) error {
	brandsJSON, err := json.Marshal(brands)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal brands")
	}
	countriesJSON, err := json.Marshal(countries)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal countries")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE insights SET brands = ?, countries = ?, unique_scans_n = ? WHERE id = ?`,
		brandsJSON, countriesJSON, uniqueScans, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: refresh product fields %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsightNotFound
	}
	return nil
}

func (s *SQLiteStore) AnnotateTx(ctx context.Context, id string, annotation int, completedBy string, writeback WritebackFunc) (*model.Insight, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: annotate: begin")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM insights WHERE id = ?`, insightColumns), id)
	ins, err := scanSQLiteInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsightNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: annotate: read %s", id)
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

	if _, err := tx.ExecContext(ctx,
		`UPDATE insights SET annotation = ?, state = ?, completed_by = ?, completed_at = ? WHERE id = ?`,
		annotation, string(ins.State), completedBy, now, id,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: annotate: update %s", id)
	}
	if err := sqliteInsertEvent(ctx, tx, id, fromState, ins.State, completedBy); err != nil {
		return nil, err
	}

	if writeback != nil {
		if err := writeback(ctx, ins); err != nil {
			return nil, eris.Wrapf(err, "sqlite: annotate: write-back %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: annotate: commit")
	}
	return ins, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, insightID string) ([]model.InsightEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, insight_id, from_state, to_state, actor, created_at
		 FROM insight_events WHERE insight_id = ? ORDER BY created_at, rowid`,
		insightID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.InsightEvent
	for rows.Next() {
		var e model.InsightEvent
		if err := rows.Scan(&e.ID, &e.InsightID, &e.FromState, &e.ToState, &e.Actor, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context, since, now time.Time) (Stats, error) {
	stats := Stats{ByState: map[model.InsightState]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM insights GROUP BY state`)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: stats: states")
	}
	defer rows.Close()
	for rows.Next() {
		var state model.InsightState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return stats, eris.Wrap(err, "sqlite: stats: scan state")
		}
		stats.ByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return stats, eris.Wrap(err, "sqlite: stats: iterate")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM insights WHERE created_at >= ?),
			(SELECT COUNT(*) FROM insights WHERE completed_at IS NOT NULL AND completed_at >= ?),
			(SELECT COUNT(*) FROM insights WHERE state = 'automatic_scheduled' AND process_after IS NOT NULL AND process_after < ?)`,
		since, since, now,
	).Scan(&stats.CreatedSince, &stats.CompletedSince, &stats.OverdueAutomatic)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: stats: windows")
	}
	return stats, nil
}
