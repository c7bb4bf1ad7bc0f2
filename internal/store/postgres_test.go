package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

var insightRowColumns = []string{
	"id", "barcode", "type", "value", "value_tag", "data", "confidence", "state", "annotation",
	"automatic_processing", "process_after", "latent", "predictor", "predictor_version",
	"source_image", "reserved_barcode", "brands", "countries", "unique_scans_n",
	"completed_by", "completed_at", "created_at",
}

func pendingInsightRow(id, barcode string, typ model.InsightType, valueTag string) *pgxmock.Rows {
	return pgxmock.NewRows(insightRowColumns).AddRow(
		id, barcode, typ, "", valueTag, []byte(nil), nil, model.StatePending, nil,
		false, nil, false, "matcher", "1",
		"", false, []byte(nil), []byte(nil), 0,
		"", nil, time.Now().UTC(),
	)
}

func TestPostgresGetInsight(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM insights WHERE id = \$1`).
		WithArgs("ins-1").
		WillReturnRows(pendingInsightRow("ins-1", "123", model.TypeCategory, "en:fish"))

	got, err := s.GetInsight(context.Background(), "ins-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "en:fish", got.ValueTag)
	assert.Equal(t, model.StatePending, got.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetInsightAbsent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM insights WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetInsight(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetLatent(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM insights").
		WithArgs("ins-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("pending"))
	mock.ExpectExec("UPDATE insights SET latent").
		WithArgs("ins-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO insight_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.SetLatent(context.Background(), "ins-1", "validator")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetLatentNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM insights").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.SetLatent(context.Background(), "missing", "validator")
	assert.ErrorIs(t, err, ErrInsightNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteInsight(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM insights").
		WithArgs("ins-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("pending"))
	mock.ExpectExec("INSERT INTO insight_events").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM insights").
		WithArgs("ins-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := s.DeleteInsight(context.Background(), "ins-1", "validator")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRefreshProductFieldsNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec("UPDATE insights SET brands").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RefreshProductFields(context.Background(), "missing", nil, nil, 0)
	assert.ErrorIs(t, err, ErrInsightNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAnnotateTxNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.AnnotateTx(context.Background(), "missing", model.AnnotationAccept, "reviewer", nil)
	assert.ErrorIs(t, err, ErrInsightNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListEvents(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM insight_events WHERE insight_id").
		WithArgs("ins-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "insight_id", "from_state", "to_state", "actor", "created_at"}).
			AddRow("ev-1", "ins-1", model.InsightState(""), model.StatePending, "importer", now).
			AddRow("ev-2", "ins-1", model.StatePending, model.StateAnnotated, "reviewer", now.Add(time.Second)))

	events, err := s.ListEvents(context.Background(), "ins-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.StateAnnotated, events[1].ToState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertPredictions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM predictions").
		WithArgs("123", string(model.TypeCategory), "neural", "42").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"predictions"},
		[]string{"id", "barcode", "type", "value", "value_tag", "source_image",
			"confidence", "predictor", "predictor_version", "data", "automatic_processing", "created_at"}).
		WillReturnResult(1)
	mock.ExpectCommit()

	n, err := s.InsertPredictions(context.Background(), []model.Prediction{{
		Barcode:     "123",
		Type:        model.TypeCategory,
		ValueTag:    "en:fish",
		Predictor:   "neural",
		SourceImage: "42",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM insights GROUP BY state`).
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow(model.StatePending, 4).
			AddRow(model.StateAnnotated, 11))

	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)
	mock.ExpectQuery(`FROM insights WHERE created_at >= \$1`).
		WithArgs(since, now).
		WillReturnRows(pgxmock.NewRows([]string{"created", "completed", "overdue"}).
			AddRow(6, 2, 1))

	stats, err := s.Stats(context.Background(), since, now)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.ByState[model.StatePending])
	assert.Equal(t, 11, stats.ByState[model.StateAnnotated])
	assert.Equal(t, 6, stats.CreatedSince)
	assert.Equal(t, 2, stats.CompletedSince)
	assert.Equal(t, 1, stats.OverdueAutomatic)
	assert.NoError(t, mock.ExpectationsWereMet())
}
