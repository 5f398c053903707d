package postgresql

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/persistence"
	"github.com/dukex/procflow/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *slog.Logger) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	return db, mock, slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstanceRepository_buildListQuery_InvalidSortField(t *testing.T) {
	t.Parallel()

	repo := &InstanceRepository{}

	tests := []struct {
		name    string
		sortBy  string
		wantErr error
	}{
		{name: "unknown field", sortBy: "invalid_field", wantErr: persistence.ErrInvalidSortField},
		{name: "sql injection attempt", sortBy: "title; DROP TABLE workflow_instances; --", wantErr: persistence.ErrInvalidSortField},
		{name: "priority", sortBy: "priority"},
		{name: "created_at", sortBy: "created_at"},
		{name: "default", sortBy: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := persistence.ListInstancesOptions{SortBy: tt.sortBy}

			_, _, err := repo.buildListQuery(&opts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.True(t, persistence.IsInvalidSortField(err))

				return
			}

			require.NoError(t, err)
			assert.Contains(t, instanceSortColumns, opts.SortBy)
		})
	}
}

func TestInstanceRepository_buildListQuery_Filters(t *testing.T) {
	t.Parallel()

	repo := &InstanceRepository{}
	opts := persistence.ListInstancesOptions{
		DefinitionID: "def-1",
		Statuses:     []models.InstanceStatus{models.InstanceStatusRunning},
		Participant:  "alice",
		Text:         "laptop",
	}

	where, args, err := repo.buildListQuery(&opts)
	require.NoError(t, err)

	assert.Equal(t, " WHERE definition_id = $1 AND status = ANY($2) AND $3 = ANY(participants) AND (title ILIKE $4 OR context::text ILIKE $4)", where)
	require.Len(t, args, 4)
	assert.Equal(t, "%laptop%", args[3])
	assert.Equal(t, persistence.DefaultLimit, opts.Limit)
	assert.Equal(t, "desc", opts.SortOrder)
}

func TestInstanceRepository_Update_StaleVersion(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewInstanceRepository(db, logger)
	instance := persistencetest.NewInstance("def-1", "bob")
	instance.Version = 3

	mock.ExpectExec("UPDATE workflow_instances SET").
		WithArgs(instance.ID, int64(3), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(4), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(instance.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := repo.Update(t.Context(), instance, 3)
	require.Error(t, err)
	assert.True(t, persistence.IsConcurrentModification(err))
	assert.Equal(t, int64(3), instance.Version, "a rejected write leaves the caller's version untouched")
}

func TestInstanceRepository_Update_Success(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewInstanceRepository(db, logger)
	instance := persistencetest.NewInstance("def-1", "bob")

	mock.ExpectExec("UPDATE workflow_instances SET").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Update(t.Context(), instance, 1))
	assert.Equal(t, int64(2), instance.Version)
}

func TestInstanceRepository_Update_Missing(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewInstanceRepository(db, logger)
	instance := persistencetest.NewInstance("def-1", "bob")

	mock.ExpectExec("UPDATE workflow_instances SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Update(t.Context(), instance, 1)
	assert.True(t, persistence.IsInstanceNotFound(err))
}

func TestJoinRepository_Arrive_LocksRow(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewJoinRepository(db, logger)

	join := persistencetest.NewJoin(models.JoinPolicyFailFast, "P", "Q")
	join.Arrived = []string{"P"}

	document, err := json.Marshal(join)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT document FROM branch_joins WHERE id = \$1 FOR UPDATE`).WithArgs(join.ID).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(document))
	mock.ExpectExec("UPDATE branch_joins SET document").WithArgs(join.ID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Arrive(t.Context(), join.ID, "Q")
	require.NoError(t, err)
	assert.Equal(t, models.JoinReleased, result)
}

func TestJoinRepository_Arrive_Duplicate(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewJoinRepository(db, logger)

	join := persistencetest.NewJoin(models.JoinPolicyFailFast, "P", "Q")
	join.Arrived = []string{"P"}

	document, err := json.Marshal(join)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT document FROM branch_joins").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(document))
	mock.ExpectCommit()

	result, err := repo.Arrive(t.Context(), join.ID, "P")
	require.NoError(t, err)
	assert.Equal(t, models.JoinWaiting, result)
}

func TestJoinRepository_Arrive_Missing(t *testing.T) {
	t.Parallel()

	db, mock, logger := newMockDB(t)
	repo := NewJoinRepository(db, logger)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT document FROM branch_joins").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Arrive(t.Context(), "gone", "P")
	assert.True(t, persistence.IsJoinNotFound(err))
}

func TestStatisticsRepository_Increment(t *testing.T) {
	t.Parallel()

	db, mock, _ := newMockDB(t)
	repo := NewStatisticsRepository(db)

	mock.ExpectExec("INSERT INTO definition_statistics").
		WithArgs("def-1", int64(0), int64(1), int64(0), int64(0), int64(0), int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Increment(t.Context(), "def-1", models.StatisticsDelta{Completed: 1, DurationMs: 1500}))
}
