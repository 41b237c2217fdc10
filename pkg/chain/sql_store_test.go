package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fideslabs/fides/pkg/records"
)

func sqlStoreForTest(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chain_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_chain_records_target").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	return store, mock
}

func TestSQLStoreAppendFirstRecord(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	rec, err := NewDecisionRecord(decisionAt(t, records.GenesisHash))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chain_records`).
		WithArgs(rec.RecordID, rec.Hash).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO chain_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Append(context.Background(), rec))
	assert.EqualValues(t, 1, rec.Seq)
	assert.False(t, rec.AppendedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendStaleParent(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	rec, err := NewDecisionRecord(decisionAt(t, records.GenesisHash))
	require.NoError(t, err)

	currentTip := "1111111111111111111111111111111111111111111111111111111111111111"
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}).AddRow(currentTip, 4))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chain_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err = store.Append(context.Background(), rec)
	require.Error(t, err)
	ce := &Error{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeStaleParent, ce.Code())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendDuplicate(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	rec, err := NewDecisionRecord(decisionAt(t, records.GenesisHash))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chain_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err = store.Append(context.Background(), rec)
	require.Error(t, err)
	ce := &Error{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeDuplicate, ce.Code())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendRaceLoserGetsStaleParent(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	rec, err := NewDecisionRecord(decisionAt(t, records.GenesisHash))
	require.NoError(t, err)

	// Both appenders saw the same tip; this one loses the insert and the
	// primary-key collision must surface as a stale parent, not a raw error.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chain_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO chain_records").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "chain_records_pkey"})
	mock.ExpectRollback()

	err = store.Append(context.Background(), rec)
	require.Error(t, err)
	ce := &Error{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeStaleParent, ce.Code())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendRaceDuplicateRecord(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	rec, err := NewDecisionRecord(decisionAt(t, records.GenesisHash))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM chain_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO chain_records").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: chain_records.record_id"))
	mock.ExpectRollback()

	err = store.Append(context.Background(), rec)
	require.Error(t, err)
	ce := &Error{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeDuplicate, ce.Code())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreTipEmpty(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	mock.ExpectQuery("SELECT record_hash, seq FROM chain_records ORDER BY seq DESC").
		WillReturnRows(sqlmock.NewRows([]string{"record_hash", "seq"}))

	tip, height, err := store.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, records.GenesisHash, tip)
	assert.EqualValues(t, 0, height)
}

func TestSQLStoreByRecordID(t *testing.T) {
	store, mock := sqlStoreForTest(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"seq", "kind", "record_id", "target_id", "record_hash",
		"previous_record_hash", "record_timestamp", "appended_at", "document"}
	mock.ExpectQuery("SELECT (.+) FROM chain_records WHERE record_id =").
		WithArgs("dec-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "DR", "dec-1", "", "aa", records.GenesisHash, now, now, `{"decision_id":"dec-1"}`))

	rec, err := store.ByRecordID(context.Background(), "dec-1")
	require.NoError(t, err)
	assert.Equal(t, records.KindDecision, rec.Kind)
	assert.Equal(t, "dec-1", rec.Document["decision_id"])

	mock.ExpectQuery("SELECT (.+) FROM chain_records WHERE record_id =").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = store.ByRecordID(context.Background(), "missing")
	require.Error(t, err)
	ce := &Error{}
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeNotFound, ce.Code())
}
