package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
)

// argsRow replays INSERT arguments through Scan, as the driver would.
type argsRow []any

func (r argsRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r[i].(string)
		case *sql.NullFloat64:
			switch a := r[i].(type) {
			case sql.NullFloat64:
				*v = a
			case float64:
				*v = sql.NullFloat64{Float64: a, Valid: true}
			default:
				*v = sql.NullFloat64{}
			}
		case *sql.NullString:
			*v = r[i].(sql.NullString)
		case *sql.NullTime:
			*v = r[i].(sql.NullTime)
		}
	}
	return nil
}

func TestRecordArgsRoundTrip(t *testing.T) {
	for _, rec := range sampleRecords() {
		args := recordArgs(rec)
		require.Len(t, args, len(recordColumns)+2)
		assert.Equal(t, string(rec.Category()), args[len(args)-2])
		assert.Equal(t, rec.Range(), args[len(args)-1])

		got, err := scanRecord(argsRow(args[:len(recordColumns)]))
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestRecordArgsInvalidTimestampIsNull(t *testing.T) {
	args := recordArgs(airquality.ObservationRecord{City: "Perth"})
	assert.Equal(t, sql.NullTime{}, args[2])
	assert.Equal(t, sql.NullFloat64{}, args[1])
}

func TestNormalizeDSNForcesParseTime(t *testing.T) {
	got, err := normalizeDSN("aqi:secret@tcp(db:3306)/aqi?parseTime=false&loc=Local")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(got)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Equal(t, "aqi", cfg.User)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "aqi", cfg.DBName)

	_, err = normalizeDSN("not a dsn")
	assert.Error(t, err)
}

// fakeRows iterates argsRow values like *sql.Rows.
type fakeRows struct {
	rows    []argsRow
	pos     int
	scanErr error
	iterErr error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	return r.rows[r.pos-1].Scan(dest...)
}

func (r *fakeRows) Err() error { return r.iterErr }

func TestDecodeRows(t *testing.T) {
	recs := sampleRecords()
	rows := &fakeRows{}
	for _, rec := range recs {
		rows.rows = append(rows.rows, argsRow(recordArgs(rec)[:len(recordColumns)]))
	}

	got, err := decodeRows(tableLog, rows)
	require.NoError(t, err)
	assert.Equal(t, recs, got)

	t.Run("scan error", func(t *testing.T) {
		scanErr := errors.New(`unsupported Scan, storing driver.Value type []uint8 into type *time.Time`)
		_, err := decodeRows(tableLog, &fakeRows{rows: rows.rows, scanErr: scanErr})
		assert.ErrorIs(t, err, scanErr)
	})

	t.Run("iteration error", func(t *testing.T) {
		_, err := decodeRows(tableLog, &fakeRows{iterErr: sql.ErrConnDone})
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})
}

type execCall struct {
	query string
	args  []any
}

type recordingExecer struct {
	calls  []execCall
	failAt int
}

func (e *recordingExecer) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	e.calls = append(e.calls, execCall{query: query, args: args})
	if e.failAt > 0 && len(e.calls) == e.failAt {
		return nil, errors.New("deadlock found")
	}
	return driver.RowsAffected(1), nil
}

func TestWriteRecords(t *testing.T) {
	recs := sampleRecords()
	ex := &recordingExecer{}
	require.NoError(t, writeRecords(context.Background(), ex, tableLatest, recs))

	require.Len(t, ex.calls, len(recs)+1)
	assert.Equal(t, "DELETE FROM aqi_latest", ex.calls[0].query)
	for i, rec := range recs {
		call := ex.calls[i+1]
		assert.True(t, strings.HasPrefix(call.query, "INSERT INTO aqi_latest (city, aqi, observed_at_utc"))
		assert.Equal(t, recordArgs(rec), call.args)
	}

	t.Run("insert failure is reported", func(t *testing.T) {
		ex := &recordingExecer{failAt: 2}
		err := writeRecords(context.Background(), ex, tableLog, recs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert aqi_log row for "+recs[0].City)
		assert.Len(t, ex.calls, 2)
	})

	t.Run("clear failure stops early", func(t *testing.T) {
		ex := &recordingExecer{failAt: 1}
		require.Error(t, writeRecords(context.Background(), ex, tableLog, recs))
		assert.Len(t, ex.calls, 1)
	})
}
