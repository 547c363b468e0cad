package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/i474232898/air-quality-ingestion/internal/airquality"
	"github.com/i474232898/air-quality-ingestion/internal/metrics"
)

const (
	tableLog        = "aqi_log"
	tableLatest     = "aqi_latest"
	tableProvenance = "aqi_provenance"
)

// recordColumns mirrors Columns minus the derived category columns, which
// are stored but never read back.
var recordColumns = []string{
	"city", "aqi", "observed_at_utc", "lat", "lon", "station_name", "dominentpol",
	"pm25", "pm10", "o3", "no2", "so2", "co", "nh3",
}

// MySQLStore keeps the snapshot, log and provenance in MySQL tables.
// Every write replaces the table content inside one transaction.
type MySQLStore struct {
	conn *sql.DB
}

// NewMySQLStore opens a connection and initializes the schema.
// dsn format: "user:pass@tcp(localhost:3306)/aqi"
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	dsn, err := normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// normalizeDSN forces DATETIME columns to scan into time.Time in UTC,
// whatever the operator put in the DSN.
func normalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.conn.Close()
}

func recordTableDDL(name, extra string) string {
	return `CREATE TABLE IF NOT EXISTS ` + name + ` (
		seq BIGINT AUTO_INCREMENT PRIMARY KEY,
		city VARCHAR(255) NOT NULL,
		aqi DOUBLE NULL,
		observed_at_utc DATETIME(6) NULL,
		lat DOUBLE NULL,
		lon DOUBLE NULL,
		station_name VARCHAR(255) NOT NULL DEFAULT '',
		dominentpol VARCHAR(32) NULL,
		pm25 DOUBLE NULL,
		pm10 DOUBLE NULL,
		o3 DOUBLE NULL,
		no2 DOUBLE NULL,
		so2 DOUBLE NULL,
		co DOUBLE NULL,
		nh3 DOUBLE NULL,
		aqi_category VARCHAR(64) NOT NULL,
		aqi_range VARCHAR(16) NOT NULL` + extra + `
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
}

func (s *MySQLStore) initSchema() error {
	// MySQL doesn't support multiple statements in one Exec
	statements := []string{
		// NULL observed_at_utc never collides, so unkeyed rows survive.
		recordTableDDL(tableLog, `,
		UNIQUE KEY uq_aqi_log_city_observed (city, observed_at_utc)`),
		recordTableDDL(tableLatest, ""),
		`CREATE TABLE IF NOT EXISTS ` + tableProvenance + ` (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			url TEXT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) ReadLog(ctx context.Context) ([]airquality.ObservationRecord, error) {
	return s.readRecords(ctx, tableLog)
}

// ReadSnapshot returns the rows written by the last run.
func (s *MySQLStore) ReadSnapshot(ctx context.Context) ([]airquality.ObservationRecord, error) {
	return s.readRecords(ctx, tableLatest)
}

func (s *MySQLStore) WriteLog(ctx context.Context, records []airquality.ObservationRecord) error {
	if err := s.replaceRecords(ctx, tableLog, records); err != nil {
		return &airquality.PersistenceError{Op: "write log", Err: err}
	}
	return nil
}

func (s *MySQLStore) WriteSnapshot(ctx context.Context, records []airquality.ObservationRecord) error {
	if err := s.replaceRecords(ctx, tableLatest, records); err != nil {
		return &airquality.PersistenceError{Op: "write snapshot", Err: err}
	}
	return nil
}

func (s *MySQLStore) WriteProvenance(ctx context.Context, urls []string) error {
	err := s.inTx(ctx, tableProvenance, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+tableProvenance); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+tableProvenance+` (url) VALUES (?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, u := range urls {
			if _, err := stmt.ExecContext(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &airquality.PersistenceError{Op: "write provenance", Err: err}
	}
	return nil
}

func (s *MySQLStore) readRecords(ctx context.Context, table string) ([]airquality.ObservationRecord, error) {
	defer s.recordPoolStats()

	query := `SELECT ` + strings.Join(recordColumns, ", ") + ` FROM ` + table + ` ORDER BY seq`
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, query)
	metrics.RecordDBQuery("SELECT", table, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	return decodeRows(table, rows)
}

// rowIterator is the part of *sql.Rows that decodeRows needs.
type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
}

func decodeRows(table string, rows rowIterator) ([]airquality.ObservationRecord, error) {
	var out []airquality.ObservationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

func (s *MySQLStore) replaceRecords(ctx context.Context, table string, records []airquality.ObservationRecord) error {
	return s.inTx(ctx, table, func(tx *sql.Tx) error {
		return writeRecords(ctx, tx, table, records)
	})
}

// execer is satisfied by *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeRecords clears table and inserts records in order. Run it inside a
// transaction so a failure leaves the previous content.
func writeRecords(ctx context.Context, ex execer, table string, records []airquality.ObservationRecord) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	cols := append(append([]string(nil), recordColumns...), "aqi_category", "aqi_range")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := `INSERT INTO ` + table + ` (` + strings.Join(cols, ", ") + `) VALUES (` + placeholders + `)`

	for _, r := range records {
		if _, err := ex.ExecContext(ctx, insert, recordArgs(r)...); err != nil {
			return fmt.Errorf("failed to insert %s row for %s: %w", table, r.City, err)
		}
	}
	return nil
}

func (s *MySQLStore) inTx(ctx context.Context, table string, fn func(*sql.Tx) error) error {
	defer s.recordPoolStats()

	start := time.Now()
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if committed

	if err = fn(tx); err == nil {
		err = tx.Commit()
	}
	metrics.RecordDBQuery("REPLACE", table, time.Since(start), err)
	return err
}

func (s *MySQLStore) recordPoolStats() {
	stats := s.conn.Stats()
	metrics.UpdateDBConnectionStats(stats.OpenConnections, stats.InUse)
}

// recordArgs flattens a record into INSERT arguments in recordColumns order
// followed by the derived category and range.
func recordArgs(r airquality.ObservationRecord) []any {
	args := []any{
		r.City,
		nullFloat(r.AQI),
		nullTime(r.ObservedAt),
		nullFloat(r.Lat),
		nullFloat(r.Lon),
		r.StationName,
		nullString(r.DominantPollutant),
	}
	for _, p := range airquality.Pollutants {
		if v, ok := r.Pollutant(p); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return append(args, string(r.Category()), r.Range())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (airquality.ObservationRecord, error) {
	var (
		rec        airquality.ObservationRecord
		aqi        sql.NullFloat64
		observedAt sql.NullTime
		lat, lon   sql.NullFloat64
		dominant   sql.NullString
		pollutants = make([]sql.NullFloat64, len(airquality.Pollutants))
	)

	dest := []any{&rec.City, &aqi, &observedAt, &lat, &lon, &rec.StationName, &dominant}
	for i := range pollutants {
		dest = append(dest, &pollutants[i])
	}
	if err := row.Scan(dest...); err != nil {
		return rec, err
	}

	rec.AQI = fromNullFloat(aqi)
	rec.Lat = fromNullFloat(lat)
	rec.Lon = fromNullFloat(lon)
	if observedAt.Valid {
		rec.ObservedAt = airquality.At(observedAt.Time)
	}
	if dominant.Valid {
		rec.DominantPollutant = airquality.String(dominant.String)
	}
	rec.Pollutants = make(map[airquality.Pollutant]float64)
	for i, p := range airquality.Pollutants {
		if pollutants[i].Valid {
			rec.Pollutants[p] = pollutants[i].Float64
		}
	}
	return rec, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return airquality.Float(v.Float64)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(ts airquality.Timestamp) sql.NullTime {
	if !ts.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ts.Time.UTC(), Valid: true}
}
