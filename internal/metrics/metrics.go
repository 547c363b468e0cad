package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// RunsTotal counts pipeline runs by final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_runs_total",
			Help: "Total number of ingestion runs by status",
		},
		[]string{"status"},
	)

	// RunDuration tracks end-to-end run time
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aqi_run_duration_seconds",
			Help:    "Duration of ingestion runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FetchesTotal counts per-city fetch outcomes: ok, dropped, error
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_fetches_total",
			Help: "Total number of per-city fetches by outcome",
		},
		[]string{"city", "outcome"},
	)

	// RecordsByCategory counts normalized records by AQI category
	RecordsByCategory = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_records_total",
			Help: "Total number of normalized records by AQI category",
		},
		[]string{"category"},
	)

	// LatestAQI exposes the last index value seen per city
	LatestAQI = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aqi_latest_index",
			Help: "Most recent AQI value per city",
		},
		[]string{"city"},
	)

	// LogRows is the size of the historical log after the last merge
	LogRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aqi_log_rows",
			Help: "Number of rows in the historical log after the last run",
		},
	)

	// PersistTotal counts storage operations by kind and status
	PersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_persist_total",
			Help: "Total number of storage operations",
		},
		[]string{"op", "status"},
	)
)

// Database metrics
var (
	// DBQueriesTotal tracks the total number of database queries
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"query_type", "table", "status"},
	)

	// DBQueryDuration tracks the duration of database queries
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type", "table"},
	)

	// DBConnectionsOpen tracks the number of open database connections
	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of established connections both in use and idle",
		},
	)

	// DBConnectionsInUse tracks the number of connections currently in use
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_in_use",
			Help: "Number of connections currently in use",
		},
	)

	// AppStartTime records when the process started
	AppStartTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aqi_app_start_time_seconds",
			Help: "Unix timestamp of when the application started",
		},
	)
)

func init() {
	AppStartTime.SetToCurrentTime()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRun records a finished run.
func RecordRun(duration time.Duration, err error) {
	RunsTotal.WithLabelValues(status(err)).Inc()
	RunDuration.Observe(duration.Seconds())
}

// RecordFetch records one city's fetch outcome.
func RecordFetch(city, outcome string) {
	FetchesTotal.WithLabelValues(city, outcome).Inc()
}

// RecordPersist records a storage operation (snapshot, log, provenance, publish).
func RecordPersist(op string, err error) {
	PersistTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordDBQuery records a database query execution
func RecordDBQuery(queryType, table string, duration time.Duration, err error) {
	DBQueriesTotal.WithLabelValues(queryType, table, status(err)).Inc()
	DBQueryDuration.WithLabelValues(queryType, table).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(open, inUse int) {
	DBConnectionsOpen.Set(float64(open))
	DBConnectionsInUse.Set(float64(inUse))
}
