package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DBConnections tracks connection counts by pool (pgx, sqlx) and state (open, in_use, idle, max)
	DBConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections",
			Help:      "Database connections by pool and state",
		},
		[]string{"pool", "state"},
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)
)

// DBStatsCollector publishes connection statistics for the user pool and the session database handle
type DBStatsCollector struct {
	pool   *pgxpool.Pool
	db     *sqlx.DB
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once
}

// NewDBStatsCollector creates a new database stats collector. Either handle may be nil.
func NewDBStatsCollector(pool *pgxpool.Pool, db *sqlx.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pool:   pool,
		db:     db,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the collector; calling it twice is safe
func (c *DBStatsCollector) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
		c.logger.Info("database stats collector stopped")
	})
}

func (c *DBStatsCollector) collect() {
	if c.pool != nil {
		stat := c.pool.Stat()
		DBConnections.WithLabelValues("pgx", "open").Set(float64(stat.TotalConns()))
		DBConnections.WithLabelValues("pgx", "in_use").Set(float64(stat.AcquiredConns()))
		DBConnections.WithLabelValues("pgx", "idle").Set(float64(stat.IdleConns()))
		DBConnections.WithLabelValues("pgx", "max").Set(float64(stat.MaxConns()))
	}

	if c.db != nil {
		stats := c.db.Stats()
		DBConnections.WithLabelValues("sqlx", "open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("sqlx", "in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("sqlx", "idle").Set(float64(stats.Idle))
		DBConnections.WithLabelValues("sqlx", "max").Set(float64(stats.MaxOpenConnections))
	}
}

// TimeQuery is a helper function to time database queries
// Usage: defer metrics.TimeQuery("find_user")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
