package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/scanning"
)

// portRowBatch keeps one multi-row insert well under PostgreSQL's 65535
// bind parameter limit.
const portRowBatch = 1000

const insertScanRun = `
	INSERT INTO scan_runs (
		id, scan_type, started_at, completed_at, duration_ms, host_count,
		open_count, cancelled_count, cancelled, fallback_to_connect, warnings
	) VALUES (
		:id, :scan_type, :started_at, :completed_at, :duration_ms, :host_count,
		:open_count, :cancelled_count, :cancelled, :fallback_to_connect, :warnings
	)`

const insertPortRow = `
	INSERT INTO port_results (
		scan_id, address, hostname, network_class, port, protocol, scan_type,
		status, reason, latency_ms, service_name, service_version,
		firewall_suspected, completed_at
	) VALUES (
		:scan_id, :address, :hostname, :network_class, :port, :protocol, :scan_type,
		:status, :reason, :latency_ms, :service_name, :service_version,
		:firewall_suspected, :completed_at
	)`

// ResultStore persists finished scans.
type ResultStore struct {
	db     *sqlx.DB
	prom   *metrics.PrometheusMetrics
	logger *logging.Logger
}

// NewResultStore creates a result store on an open connection. prom may be nil.
func NewResultStore(db *DB, prom *metrics.PrometheusMetrics, logger *logging.Logger) *ResultStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &ResultStore{db: db.DB, prom: prom, logger: logger.WithComponent("results-db")}
}

func (s *ResultStore) observe(operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RecordDatabaseQuery(operation, elapsed, err == nil)
	if s.prom == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.prom.IncrementDatabaseQueries(operation, status)
	s.prom.RecordDatabaseQueryDuration(operation, elapsed)
}

// SaveScan writes the scan and all of its port results in one transaction
// and returns the stored scan ID.
func (s *ResultStore) SaveScan(ctx context.Context, result *scanning.ScanResult) (id uuid.UUID, err error) {
	if result == nil {
		return uuid.Nil, scanerrors.NewScanError(scanerrors.CodeValidation, "scan result is nil")
	}
	start := time.Now()
	defer func() { s.observe("save_scan", start, err) }()

	run := newScanRun(result)
	rows := portRows(run.ID, result)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, sanitizeDBError("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.NamedExecContext(ctx, insertScanRun, run); err != nil {
		return uuid.Nil, sanitizeDBError("insert scan run", err)
	}

	for lo := 0; lo < len(rows); lo += portRowBatch {
		hi := min(lo+portRowBatch, len(rows))
		if _, err = tx.NamedExecContext(ctx, insertPortRow, rows[lo:hi]); err != nil {
			return uuid.Nil, sanitizeDBError("insert port results", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return uuid.Nil, sanitizeDBError("commit", err)
	}

	s.logger.Info("Scan results stored",
		"scan_id", run.ID.String(),
		"hosts", run.HostCount,
		"port_results", len(rows))
	return run.ID, nil
}

// RecentScans returns the newest scan runs first.
func (s *ResultStore) RecentScans(ctx context.Context, limit int) (runs []ScanRun, err error) {
	start := time.Now()
	defer func() { s.observe("recent_scans", start, err) }()

	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, scan_type, started_at, completed_at, duration_ms, host_count,
		       open_count, cancelled_count, cancelled, fallback_to_connect, warnings
		FROM scan_runs
		ORDER BY started_at DESC
		LIMIT $1`
	if err = s.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, sanitizeDBError("recent scans", err)
	}
	return runs, nil
}

// OpenPorts returns the open port rows stored for one scan.
func (s *ResultStore) OpenPorts(ctx context.Context, scanID uuid.UUID) (rows []PortRow, err error) {
	start := time.Now()
	defer func() { s.observe("open_ports", start, err) }()

	query := `
		SELECT scan_id, host(address) AS address, hostname, network_class, port,
		       protocol, scan_type, status, reason, latency_ms, service_name,
		       service_version, firewall_suspected, completed_at
		FROM port_results
		WHERE scan_id = $1 AND status = $2
		ORDER BY address, port`
	if err = s.db.SelectContext(ctx, &rows, query, scanID, string(scanning.StatusOpen)); err != nil {
		return nil, sanitizeDBError("open ports", err)
	}
	return rows, nil
}
