package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/numbata/metaproxy/metaproxy-srv/logger"
)

type dialect struct {
	driver    string
	idColumn  string
	timestamp string
}

var (
	dialectSQLite = dialect{
		driver:    "sqlite3",
		idColumn:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "DATETIME",
	}
	dialectPostgres = dialect{
		driver:    "postgres",
		idColumn:  "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMPTZ",
	}
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS connections (
			id %s,
			connection_uuid TEXT NOT NULL DEFAULT '',
			binding_port INTEGER NOT NULL DEFAULT 0,
			client_ip TEXT NOT NULL DEFAULT '',
			target_host TEXT NOT NULL DEFAULT '',
			target_port INTEGER NOT NULL DEFAULT 0,
			protocol TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL DEFAULT '',
			upstream TEXT NOT NULL DEFAULT '',
			started_at %s NOT NULL,
			ended_at %s,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		)`, d.idColumn, d.timestamp, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS http_requests (
			id %s,
			connection_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			content_length BIGINT NOT NULL DEFAULT 0,
			timestamp %s NOT NULL
		)`, d.idColumn, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS http_responses (
			id %s,
			connection_id BIGINT NOT NULL,
			status_code INTEGER NOT NULL,
			content_length BIGINT NOT NULL DEFAULT 0,
			timestamp %s NOT NULL
		)`, d.idColumn, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS errors (
			id %s,
			connection_id BIGINT NOT NULL,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			timestamp %s NOT NULL
		)`, d.idColumn, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blocked_requests (
			id %s,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp %s NOT NULL
		)`, d.idColumn, d.timestamp),
		`CREATE INDEX IF NOT EXISTS idx_connections_binding_port ON connections (binding_port)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_ended_at ON connections (ended_at)`,
	}
}

// SQLCollector implements Collector on top of database/sql. The same code
// serves SQLite and PostgreSQL; only DDL types and placeholders differ.
type SQLCollector struct {
	db        *sql.DB
	dialect   dialect
	startedAt time.Time
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLCollector, error) {
	db, err := sql.Open(dialectSQLite.driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return newSQLCollector(db, dialectSQLite)
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*SQLCollector, error) {
	db, err := sql.Open(dialectPostgres.driver, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLCollector(db, dialectPostgres)
}

func newSQLCollector(db *sql.DB, d dialect) (*SQLCollector, error) {
	c := &SQLCollector{db: db, dialect: d, startedAt: time.Now()}
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	logger.Debug("Initialized stats collector %s", d.driver)
	return c, nil
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

// StartConnection records the start of a connection
func (s *SQLCollector) StartConnection(ctx context.Context, info ConnectionInfo) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO connections
		 (connection_uuid, binding_port, client_ip, target_host, target_port, protocol, route, upstream, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		info.UUID, info.BindingPort, info.ClientIP, info.TargetHost, info.TargetPort,
		info.Protocol, info.Route, info.Upstream, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (s *SQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, content_length, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, host, contentLength, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response
func (s *SQLCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	err := s.exec(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, statusCode, contentLength, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLCollector) RecordError(ctx context.Context, connectionID int64, errorCode, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_code, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorCode, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordBlockedRequest records a blocked request
func (s *SQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO blocked_requests (client_ip, target_host, reason, timestamp)
		 VALUES (?, ?, ?, ?)`,
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{
		Uptime: time.Since(s.startedAt).Truncate(time.Second).String(),
	}

	queries := []struct {
		name  string
		query string
		dest  []any
	}{
		{"total connections", "SELECT COUNT(*) FROM connections", []any{&stats.TotalConnections}},
		{"active connections", "SELECT COUNT(*) FROM connections WHERE ended_at IS NULL", []any{&stats.ActiveConnections}},
		{"total requests", "SELECT COUNT(*) FROM http_requests", []any{&stats.TotalRequests}},
		{"total errors", "SELECT COUNT(*) FROM errors", []any{&stats.TotalErrors}},
		{"blocked requests", "SELECT COUNT(*) FROM blocked_requests", []any{&stats.BlockedRequests}},
		{
			"total bytes",
			"SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0) FROM connections",
			[]any{&stats.TotalBytesOut, &stats.TotalBytesIn},
		},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest...); err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", q.name, err)
		}
	}

	return stats, nil
}

// GetPortStats returns per binding port traffic, ordered by port.
func (s *SQLCollector) GetPortStats(ctx context.Context) ([]PortStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT binding_port, COUNT(*), COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0)
		 FROM connections GROUP BY binding_port ORDER BY binding_port`)
	if err != nil {
		return nil, fmt.Errorf("failed to query port stats: %w", err)
	}
	defer rows.Close()

	result := []PortStats{}
	for rows.Next() {
		var ps PortStats
		if err := rows.Scan(&ps.Port, &ps.Connections, &ps.BytesSent, &ps.BytesReceived); err != nil {
			return nil, fmt.Errorf("failed to scan port stats: %w", err)
		}
		result = append(result, ps)
	}
	return result, rows.Err()
}

// HealthCheck performs a health check
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLCollector) Close() error {
	return s.db.Close()
}
