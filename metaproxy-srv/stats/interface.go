package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking. A connection is one tunnel or one forwarded request.
	StartConnection(ctx context.Context, info ConnectionInfo) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking for forwarded HTTP
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// Error tracking, errorCode is a proxy error code such as E6008
	RecordError(ctx context.Context, connectionID int64, errorCode, errorMessage string) error

	// Security events
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	// Queries for the control API
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetPortStats(ctx context.Context) ([]PortStats, error)

	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo describes a connection when it starts.
type ConnectionInfo struct {
	UUID        string
	BindingPort int
	ClientIP    string
	TargetHost  string
	TargetPort  int
	Protocol    string // "connect" or "http"
	Route       string // "cascade", "binding" or "direct"
	Upstream    string // redacted upstream URL, empty for direct
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	TotalRequests     int64  `json:"total_requests"`
	TotalErrors       int64  `json:"total_errors"`
	BlockedRequests   int64  `json:"blocked_requests"`
	TotalBytesIn      int64  `json:"total_bytes_in"`
	TotalBytesOut     int64  `json:"total_bytes_out"`
	Uptime            string `json:"uptime"`
}

// PortStats aggregates traffic per binding port.
type PortStats struct {
	Port          int   `json:"port"`
	Connections   int64 `json:"connections"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
}
