package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct {
	startedAt time.Time
}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{startedAt: time.Now()}
}

func (d *DummyCollector) StartConnection(ctx context.Context, info ConnectionInfo) (int64, error) {
	return 0, nil
}

func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	return nil
}

func (d *DummyCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	return nil
}

func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorCode, errorMessage string) error {
	return nil
}

func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

// GetOverviewStats returns zero counters and the collector uptime.
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{Uptime: time.Since(d.startedAt).Truncate(time.Second).String()}, nil
}

func (d *DummyCollector) GetPortStats(ctx context.Context) ([]PortStats, error) {
	return []PortStats{}, nil
}

func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

func (d *DummyCollector) Close() error {
	return nil
}
