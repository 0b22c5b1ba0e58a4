package stats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numbata/metaproxy/metaproxy-srv/config"
)

func TestDummyCollector(t *testing.T) {
	collector := NewDummyCollector()
	defer collector.Close()
	ctx := context.Background()

	id, err := collector.StartConnection(ctx, ConnectionInfo{TargetHost: "example.com", TargetPort: 443})
	require.NoError(t, err)
	require.NoError(t, collector.EndConnection(ctx, id, 1, 2, time.Second, "normal"))
	require.NoError(t, collector.RecordError(ctx, id, "E6008", "rejected"))
	require.NoError(t, collector.HealthCheck(ctx))

	overview, err := collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, overview.TotalConnections)
	assert.NotEmpty(t, overview.Uptime)

	ports, err := collector.GetPortStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestSQLiteCollector(t *testing.T) {
	collector, err := NewSQLiteCollector(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	defer collector.Close()

	testCollector(t, collector)
}

func TestPostgreSQLCollector(t *testing.T) {
	dsn := os.Getenv("METAPROXY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("METAPROXY_TEST_POSTGRES_DSN not set")
	}
	collector, err := NewPostgreSQLCollector(dsn)
	require.NoError(t, err)
	defer collector.Close()

	_, err = collector.db.Exec(`TRUNCATE connections, http_requests, http_responses, errors, blocked_requests`)
	require.NoError(t, err)

	testCollector(t, collector)
}

func testCollector(t *testing.T, collector *SQLCollector) {
	t.Helper()
	ctx := context.Background()

	tunnelID, err := collector.StartConnection(ctx, ConnectionInfo{
		UUID:        "11111111-1111-1111-1111-111111111111",
		BindingPort: 9000,
		ClientIP:    "127.0.0.1",
		TargetHost:  "example.com",
		TargetPort:  443,
		Protocol:    "connect",
		Route:       "binding",
		Upstream:    "http://proxy:3128",
	})
	require.NoError(t, err)
	assert.Positive(t, tunnelID)

	forwardID, err := collector.StartConnection(ctx, ConnectionInfo{
		BindingPort: 9001,
		TargetHost:  "example.org",
		TargetPort:  80,
		Protocol:    "http",
		Route:       "direct",
	})
	require.NoError(t, err)
	assert.NotEqual(t, tunnelID, forwardID)

	require.NoError(t, collector.RecordHTTPRequest(ctx, forwardID, "GET", "http://example.org/", "example.org", 0))
	require.NoError(t, collector.RecordHTTPResponse(ctx, forwardID, 200, 512))
	require.NoError(t, collector.RecordError(ctx, tunnelID, "E6008", "upstream refused"))
	require.NoError(t, collector.RecordBlockedRequest(ctx, "127.0.0.1", "ads.example", "blocked-hosts"))

	overview, err := collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), overview.TotalConnections)
	assert.Equal(t, int64(2), overview.ActiveConnections)
	assert.Equal(t, int64(1), overview.TotalRequests)
	assert.Equal(t, int64(1), overview.TotalErrors)
	assert.Equal(t, int64(1), overview.BlockedRequests)

	require.NoError(t, collector.EndConnection(ctx, tunnelID, 100, 200, 50*time.Millisecond, "closed"))
	require.NoError(t, collector.EndConnection(ctx, forwardID, 10, 512, 5*time.Millisecond, "completed"))

	overview, err = collector.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, overview.ActiveConnections)
	assert.Equal(t, int64(110), overview.TotalBytesOut)
	assert.Equal(t, int64(712), overview.TotalBytesIn)

	ports, err := collector.GetPortStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PortStats{
		{Port: 9000, Connections: 1, BytesSent: 100, BytesReceived: 200},
		{Port: 9001, Connections: 1, BytesSent: 10, BytesReceived: 512},
	}, ports)

	require.NoError(t, collector.HealthCheck(ctx))
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", dialectPostgres.rebind(q))
}

func TestCreateCollector(t *testing.T) {
	c, err := CreateCollector(&config.StatisticsConfig{Enabled: false, Backend: "postgres"})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "dummy"})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = CreateCollector(&config.StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "factory.db"),
	})
	require.NoError(t, err)
	assert.IsType(t, &SQLCollector{}, c)
	require.NoError(t, c.Close())

	_, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	assert.ErrorContains(t, err, "postgres-dsn is required")

	_, err = CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "redis"})
	assert.ErrorContains(t, err, "unsupported stats backend")
}
