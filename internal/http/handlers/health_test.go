package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/database"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.2.3")

	resp, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp.Body.Status)
	assert.Equal(t, "1.2.3", resp.Body.Version)
	assert.NotEmpty(t, resp.Body.Timestamp)
	assert.NotEmpty(t, resp.Body.Uptime)
	assert.GreaterOrEqual(t, resp.Body.UptimeSeconds, 0.0)
	assert.Greater(t, resp.Body.CPUInfo.Cores, 0)
	assert.Greater(t, resp.Body.Memory.TotalMemoryMB, 0.0)
	assert.Greater(t, resp.Body.Memory.ProcessMemory.MainProcessMB, 0.0)

	// No database wired: the check reports unknown rather than failing.
	assert.Equal(t, "unknown", resp.Body.Components.Database.Status)
	assert.Equal(t, "unknown", resp.Body.Checks["database"])
}

func TestHealthHandler_WithDB(t *testing.T) {
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	}, nil, nil)
	require.NoError(t, err)
	defer db.Close()

	handler := NewHealthHandler("dev").WithDB(db)

	resp, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Body.Components.Database.Status)
	assert.Equal(t, "ok", resp.Body.Checks["database"])
	assert.Equal(t, "sqlite", resp.Body.Components.Database.Driver)
	assert.Greater(t, resp.Body.Components.Database.ConnectionPoolSize, 0)
	assert.GreaterOrEqual(t, resp.Body.Components.Database.ResponseTimeMS, 0.0)
}

func TestHealthHandler_WithOrchestrator(t *testing.T) {
	_, _, orc := newExportTestEnv(t)

	handler := NewHealthHandler("dev").WithOrchestrator(orc)

	resp, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.Body.Components.Exports.Running)
	assert.Equal(t, 0, resp.Body.Components.Exports.Queued)
}
