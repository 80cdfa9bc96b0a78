package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "progression", cfg.Database.Name)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, EventBusMemory, cfg.Engine.EventBus)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.ContentionMaxDelay)
	assert.Empty(t, cfg.Issuer.BaseURL)
	assert.Equal(t, "15 3 * * *", cfg.Scheduler.AuditCron)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.ReconcileCombosInterval)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Empty(t, cfg.HTTP.AdminAPIKeys)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	t.Setenv("ENGINE_EVENT_BUS", "redis")
	t.Setenv("ISSUER_BASE_URL", "https://rewards.internal")
	t.Setenv("ISSUER_RATE_LIMIT", "2.5")
	t.Setenv("HTTP_ADMIN_API_KEYS", "k1,k2")
	t.Setenv("SCHEDULER_REPROCESS_INTERVAL", "30s")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvStaging, cfg.App.Environment)
	assert.Equal(t, EventBusRedis, cfg.Engine.EventBus)
	assert.Equal(t, 2.5, cfg.Issuer.RequestsPerSecond)
	assert.Equal(t, []string{"k1", "k2"}, cfg.HTTP.AdminAPIKeys)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ReprocessInterval)
}

func TestLoad_MalformedValue(t *testing.T) {
	t.Setenv("HTTP_PORT", "eighty")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("ENGINE_EVENT_BUS", "kafka")
	t.Setenv("ISSUER_BASE_URL", "rewards.internal")
	t.Setenv("SCHEDULER_AUDIT_CRON", "every night")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"DATABASE_URL or DB_PASSWORD",
		"HTTP_ADMIN_API_KEYS",
		"ENGINE_EVENT_BUS",
		"ISSUER_BASE_URL",
		"SCHEDULER_AUDIT_CRON",
		"LOG_FORMAT",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_RedisBusNeedsRedis(t *testing.T) {
	t.Setenv("ENGINE_EVENT_BUS", "redis")
	t.Setenv("REDIS_DISABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs Redis enabled")
}
