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

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":8085", cfg.ListenAddr)
	assert.Equal(t, "submission.created", cfg.SubscriberQueue)
	assert.Equal(t, "submission.created", cfg.SubscriberKey)
	assert.True(t, cfg.SubscriberEnabled)
	assert.Equal(t, 8, cfg.SubscriberWorkers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.AnalysisTimeout)
	assert.Equal(t, "submission.transitions", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENABLE_SUBSCRIBER", "false")
	t.Setenv("ANALYSIS_MAX_ATTEMPTS", "5")
	t.Setenv("ANALYSIS_TIMEOUT", "10s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.SubscriberEnabled)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.AnalysisTimeout)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_RejectsNonPositiveAttempts(t *testing.T) {
	t.Setenv("ANALYSIS_MAX_ATTEMPTS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")
	_, err = Load()
	assert.NoError(t, err)
}
