package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("CONFIRMATION_SEQUENCE", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("JWT_AUDIENCE", "")
	t.Setenv("JWT_ACCESS_TOKEN_TTL", "")
	t.Setenv("PASSWORD_RESET_TTL", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Postgres.URL)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.Equal(t, "dossier.notifications", cfg.Kafka.Topic)
	assert.Equal(t, SequenceRandom, cfg.Confirmation.Sequence)
	assert.Equal(t, 5, cfg.Confirmation.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Documents.RenderTimeout)
	assert.Equal(t, DriverPgx, cfg.Postgres.Driver)
	assert.Equal(t, "dossier-api", cfg.Auth.JWTAudience)
	assert.Equal(t, 12*time.Hour, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.PasswordResetTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("NOTIFICATION_POLL_INTERVAL", "250ms")
	t.Setenv("CONFIRMATION_MAX_ATTEMPTS", "9")
	t.Setenv("NOTIFICATION_BATCH_SIZE", "not-a-number")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Notifications.PollInterval)
	assert.Equal(t, 9, cfg.Confirmation.MaxAttempts)
	assert.Equal(t, 50, cfg.Notifications.BatchSize)
}

func TestValidate(t *testing.T) {
	t.Run("redis sequence needs redis", func(t *testing.T) {
		t.Setenv("CONFIRMATION_SEQUENCE", SequenceRedis)
		t.Setenv("REDIS_URL", "")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "requires REDIS_URL")
	})

	t.Run("unknown sequence", func(t *testing.T) {
		t.Setenv("CONFIRMATION_SEQUENCE", "snowflake")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("unknown database driver", func(t *testing.T) {
		t.Setenv("DATABASE_DRIVER", "mysql")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "DATABASE_DRIVER")
	})

	t.Run("token lifetimes must be positive", func(t *testing.T) {
		t.Setenv("PASSWORD_RESET_TTL", "-1h")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "PASSWORD_RESET_TTL")
	})

	t.Run("production requires signing key", func(t *testing.T) {
		t.Setenv("DOSSIER_ENV", EnvProduction)
		t.Setenv("JWT_SIGNING_KEY", "")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "JWT_SIGNING_KEY")
	})
}
