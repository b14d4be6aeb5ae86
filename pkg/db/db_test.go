package db

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	lookuper := envconfig.MapLookuper(map[string]string{
		"DB_DSN":       "postgres://attachd@localhost/attachd",
		"DB_MAX_CONNS": "3",
	})

	var cfg Config
	require.NoError(t, envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}))
	assert.Equal(t, "postgres://attachd@localhost/attachd", cfg.DSN)
	assert.Equal(t, int32(3), cfg.MaxConns)
	assert.True(t, cfg.AutoMigrate)
}

func TestConfigFromEnv_MissingDSN(t *testing.T) {
	var cfg Config
	err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(map[string]string{}),
	})
	assert.Error(t, err)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{DSN: "::not a dsn::"})
	assert.Error(t, err)

	_, err = OpenORM(context.Background(), Config{})
	assert.Error(t, err)

	assert.Error(t, Migrate(context.Background(), nil))
	assert.Error(t, Ping(context.Background(), nil))
	assert.NoError(t, CloseORM(nil))
}
