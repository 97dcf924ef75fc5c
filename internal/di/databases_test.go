package di

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabases(t *testing.T) {
	container, err := InitializeDatabases(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer container.HistoryDB.Close()

	assert.Equal(t, "history", container.HistoryDB.Name())
	assert.NoError(t, container.HistoryDB.HealthCheck(context.Background()))
}
