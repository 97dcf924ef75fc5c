package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/quantlab/internal/config"
	"github.com/aristath/quantlab/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens history.db. Schemas are applied by the
// repositories that own them.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// history.db - Archived job records, reaped from memory
	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	container.HistoryDB = historyDB

	log.Info().Str("path", historyDB.Path()).Msg("Database initialized")

	return container, nil
}
