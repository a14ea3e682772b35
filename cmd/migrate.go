package cmd

import (
	"fmt"

	"github.com/propbot/propbot/db"
	"github.com/propbot/propbot/internal/config"
)

// runMigrate applies pending schema migrations and exits. serve and retrain
// also migrate on startup; this exists for deploy hooks that migrate before
// rolling the service.
func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
