// Command migrate applies the store schema and optional demo seed without
// starting the server.
//
// Usage:
//
//	go run ./cmd/migrate            # apply schema migrations
//	go run ./cmd/migrate -seed      # apply schema migrations, then seed demo data
package main

import (
	"flag"
	"os"

	"github.com/joho/godotenv"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/logging"
)

func main() {
	seed := flag.Bool("seed", false, "seed a demo room and default agents after migrating")
	flag.Parse()

	_ = godotenv.Load()
	logging.Init()
	defer logging.Sync()

	cfg := config.Load()

	database, err := db.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logging.S().Errorw("store open failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(database); err != nil {
		logging.S().Errorw("migration failed", "error", err)
		os.Exit(1)
	}
	logging.S().Infow("schema migrated")

	if *seed {
		if err := db.SeedDemo(database, ""); err != nil {
			logging.S().Errorw("seed failed", "error", err)
			os.Exit(1)
		}
	}
}
