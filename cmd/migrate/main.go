// Command migrate applies, rolls back or reports the ledger schema version.
//
//	migrate up | down | version
package main

import (
	"flag"
	"fmt"
	"os"

	"tipledger/config"
	pgStorage "tipledger/internal/adapter/storage/postgres"
	"tipledger/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("TIPLEDGER_CONFIG"), "config file path")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] up|down|version\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	url := cfg.Database.MigrateURL()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := pgStorage.RunMigrations(url); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
		log.Info().Msg("Migrations applied")
	case "down":
		if err := pgStorage.RollbackMigrations(url); err != nil {
			log.Fatal().Err(err).Msg("Rollback failed")
		}
		log.Info().Msg("Rolled back one migration")
	case "version":
		version, dirty, err := pgStorage.MigrationVersion(url)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read migration version")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}
