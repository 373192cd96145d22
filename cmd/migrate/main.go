package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"edgeward.io/internal/migrate"
	"edgeward.io/internal/obs"
	"edgeward.io/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	log := obs.Component("migrate")

	var (
		dsn       = flag.String("dsn", os.Getenv("EDGEWARD_PG_DSN"), "PostgreSQL DSN")
		schema    = flag.String("schema", pg.SchemaAuthority, "Schema to migrate: authority or replica")
		seedsPath = flag.String("seeds", "", "Optional directory of SQL seed files")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or EDGEWARD_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [-schema authority|replica] [up|down|seed|status]")
	}

	migrations, err := pg.Migrations(*schema)
	if err != nil {
		log.Fatal().Err(err).Msg("load migrations")
	}
	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	// Both schemas may share a database, so bookkeeping is kept per schema.
	mgr := migrate.NewManager(db, migrations, seeds,
		migrate.WithMigrationsTable(*schema+"_schema_migrations"),
		migrate.WithSeedsTable(*schema+"_schema_seeds"),
	)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", flag.Arg(0)).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Str("schema", *schema).Msg("migrate failed")
	}
	log.Info().Str("command", flag.Arg(0)).Str("schema", *schema).Msg("done")
}
