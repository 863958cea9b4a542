package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"nicorepo_bot/migrations"
)

type options struct {
	DatabasePath string `long:"db" env:"DATABASE_PATH" default:"./data/report.db" description:"path to sqlite database"`
}

const usage = `<command>

Commands:
  up          Migrate to the latest version
  up-one      Migrate one version up
  down        Roll back one version
  status      Show migration status
  version     Show current version
  reset       Roll back all migrations`

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = usage

	args, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
	if len(args) == 0 {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", opts.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	provider, err := migrations.NewProvider(db)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	cmd := args[0]
	switch cmd {
	case "up":
		var results []*goose.MigrationResult
		results, err = provider.Up(ctx)
		printResults(results)
	case "up-one":
		var result *goose.MigrationResult
		result, err = provider.UpByOne(ctx)
		printResults([]*goose.MigrationResult{result})
	case "down":
		var result *goose.MigrationResult
		result, err = provider.Down(ctx)
		printResults([]*goose.MigrationResult{result})
	case "status":
		var statuses []*goose.MigrationStatus
		statuses, err = provider.Status(ctx)
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %s\n", applied, s.Source.Path)
		}
	case "version":
		var version int64
		version, err = provider.GetDBVersion(ctx)
		if err == nil {
			fmt.Printf("version %d\n", version)
		}
	case "reset":
		var results []*goose.MigrationResult
		results, err = provider.DownTo(ctx, 0)
		printResults(results)
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if errors.Is(err, goose.ErrNoNextVersion) {
		fmt.Println("no migrations to apply")
		return
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func printResults(results []*goose.MigrationResult) {
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		fmt.Printf("%-4s %s (%s)\n", r.Direction, r.Source.Path, r.Duration)
	}
}
