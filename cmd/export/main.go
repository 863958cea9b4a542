package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"nicorepo_bot/internal/export"
	"nicorepo_bot/internal/storage"
)

type options struct {
	DatabasePath string `long:"db" env:"DATABASE_PATH" default:"./data/report.db" description:"path to sqlite database"`
	Format       string `long:"format" short:"f" default:"rss" description:"feed format (rss, atom)"`
	Title        string `long:"title" default:"nicorepo" description:"feed title"`
	Limit        int    `long:"limit" short:"n" default:"0" description:"maximum number of items, 0 for all"`
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	format, err := export.ParseFormat(opts.Format)
	if err != nil {
		log.Fatalf("%v", err)
	}

	store, err := storage.NewSQLite(opts.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = store.Close() }()

	w := bufio.NewWriter(os.Stdout)
	err = export.Write(context.Background(), w, store, format, export.Options{
		Title: opts.Title,
		Limit: opts.Limit,
		Now:   time.Now(),
	})
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		log.Fatalf("export: %v", err)
	}
}
