package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/downfa11-org/aostore/pkg/config"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/storage"
)

const usage = `usage: aoctl [flags] <command> [args]

commands:
  relations                      list relations
  create [relid]                 create a relation with the configured defaults
  insert <relid> <segno>         append stdin lines as rows in one transaction
  scan <relid> [segno...]        print every live row
  fetch <relid> <segno> <row>    print one row
  segments <relid>               print the segment catalog of a relation
  reclaim <relid>                clear awaiting-drop segments
  compact <relid> <src> <dst>    move the rows of segment src into dst
  copy <relid> [dst-relid]       duplicate a relation
  drop <relid>                   drop a relation and unlink its files

flags:`

func main() {
	fs := flag.NewFlagSet("aoctl", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ Failed to load config:", err)
		os.Exit(1)
	}
	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	m, err := storage.NewManager(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ Failed to open storage:", err)
		os.Exit(1)
	}

	err = run(ctx, m, args, os.Stdin, os.Stdout)
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
