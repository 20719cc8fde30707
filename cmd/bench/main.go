package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/downfa11-org/aostore/pkg/bench"
	"github.com/downfa11-org/aostore/pkg/config"
	"github.com/downfa11-org/aostore/pkg/storage"
)

func main() {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	writers := fs.Int("writers", 8, "number of concurrent writers, one segment each")
	rows := fs.Int("rows", 100000, "rows per writer")
	rowSize := fs.Int("row-size", 128, "row size in bytes")
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	ctx := context.Background()
	m, err := storage.NewManager(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open storage: %v", err)
	}
	defer m.Close()

	rel, err := m.CreateRelation(ctx, 0, nil)
	if err != nil {
		log.Fatalf("❌ Failed to create relation: %v", err)
	}

	res, err := bench.NewBenchmarkRunner(m, rel.ID, *writers, *rows, *rowSize).Run(ctx)
	if err != nil {
		log.Fatalf("❌ Benchmark failed: %v", err)
	}
	res.Print(os.Stdout, *writers)
}
