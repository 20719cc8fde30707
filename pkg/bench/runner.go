// Package bench drives concurrent writers against one relation and reports
// insert and scan throughput.
package bench

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/downfa11-org/aostore/pkg/scan"
	"github.com/downfa11-org/aostore/pkg/storage"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
	"github.com/dustin/go-humanize"
)

type BenchmarkRunner struct {
	Manager       *storage.Manager
	Relation      types.RelationID
	NumWriters    int
	RowsPerWriter int
	RowSize       int
}

type Result struct {
	Rows           int64
	Bytes          int64
	InsertDuration time.Duration
	ScanDuration   time.Duration
	ScannedRows    int64
}

func NewBenchmarkRunner(m *storage.Manager, rel types.RelationID, writers, rows, rowSize int) *BenchmarkRunner {
	return &BenchmarkRunner{
		Manager:       m,
		Relation:      rel,
		NumWriters:    writers,
		RowsPerWriter: rows,
		RowSize:       rowSize,
	}
}

// Run gives each writer its own segment, starting at 1, then scans the
// relation once.
func (b *BenchmarkRunner) Run(ctx context.Context) (Result, error) {
	if b.NumWriters < 1 || b.NumWriters >= types.MaxConcurrency {
		return Result{}, fmt.Errorf("writers must be in [1, %d)", types.MaxConcurrency)
	}

	start := time.Now()
	errs := make([]error, b.NumWriters)
	var wg sync.WaitGroup
	for i := 0; i < b.NumWriters; i++ {
		wg.Add(1)
		go func(segno int) {
			defer wg.Done()
			if err := b.write(ctx, segno); err != nil {
				util.Error("writer %d error: %v", segno, err)
				errs[segno-1] = err
			}
		}(i + 1)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return Result{}, err
		}
	}

	res := Result{
		Rows:           int64(b.NumWriters * b.RowsPerWriter),
		Bytes:          int64(b.NumWriters * b.RowsPerWriter * b.RowSize),
		InsertDuration: time.Since(start),
	}

	start = time.Now()
	s, err := b.Manager.NewScanner(ctx, b.Relation, scan.Options{})
	if err != nil {
		return res, err
	}
	defer s.Close()
	for {
		_, ok, err := s.Next(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		res.ScannedRows++
	}
	res.ScanDuration = time.Since(start)
	return res, nil
}

func (b *BenchmarkRunner) write(ctx context.Context, segno int) error {
	rng := rand.New(rand.NewSource(int64(segno)))
	row := make([]byte, b.RowSize)

	tx := b.Manager.Catalog().Begin()
	w, err := b.Manager.OpenWriter(ctx, tx, b.Relation, segno)
	if err != nil {
		tx.Abort()
		return err
	}
	for i := 0; i < b.RowsPerWriter; i++ {
		// half random, half constant so compressors have something to do
		rng.Read(row[:len(row)/2])
		if _, err := w.Insert(ctx, row); err != nil {
			w.Discard()
			tx.Abort()
			return err
		}
	}
	if err := w.Close(ctx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

func rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

// Print writes a report in the style of the other CLI output.
func (r Result) Print(w io.Writer, writers int) {
	fmt.Fprintf(w, "\n🧪 BENCHMARK RESULT [aostore] 🧪\n")
	fmt.Fprintf(w, "-------------------------------------\n")
	fmt.Fprintf(w, " Writers       : %d\n", writers)
	fmt.Fprintf(w, " Total Rows    : %s (%s)\n", humanize.Comma(r.Rows), humanize.IBytes(uint64(r.Bytes)))
	fmt.Fprintf(w, " Insert        : %v (%.2f rows/sec)\n", r.InsertDuration, rate(r.Rows, r.InsertDuration))
	fmt.Fprintf(w, " Scan          : %v (%.2f rows/sec)\n", r.ScanDuration, rate(r.ScannedRows, r.ScanDuration))
	fmt.Fprintf(w, "-------------------------------------\n")
}
