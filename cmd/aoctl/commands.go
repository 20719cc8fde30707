package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/downfa11-org/aostore/pkg/scan"
	"github.com/downfa11-org/aostore/pkg/storage"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/dustin/go-humanize"
)

type command struct {
	args int // minimum positional arguments
	run  func(ctx context.Context, m *storage.Manager, args []string, in io.Reader, out io.Writer) error
}

var commands = map[string]command{
	"relations": {0, cmdRelations},
	"create":    {0, cmdCreate},
	"insert":    {2, cmdInsert},
	"scan":      {1, cmdScan},
	"fetch":     {3, cmdFetch},
	"segments":  {1, cmdSegments},
	"reclaim":   {1, cmdReclaim},
	"compact":   {3, cmdCompact},
	"copy":      {1, cmdCopy},
	"drop":      {1, cmdDrop},
}

func run(ctx context.Context, m *storage.Manager, args []string, in io.Reader, out io.Writer) error {
	c, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < c.args {
		return fmt.Errorf("%s: expected at least %d arguments, got %d", args[0], c.args, len(args)-1)
	}
	return c.run(ctx, m, args[1:], in, out)
}

func parseRelation(s string) (types.RelationID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid relation id %q", s)
	}
	return types.RelationID(id), nil
}

func parseSegment(s string) (int, error) {
	segno, err := strconv.Atoi(s)
	if err != nil || !types.ValidSegmentNumber(segno) {
		return 0, fmt.Errorf("invalid segment number %q", s)
	}
	return segno, nil
}

func cmdRelations(ctx context.Context, m *storage.Manager, _ []string, _ io.Reader, out io.Writer) error {
	rels, err := m.Catalog().Relations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELID\tBLOCK\tCOMPRESS\tCHECKSUM\tPATH")
	for _, r := range rels {
		fmt.Fprintf(tw, "%d\t%s\t%s:%d\t%v\t%s\n", r.ID, humanize.IBytes(uint64(r.Options.BlockSize)),
			r.Options.CompressType, r.Options.CompressLevel, r.Options.Checksum, r.BasePath)
	}
	return tw.Flush()
}

func cmdCreate(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	var id types.RelationID
	if len(args) > 0 {
		var err error
		if id, err = parseRelation(args[0]); err != nil {
			return err
		}
	}
	rel, err := m.CreateRelation(ctx, id, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ relation %d created at %s\n", rel.ID, rel.BasePath)
	return nil
}

func cmdInsert(ctx context.Context, m *storage.Manager, args []string, in io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	segno, err := parseSegment(args[1])
	if err != nil {
		return err
	}

	tx := m.Catalog().Begin()
	w, err := m.OpenWriter(ctx, tx, id, segno)
	if err != nil {
		tx.Abort()
		return err
	}

	var first, last types.RowIdentifier
	var n int64
	var size uint64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 64<<20)
	for sc.Scan() {
		rid, err := w.Insert(ctx, sc.Bytes())
		if err != nil {
			w.Discard()
			tx.Abort()
			return err
		}
		if n == 0 {
			first = rid
		}
		last = rid
		n++
		size += uint64(len(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		w.Discard()
		tx.Abort()
		return fmt.Errorf("read rows: %w", err)
	}
	if err := w.Close(ctx); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(out, "no rows inserted")
		return nil
	}
	fmt.Fprintf(out, "✅ %s rows (%s) inserted as %s..%s, segment eof %s\n",
		humanize.Comma(n), humanize.IBytes(size), first, last, humanize.IBytes(uint64(w.EOF())))
	return nil
}

func cmdScan(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	var opts scan.Options
	for _, a := range args[1:] {
		segno, err := parseSegment(a)
		if err != nil {
			return err
		}
		opts.Segments = append(opts.Segments, segno)
	}

	s, err := m.NewScanner(ctx, id, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	bw := bufio.NewWriter(out)
	defer bw.Flush()
	for {
		row, ok, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Fprintf(bw, "%s\t%s\n", row.ID, row.Data)
	}
}

func cmdFetch(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	segno, err := parseSegment(args[1])
	if err != nil {
		return err
	}
	rowNum, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid row number %q", args[2])
	}

	f, err := m.NewFetcher(ctx, id, scan.Options{})
	if err != nil {
		return err
	}
	defer f.Close()

	rid := types.RowIdentifier{SegmentNumber: segno, RowNumber: rowNum}
	data, found, err := f.Fetch(ctx, rid)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("row %s not found", rid)
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}

func cmdSegments(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	if _, err := m.Relation(ctx, id); err != nil {
		return err
	}
	segs, err := m.Catalog().ReadAll(ctx, id)
	if err != nil {
		return err
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].SegmentNumber < segs[j].SegmentNumber })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGNO\tEOF\tLOGICAL\tTUPLES\tBLOCKS\tMODCOUNT\tFORMAT\tSTATE")
	for _, s := range segs {
		logical := "unknown"
		if s.HasUncompressedEOF() {
			logical = humanize.IBytes(uint64(s.EOFUncompressed))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\tv%d\t%s\n", s.SegmentNumber,
			humanize.IBytes(uint64(s.EOF)), logical, humanize.Comma(s.TotalTupleCount),
			humanize.Comma(s.BlockCount), s.ModificationCount, s.FormatVersion, s.State)
	}
	return tw.Flush()
}

func cmdReclaim(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	segs, err := m.Reclaim(ctx, id)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		fmt.Fprintln(out, "nothing to reclaim")
		return nil
	}
	fmt.Fprintf(out, "✅ reclaimed segments %v\n", segs)
	return nil
}

func cmdCompact(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	src, err := parseSegment(args[1])
	if err != nil {
		return err
	}
	dst, err := parseSegment(args[2])
	if err != nil {
		return err
	}
	moved, err := m.Compact(ctx, id, src, dst, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ moved %s rows from segment %d to %d\n", humanize.Comma(int64(len(moved))), src, dst)
	return nil
}

func cmdCopy(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	src, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	var dst types.RelationID
	if len(args) > 1 {
		if dst, err = parseRelation(args[1]); err != nil {
			return err
		}
	}
	rel, err := m.CopyRelation(ctx, src, dst, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ relation %d copied to %d\n", src, rel.ID)
	return nil
}

func cmdDrop(ctx context.Context, m *storage.Manager, args []string, _ io.Reader, out io.Writer) error {
	id, err := parseRelation(args[0])
	if err != nil {
		return err
	}
	if err := m.DropRelation(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ relation %d dropped\n", id)
	return nil
}
