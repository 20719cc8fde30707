package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/downfa11-org/aostore/pkg/seqalloc"
	"github.com/downfa11-org/aostore/util"

	_ "modernc.org/sqlite"
)

const DefaultBusyTimeoutMS = 5000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ao_relation (
        relid INTEGER PRIMARY KEY,
        base_path TEXT NOT NULL,
        block_size INTEGER NOT NULL,
        compress_type TEXT NOT NULL,
        compress_level INTEGER NOT NULL,
        checksum INTEGER NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS ao_segment (
        relid INTEGER NOT NULL,
        segno INTEGER NOT NULL,
        eof INTEGER NOT NULL DEFAULT 0,
        eof_uncompressed INTEGER,
        tupcount INTEGER NOT NULL DEFAULT 0,
        blockcount INTEGER NOT NULL DEFAULT 0,
        modcount INTEGER NOT NULL DEFAULT 0,
        formatversion INTEGER NOT NULL,
        state INTEGER NOT NULL,
        PRIMARY KEY (relid, segno)
    );`,
	`CREATE TABLE IF NOT EXISTS ao_blkdir (
        relid INTEGER NOT NULL,
        segno INTEGER NOT NULL,
        first_row INTEGER NOT NULL,
        file_offset INTEGER NOT NULL,
        row_count INTEGER NOT NULL,
        PRIMARY KEY (relid, segno, first_row)
    );`,
}

// dsnFor appends the pragmas the catalog relies on unless the caller set them.
func dsnFor(path string, busyTimeoutMS int) string {
	if path == ":memory:" {
		path = "file::memory:"
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	lower := strings.ToLower(dsn)
	if busyTimeoutMS > 0 && !strings.Contains(lower, "_pragma=busy_timeout") {
		dsn = addPragma(dsn, fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS))
	}
	if !strings.Contains(lower, ":memory:") && !strings.Contains(lower, "_pragma=journal_mode") {
		dsn = addPragma(dsn, "journal_mode(WAL)")
	}
	return dsn
}

func addPragma(dsn, pragma string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=" + pragma
}

// OpenDB opens the catalog database and creates its tables.
// A single connection serializes catalog writes.
func OpenDB(ctx context.Context, path string, busyTimeoutMS int) (*sql.DB, error) {
	dsn := dsnFor(path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{"PRAGMA synchronous=NORMAL;", "PRAGMA foreign_keys=ON;"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			util.Debug("catalog pragma %q ignored: %v", p, err)
		}
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, s := range schema {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create catalog schema: %w", err)
		}
	}
	if err := seqalloc.EnsureSchema(ctx, tx); err != nil {
		return fmt.Errorf("create sequence schema: %w", err)
	}
	return tx.Commit()
}
