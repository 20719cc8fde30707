package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/downfa11-org/aostore/pkg/config"
	"github.com/downfa11-org/aostore/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *storage.Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.CatalogPath = filepath.Join(dir, "catalog.db")
	m, err := storage.NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func runCmd(t *testing.T, m *storage.Manager, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), m, args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	m := newTestManager(t)

	out, err := runCmd(t, m, "", "create")
	require.NoError(t, err)
	assert.Contains(t, out, "relation 1 created")

	out, err = runCmd(t, m, "alpha\nbeta\ngamma\n", "insert", "1", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "3 rows")
	assert.Contains(t, out, "(1,1)..(1,3)")

	out, err = runCmd(t, m, "", "scan", "1")
	require.NoError(t, err)
	assert.Equal(t, "(1,1)\talpha\n(1,2)\tbeta\n(1,3)\tgamma\n", out)

	out, err = runCmd(t, m, "", "fetch", "1", "1", "2")
	require.NoError(t, err)
	assert.Equal(t, "beta\n", out)

	_, err = runCmd(t, m, "", "fetch", "1", "1", "99")
	assert.ErrorContains(t, err, "not found")

	out, err = runCmd(t, m, "", "segments", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "SEGNO")
	assert.Contains(t, out, "default")

	out, err = runCmd(t, m, "", "compact", "1", "1", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "moved 3 rows")

	out, err = runCmd(t, m, "", "segments", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "awaiting-drop")

	out, err = runCmd(t, m, "", "reclaim", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed segments [1]")

	out, err = runCmd(t, m, "", "copy", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "copied to 2")

	out, err = runCmd(t, m, "", "scan", "2")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))

	out, err = runCmd(t, m, "", "relations")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "\n"))

	out, err = runCmd(t, m, "", "drop", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "relation 2 dropped")
}

func TestCommands_BadArguments(t *testing.T) {
	m := newTestManager(t)

	_, err := runCmd(t, m, "", "vacuum")
	assert.ErrorContains(t, err, "unknown command")
	_, err = runCmd(t, m, "", "insert", "1")
	assert.ErrorContains(t, err, "expected at least 2 arguments")
	_, err = runCmd(t, m, "", "scan", "x")
	assert.ErrorContains(t, err, "invalid relation id")
	_, err = runCmd(t, m, "", "fetch", "1", "500", "1")
	assert.ErrorContains(t, err, "invalid segment number")
}
