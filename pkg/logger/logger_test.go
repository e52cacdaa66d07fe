package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_WritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.log")

	log, err := NewLogger(
		WithLevel("debug"),
		WithEncoding("console"),
		WithOutputPaths([]string{path}),
		WithErrorPaths(nil),
	)
	require.NoError(t, err)

	log.Named("test").Info("hello", String("k", "v"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "test")
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("loud"), WithOutputPaths([]string{"stdout"}), WithErrorPaths(nil))
	require.Error(t, err)
}

func TestTestLogger_SharesEntriesAcrossChildren(t *testing.T) {
	root := NewTestLogger()
	child := root.Named("tracker").With(String("id", "pd-1"))

	child.Warn("stale version")
	root.Info("started")

	entries := root.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "tracker", entries[0].Logger)
	assert.Len(t, entries[0].Fields, 1)
	assert.Equal(t, []string{"stale version"}, root.Messages("WARN"))

	root.Clear()
	assert.Empty(t, root.GetEntries())
}

func TestFromContext_AddsKnownIDs(t *testing.T) {
	root := NewTestLogger()
	ctx := WithTenant(WithRequestID(context.Background(), "req-1"), "tenant-a")
	ctx = WithProcessingDocument(ctx, "pd-9")

	FromContext(ctx, root).Info("x")

	entries := root.GetEntries()
	require.Len(t, entries, 1)
	keys := make([]string, 0, len(entries[0].Fields))
	for _, f := range entries[0].Fields {
		keys = append(keys, f.Key)
	}
	assert.ElementsMatch(t, []string{"request_id", "tenant_id", "processing_document_id"}, keys)
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Same(t, Logger(root), FromContext(context.Background(), root))
}
