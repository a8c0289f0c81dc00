package server

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobStore_PutGetDeleteStat(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("%PDF-1.4 fake body")
	require.NoError(t, store.Put(ctx, "abc.pdf", "application/pdf", data))
	require.NoError(t, store.Stat(ctx, "abc.pdf"))

	rc, size, err := store.Get(ctx, "abc.pdf")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	assert.Equal(t, int64(len(data)), size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, "abc.pdf"))
	assert.ErrorIs(t, store.Stat(ctx, "abc.pdf"), ErrBlobNotFound)
	_, _, err = store.Get(ctx, "abc.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSBlobStore_PutOverwrites(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "n.pdf", "application/pdf", []byte("one")))
	require.NoError(t, store.Put(ctx, "n.pdf", "application/pdf", []byte("two")))

	rc, _, err := store.Get(ctx, "n.pdf")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestFSBlobStore_LeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSBlobStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Put(context.Background(), "n.pdf", "application/pdf", []byte("x")))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "n.pdf", entries[0].Name())
}

func TestFSBlobStore_DeleteMissingIsNoop(t *testing.T) {
	store, err := NewFSBlobStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "never-existed.pdf"))
}

func TestFSBlobStore_RejectsEscapingNames(t *testing.T) {
	root := t.TempDir()
	store, err := NewFSBlobStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	for _, name := range []string{
		"",
		"../evil.pdf",
		"a/b.pdf",
		"..",
		".hidden",
	} {
		err := store.Put(ctx, name, "application/pdf", []byte("x"))
		assert.Error(t, err, "name %q must be rejected", name)
		_, _, err = store.Get(ctx, name)
		assert.Error(t, err, "name %q must be rejected", name)
	}

	// Nothing escaped the root.
	parent, err := os.ReadDir(filepath.Dir(root))
	require.NoError(t, err)
	for _, e := range parent {
		assert.NotEqual(t, "evil.pdf", e.Name())
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in         string
		want       string
		wantSecure bool
		wantErr    bool
	}{
		{"minio:9000", "minio:9000", false, false},
		{"http://minio:9000", "minio:9000", false, false},
		{"https://s3.example.com", "s3.example.com", true, false},
		{"https://s3.example.com/", "s3.example.com", true, false},
		{"https://s3.example.com/bucket", "", false, true},
		{"", "", false, true},
	}
	for _, tt := range tests {
		endpoint, secure, err := normaliseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, endpoint, "input %q", tt.in)
		assert.Equal(t, tt.wantSecure, secure, "input %q", tt.in)
	}
}
