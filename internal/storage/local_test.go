package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRetrieveRoundTrip(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	data := []byte("hello meshvault")

	meta, err := p.Store(context.Background(), data, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), meta.Size)
	assert.Len(t, meta.Chunks, 1)

	got, err := p.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStoreChunksLargeArtifact(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	data := make([]byte, 3*1024+7)
	for i := range data {
		data[i] = byte(i % 251)
	}

	meta, err := p.Store(context.Background(), data, StoreOptions{ChunkSize: 1024})
	require.NoError(t, err)
	assert.Len(t, meta.Chunks, 4)

	got, err := p.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalRetrieveMissingReturnsNotFound(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	_, err := p.Retrieve(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.NotFound))
}

func TestLocalRetrieveCorruptedChunkFailsValidation(t *testing.T) {
	root := t.TempDir()
	p := NewLocalProvider(root)
	meta, err := p.Store(context.Background(), []byte("original content"), StoreOptions{})
	require.NoError(t, err)

	chunkFile := filepath.Join(root, "chunks", meta.ID, "0")
	require.NoError(t, os.WriteFile(chunkFile, []byte("tampered"), 0o644))

	_, err = p.Retrieve(context.Background(), meta.ID)
	require.Error(t, err)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.ChunkValidation))
}

func TestLocalDeleteRemovesArtifact(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	meta, err := p.Store(context.Background(), []byte("gone soon"), StoreOptions{})
	require.NoError(t, err)

	ok, err := p.Delete(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = p.GetMetadata(context.Background(), meta.ID)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.NotFound))

	ok, err = p.Delete(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalUpdateMetadataBumpsModified(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewLocalProvider(t.TempDir()).WithClock(func() time.Time { return now })
	meta, err := p.Store(context.Background(), []byte("versioned"), StoreOptions{})
	require.NoError(t, err)

	later := now.Add(time.Hour)
	p.WithClock(func() time.Time { return later })

	updated, err := p.UpdateMetadata(context.Background(), meta.ID, func(m *ArtifactMetadata) {
		m.Replicas = 5
	})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Replicas)
	assert.Equal(t, later, updated.Modified)
}

func TestLocalValidateChecksum(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	meta, err := p.Store(context.Background(), []byte("checksum me"), StoreOptions{})
	require.NoError(t, err)

	ok, err := p.ValidateChecksum(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalGetStatsSumsSize(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	_, err := p.Store(context.Background(), []byte("aaaa"), StoreOptions{})
	require.NoError(t, err)
	_, err = p.Store(context.Background(), []byte("bb"), StoreOptions{})
	require.NoError(t, err)

	stats, err := p.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.TotalSize)
}

func TestLocalEmptyBufferYieldsZeroChunks(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	meta, err := p.Store(context.Background(), []byte{}, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta.Size)
	assert.Empty(t, meta.Chunks)

	got, err := p.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
