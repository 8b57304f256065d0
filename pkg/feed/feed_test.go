package feed

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robertkowalski/hyperbee/pkg/config"
)

func newTestFeed(t *testing.T) *FileFeed {
	t.Helper()
	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.FeedSyncMode = config.SyncNone
	f := NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileFeedAppendGet(t *testing.T) {
	f := newTestFeed(t)
	ctx := context.Background()

	seq, err := f.Append([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)

	seq, err = f.Append([]byte("beta"), []byte("gamma"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Equal(t, uint64(3), f.Length())

	for i, want := range []string{"alpha", "beta", "gamma"} {
		got, err := f.Get(ctx, uint64(i))
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}

	_, err = f.Get(ctx, 3)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestFileFeedReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.FeedSyncMode = config.SyncImmediate

	f := NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	_, err := f.Append([]byte("one"), []byte("two"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f = NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	defer f.Close()
	require.Equal(t, uint64(2), f.Length())

	got, err := f.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "two", string(got))
}

func TestFileFeedTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.FeedSyncMode = config.SyncImmediate

	f := NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	_, err := f.Append([]byte("kept"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// append a header that promises more payload than the file holds
	path := filepath.Join(cfg.FeedDir, feedFileName)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	torn := make([]byte, recordHeaderSize+2)
	binary.LittleEndian.PutUint32(torn[0:4], 1000)
	_, err = file.Write(torn)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	f = NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	defer f.Close()
	require.Equal(t, uint64(1), f.Length())

	// the truncated feed keeps accepting appends
	seq, err := f.Append([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	got, err := f.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestFileFeedCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.FeedSyncMode = config.SyncImmediate

	f := NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	_, err := f.Append([]byte("aaaa"), []byte("bbbb"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// flip a payload byte of the second record
	path := filepath.Join(cfg.FeedDir, feedFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	f = NewFileFeed(cfg)
	require.NoError(t, f.Ready())
	defer f.Close()
	require.Equal(t, uint64(1), f.Length())
}

func TestFileFeedReaderUpdate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	cfg.FeedSyncMode = config.SyncImmediate
	ctx := context.Background()

	writer := NewFileFeed(cfg)
	require.NoError(t, writer.Ready())
	defer writer.Close()

	reader := NewFileFeed(cfg, ReadOnly())
	require.NoError(t, reader.Ready())
	defer reader.Close()
	require.False(t, reader.Writable())
	require.Equal(t, uint64(0), reader.Length())

	_, err := writer.Append([]byte("late"))
	require.NoError(t, err)

	updated, err := reader.Update(ctx)
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, uint64(1), reader.Length())

	got, err := reader.Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "late", string(got))

	updated, err = reader.Update(ctx)
	require.NoError(t, err)
	require.False(t, updated)

	_, err = reader.Append([]byte("nope"))
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestMemoryFeedReplica(t *testing.T) {
	ctx := context.Background()

	source := NewMemoryFeed()
	_, err := source.Append([]byte("a"), []byte("b"), []byte("c"))
	require.NoError(t, err)

	replica := NewReplicaFeed(source)
	require.Equal(t, uint64(0), replica.Length())

	updated, err := replica.Update(ctx)
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, uint64(3), replica.Length())

	got, err := replica.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "c", string(got))
	require.Equal(t, []uint64{2}, replica.Fetched())

	// prefetched blocks are served locally afterwards
	replica.Prefetch([]uint64{0, 1})
	_, err = replica.Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, replica.Fetched())
}
