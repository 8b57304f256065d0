package feed

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/robertkowalski/hyperbee/pkg/common/log"
	"github.com/robertkowalski/hyperbee/pkg/config"
)

const (
	// Record layout:
	// - Length (4 bytes)
	// - xxhash64 of the payload (8 bytes)
	recordHeaderSize = 12

	feedFileName = "feed.log"
)

// FileFeed is a file-backed feed. One data file holds length-prefixed,
// checksummed records; the offset of every record is kept in memory and
// rebuilt by a forward scan on open. A torn tail left by a crash is
// truncated away.
type FileFeed struct {
	mu sync.Mutex

	cfg    *config.Config
	logger log.Logger

	path     string
	file     *os.File
	writer   *bufio.Writer
	writable bool
	ready    bool
	closed   bool

	offsets  []int64 // offsets[seq] is the file position of that record's header
	tail     int64   // position one past the last valid record
	unsynced int64
}

// FileFeedOption configures a FileFeed
type FileFeedOption func(*FileFeed)

// WithLogger sets the logger used for recovery reporting
func WithLogger(logger log.Logger) FileFeedOption {
	return func(f *FileFeed) { f.logger = logger }
}

// ReadOnly opens the feed without append permission
func ReadOnly() FileFeedOption {
	return func(f *FileFeed) { f.writable = false }
}

// NewFileFeed creates a feed stored under cfg.FeedDir. The feed is not
// usable until Ready is called.
func NewFileFeed(cfg *config.Config, options ...FileFeedOption) *FileFeed {
	f := &FileFeed{
		cfg:      cfg,
		logger:   log.GetDefaultLogger(),
		path:     filepath.Join(cfg.FeedDir, feedFileName),
		writable: true,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Ready opens the data file and rebuilds the offset table. Idempotent.
func (f *FileFeed) Ready() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.ready {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create feed directory: %w", err)
	}

	flags := os.O_RDONLY
	if f.writable {
		flags = os.O_RDWR | os.O_CREATE
	}
	file, err := os.OpenFile(f.path, flags, 0644)
	if err != nil {
		if os.IsNotExist(err) && !f.writable {
			// a reader may open before the writer has produced anything
			f.ready = true
			return nil
		}
		return fmt.Errorf("failed to open feed file: %w", err)
	}
	f.file = file

	if err := f.scanLocked(); err != nil {
		file.Close()
		f.file = nil
		return err
	}

	if f.writable {
		// drop anything after the last valid record
		if err := f.file.Truncate(f.tail); err != nil {
			return fmt.Errorf("failed to truncate torn tail: %w", err)
		}
		if _, err := f.file.Seek(f.tail, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to tail: %w", err)
		}
		f.writer = bufio.NewWriterSize(f.file, 64*1024)
	}

	f.ready = true
	return nil
}

// scanLocked walks the file from f.tail, appending offsets for every
// valid record. Stops at the first torn or corrupt record.
func (f *FileFeed) scanLocked() error {
	stat, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat feed file: %w", err)
	}
	size := stat.Size()

	header := make([]byte, recordHeaderSize)
	pos := f.tail
	recovered := 0

	for pos+recordHeaderSize <= size {
		if _, err := f.file.ReadAt(header, pos); err != nil {
			return fmt.Errorf("failed to read record header: %w", err)
		}
		payloadLen := int64(binary.LittleEndian.Uint32(header[0:4]))
		sum := binary.LittleEndian.Uint64(header[4:12])

		if pos+recordHeaderSize+payloadLen > size {
			break // torn tail
		}
		payload := make([]byte, payloadLen)
		if _, err := f.file.ReadAt(payload, pos+recordHeaderSize); err != nil {
			return fmt.Errorf("failed to read record payload: %w", err)
		}
		if xxhash.Sum64(payload) != sum {
			f.logger.Warn("feed: checksum mismatch at offset %d, truncating", pos)
			break
		}

		f.offsets = append(f.offsets, pos)
		pos += recordHeaderSize + payloadLen
		recovered++
	}
	f.tail = pos

	if recovered > 0 {
		f.logger.Debug("feed: recovered %d blocks from %s", recovered, f.path)
	}
	return nil
}

// Length returns the number of blocks in the feed
func (f *FileFeed) Length() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.offsets))
}

// Writable reports whether Append is allowed
func (f *FileFeed) Writable() bool {
	return f.writable
}

// Get returns the raw block at seq
func (f *FileFeed) Get(ctx context.Context, seq uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if !f.ready {
		return nil, fmt.Errorf("feed not ready")
	}
	if seq >= uint64(len(f.offsets)) {
		return nil, fmt.Errorf("%w: seq %d, length %d", ErrOutOfRange, seq, len(f.offsets))
	}

	if f.writer != nil {
		if err := f.writer.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush feed buffer: %w", err)
		}
	}

	pos := f.offsets[seq]
	header := make([]byte, recordHeaderSize)
	if _, err := f.file.ReadAt(header, pos); err != nil {
		return nil, fmt.Errorf("failed to read block %d header: %w", seq, err)
	}
	payloadLen := int64(binary.LittleEndian.Uint32(header[0:4]))
	sum := binary.LittleEndian.Uint64(header[4:12])

	payload := make([]byte, payloadLen)
	if _, err := f.file.ReadAt(payload, pos+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read block %d payload: %w", seq, err)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: block %d", ErrCorruptRecord, seq)
	}
	return payload, nil
}

// Append atomically appends one or more blocks and returns the first
// assigned sequence number
func (f *FileFeed) Append(blocks ...[]byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosed
	}
	if !f.writable || f.writer == nil {
		return 0, ErrNotWritable
	}
	if len(blocks) == 0 {
		return uint64(len(f.offsets)), nil
	}

	first := uint64(len(f.offsets))
	pos := f.tail
	appended := make([]int64, 0, len(blocks))

	header := make([]byte, recordHeaderSize)
	for _, block := range blocks {
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(block)))
		binary.LittleEndian.PutUint64(header[4:12], xxhash.Sum64(block))

		if _, err := f.writer.Write(header); err != nil {
			return 0, fmt.Errorf("failed to write block header: %w", err)
		}
		if _, err := f.writer.Write(block); err != nil {
			return 0, fmt.Errorf("failed to write block payload: %w", err)
		}

		appended = append(appended, pos)
		pos += recordHeaderSize + int64(len(block))
		f.unsynced += recordHeaderSize + int64(len(block))
	}

	if err := f.maybeSyncLocked(); err != nil {
		return 0, err
	}

	// the record set only becomes visible once fully written
	f.offsets = append(f.offsets, appended...)
	f.tail = pos
	return first, nil
}

func (f *FileFeed) maybeSyncLocked() error {
	switch f.cfg.FeedSyncMode {
	case config.SyncImmediate:
		return f.syncLocked()
	case config.SyncBatch:
		if f.unsynced >= f.cfg.FeedSyncBytes {
			return f.syncLocked()
		}
	case config.SyncNone:
	}
	return nil
}

func (f *FileFeed) syncLocked() error {
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush feed buffer: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync feed file: %w", err)
	}
	f.unsynced = 0
	return nil
}

// Sync flushes all buffered blocks to disk
func (f *FileFeed) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if f.writer == nil {
		return nil
	}
	return f.syncLocked()
}

// Update rescans the file for blocks appended by the writer since the
// last scan. Only meaningful for read-only feeds.
func (f *FileFeed) Update(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, ErrClosed
	}
	if f.writable {
		return false, nil
	}

	if f.file == nil {
		// the writer may have created the file since Ready
		file, err := os.OpenFile(f.path, os.O_RDONLY, 0644)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to open feed file: %w", err)
		}
		f.file = file
	}

	before := len(f.offsets)
	if err := f.scanLocked(); err != nil {
		return false, err
	}
	return len(f.offsets) > before, nil
}

// Close closes the feed
func (f *FileFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.writer != nil {
		if err := f.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush feed buffer during close: %w", err)
		}
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync feed file during close: %w", err)
		}
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("failed to close feed file: %w", err)
		}
	}
	return nil
}
