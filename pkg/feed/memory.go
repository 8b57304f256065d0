package feed

import (
	"context"
	"fmt"
	"sync"
)

// MemoryFeed is an in-memory feed used in tests and as the local store
// behind peer-replicated trees. An optional source feed models a remote
// writer: Update pulls newly appended blocks from it, and Get falls
// through to it for blocks not yet mirrored locally.
type MemoryFeed struct {
	mu       sync.Mutex
	blocks   [][]byte
	writable bool
	closed   bool
	source   *MemoryFeed

	fetched []uint64 // seqs served via the source, for test assertions
}

// NewMemoryFeed creates an empty writable in-memory feed
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{writable: true}
}

// NewReplicaFeed creates a read-only feed that mirrors the given source
func NewReplicaFeed(source *MemoryFeed) *MemoryFeed {
	return &MemoryFeed{source: source}
}

// Ready is a no-op for memory feeds
func (m *MemoryFeed) Ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Length returns the number of blocks in the feed
func (m *MemoryFeed) Length() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.blocks))
}

// Writable reports whether Append is allowed
func (m *MemoryFeed) Writable() bool {
	return m.writable
}

// Get returns the block at seq, falling through to the source feed for
// blocks not yet mirrored
func (m *MemoryFeed) Get(ctx context.Context, seq uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if seq < uint64(len(m.blocks)) && m.blocks[seq] != nil {
		return m.blocks[seq], nil
	}
	if m.source != nil {
		block, err := m.source.Get(ctx, seq)
		if err != nil {
			return nil, err
		}
		m.fetched = append(m.fetched, seq)
		return block, nil
	}
	return nil, fmt.Errorf("%w: seq %d, length %d", ErrOutOfRange, seq, len(m.blocks))
}

// Append atomically appends one or more blocks
func (m *MemoryFeed) Append(blocks ...[]byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if !m.writable {
		return 0, ErrNotWritable
	}

	first := uint64(len(m.blocks))
	for _, block := range blocks {
		m.blocks = append(m.blocks, append([]byte(nil), block...))
	}
	return first, nil
}

// Update advances the replica's visible length to the source's
func (m *MemoryFeed) Update(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if m.source == nil {
		return false, nil
	}

	length := m.source.Length()
	if length <= uint64(len(m.blocks)) {
		return false, nil
	}
	for uint64(len(m.blocks)) < length {
		m.blocks = append(m.blocks, nil) // lazily fetched through the source
	}
	return true, nil
}

// Prefetch mirrors the given blocks from the source ahead of reads
func (m *MemoryFeed) Prefetch(seqs []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return
	}
	for _, seq := range seqs {
		if seq >= uint64(len(m.blocks)) || m.blocks[seq] != nil {
			continue
		}
		block, err := m.source.Get(context.Background(), seq)
		if err != nil {
			continue
		}
		m.blocks[seq] = block
	}
}

// Fetched returns the seqs that were served through the source feed
func (m *MemoryFeed) Fetched() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.fetched...)
}

// Close closes the feed
func (m *MemoryFeed) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
