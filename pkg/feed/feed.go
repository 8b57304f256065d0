// Package feed provides the append-only block log the tree is layered over.
//
// A feed stores opaque blocks addressed by their 0-based sequence
// number. It has a single writer; readers observe a prefix of the
// writer's log and may refresh their view with Update.
package feed

import (
	"context"
	"errors"
)

var (
	ErrClosed        = errors.New("feed is closed")
	ErrNotWritable   = errors.New("feed is not writable")
	ErrOutOfRange    = errors.New("block out of range")
	ErrCorruptRecord = errors.New("corrupt record")
)

// Feed is the log contract consumed by the tree.
type Feed interface {
	// Ready prepares the feed for use. Idempotent.
	Ready() error

	// Length returns the number of blocks in the feed.
	Length() uint64

	// Writable reports whether Append is allowed.
	Writable() bool

	// Get returns the raw block at seq. The fetch may block on I/O.
	Get(ctx context.Context, seq uint64) ([]byte, error)

	// Append atomically appends one or more blocks and returns the
	// sequence number of the first one.
	Append(blocks ...[]byte) (uint64, error)

	// Update refreshes the feed's view of the log if more blocks are
	// available, returning whether the length changed. Best effort.
	Update(ctx context.Context) (bool, error)

	// Close releases the feed's resources.
	Close() error
}

// Prefetcher is implemented by feeds that can warm blocks ahead of
// reads. The extension uses it to act on peer cache announcements.
type Prefetcher interface {
	Prefetch(seqs []uint64)
}
