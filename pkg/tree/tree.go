// Package tree implements an append-only, copy-on-write B-tree layered
// over a block feed. Every mutation appends a block carrying the
// re-indexed spine of nodes it touched; untouched subtrees stay
// addressable at their original (seq, offset), which is what makes
// every historical version of the map reachable by checkout.
package tree

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/robertkowalski/hyperbee/pkg/common/log"
	"github.com/robertkowalski/hyperbee/pkg/feed"
	"github.com/robertkowalski/hyperbee/pkg/iterator"
	"github.com/robertkowalski/hyperbee/pkg/stats"
	"github.com/robertkowalski/hyperbee/pkg/wire"
)

// Extension receives opportunistic lookup hints. Get is fired at most
// once per point lookup, when the lookup first has to touch the feed.
type Extension interface {
	Get(rootSeq uint64, key []byte)
}

// Options configures a Tree handle.
type Options struct {
	// KeyEncoding and ValueEncoding translate user bytes to feed
	// bytes. Defaults to RawEncoding.
	KeyEncoding   Encoding
	ValueEncoding Encoding

	// Extension, if set, is consulted on lookups that touch the feed.
	Extension Extension

	// Stats receives operation counters. Defaults to a fresh collector.
	Stats stats.Collector

	// Logger defaults to the process-wide logger.
	Logger log.Logger

	// BlockCacheSize bounds the shared hydrated-block cache. Zero
	// disables caching; negative falls back to the default.
	BlockCacheSize int

	// Metadata is embedded in the header block on first open.
	Metadata *wire.Metadata
}

const defaultBlockCacheSize = 1024

// Tree is the public handle. A handle is either live (tracking the
// feed's head) or a checkout pinned at a version; checkouts are
// read-only and share the live handle's feed, codecs and cache.
type Tree struct {
	feed          feed.Feed
	keyEncoding   Encoding
	valueEncoding Encoding
	ext           Extension
	stats         stats.Collector
	logger        log.Logger
	metadata      *wire.Metadata

	cache    *lru.Cache[uint64, *BlockEntry]
	checkout uint64

	writeMu *sync.Mutex

	readyMu sync.Mutex
	ready   bool
}

// New creates a tree handle over the given feed. The feed is not
// touched until Ready (or the first operation).
func New(f feed.Feed, opts *Options) (*Tree, error) {
	if opts == nil {
		opts = &Options{}
	}
	t := &Tree{
		feed:          f,
		keyEncoding:   opts.KeyEncoding,
		valueEncoding: opts.ValueEncoding,
		ext:           opts.Extension,
		stats:         opts.Stats,
		logger:        opts.Logger,
		metadata:      opts.Metadata,
		writeMu:       &sync.Mutex{},
	}
	if t.keyEncoding == nil {
		t.keyEncoding = RawEncoding{}
	}
	if t.valueEncoding == nil {
		t.valueEncoding = RawEncoding{}
	}
	if t.stats == nil {
		t.stats = stats.NewAtomicCollector()
	}
	if t.logger == nil {
		t.logger = log.GetDefaultLogger()
	}

	size := opts.BlockCacheSize
	if size < 0 {
		size = defaultBlockCacheSize
	}
	if size > 0 {
		cache, err := lru.New[uint64, *BlockEntry](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create block cache: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

// SetExtension wires an extension into the handle after construction.
// Intended for extensions that need the handle to register themselves.
func (t *Tree) SetExtension(ext Extension) {
	t.ext = ext
}

// Ready opens the feed and, on a writable empty feed, appends the
// header block at seq 0. Idempotent.
func (t *Tree) Ready() error {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()

	if t.ready {
		return nil
	}
	if err := t.feed.Ready(); err != nil {
		return err
	}
	if t.feed.Length() == 0 && t.feed.Writable() {
		header := wire.EncodeHeader(&wire.Header{Protocol: wire.Protocol, Metadata: t.metadata})
		if _, err := t.feed.Append(header); err != nil {
			return fmt.Errorf("failed to write header block: %w", err)
		}
		t.logger.Debug("tree: wrote header block")
	}
	t.ready = true
	return nil
}

// Version returns the tree version: the feed length, or the pinned
// version for a checkout. Never below 1.
func (t *Tree) Version() uint64 {
	if t.checkout > 0 {
		return t.checkout
	}
	if length := t.feed.Length(); length > 1 {
		return length
	}
	return 1
}

// Writable reports whether this handle accepts mutations.
func (t *Tree) Writable() bool {
	return t.checkout == 0 && t.feed.Writable()
}

// Update refreshes the feed's view of the log. Best effort.
func (t *Tree) Update(ctx context.Context) (bool, error) {
	t.stats.TrackOperation(stats.OpUpdate)
	return t.feed.Update(ctx)
}

// Checkout returns a read-only handle pinned at version v, sharing
// this handle's feed, codecs, extension and cache.
func (t *Tree) Checkout(v uint64) *Tree {
	if v < 1 {
		v = 1
	}
	return &Tree{
		feed:          t.feed,
		keyEncoding:   t.keyEncoding,
		valueEncoding: t.valueEncoding,
		ext:           t.ext,
		stats:         t.stats,
		logger:        t.logger,
		metadata:      t.metadata,
		cache:         t.cache,
		checkout:      v,
		writeMu:       t.writeMu,
	}
}

// Snapshot returns a checkout of the current version.
func (t *Tree) Snapshot() *Tree {
	return t.Checkout(t.Version())
}

// Get returns the entry stored under key, or ErrKeyNotFound.
func (t *Tree) Get(ctx context.Context, key []byte) (*Entry, error) {
	t.stats.TrackOperation(stats.OpGet)
	b := t.readBatch()
	return b.Get(ctx, key)
}

// Put inserts or replaces key with value, appending one block.
func (t *Tree) Put(ctx context.Context, key, value []byte) error {
	t.stats.TrackOperation(stats.OpPut)
	b := newBatch(t, true, t.Writable(), false)
	if err := b.Put(ctx, key, value); err != nil {
		b.Close()
		return err
	}
	return nil
}

// Delete removes key, appending one tombstone block. Deleting a
// missing key appends nothing.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	t.stats.TrackOperation(stats.OpDelete)
	b := newBatch(t, true, t.Writable(), false)
	if err := b.Delete(ctx, key); err != nil {
		b.Close()
		return err
	}
	return nil
}

// Batch starts an explicit batch. Mutations are staged against a
// shared snapshot root and appended atomically by Flush.
func (t *Tree) Batch() *Batch {
	t.stats.TrackOperation(stats.OpBatch)
	return newBatch(t, false, t.Writable(), false)
}

// readBatch creates the throwaway batch behind lookups and scans.
// Non-writable live handles refresh their feed view first.
func (t *Tree) readBatch() *Batch {
	update := t.checkout == 0 && !t.feed.Writable()
	return newBatch(t, false, false, update)
}

// CreateRangeIterator returns an iterator over the given key range at
// this handle's version.
func (t *Tree) CreateRangeIterator(ctx context.Context, r iterator.Range) iterator.Iterator {
	t.stats.TrackOperation(stats.OpScan)
	return newRangeIterator(ctx, t.readBatch(), r)
}

// CreateHistoryIterator returns an iterator over the raw mutation
// blocks of the feed.
func (t *Tree) CreateHistoryIterator(ctx context.Context, h iterator.History) iterator.Iterator {
	t.stats.TrackOperation(stats.OpHistory)
	return newHistoryIterator(ctx, t.readBatch(), h)
}

// BlockSpine returns the seqs of the blocks a lookup of key touches at
// version head, root first: node blocks and the key blocks read by each
// node's binary search. A seq may appear more than once. Used by the
// extension to answer peer requests.
func (t *Tree) BlockSpine(ctx context.Context, head uint64, key []byte) ([]uint64, error) {
	rawKey, err := t.keyEncoding.Encode(key)
	if err != nil {
		return nil, err
	}

	b := newBatch(t.Checkout(head), false, false, false)
	node, err := b.getRoot(ctx)
	if err != nil {
		return nil, err
	}
	var spine []uint64
	if node != nil {
		spine = append(spine, b.rootSeq)
	}
	for node != nil {
		// same binary search as node.search, recording every key block
		// it compares against; the hit's own block is the last one
		i, e := 0, len(node.keys)
		for i < e {
			mid := (i + e) >> 1
			k, err := node.getKey(ctx, mid)
			if err != nil {
				return nil, err
			}
			spine = append(spine, node.keys[mid].seq)
			c := bytes.Compare(rawKey, k)
			if c == 0 {
				return spine, nil
			}
			if c < 0 {
				e = mid
			} else {
				i = mid + 1
			}
		}
		if node.leaf() {
			return spine, nil
		}
		spine = append(spine, node.children[i].seq)
		var err error
		node, err = node.getChildNode(ctx, i)
		if err != nil {
			return nil, err
		}
	}
	return spine, nil
}

// Prefetch asks the feed to warm the given blocks, if it can.
func (t *Tree) Prefetch(seqs []uint64) {
	if p, ok := t.feed.(feed.Prefetcher); ok {
		p.Prefetch(seqs)
	}
}

// Stats returns a snapshot of the handle's operation statistics.
func (t *Tree) Stats() map[string]interface{} {
	return t.stats.GetStats()
}

// Close closes the underlying feed.
func (t *Tree) Close() error {
	return t.feed.Close()
}

func (t *Tree) cachedBlock(seq uint64) (*BlockEntry, bool) {
	if t.cache == nil {
		return nil, false
	}
	return t.cache.Get(seq)
}

func (t *Tree) cacheBlock(blk *BlockEntry) {
	if t.cache != nil {
		t.cache.Add(blk.seq, blk)
	}
}
