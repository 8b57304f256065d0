// Package extension implements the opportunistic peer block-warming
// protocol. A lookup that is about to fetch blocks from a cold feed
// broadcasts a Get message; peers that already hold the tree answer
// with the block spine the lookup will need, which the local feed can
// prefetch before the lookup walks it.
package extension

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"

	"github.com/robertkowalski/hyperbee/pkg/common/log"
	"github.com/robertkowalski/hyperbee/pkg/tree"
	"github.com/robertkowalski/hyperbee/pkg/wire"
)

// maxCacheRange bounds how many blocks a bare range Cache announcement
// (one without a block list) may ask the feed to prefetch. An explicit
// block list is prefetched as given.
const maxCacheRange = 1024

// Peer is one remote endpoint messages can be sent to.
type Peer interface {
	Send(message []byte) error
}

// Options configures an Extension.
type Options struct {
	// Compress snappy-compresses messages on the wire. Both sides of a
	// channel must agree.
	Compress bool

	// Logger defaults to the process-wide logger.
	Logger log.Logger
}

// Extension wires a tree handle to its peers. It satisfies the tree's
// Extension hook for outgoing hints and handles incoming gossip via
// OnMessage.
type Extension struct {
	tree     *tree.Tree
	compress bool
	logger   log.Logger

	mu    sync.RWMutex
	peers []Peer
}

// Register creates the extension for a tree handle. The caller still
// has to pass it to the handle via its Options.Extension hook.
func Register(t *tree.Tree, opts *Options) *Extension {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Extension{
		tree:     t,
		compress: opts.Compress,
		logger:   logger,
	}
}

// AddPeer starts gossiping with the given peer.
func (e *Extension) AddPeer(p Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers = append(e.peers, p)
}

// RemovePeer stops gossiping with the given peer.
func (e *Extension) RemovePeer(p Peer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, peer := range e.peers {
		if peer == p {
			e.peers = append(e.peers[:i], e.peers[i+1:]...)
			return
		}
	}
}

// Get broadcasts a lookup hint for key at the version published by
// rootSeq. Fired by the tree at most once per lookup.
func (e *Extension) Get(rootSeq uint64, key []byte) {
	msg := &wire.Extension{Get: &wire.GetMessage{Head: rootSeq + 1, Key: key}}
	e.broadcast(msg)
}

// Announce tells peers about blocks this side holds.
func (e *Extension) Announce(start, end uint64, blocks []uint64) {
	msg := &wire.Extension{Cache: &wire.CacheMessage{Start: start, End: end, Blocks: blocks}}
	e.broadcast(msg)
}

func (e *Extension) broadcast(msg *wire.Extension) {
	data := e.pack(msg)

	e.mu.RLock()
	peers := append([]Peer(nil), e.peers...)
	e.mu.RUnlock()

	for _, p := range peers {
		if err := p.Send(data); err != nil {
			e.logger.Debug("extension: send failed: %v", err)
		}
	}
}

func (e *Extension) pack(msg *wire.Extension) []byte {
	data := wire.EncodeExtension(msg)
	if e.compress {
		data = snappy.Encode(nil, data)
	}
	return data
}

// OnMessage handles one incoming gossip message from a peer. Get
// requests are answered with the block spine of the requested key;
// Cache announcements are turned into feed prefetches.
func (e *Extension) OnMessage(ctx context.Context, from Peer, message []byte) error {
	if e.compress {
		var err error
		if message, err = snappy.Decode(nil, message); err != nil {
			return fmt.Errorf("extension: decompress: %w", err)
		}
	}
	msg, err := wire.DecodeExtension(message)
	if err != nil {
		return fmt.Errorf("extension: decode: %w", err)
	}

	if msg.Get != nil {
		if err := e.handleGet(ctx, from, msg.Get); err != nil {
			return err
		}
	}
	if msg.Cache != nil {
		e.handleCache(msg.Cache)
	}
	return nil
}

func (e *Extension) handleGet(ctx context.Context, from Peer, get *wire.GetMessage) error {
	if get.Head == 0 || from == nil {
		return nil
	}
	spine, err := e.tree.BlockSpine(ctx, get.Head, get.Key)
	if err != nil {
		// this peer simply cannot help; not the requester's problem
		e.logger.Debug("extension: spine lookup failed: %v", err)
		return nil
	}
	if len(spine) == 0 {
		return nil
	}

	start, end := spine[0], spine[0]
	for _, seq := range spine {
		if seq < start {
			start = seq
		}
		if seq > end {
			end = seq
		}
	}
	reply := &wire.Extension{Cache: &wire.CacheMessage{Start: start, End: end + 1, Blocks: spine}}
	return from.Send(e.pack(reply))
}

func (e *Extension) handleCache(cache *wire.CacheMessage) {
	seqs := append([]uint64(nil), cache.Blocks...)
	if cache.End > cache.Start && cache.End-cache.Start <= maxCacheRange && len(seqs) == 0 {
		for seq := cache.Start; seq < cache.End; seq++ {
			seqs = append(seqs, seq)
		}
	}
	if len(seqs) > 0 {
		e.tree.Prefetch(seqs)
	}
}
