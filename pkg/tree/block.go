package tree

import (
	"fmt"

	"github.com/robertkowalski/hyperbee/pkg/wire"
)

// blockView is a hydrated feed block the batch can materialize tree
// nodes from: either an immutable BlockEntry read back from the feed or
// a pending BatchEntry staged by this batch.
type blockView interface {
	Seq() uint64
	Key() []byte
	Value() []byte
	IsDeletion() bool
	getTreeNode(b *Batch, offset uint64) (*TreeNode, error)
}

// BlockEntry is a hydrated feed block. The embedded index is inflated
// on first use and cached; entries are immutable and safe to share
// across batches.
type BlockEntry struct {
	seq   uint64
	node  *wire.Node
	index *wire.YoloIndex
}

func newBlockEntry(seq uint64, raw []byte) (*BlockEntry, error) {
	node, err := wire.DecodeNode(raw)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", seq, err)
	}
	return &BlockEntry{seq: seq, node: node}, nil
}

func (e *BlockEntry) Seq() uint64 { return e.seq }

// Key returns the literal key bytes inserted by this block
func (e *BlockEntry) Key() []byte { return e.node.Key }

// Value returns the value bytes, or nil for a tombstone
func (e *BlockEntry) Value() []byte { return e.node.Value }

// IsDeletion reports whether this block is a tombstone
func (e *BlockEntry) IsDeletion() bool { return e.node.Value == nil }

// getTreeNode materializes the node at offset inside this block's
// index. Offset 0 is the root of the snapshot this block publishes.
func (e *BlockEntry) getTreeNode(b *Batch, offset uint64) (*TreeNode, error) {
	if e.index == nil {
		idx, err := wire.DecodeIndex(e.node.Index)
		if err != nil {
			return nil, fmt.Errorf("block %d index: %w", e.seq, err)
		}
		e.index = idx
	}
	if offset >= uint64(len(e.index.Levels)) {
		return nil, fmt.Errorf("%w: offset %d out of range in block %d", ErrInvariant, offset, e.seq)
	}

	lvl := e.index.Levels[offset]
	node := newTreeNode(b)
	node.keys = make([]nodeKey, len(lvl.Keys))
	for i, seq := range lvl.Keys {
		node.keys[i] = nodeKey{seq: seq}
	}
	if len(lvl.Children) > 0 {
		node.children = make([]*child, len(lvl.Children)/2)
		for i := 0; i < len(lvl.Children); i += 2 {
			node.children[i/2] = &child{seq: lvl.Children[i], offset: lvl.Children[i+1]}
		}
	}
	return node, nil
}

// BatchEntry is a pending block staged by a batch before flush. Its
// index is the live pendingIndex, not serialized bytes.
type BatchEntry struct {
	seq          uint64
	key          []byte
	value        []byte
	deletion     bool
	pendingIndex []*child
}

func (e *BatchEntry) Seq() uint64      { return e.seq }
func (e *BatchEntry) Key() []byte      { return e.key }
func (e *BatchEntry) Value() []byte    { return e.value }
func (e *BatchEntry) IsDeletion() bool { return e.deletion }

func (e *BatchEntry) getTreeNode(b *Batch, offset uint64) (*TreeNode, error) {
	if offset >= uint64(len(e.pendingIndex)) || e.pendingIndex[offset] == nil || e.pendingIndex[offset].value == nil {
		return nil, fmt.Errorf("%w: offset %d not live in pending block %d", ErrInvariant, offset, e.seq)
	}
	return e.pendingIndex[offset].value, nil
}

// deflate turns a pending index into its wire form. Each live slot
// becomes one level; unchanged subtree references inside a level keep
// whatever (seq, offset) they already carry.
func deflate(index []*child) (*wire.YoloIndex, error) {
	idx := &wire.YoloIndex{Levels: make([]wire.Level, len(index))}
	for i, c := range index {
		if c == nil || c.value == nil {
			return nil, fmt.Errorf("%w: dead slot %d in pending index", ErrInvariant, i)
		}
		node := c.value
		lvl := wire.Level{}
		if len(node.keys) > 0 {
			lvl.Keys = make([]uint64, len(node.keys))
			for j, k := range node.keys {
				lvl.Keys[j] = k.seq
			}
		}
		if len(node.children) > 0 {
			lvl.Children = make([]uint64, 0, len(node.children)*2)
			for _, ch := range node.children {
				lvl.Children = append(lvl.Children, ch.seq, ch.offset)
			}
		}
		idx.Levels[i] = lvl
	}
	return idx, nil
}
