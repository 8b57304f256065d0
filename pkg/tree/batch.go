package tree

import (
	"context"

	"github.com/robertkowalski/hyperbee/pkg/stats"
	"github.com/robertkowalski/hyperbee/pkg/wire"
)

// Entry is a resolved key-value pair together with the seq of the
// block that produced it.
type Entry struct {
	Seq   uint64
	Key   []byte
	Value []byte
}

// Batch applies one or more mutations against a shared snapshot of the
// root. With autoFlush every mutation appends its block immediately;
// otherwise mutations are staged as pending blocks and Flush appends
// them all atomically. A writable batch holds the tree's write lock
// from its first mutation until Flush or Close, which is what
// serializes writers on the single-writer feed.
type Batch struct {
	tree      *Tree
	autoFlush bool
	writable  bool
	update    bool

	blocks     map[uint64]blockView
	root       *TreeNode
	rootSeq    uint64
	treeLength uint64
	length     uint64
	resolved   bool

	locked bool
	closed bool

	extKey   []byte
	extFired bool
}

func newBatch(t *Tree, autoFlush, writable, update bool) *Batch {
	return &Batch{
		tree:      t,
		autoFlush: autoFlush,
		writable:  writable,
		update:    update,
		blocks:    make(map[uint64]blockView),
	}
}

func (b *Batch) lock() {
	if b.locked || !b.writable {
		return
	}
	b.tree.writeMu.Lock()
	b.locked = true
}

func (b *Batch) unlock() {
	if b.locked {
		b.locked = false
		b.tree.writeMu.Unlock()
	}
}

// getRoot resolves the snapshot root this batch operates on. The first
// resolution pins the batch's view of the feed; staged mutations
// migrate the root in memory.
func (b *Batch) getRoot(ctx context.Context) (*TreeNode, error) {
	if b.resolved {
		return b.root, nil
	}
	if err := b.tree.Ready(); err != nil {
		return nil, err
	}
	if b.update {
		// best effort; a failed refresh still leaves a usable view
		if _, err := b.tree.feed.Update(ctx); err != nil && ctx.Err() != nil {
			return nil, err
		}
	}

	length := b.tree.checkout
	if length == 0 {
		length = b.tree.feed.Length()
	}
	b.treeLength = length
	b.resolved = true

	if length < 2 {
		return nil, nil
	}
	b.rootSeq = length - 1

	blk, err := b.getBlock(ctx, length-1)
	if err != nil {
		b.resolved = false
		return nil, err
	}
	root, err := blk.getTreeNode(b, 0)
	if err != nil {
		b.resolved = false
		return nil, err
	}
	b.root = root
	return root, nil
}

// getBlock returns the hydrated block at seq, consulting the batch's
// pending blocks, then the tree-wide cache, then the feed.
func (b *Batch) getBlock(ctx context.Context, seq uint64) (blockView, error) {
	if blk, ok := b.blocks[seq]; ok {
		return blk, nil
	}
	if blk, ok := b.tree.cachedBlock(seq); ok {
		b.blocks[seq] = blk
		return blk, nil
	}

	// about to touch the feed: give the extension its one shot at
	// warming the lookup path from a peer
	if !b.extFired && b.extKey != nil && b.tree.ext != nil {
		b.extFired = true
		b.tree.ext.Get(b.rootSeq, b.extKey)
	}

	raw, err := b.tree.feed.Get(ctx, seq)
	if err != nil {
		b.tree.stats.TrackError("feed_get")
		return nil, err
	}
	b.tree.stats.TrackBytes(true, uint64(len(raw)))

	blk, err := newBlockEntry(seq, raw)
	if err != nil {
		b.tree.stats.TrackError("block_decode")
		return nil, err
	}
	b.blocks[seq] = blk
	b.tree.cacheBlock(blk)
	return blk, nil
}

// Get returns the entry stored under key, or ErrKeyNotFound.
func (b *Batch) Get(ctx context.Context, key []byte) (*Entry, error) {
	if b.closed {
		return nil, ErrBatchFlushed
	}
	rawKey, err := b.tree.keyEncoding.Encode(key)
	if err != nil {
		return nil, err
	}

	b.extKey = rawKey
	b.extFired = false
	defer func() { b.extKey = nil }()

	node, err := b.getRoot(ctx)
	if err != nil {
		return nil, err
	}
	for node != nil {
		i, found, err := node.search(ctx, rawKey)
		if err != nil {
			return nil, err
		}
		if found {
			blk, err := b.getBlock(ctx, node.keys[i].seq)
			if err != nil {
				return nil, err
			}
			return b.finalize(blk)
		}
		if node.leaf() {
			break
		}
		node, err = node.getChildNode(ctx, i)
		if err != nil {
			return nil, err
		}
	}
	return nil, ErrKeyNotFound
}

func (b *Batch) finalize(blk blockView) (*Entry, error) {
	key, err := b.tree.keyEncoding.Decode(blk.Key())
	if err != nil {
		return nil, err
	}
	entry := &Entry{Seq: blk.Seq(), Key: key}
	if !blk.IsDeletion() {
		value, err := b.tree.valueEncoding.Decode(blk.Value())
		if err != nil {
			return nil, err
		}
		entry.Value = value
	}
	return entry, nil
}

// Put inserts or replaces key with value.
func (b *Batch) Put(ctx context.Context, key, value []byte) error {
	if b.closed {
		return ErrBatchFlushed
	}
	if !b.writable {
		return ErrReadOnly
	}
	b.lock()

	rawKey, err := b.tree.keyEncoding.Encode(key)
	if err != nil {
		return err
	}
	rawValue, err := b.tree.valueEncoding.Encode(value)
	if err != nil {
		return err
	}
	if rawValue == nil {
		rawValue = []byte{}
	}

	root, err := b.getRoot(ctx)
	if err != nil {
		return err
	}
	if root == nil {
		root = newTreeNode(b)
		root.changed = true
	}

	seq := b.treeLength + b.length
	target := nodeKey{seq: seq, value: rawKey}

	node := root
	var stack []*TreeNode
	for !node.leaf() {
		stack = append(stack, node)
		// the spine re-emits even on a replace in place; the encoder
		// still keeps unchanged subtree references compact
		node.changed = true

		i, found, err := node.search(ctx, rawKey)
		if err != nil {
			return err
		}
		if found {
			node.keys[i] = target
			return b.appendBlock(root, seq, rawKey, rawValue)
		}
		node, err = node.getChildNode(ctx, i)
		if err != nil {
			return err
		}
	}

	fits, err := node.insertKey(ctx, target, nil)
	if err != nil {
		return err
	}

	for !fits {
		median, right, err := node.split(ctx)
		if err != nil {
			return err
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			fits, err = parent.insertKey(ctx, median, right)
			if err != nil {
				return err
			}
			node = parent
			continue
		}
		// the tree grows by one level
		grown := newTreeNode(b)
		grown.changed = true
		grown.keys = []nodeKey{median}
		grown.children = []*child{{value: node}, {value: right}}
		root = grown
		fits = true
	}
	return b.appendBlock(root, seq, rawKey, rawValue)
}

// Delete removes key from the tree. A miss is a silent no-op: nothing
// is appended and no node is marked changed.
func (b *Batch) Delete(ctx context.Context, key []byte) error {
	if b.closed {
		return ErrBatchFlushed
	}
	if !b.writable {
		return ErrReadOnly
	}
	b.lock()

	rawKey, err := b.tree.keyEncoding.Encode(key)
	if err != nil {
		return err
	}

	node, err := b.getRoot(ctx)
	if err != nil {
		return err
	}

	var stack []*TreeNode
	for node != nil {
		stack = append(stack, node)

		i, found, err := node.search(ctx, rawKey)
		if err != nil {
			return err
		}
		if found {
			if node.leaf() {
				node.removeKey(i)
			} else if err := b.setKeyToNearestLeaf(ctx, node, i, &stack); err != nil {
				return err
			}
			// marked late so a miss never rewrites blocks
			for _, n := range stack {
				n.changed = true
			}
			root, err := b.rebalance(ctx, stack)
			if err != nil {
				return err
			}
			return b.appendBlock(root, b.treeLength+b.length, rawKey, nil)
		}
		if node.leaf() {
			break
		}
		node, err = node.getChildNode(ctx, i)
		if err != nil {
			return err
		}
	}

	if b.autoFlush {
		b.unlock()
	}
	return nil
}

// setKeyToNearestLeaf substitutes the separator at node.keys[index]
// with its in-order neighbor from the nearest leaf, taken from the
// larger of the two adjacent subtrees' edge leaves. Both size probes
// are resolved before the comparison. Ties go right.
func (b *Batch) setKeyToNearestLeaf(ctx context.Context, node *TreeNode, index int, stack *[]*TreeNode) error {
	left, err := node.getChildNode(ctx, index)
	if err != nil {
		return err
	}
	right, err := node.getChildNode(ctx, index+1)
	if err != nil {
		return err
	}
	leftSize, err := leafSize(ctx, left, false)
	if err != nil {
		return err
	}
	rightSize, err := leafSize(ctx, right, true)
	if err != nil {
		return err
	}

	if rightSize < leftSize {
		*stack = append(*stack, left)
		for !left.leaf() {
			if left, err = left.getChildNode(ctx, len(left.children)-1); err != nil {
				return err
			}
			*stack = append(*stack, left)
		}
		node.keys[index] = left.keys[len(left.keys)-1]
		left.removeKey(len(left.keys) - 1)
	} else {
		*stack = append(*stack, right)
		for !right.leaf() {
			if right, err = right.getChildNode(ctx, 0); err != nil {
				return err
			}
			*stack = append(*stack, right)
		}
		node.keys[index] = right.keys[0]
		right.removeKey(0)
	}
	return nil
}

// leafSize returns the key count of the subtree's leftmost or
// rightmost leaf.
func leafSize(ctx context.Context, n *TreeNode, goLeft bool) (int, error) {
	var err error
	for !n.leaf() {
		if goLeft {
			n, err = n.getChildNode(ctx, 0)
		} else {
			n, err = n.getChildNode(ctx, len(n.children)-1)
		}
		if err != nil {
			return 0, err
		}
	}
	return len(n.keys), nil
}

// rebalance repairs under-full nodes bottom-up after a delete and
// returns the (possibly shrunk) root.
func (b *Batch) rebalance(ctx context.Context, stack []*TreeNode) (*TreeNode, error) {
	root := stack[0]

	for len(stack) > 1 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(node.keys) >= minKeys {
			return root, nil
		}
		parent := stack[len(stack)-1]

		sib, err := node.siblings(ctx, parent)
		if err != nil {
			return nil, err
		}

		if sib.left != nil && len(sib.left.keys) > minKeys {
			// rotate right
			sib.left.changed = true
			node.keys = append([]nodeKey{parent.keys[sib.index-1]}, node.keys...)
			if !node.leaf() {
				last := len(sib.left.children) - 1
				node.children = append([]*child{sib.left.children[last]}, node.children...)
				sib.left.children = sib.left.children[:last]
			}
			parent.keys[sib.index-1] = sib.left.keys[len(sib.left.keys)-1]
			sib.left.keys = sib.left.keys[:len(sib.left.keys)-1]
			return root, nil
		}
		if sib.right != nil && len(sib.right.keys) > minKeys {
			// rotate left
			sib.right.changed = true
			node.keys = append(node.keys, parent.keys[sib.index])
			if !node.leaf() {
				node.children = append(node.children, sib.right.children[0])
				sib.right.children = sib.right.children[1:]
			}
			parent.keys[sib.index] = sib.right.keys[0]
			sib.right.keys = sib.right.keys[1:]
			return root, nil
		}

		if sib.left != nil {
			sib.left.changed = true
			sib.left.merge(node, parent.keys[sib.index-1])
			parent.removeKey(sib.index - 1)
		} else {
			node.changed = true
			node.merge(sib.right, parent.keys[sib.index])
			parent.removeKey(sib.index)
		}
	}

	if len(root.keys) == 0 && len(root.children) > 0 {
		shrunk, err := root.getChildNode(ctx, 0)
		if err != nil {
			return nil, err
		}
		shrunk.changed = true
		return shrunk, nil
	}
	return root, nil
}

// appendBlock publishes one mutation: the changed spine is serialized
// into a fresh index with the root cell at offset 0, then either
// appended immediately or staged as a pending block.
func (b *Batch) appendBlock(root *TreeNode, seq uint64, key, value []byte) error {
	var index []*child
	root.indexChanges(&index, seq)
	index[0] = &child{seq: seq, offset: 0, value: root}

	if b.autoFlush {
		idx, err := deflate(index)
		if err != nil {
			return err
		}
		raw := wire.EncodeNode(&wire.Node{Index: wire.EncodeIndex(idx), Key: key, Value: value})
		if _, err := b.tree.feed.Append(raw); err != nil {
			b.tree.stats.TrackError("feed_append")
			return err
		}
		b.tree.stats.TrackBytes(false, uint64(len(raw)))
		b.unlock()
		return nil
	}

	b.blocks[seq] = &BatchEntry{
		seq:          seq,
		key:          key,
		value:        value,
		deletion:     value == nil,
		pendingIndex: index,
	}
	b.root = root
	b.length++
	return nil
}

// Flush atomically appends all staged blocks and resets the batch. On
// append failure the staged state is retained so the caller may retry.
func (b *Batch) Flush(ctx context.Context) error {
	if b.closed {
		return ErrBatchFlushed
	}
	if b.length == 0 {
		b.unlock()
		return nil
	}

	blocks := make([][]byte, b.length)
	var written uint64
	for i := uint64(0); i < b.length; i++ {
		seq := b.treeLength + i
		be := b.blocks[seq].(*BatchEntry)

		index := be.pendingIndex
		if i < b.length-1 {
			// an intermediate root is never externally visible; drop
			// its cell and compact away nodes re-homed by later blocks.
			// The compaction works on a copy so a failed append leaves
			// the staged index intact for a retry.
			pending := append([]*child(nil), be.pendingIndex...)
			pending[0] = nil
			j := 0
			for j < len(pending) {
				c := pending[j]
				if c != nil && c.seq == seq {
					c.offset = uint64(j)
					j++
					continue
				}
				last := pending[len(pending)-1]
				pending = pending[:len(pending)-1]
				if j < len(pending) {
					pending[j] = last
				}
			}
			index = pending
		}

		idx, err := deflate(index)
		if err != nil {
			return err
		}
		blocks[i] = wire.EncodeNode(&wire.Node{Index: wire.EncodeIndex(idx), Key: be.key, Value: be.value})
		written += uint64(len(blocks[i]))
	}

	if _, err := b.tree.feed.Append(blocks...); err != nil {
		b.tree.stats.TrackError("feed_append")
		return err
	}
	b.tree.stats.TrackOperation(stats.OpFlush)
	b.tree.stats.TrackBytes(false, written)

	b.root = nil
	b.blocks = make(map[uint64]blockView)
	b.length = 0
	b.resolved = false
	b.unlock()
	return nil
}

// Close abandons any staged mutations and releases the write lock.
func (b *Batch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.root = nil
	b.blocks = nil
	b.length = 0
	b.unlock()
	return nil
}
