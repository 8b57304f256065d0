package tree

import (
	"bytes"
	"context"
	"fmt"
)

// B-tree order. Nodes hold between minKeys and maxKeys keys except the
// root, which may hold fewer.
const (
	order       = 5
	minKeys     = order - 1   // 4
	maxKeys     = 2*order - 1 // 9
	maxChildren = 2 * order   // 10
)

// nodeKey references the block whose own key field carries the literal
// key bytes. value is populated lazily.
type nodeKey struct {
	seq   uint64
	value []byte
}

// child references a tree node by its home block and the node's offset
// inside that block's index. value caches the hydrated node. A seq of 0
// marks a freed slot during a remove; it only ever exists in memory.
type child struct {
	seq    uint64
	offset uint64
	value  *TreeNode
}

// TreeNode is the in-memory view of one B-tree node. Nodes are resolved
// lazily from blocks and discarded when their batch completes; changed
// tracks whether the node must be re-emitted by the next flush.
type TreeNode struct {
	batch    *Batch
	keys     []nodeKey
	children []*child
	changed  bool
}

func newTreeNode(b *Batch) *TreeNode {
	return &TreeNode{batch: b}
}

func (n *TreeNode) leaf() bool {
	return len(n.children) == 0
}

// getKey returns the key bytes at index i, fetching the owning block if
// they have not been loaded yet.
func (n *TreeNode) getKey(ctx context.Context, i int) ([]byte, error) {
	k := &n.keys[i]
	if k.value != nil {
		return k.value, nil
	}
	blk, err := n.batch.getBlock(ctx, k.seq)
	if err != nil {
		return nil, err
	}
	k.value = blk.Key()
	return k.value, nil
}

// getChildNode returns the hydrated child at index i, resolving its
// (seq, offset) reference if needed. The resolved node is cached on the
// reference so later passes observe the same instance.
func (n *TreeNode) getChildNode(ctx context.Context, i int) (*TreeNode, error) {
	c := n.children[i]
	if c.value != nil {
		return c.value, nil
	}
	blk, err := n.batch.getBlock(ctx, c.seq)
	if err != nil {
		return nil, err
	}
	node, err := blk.getTreeNode(n.batch, c.offset)
	if err != nil {
		return nil, err
	}
	c.value = node
	return node, nil
}

// search finds key in the node. It returns the matching index and true,
// or the insertion index and false.
func (n *TreeNode) search(ctx context.Context, key []byte) (int, bool, error) {
	s, e := 0, len(n.keys)
	for s < e {
		mid := (s + e) >> 1
		k, err := n.getKey(ctx, mid)
		if err != nil {
			return 0, false, err
		}
		c := bytes.Compare(key, k)
		if c == 0 {
			return mid, true, nil
		}
		if c < 0 {
			e = mid
		} else {
			s = mid + 1
		}
	}
	return s, false, nil
}

// insertKey splices key into the node, resolving an exact match as a
// replace in place. When a freshly split right sibling is supplied it
// is spliced in after the key. Returns true while the node remains
// within bounds; the caller splits on false.
func (n *TreeNode) insertKey(ctx context.Context, key nodeKey, right *TreeNode) (bool, error) {
	i, found, err := n.search(ctx, key.value)
	if err != nil {
		return false, err
	}
	n.changed = true
	if found {
		n.keys[i] = key
		return true, nil
	}

	n.keys = append(n.keys, nodeKey{})
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key

	if right != nil {
		c := &child{value: right}
		n.children = append(n.children, nil)
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = c
	}
	return len(n.keys) < maxChildren, nil
}

// removeKey erases keys[i] and, on internal nodes, the child to the
// right of it. Only called on leaves by the delete path; the rebalance
// step uses it on parents after a merge.
func (n *TreeNode) removeKey(i int) {
	n.keys = append(n.keys[:i], n.keys[i+1:]...)
	if len(n.children) > 0 {
		n.children[i+1].seq = 0 // freed, in-memory only
		n.children = append(n.children[:i+1], n.children[i+2:]...)
	}
	n.changed = true
}

// split halves an overfull node, returning the promoted median and the
// new right sibling. The median's bytes are loaded first: its home
// block may not be reachable from the node that ends up holding it.
func (n *TreeNode) split(ctx context.Context) (nodeKey, *TreeNode, error) {
	half := len(n.keys) >> 1
	right := newTreeNode(n.batch)

	right.keys = make([]nodeKey, half)
	copy(right.keys, n.keys[len(n.keys)-half:])
	n.keys = n.keys[:len(n.keys)-half]

	if _, err := n.getKey(ctx, len(n.keys)-1); err != nil {
		return nodeKey{}, nil, err
	}
	median := n.keys[len(n.keys)-1]
	n.keys = n.keys[:len(n.keys)-1]

	if !n.leaf() {
		right.children = make([]*child, half+1)
		copy(right.children, n.children[len(n.children)-half-1:])
		n.children = n.children[:len(n.children)-half-1]
	}

	n.changed = true
	right.changed = true
	return median, right, nil
}

// merge appends the separator and all of node's keys and children into n.
func (n *TreeNode) merge(node *TreeNode, median nodeKey) {
	n.changed = true
	n.keys = append(n.keys, median)
	n.keys = append(n.keys, node.keys...)
	n.children = append(n.children, node.children...)
}

// siblings locates n inside parent and returns its hydrated neighbors.
type siblings struct {
	left  *TreeNode
	right *TreeNode
	index int
}

func (n *TreeNode) siblings(ctx context.Context, parent *TreeNode) (siblings, error) {
	for i, c := range parent.children {
		if c.value != n {
			continue
		}
		var sib siblings
		sib.index = i
		if i > 0 {
			left, err := parent.getChildNode(ctx, i-1)
			if err != nil {
				return sib, err
			}
			sib.left = left
		}
		if i < len(parent.children)-1 {
			right, err := parent.getChildNode(ctx, i+1)
			if err != nil {
				return sib, err
			}
			sib.right = right
		}
		return sib, nil
	}
	return siblings{}, fmt.Errorf("%w: node not found in parent", ErrInvariant)
}

// indexChanges serializes the changed spine below n into index,
// returning the offset reserved for n itself. Unchanged children keep
// their original (seq, offset); changed ones are renumbered into the
// block being built.
func (n *TreeNode) indexChanges(index *[]*child, seq uint64) int {
	offset := len(*index)
	*index = append(*index, nil)
	n.changed = false

	for _, c := range n.children {
		if c.value == nil || !c.value.changed {
			continue
		}
		c.seq = seq
		c.offset = uint64(c.value.indexChanges(index, seq))
		(*index)[c.offset] = c
	}
	return offset
}
