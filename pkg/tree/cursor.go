package tree

import (
	"bytes"
	"context"

	"github.com/robertkowalski/hyperbee/pkg/iterator"
)

// frame is one level of the traversal stack. For internal nodes pos
// walks the in-order slots: even slots descend children[pos/2], odd
// slots emit keys[(pos-1)/2]. Leaf frames use pos as a plain key index.
type frame struct {
	node *TreeNode
	pos  int
}

type rangeIterator struct {
	ctx   context.Context
	batch *Batch
	opts  iterator.Range

	stack   []frame
	started bool
	done    bool
	limit   int

	key   []byte
	value []byte
	seq   uint64
	valid bool
	err   error
}

func newRangeIterator(ctx context.Context, b *Batch, opts iterator.Range) iterator.Iterator {
	return &rangeIterator{ctx: ctx, batch: b, opts: opts, limit: opts.Limit}
}

func (it *rangeIterator) lowerBound() (bound []byte, exclusive bool) {
	if it.opts.Gt != nil {
		return it.opts.Gt, true
	}
	return it.opts.Gte, false
}

func (it *rangeIterator) upperBound() (bound []byte, exclusive bool) {
	if it.opts.Lt != nil {
		return it.opts.Lt, true
	}
	return it.opts.Lte, false
}

func (it *rangeIterator) Next() bool {
	it.valid = false
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if err := it.seekStart(); err != nil {
			it.err = err
			it.done = true
			return false
		}
	}
	if it.opts.Limit > 0 && it.limit <= 0 {
		it.done = true
		return false
	}

	var advance func() (bool, error)
	if it.opts.Reverse {
		advance = it.advanceReverse
	} else {
		advance = it.advanceForward
	}
	ok, err := advance()
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	if it.opts.Limit > 0 {
		it.limit--
	}
	it.valid = true
	return true
}

// seekStart positions the stack at the first in-range entry.
func (it *rangeIterator) seekStart() error {
	root, err := it.batch.getRoot(it.ctx)
	if err != nil {
		return err
	}
	if root == nil {
		it.done = true
		return nil
	}

	var bound []byte
	var exclusive bool
	if it.opts.Reverse {
		bound, exclusive = it.upperBound()
	} else {
		bound, exclusive = it.lowerBound()
	}

	if bound == nil {
		pos := 0
		if it.opts.Reverse {
			pos = it.maxPos(root)
		}
		it.stack = append(it.stack, frame{node: root, pos: pos})
		return nil
	}
	return it.seekInto(root, bound, exclusive)
}

// seekInto descends toward the boundary key, leaving each straddling
// ancestor's frame positioned just inside the bound.
func (it *rangeIterator) seekInto(node *TreeNode, bound []byte, exclusive bool) error {
	for {
		i, found, err := node.search(it.ctx, bound)
		if err != nil {
			return err
		}
		if node.leaf() {
			pos := i
			if it.opts.Reverse {
				pos = i - 1
				if found && !exclusive {
					pos = i
				}
			} else if found && exclusive {
				pos = i + 1
			}
			it.stack = append(it.stack, frame{node: node, pos: pos})
			return nil
		}
		if found {
			pos := 2*i + 1
			if exclusive {
				if it.opts.Reverse {
					pos = 2 * i
				} else {
					pos = 2*i + 2
				}
			}
			it.stack = append(it.stack, frame{node: node, pos: pos})
			return nil
		}
		if it.opts.Reverse {
			it.stack = append(it.stack, frame{node: node, pos: 2*i - 1})
		} else {
			it.stack = append(it.stack, frame{node: node, pos: 2*i + 1})
		}
		node, err = node.getChildNode(it.ctx, i)
		if err != nil {
			return err
		}
	}
}

func (it *rangeIterator) maxPos(n *TreeNode) int {
	if n.leaf() {
		return len(n.keys) - 1
	}
	return 2 * len(n.keys)
}

func (it *rangeIterator) advanceForward() (bool, error) {
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		n := f.node

		if n.leaf() {
			if f.pos < 0 {
				f.pos = 0
			}
			if f.pos >= len(n.keys) {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			i := f.pos
			f.pos++
			return it.emit(n, i)
		}

		if f.pos < 0 {
			f.pos = 0
		}
		if f.pos > 2*len(n.keys) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		p := f.pos
		f.pos++
		if p%2 == 0 {
			childNode, err := n.getChildNode(it.ctx, p/2)
			if err != nil {
				return false, err
			}
			it.stack = append(it.stack, frame{node: childNode, pos: 0})
			continue
		}
		return it.emit(n, (p-1)/2)
	}
	return false, nil
}

func (it *rangeIterator) advanceReverse() (bool, error) {
	for len(it.stack) > 0 {
		f := &it.stack[len(it.stack)-1]
		n := f.node

		if n.leaf() {
			if f.pos >= len(n.keys) {
				f.pos = len(n.keys) - 1
			}
			if f.pos < 0 {
				it.stack = it.stack[:len(it.stack)-1]
				continue
			}
			i := f.pos
			f.pos--
			return it.emit(n, i)
		}

		if f.pos > 2*len(n.keys) {
			f.pos = 2 * len(n.keys)
		}
		if f.pos < 0 {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		p := f.pos
		f.pos--
		if p%2 == 0 {
			childNode, err := n.getChildNode(it.ctx, p/2)
			if err != nil {
				return false, err
			}
			it.stack = append(it.stack, frame{node: childNode, pos: it.maxPos(childNode)})
			continue
		}
		return it.emit(n, (p-1)/2)
	}
	return false, nil
}

// emit resolves keys[i] of n, checks the stop bound and loads the
// entry's value block.
func (it *rangeIterator) emit(n *TreeNode, i int) (bool, error) {
	key, err := n.getKey(it.ctx, i)
	if err != nil {
		return false, err
	}

	if it.opts.Reverse {
		bound, exclusive := it.lowerBound()
		if bound != nil {
			c := bytes.Compare(key, bound)
			if c < 0 || (exclusive && c == 0) {
				return false, nil
			}
		}
	} else {
		bound, exclusive := it.upperBound()
		if bound != nil {
			c := bytes.Compare(key, bound)
			if c > 0 || (exclusive && c == 0) {
				return false, nil
			}
		}
	}

	blk, err := it.batch.getBlock(it.ctx, n.keys[i].seq)
	if err != nil {
		return false, err
	}
	entry, err := it.batch.finalize(blk)
	if err != nil {
		return false, err
	}
	it.key = entry.Key
	it.value = entry.Value
	it.seq = entry.Seq
	return true, nil
}

func (it *rangeIterator) Valid() bool       { return it.valid }
func (it *rangeIterator) Key() []byte       { return it.key }
func (it *rangeIterator) Value() []byte     { return it.value }
func (it *rangeIterator) Seq() uint64       { return it.seq }
func (it *rangeIterator) IsTombstone() bool { return false }
func (it *rangeIterator) Error() error      { return it.err }
func (it *rangeIterator) Close() error      { return nil }

type historyIterator struct {
	ctx   context.Context
	batch *Batch
	opts  iterator.History

	seq     uint64
	end     uint64
	started bool
	done    bool

	key       []byte
	value     []byte
	entrySeq  uint64
	tombstone bool
	valid     bool
	err       error
}

func newHistoryIterator(ctx context.Context, b *Batch, opts iterator.History) iterator.Iterator {
	return &historyIterator{ctx: ctx, batch: b, opts: opts}
}

func (it *historyIterator) Next() bool {
	it.valid = false
	if it.done || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		if _, err := it.batch.getRoot(it.ctx); err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.end = it.batch.treeLength
		since := it.opts.Since
		if since < 1 {
			since = 1
		}
		if it.opts.Reverse {
			it.seq = it.end // decremented before use
		} else {
			it.seq = since
		}
	}

	if it.opts.Reverse {
		since := it.opts.Since
		if since < 1 {
			since = 1
		}
		if it.seq <= since {
			it.done = true
			return false
		}
		it.seq--
		return it.load(it.seq)
	}

	if it.seq >= it.end {
		if !it.opts.Live {
			it.done = true
			return false
		}
		// follow the feed: see whether the writer has moved on
		if _, err := it.batch.tree.feed.Update(it.ctx); err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.end = it.batch.tree.feed.Length()
		if it.seq >= it.end {
			it.done = true
			return false
		}
	}
	seq := it.seq
	it.seq++
	return it.load(seq)
}

func (it *historyIterator) load(seq uint64) bool {
	blk, err := it.batch.getBlock(it.ctx, seq)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	entry, err := it.batch.finalize(blk)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.key = entry.Key
	it.value = entry.Value
	it.entrySeq = entry.Seq
	it.tombstone = blk.IsDeletion()
	it.valid = true
	return true
}

func (it *historyIterator) Valid() bool       { return it.valid }
func (it *historyIterator) Key() []byte       { return it.key }
func (it *historyIterator) Value() []byte     { return it.value }
func (it *historyIterator) Seq() uint64       { return it.entrySeq }
func (it *historyIterator) IsTombstone() bool { return it.tombstone }
func (it *historyIterator) Error() error      { return it.err }
func (it *historyIterator) Close() error      { return nil }
