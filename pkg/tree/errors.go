package tree

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key is not in the tree
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvariant signals a corrupted tree structure; not recoverable
	ErrInvariant = errors.New("tree invariant violation")
	// ErrBatchFlushed is returned when a closed batch is reused; Flush
	// resets a batch for further use and does not close it
	ErrBatchFlushed = errors.New("batch already flushed")
	// ErrReadOnly is returned when mutating a checkout or non-writable handle
	ErrReadOnly = errors.New("tree is read-only")
)
