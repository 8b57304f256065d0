// Package stats provides centralized operation statistics with minimal contention.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Common operation types
const (
	OpPut     OperationType = "put"
	OpGet     OperationType = "get"
	OpDelete  OperationType = "delete"
	OpBatch   OperationType = "batch"
	OpFlush   OperationType = "flush"
	OpScan    OperationType = "scan"
	OpHistory OperationType = "history"
	OpUpdate  OperationType = "update"
)

// Collector defines the interface for tracking database operations
type Collector interface {
	TrackOperation(op OperationType)
	TrackBytes(read bool, bytes uint64)
	TrackError(errorType string)
	GetStats() map[string]interface{}
}

// AtomicCollector implements Collector using atomic counters
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // write-locked only when creating new counter entries

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex
}

// NewAtomicCollector creates a new statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
	}
}

// TrackOperation increments the counter for the given operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackBytes adds the given number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(read bool, bytes uint64) {
	if read {
		c.totalBytesRead.Add(bytes)
	} else {
		c.totalBytesWritten.Add(bytes)
	}
}

// TrackError increments the counter for the given error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.Lock()
	counter, ok := c.errors[errorType]
	if !ok {
		counter = &atomic.Uint64{}
		c.errors[errorType] = counter
	}
	c.errorsMu.Unlock()

	counter.Add(1)
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, ok := c.counts[op]
	c.countsMu.RUnlock()
	if ok {
		return counter
	}

	c.countsMu.Lock()
	defer c.countsMu.Unlock()
	if counter, ok = c.counts[op]; ok {
		return counter
	}
	counter = &atomic.Uint64{}
	c.counts[op] = counter
	return counter
}

// GetStats returns a snapshot of all collected statistics
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, ts := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = ts.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	c.errorsMu.RLock()
	if len(c.errors) > 0 {
		errorStats := make(map[string]uint64, len(c.errors))
		for errType, counter := range c.errors {
			errorStats[errType] = counter.Load()
		}
		stats["errors"] = errorStats
	}
	c.errorsMu.RUnlock()

	return stats
}
