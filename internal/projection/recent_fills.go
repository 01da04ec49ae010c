package projection

import (
	"sync"

	"slabcore/internal/event"
)

// RecentFills keeps a bounded per-market ring of the latest executions for
// low-latency tape queries. It is written by the projection worker and read
// by the query HTTP handlers, so access is mutex-guarded.
type RecentFills struct {
	mu       sync.RWMutex
	capacity int
	byMarket map[string][]event.FillRecord
}

func NewRecentFills(capacity int) *RecentFills {
	if capacity <= 0 {
		capacity = 256
	}
	return &RecentFills{
		capacity: capacity,
		byMarket: make(map[string][]event.FillRecord),
	}
}

// Add appends a fill, evicting the oldest entry past capacity.
func (rf *RecentFills) Add(f event.FillRecord) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	ring := append(rf.byMarket[f.Market], f)
	if len(ring) > rf.capacity {
		ring = ring[len(ring)-rf.capacity:]
	}
	rf.byMarket[f.Market] = ring
}

// Query returns up to limit fills for a market, newest first.
func (rf *RecentFills) Query(market string, limit int) []event.FillRecord {
	rf.mu.RLock()
	defer rf.mu.RUnlock()

	ring := rf.byMarket[market]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}

	result := make([]event.FillRecord, 0, limit)
	for i := len(ring) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, ring[i])
	}
	return result
}
