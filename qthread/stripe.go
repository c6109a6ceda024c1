package qthread

import "sync"

// numStripes is the fixed stripe count from spec.md §4.3.
const numStripes = 32

// stripeIndex selects the stripe for addr: (addr >> 4) & 31. Stable across
// all operations on the same address, as required by §4.3.
func stripeIndex(addr uintptr) int {
	return int((addr >> 4) & (numStripes - 1))
}

// stripeBucket is one of the 32 partitions of an address→record map,
// protected by a reader/writer lock. Grounded on backend.Memory's
// []sync.RWMutex sharding in backend/mem.go, generalized from "shard a
// byte range" to "shard a hashed address keyspace".
type stripeBucket[V any] struct {
	mu sync.RWMutex
	m  map[uintptr]V
}

// stripeTable is a complete 32-stripe address→record table. FEB records
// and address-lock records live in disjoint stripeTable instances
// (spec.md §4.3).
type stripeTable[V any] struct {
	buckets [numStripes]stripeBucket[V]
}

func newStripeTable[V any]() *stripeTable[V] {
	t := &stripeTable[V]{}
	for i := range t.buckets {
		t.buckets[i].m = make(map[uintptr]V)
	}
	return t
}

func (t *stripeTable[V]) bucket(addr uintptr) *stripeBucket[V] {
	return &t.buckets[stripeIndex(addr)]
}
