package chat

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const stripeCount = 64

// stripedMutex serializes work per key without one lock for everything.
type stripedMutex struct {
	locks [stripeCount]sync.Mutex
}

func (s *stripedMutex) lock(key string) func() {
	m := &s.locks[xxhash.Sum64String(key)%stripeCount]
	m.Lock()
	return m.Unlock
}
