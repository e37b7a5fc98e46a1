package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type connShard struct {
	mu       sync.Mutex
	sessions map[string]LiveSession
}

type userShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

// MemoryRegistry is a Registry for a single process. Connections and users
// are partitioned into shards; a writer takes its connection shard and then
// the user shard, readers only ever take user shards.
type MemoryRegistry struct {
	conns [shardCount]connShard
	users [shardCount]userShard
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{now: time.Now}
	for i := range r.conns {
		r.conns[i].sessions = make(map[string]LiveSession)
		r.users[i].conns = make(map[string]map[string]struct{})
	}
	return r
}

func shardOf(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

func (r *MemoryRegistry) Register(_ context.Context, connectionID, userID string) error {
	cs := &r.conns[shardOf(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if old, ok := cs.sessions[connectionID]; ok && old.UserID != userID {
		r.removeFromUser(old.UserID, connectionID)
	}
	cs.sessions[connectionID] = LiveSession{ConnectionID: connectionID, UserID: userID, EstablishedAt: r.now()}

	us := &r.users[shardOf(userID)]
	us.mu.Lock()
	set, ok := us.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		us.conns[userID] = set
	}
	set[connectionID] = struct{}{}
	us.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, connectionID string) error {
	cs := &r.conns[shardOf(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	old, ok := cs.sessions[connectionID]
	if !ok {
		return nil
	}
	delete(cs.sessions, connectionID)
	r.removeFromUser(old.UserID, connectionID)
	return nil
}

func (r *MemoryRegistry) removeFromUser(userID, connectionID string) {
	us := &r.users[shardOf(userID)]
	us.mu.Lock()
	defer us.mu.Unlock()

	if set, ok := us.conns[userID]; ok {
		delete(set, connectionID)
		// No empty sets left behind for users who went offline.
		if len(set) == 0 {
			delete(us.conns, userID)
		}
	}
}

func (r *MemoryRegistry) Resolve(_ context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, userID := range userIDs {
		us := &r.users[shardOf(userID)]
		us.mu.RLock()
		for connectionID := range us.conns[userID] {
			out[connectionID] = userID
		}
		us.mu.RUnlock()
	}
	return out, nil
}

// lookup returns the entry for connectionID, if any.
func (r *MemoryRegistry) lookup(connectionID string) (LiveSession, bool) {
	cs := &r.conns[shardOf(connectionID)]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s, ok := cs.sessions[connectionID]
	return s, ok
}
