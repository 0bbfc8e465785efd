// Package registry tracks which live listener connections want records for
// which agent. It is the only shared mutable state of the ingest pipeline.
//
// State is split across shards by a hash of the key so that traffic for
// different agents does not contend on one lock. A second set of shards,
// keyed by listener id, records which agent currently owns each listener;
// a listener is registered under at most one agent at a time.
package registry

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"roadwatch/internal/metrics"
)

const shardCount = 32

// Listener is one live connection that records can be pushed to.
type Listener interface {
	// ID is stable for the lifetime of the connection.
	ID() uuid.UUID
	// Send writes one message. It must respect ctx's deadline.
	Send(ctx context.Context, msg []byte) error
	// Close tears the connection down. It must be safe to call repeatedly.
	Close(reason string) error
}

type agentShard struct {
	mu        sync.RWMutex
	listeners map[int64]map[uuid.UUID]Listener
}

type ownerShard struct {
	mu     sync.Mutex
	owners map[uuid.UUID]int64
}

type Registry struct {
	agents  [shardCount]agentShard
	owners  [shardCount]ownerShard
	metrics *metrics.Metrics
}

// New returns an empty Registry. m may be nil.
func New(m *metrics.Metrics) *Registry {
	r := &Registry{metrics: m}
	for i := range r.agents {
		r.agents[i].listeners = make(map[int64]map[uuid.UUID]Listener)
	}
	for i := range r.owners {
		r.owners[i].owners = make(map[uuid.UUID]int64)
	}
	return r
}

func (r *Registry) agentShardFor(agentID int64) *agentShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(agentID))
	return &r.agents[xxhash.Sum64(key[:])%shardCount]
}

func (r *Registry) ownerShardFor(id uuid.UUID) *ownerShard {
	return &r.owners[xxhash.Sum64(id[:])%shardCount]
}

// Subscribe registers l under agentID. Subscribing the same listener twice
// under the same agent is a no-op; subscribing it under another agent moves
// it there.
func (r *Registry) Subscribe(agentID int64, l Listener) {
	id := l.ID()
	shard := r.ownerShardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	prev, owned := shard.owners[id]
	if owned && prev == agentID {
		return
	}
	if owned {
		r.remove(prev, id)
	}
	shard.owners[id] = agentID
	r.add(agentID, l)
	if !owned {
		r.metrics.ListenerAdded()
	}
}

// Unsubscribe removes l from agentID and reports whether it was registered
// there. Removing an absent listener is not an error.
func (r *Registry) Unsubscribe(agentID int64, l Listener) bool {
	id := l.ID()
	shard := r.ownerShardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	owner, owned := shard.owners[id]
	if !owned || owner != agentID {
		return false
	}
	delete(shard.owners, id)
	r.remove(agentID, id)
	r.metrics.ListenerRemoved()
	return true
}

// ListenersFor returns a copy of the listeners registered under agentID.
// The copy is not updated by later Subscribe or Unsubscribe calls.
func (r *Registry) ListenersFor(agentID int64) []Listener {
	as := r.agentShardFor(agentID)
	as.mu.RLock()
	defer as.mu.RUnlock()

	set := as.listeners[agentID]
	if len(set) == 0 {
		return nil
	}
	snapshot := make([]Listener, 0, len(set))
	for _, l := range set {
		snapshot = append(snapshot, l)
	}
	return snapshot
}

// Count returns the number of listeners registered under agentID.
func (r *Registry) Count(agentID int64) int {
	as := r.agentShardFor(agentID)
	as.mu.RLock()
	defer as.mu.RUnlock()
	return len(as.listeners[agentID])
}

// Len returns the number of registered listeners across all agents.
func (r *Registry) Len() int {
	n := 0
	for i := range r.owners {
		shard := &r.owners[i]
		shard.mu.Lock()
		n += len(shard.owners)
		shard.mu.Unlock()
	}
	return n
}

// CloseAll closes every registered listener concurrently and returns once
// each Close has returned. Listeners remove themselves as their connections
// end.
func (r *Registry) CloseAll(reason string) {
	var all []Listener
	for i := range r.agents {
		as := &r.agents[i]
		as.mu.RLock()
		for _, set := range as.listeners {
			for _, l := range set {
				all = append(all, l)
			}
		}
		as.mu.RUnlock()
	}
	var wg sync.WaitGroup
	for _, l := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Close(reason)
		}()
	}
	wg.Wait()
}

// add and remove are called with the listener's owner shard locked. The
// agent shard lock is always taken second and never held across shards.
func (r *Registry) add(agentID int64, l Listener) {
	as := r.agentShardFor(agentID)
	as.mu.Lock()
	defer as.mu.Unlock()

	set, ok := as.listeners[agentID]
	if !ok {
		set = make(map[uuid.UUID]Listener)
		as.listeners[agentID] = set
	}
	set[l.ID()] = l
}

func (r *Registry) remove(agentID int64, id uuid.UUID) {
	as := r.agentShardFor(agentID)
	as.mu.Lock()
	defer as.mu.Unlock()

	set := as.listeners[agentID]
	delete(set, id)
	if len(set) == 0 {
		delete(as.listeners, agentID)
	}
}
