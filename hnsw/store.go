package hnsw

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Node is a node handle: an id, its immutable vector, and a mutable mapping
// from layer to the set of neighbor ids at that layer.
//
// A Node's neighbor mutations are only safe when serialized by the owning
// store's write discipline (the engine's single-writer guard, or the
// store's own lock for standalone use); the handle itself does no locking.
type Node struct {
	ID        uuid.UUID
	Vector    []float32
	neighbors map[int]map[uuid.UUID]struct{}
}

func newNode(id uuid.UUID, vector []float32) *Node {
	return &Node{ID: id, Vector: vector, neighbors: make(map[int]map[uuid.UUID]struct{})}
}

// NewStandaloneNode builds a Node with an empty neighbor set, for use by
// NodeStore implementations outside this package that need to construct
// Node values to return from Get/GetMany (e.g. after decoding from a
// durable backend).
func NewStandaloneNode(id uuid.UUID, vector []float32) *Node {
	return newNode(id, vector)
}

// Neighbors returns a snapshot mapping layer -> sorted neighbor ids. The
// returned value is a copy; mutating it does not affect the node.
func (n *Node) Neighbors() map[int][]uuid.UUID {
	out := make(map[int][]uuid.UUID, len(n.neighbors))
	for layer, set := range n.neighbors {
		ids := make([]uuid.UUID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return less(ids[i], ids[j]) })
		out[layer] = ids
	}
	return out
}

// NeighborCount returns the number of neighbors at layer.
func (n *Node) NeighborCount(layer int) int {
	return len(n.neighbors[layer])
}

// HasNeighbor reports whether id is a neighbor of n at layer.
func (n *Node) HasNeighbor(layer int, id uuid.UUID) bool {
	_, ok := n.neighbors[layer][id]
	return ok
}

// AddNeighbor adds id as a neighbor of n at layer. Self-loops are rejected.
func (n *Node) AddNeighbor(layer int, id uuid.UUID) {
	if id == n.ID {
		return
	}
	set, ok := n.neighbors[layer]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		n.neighbors[layer] = set
	}
	set[id] = struct{}{}
}

// RemoveNeighbor removes id from n's neighbor set at layer. Idempotent.
func (n *Node) RemoveNeighbor(layer int, id uuid.UUID) {
	if set, ok := n.neighbors[layer]; ok {
		delete(set, id)
	}
}

func less(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// NodeStore persists vectors and per-layer neighbor sets by id.
// Implementations must allow concurrent readers so long as no write is in
// flight; the engine is the single writer.
type NodeStore interface {
	Add(id uuid.UUID, vector []float32) error
	AddMany(vectors map[uuid.UUID][]float32) error
	Remove(id uuid.UUID) error
	RemoveMany(ids []uuid.UUID) error
	Get(id uuid.UUID) (*Node, error)
	TryGet(id uuid.UUID) (*Node, bool)
	GetMany(ids []uuid.UUID) map[uuid.UUID]*Node
	AllIDs() []uuid.UUID
	Count() int
	EntryPoint() (uuid.UUID, bool)
	SetEntryPoint(id uuid.UUID) error
}

// NeighborPersister is an optional capability of a NodeStore. Stores that
// hand out a single long-lived *Node per id (MemoryNodeStore) need nothing
// extra: mutating the returned Node mutates the store directly. A store
// that instead decodes a fresh *Node on every Get/GetMany (e.g. one backed
// by a SQL row) implements NeighborPersister so the engine can tell it when
// a Node's neighbor set has changed and must be written back.
type NeighborPersister interface {
	PersistNeighbors(n *Node) error
}

// MemoryNodeStore is a map-backed NodeStore. Writers take an exclusive
// lock; readers take a shared lock, so queries can traverse concurrently
// with each other while the engine serializes writes.
type MemoryNodeStore struct {
	mu         sync.RWMutex
	nodes      map[uuid.UUID]*Node
	entryPoint uuid.UUID
}

// NewMemoryNodeStore creates an empty in-memory node store.
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{nodes: make(map[uuid.UUID]*Node)}
}

func (s *MemoryNodeStore) Add(id uuid.UUID, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = newNode(id, vector)
	return nil
}

func (s *MemoryNodeStore) AddMany(vectors map[uuid.UUID][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, vec := range vectors {
		s.nodes[id] = newNode(id, vec)
	}
	return nil
}

func (s *MemoryNodeStore) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *MemoryNodeStore) RemoveMany(ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.nodes, id)
	}
	return nil
}

func (s *MemoryNodeStore) Get(id uuid.UUID) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, newErr("NodeStore.Get", KindNodeNotFound)
	}
	return n, nil
}

func (s *MemoryNodeStore) TryGet(id uuid.UUID) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *MemoryNodeStore) GetMany(ids []uuid.UUID) map[uuid.UUID]*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]*Node, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			out[id] = n
		}
	}
	return out
}

func (s *MemoryNodeStore) AllIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}

func (s *MemoryNodeStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *MemoryNodeStore) EntryPoint() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryPoint, s.entryPoint != uuid.Nil
}

func (s *MemoryNodeStore) SetEntryPoint(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == uuid.Nil {
		s.entryPoint = uuid.Nil
		return nil
	}
	if _, ok := s.nodes[id]; !ok {
		return newErr("NodeStore.SetEntryPoint", KindNodeNotFound)
	}
	s.entryPoint = id
	return nil
}
