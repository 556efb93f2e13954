package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Engine is the HNSW graph index: level assignment, layered greedy routing,
// ef-bounded layer search, heuristic neighbor selection with bidirectional
// edge maintenance, pruning, delete repair, and state import/export.
//
// All write paths (Insert, InsertMany, Remove, RemoveMany, ImportState)
// serialize on a single write guard; queries read without acquiring it,
// relying on the node/layer stores to provide consistent reads against the
// writer.
type Engine struct {
	dimension int

	nodeStore  NodeStore
	layerStore LayerStore

	paramsMu sync.RWMutex
	params   Params

	rngMu sync.Mutex
	rng   *rand.Rand

	guard  *semaphore.Weighted
	logger Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithParams overrides the default Params. Invalid params are caught by
// NewEngine's call to Validate.
func WithParams(p Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithLogger attaches a Logger; default is NopLogger.
func WithLogger(l Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine constructs an Engine over the given dimension and collaborators.
// The dimension must be in [1, 4096] and both stores must be non-nil.
func NewEngine(dimension int, nodeStore NodeStore, layerStore LayerStore, opts ...Option) (*Engine, error) {
	const op = "NewEngine"
	if dimension < 1 || dimension > 4096 {
		return nil, newErr(op, KindInvalidDimension)
	}
	if nodeStore == nil || layerStore == nil {
		return nil, newErr(op, KindNullArgument)
	}

	e := &Engine{
		dimension:  dimension,
		nodeStore:  nodeStore,
		layerStore: layerStore,
		params:     DefaultParams(),
		guard:      semaphore.NewWeighted(1),
		logger:     NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}

	var seed int64
	if e.params.Seed != nil {
		seed = int64(*e.params.Seed)
	} else {
		seed = int64(uuid.New().ID())
	}
	e.rng = rand.New(rand.NewSource(seed))

	e.logger.Info("engine constructed", "dimension", dimension, "M", e.params.M, "maxM", e.params.MaxM)
	return e, nil
}

// Params returns a copy of the engine's current parameters.
func (e *Engine) Params() Params {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// SetParams validates and replaces the engine's parameters.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.paramsMu.Lock()
	defer e.paramsMu.Unlock()
	e.params = p
	return nil
}

// SetEfConstruction adjusts the construction-time beam width.
func (e *Engine) SetEfConstruction(ef int) error {
	p := e.Params()
	p.EfConstruction = ef
	return e.SetParams(p)
}

// SetDistanceFunction switches the metric used for all subsequent distance
// computations. An empty name substitutes Euclidean. Changing the metric on
// a populated index does not re-link existing edges.
func (e *Engine) SetDistanceFunction(name DistanceFunctionName) error {
	p := e.Params()
	if name == "" {
		name = Euclidean
	}
	p.DistanceFunctionName = name
	return e.SetParams(p)
}

func (e *Engine) distance(a, b []float32) (float32, error) {
	fn := e.Params().distanceFunc()
	return fn(a, b)
}

// acquireWrite acquires the single-writer guard with cancellation support.
func (e *Engine) acquireWrite(ctx context.Context) error {
	if err := e.guard.Acquire(ctx, 1); err != nil {
		return wrapErr("acquireWrite", KindCancelled, err)
	}
	return nil
}

func (e *Engine) releaseWrite() { e.guard.Release(1) }

// flushNeighbors tells the node store that n's neighbor set changed, for
// stores that need an explicit flush to make the mutation durable (see
// NeighborPersister). Stores that hand out a shared Node pointer need not
// implement the interface, and this is then a no-op.
func (e *Engine) flushNeighbors(n *Node) error {
	p, ok := e.nodeStore.(NeighborPersister)
	if !ok {
		return nil
	}
	if err := p.PersistNeighbors(n); err != nil {
		return wrapErr("flushNeighbors", KindInvariantViolation, err)
	}
	return nil
}

func (e *Engine) assignLevel() int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	p := e.Params()
	return assignLevel(e.rng, p.LevelMultiplier, p.MaxLayers)
}

// ---- Insert -----------------------------------------------------------

// Insert adds a single vector to the index under id.
func (e *Engine) Insert(ctx context.Context, id uuid.UUID, vector []float32) error {
	const op = "Insert"
	if id == uuid.Nil {
		return newErr(op, KindNullArgument)
	}
	if err := ValidateVector(vector, e.dimension); err != nil {
		return err
	}

	if err := e.acquireWrite(ctx); err != nil {
		return err
	}
	defer e.releaseWrite()

	return e.insertLocked(ctx, NewSearchContext(e.nodeStore), id, vector)
}

// insertLocked adds the node to the store, assigns its level, descends the
// upper layers to a good entry, then links and prunes on every layer from
// min(level, entryLayer) down to 0. Caller must already hold the write guard.
func (e *Engine) insertLocked(ctx context.Context, sctx *SearchContext, id uuid.UUID, vector []float32) error {
	const op = "Insert"
	if err := checkCancel(ctx); err != nil {
		return err
	}

	if err := e.nodeStore.Add(id, vector); err != nil {
		return wrapErr(op, KindInvariantViolation, err)
	}

	if e.nodeStore.Count() == 1 {
		e.layerStore.SetLayer(id, 0)
		if err := e.nodeStore.SetEntryPoint(id); err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
		e.logger.Debug("first node inserted", "id", id)
		return nil
	}

	level := e.assignLevel()
	e.layerStore.SetLayer(id, level)

	entryID, ok := e.nodeStore.EntryPoint()
	if !ok {
		return newErr(op, KindInvariantViolation)
	}
	entryLayer := e.layerStore.GetLayer(entryID)
	prevEntryLayer := entryLayer

	entry := entryID
	for l := entryLayer; l > level; l-- {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		next, err := e.greedySearch(ctx, sctx, vector, entry, l)
		if err != nil {
			return err
		}
		entry = next
	}

	top := level
	if entryLayer < top {
		top = entryLayer
	}
	for l := top; l >= 0; l-- {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		cands, err := e.efSearch(ctx, sctx, vector, entry, e.Params().EfConstruction, l)
		if err != nil {
			return err
		}
		m := e.Params().M
		if l == 0 {
			m = e.Params().MaxM
		}
		neighbors, err := e.selectNeighbors(ctx, sctx, vector, cands, m)
		if err != nil {
			return err
		}

		selfNode, err := sctx.Get(id)
		if err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
		for _, nid := range neighbors {
			if nid == id {
				continue
			}
			nNode, err := sctx.Get(nid)
			if err != nil {
				continue
			}
			selfNode.AddNeighbor(l, nid)
			nNode.AddNeighbor(l, id)

			maxConn := e.Params().M
			if l == 0 {
				maxConn = e.Params().MaxM
			}
			if nNode.NeighborCount(l) > maxConn {
				if err := e.pruneNode(ctx, sctx, nNode, l, maxConn); err != nil {
					return err
				}
			} else if err := e.flushNeighbors(nNode); err != nil {
				return err
			}
		}
		if err := e.flushNeighbors(selfNode); err != nil {
			return err
		}

		if len(neighbors) > 0 {
			entry = neighbors[0]
		}
	}

	if level > prevEntryLayer {
		if err := e.nodeStore.SetEntryPoint(id); err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
		e.logger.Debug("entry point reassigned", "id", id, "level", level)
	}

	return nil
}

// pruneNode rebuilds n's neighbor set at layer via the heuristic, dropping
// any edge not in the result bidirectionally.
func (e *Engine) pruneNode(ctx context.Context, sctx *SearchContext, n *Node, layer int, maxConn int) error {
	existing := n.Neighbors()[layer]
	cands := make([]candidateDist, 0, len(existing))
	for _, cid := range existing {
		cNode, err := sctx.Get(cid)
		if err != nil {
			continue
		}
		d, err := e.distance(n.Vector, cNode.Vector)
		if err != nil {
			continue
		}
		cands = append(cands, candidateDist{id: cid, dist: d})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })

	kept, err := e.selectNeighbors(ctx, sctx, n.Vector, cands, maxConn)
	if err != nil {
		return err
	}
	keptSet := make(map[uuid.UUID]struct{}, len(kept))
	for _, k := range kept {
		keptSet[k] = struct{}{}
	}
	pruned := false
	for _, cid := range existing {
		if _, ok := keptSet[cid]; !ok {
			n.RemoveNeighbor(layer, cid)
			pruned = true
			if cNode, ok := sctx.TryGet(cid); ok {
				cNode.RemoveNeighbor(layer, n.ID)
				if err := e.flushNeighbors(cNode); err != nil {
					return err
				}
			}
		}
	}
	if pruned {
		if err := e.flushNeighbors(n); err != nil {
			return err
		}
	}
	return nil
}

// InsertMany validates every entry before acquiring the guard, batch-adds
// the vectors, then links each node as a single insert would, sharing one
// search context across the batch for cache reuse.
func (e *Engine) InsertMany(ctx context.Context, vectors map[uuid.UUID][]float32) error {
	const op = "InsertMany"
	for id, vec := range vectors {
		if id == uuid.Nil {
			return newErr(op, KindNullArgument)
		}
		if err := ValidateVector(vec, e.dimension); err != nil {
			return err
		}
	}

	if err := e.acquireWrite(ctx); err != nil {
		return err
	}
	defer e.releaseWrite()

	if err := e.nodeStore.AddMany(vectors); err != nil {
		return wrapErr(op, KindInvariantViolation, err)
	}

	sctx := NewSearchContext(e.nodeStore)
	for id, vec := range vectors {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		if err := e.insertExistingLocked(ctx, sctx, id, vec); err != nil {
			return err
		}
	}
	return nil
}

// insertExistingLocked runs the post-add portion of insert for a node that
// has already been added to the node store (used by InsertMany, whose nodes
// are all added up front via AddMany).
func (e *Engine) insertExistingLocked(ctx context.Context, sctx *SearchContext, id uuid.UUID, vector []float32) error {
	const op = "InsertMany"

	entryID, ok := e.nodeStore.EntryPoint()
	if !ok {
		e.layerStore.SetLayer(id, 0)
		if err := e.nodeStore.SetEntryPoint(id); err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
		return nil
	}
	if entryID == id {
		// id was already the entry point before this batch re-added it; it
		// is reset to layer 0 and left without new links.
		e.layerStore.SetLayer(id, 0)
		return nil
	}

	level := e.assignLevel()
	e.layerStore.SetLayer(id, level)

	entryLayer := e.layerStore.GetLayer(entryID)
	prevEntryLayer := entryLayer
	entry := entryID
	for l := entryLayer; l > level; l-- {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		next, err := e.greedySearch(ctx, sctx, vector, entry, l)
		if err != nil {
			return err
		}
		entry = next
	}

	top := level
	if entryLayer < top {
		top = entryLayer
	}
	for l := top; l >= 0; l-- {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		cands, err := e.efSearch(ctx, sctx, vector, entry, e.Params().EfConstruction, l)
		if err != nil {
			return err
		}
		m := e.Params().M
		if l == 0 {
			m = e.Params().MaxM
		}
		neighbors, err := e.selectNeighbors(ctx, sctx, vector, cands, m)
		if err != nil {
			return err
		}

		selfNode, err := sctx.Get(id)
		if err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
		for _, nid := range neighbors {
			if nid == id {
				continue
			}
			nNode, err := sctx.Get(nid)
			if err != nil {
				continue
			}
			selfNode.AddNeighbor(l, nid)
			nNode.AddNeighbor(l, id)

			maxConn := e.Params().M
			if l == 0 {
				maxConn = e.Params().MaxM
			}
			if nNode.NeighborCount(l) > maxConn {
				if err := e.pruneNode(ctx, sctx, nNode, l, maxConn); err != nil {
					return err
				}
			} else if err := e.flushNeighbors(nNode); err != nil {
				return err
			}
		}
		if err := e.flushNeighbors(selfNode); err != nil {
			return err
		}
		if len(neighbors) > 0 {
			entry = neighbors[0]
		}
	}

	if level > prevEntryLayer {
		if err := e.nodeStore.SetEntryPoint(id); err != nil {
			return wrapErr(op, KindInvariantViolation, err)
		}
	}
	return nil
}

// ---- Delete -------------------------------------------------------------

// Remove deletes a single node and every edge pointing at it. Absent ids
// are a no-op success.
func (e *Engine) Remove(ctx context.Context, id uuid.UUID) error {
	const op = "Remove"
	if err := e.acquireWrite(ctx); err != nil {
		return err
	}
	defer e.releaseWrite()

	node, ok := e.nodeStore.TryGet(id)
	if !ok {
		return nil
	}
	snapshot := node.Neighbors()

	if err := e.nodeStore.Remove(id); err != nil {
		return wrapErr(op, KindInvariantViolation, err)
	}
	e.layerStore.RemoveLayer(id)

	for _, otherID := range e.nodeStore.AllIDs() {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		other, err := e.nodeStore.Get(otherID)
		if err != nil {
			continue
		}
		changed := false
		for layer := range snapshot {
			if other.HasNeighbor(layer, id) {
				other.RemoveNeighbor(layer, id)
				changed = true
			}
		}
		if changed {
			if err := e.flushNeighbors(other); err != nil {
				return err
			}
		}
	}

	entryID, hasEntry := e.nodeStore.EntryPoint()
	if hasEntry && entryID == id {
		if err := e.reassignEntryPoint(); err != nil {
			return err
		}
		e.logger.Info("entry point reassigned after delete", "removed", id)
	}

	return nil
}

// reassignEntryPoint scans remaining ids and picks the one with the highest
// layer, or clears the entry point if the index is now empty.
func (e *Engine) reassignEntryPoint() error {
	ids := e.nodeStore.AllIDs()
	if len(ids) == 0 {
		return e.nodeStore.SetEntryPoint(uuid.Nil)
	}
	best := ids[0]
	bestLayer := e.layerStore.GetLayer(best)
	for _, id := range ids[1:] {
		if l := e.layerStore.GetLayer(id); l > bestLayer {
			best, bestLayer = id, l
		}
	}
	return e.nodeStore.SetEntryPoint(best)
}

// RemoveMany deletes a set of ids and repairs connectivity among their
// surviving neighbors, restoring routing reachability in one pass rather
// than relying on lazy degradation.
func (e *Engine) RemoveMany(ctx context.Context, ids []uuid.UUID) error {
	const op = "RemoveMany"
	if err := e.acquireWrite(ctx); err != nil {
		return err
	}
	defer e.releaseWrite()

	removeSet := make(map[uuid.UUID]struct{}, len(ids))
	var removeList []uuid.UUID
	for _, id := range ids {
		if _, dup := removeSet[id]; dup {
			continue
		}
		if _, ok := e.nodeStore.TryGet(id); ok {
			removeSet[id] = struct{}{}
			removeList = append(removeList, id)
		}
	}
	if len(removeList) == 0 {
		return nil
	}

	unionSet := make(map[uuid.UUID]struct{})
	for _, id := range removeList {
		node, err := e.nodeStore.Get(id)
		if err != nil {
			continue
		}
		for _, neighborIDs := range node.Neighbors() {
			for _, nid := range neighborIDs {
				if _, removed := removeSet[nid]; !removed {
					unionSet[nid] = struct{}{}
				}
			}
		}
	}

	union := make([]uuid.UUID, 0, len(unionSet))
	for id := range unionSet {
		union = append(union, id)
	}
	sort.Slice(union, func(i, j int) bool { return less(union[i], union[j]) })

	for _, nid := range union {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		n, err := e.nodeStore.Get(nid)
		if err != nil {
			continue
		}
		changed := false
		for layer, neighborIDs := range n.Neighbors() {
			for _, other := range neighborIDs {
				if _, removed := removeSet[other]; removed {
					n.RemoveNeighbor(layer, other)
					changed = true
				}
			}
		}
		if changed {
			if err := e.flushNeighbors(n); err != nil {
				return err
			}
		}
	}

	if err := e.nodeStore.RemoveMany(removeList); err != nil {
		return wrapErr(op, KindInvariantViolation, err)
	}
	for _, id := range removeList {
		e.layerStore.RemoveLayer(id)
	}

	if entryID, ok := e.nodeStore.EntryPoint(); ok {
		if _, removed := removeSet[entryID]; removed {
			if err := e.reassignEntryPoint(); err != nil {
				return err
			}
		}
	}

	return e.repairConnectivity(ctx, union, removeSet)
}

// repairConnectivity re-links nodes whose degree dropped below half its
// per-layer target after a batch delete, searching out fresh neighbors from
// the entry point.
func (e *Engine) repairConnectivity(ctx context.Context, union []uuid.UUID, removed map[uuid.UUID]struct{}) error {
	entryID, hasEntry := e.nodeStore.EntryPoint()
	if !hasEntry {
		return nil
	}

	sctx := NewSearchContext(e.nodeStore)
	params := e.Params()

	for _, nid := range union {
		n, err := sctx.Get(nid)
		if err != nil {
			continue
		}
		topLayer := e.layerStore.GetLayer(nid)
		for l := 0; l <= topLayer; l++ {
			if err := checkCancel(ctx); err != nil {
				return err
			}
			target := params.M
			if l == 0 {
				target = params.MaxM
			}
			if n.NeighborCount(l) >= target/2 {
				continue
			}

			cands, err := e.efSearch(ctx, sctx, n.Vector, entryID, 2*target, l)
			if err != nil {
				return err
			}

			need := target - n.NeighborCount(l)
			kept := make([]uuid.UUID, 0, need)
			for _, c := range cands {
				if len(kept) >= need {
					break
				}
				if c.id == nid || n.HasNeighbor(l, c.id) {
					continue
				}
				if _, isRemoved := removed[c.id]; isRemoved {
					continue
				}
				kept = append(kept, c.id)
			}

			added := false
			for _, cid := range kept {
				cNode, err := sctx.Get(cid)
				if err != nil {
					continue
				}
				n.AddNeighbor(l, cid)
				cNode.AddNeighbor(l, nid)
				added = true

				if cNode.NeighborCount(l) > target {
					if err := e.pruneNode(ctx, sctx, cNode, l, target); err != nil {
						return err
					}
				} else if err := e.flushNeighbors(cNode); err != nil {
					return err
				}
			}
			if added {
				if err := e.flushNeighbors(n); err != nil {
					return err
				}
			}
		}
	}
	e.logger.Info("connectivity repair complete", "repaired_candidates", len(union))
	return nil
}

// ---- Query ----------------------------------------------------------------

// QueryResult is one ranked hit returned from Query.
type QueryResult struct {
	ID       uuid.UUID
	Distance float32
	Vector   []float32
}

// Query returns the k nearest neighbors of vector, ranked ascending by
// distance. When ef is nil the beam width defaults to
// max(EfConstruction, 2*k).
func (e *Engine) Query(ctx context.Context, vector []float32, k int, ef *int) ([]QueryResult, error) {
	const op = "Query"
	if err := ValidateVector(vector, e.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	entryID, ok := e.nodeStore.EntryPoint()
	if !ok {
		return nil, nil
	}

	params := e.Params()
	effectiveEf := params.EfConstruction
	if ef != nil {
		effectiveEf = *ef
	} else if 2*k > effectiveEf {
		effectiveEf = 2 * k
	}
	if effectiveEf < k {
		effectiveEf = k
	}

	sctx := NewSearchContext(e.nodeStore)
	entryNode, err := sctx.Get(entryID)
	if err != nil {
		return nil, wrapErr(op, KindInvariantViolation, err)
	}
	prefetch := []uuid.UUID{entryID}
	for _, ids := range entryNode.Neighbors() {
		prefetch = append(prefetch, ids...)
	}
	sctx.Prefetch(prefetch)

	current := entryID
	entryLayer := e.layerStore.GetLayer(entryID)
	for l := entryLayer; l > 0; l-- {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
		current, err = e.greedySearch(ctx, sctx, vector, current, l)
		if err != nil {
			return nil, err
		}
	}

	cands, err := e.efSearch(ctx, sctx, vector, current, effectiveEf, 0)
	if err != nil {
		return nil, err
	}

	limit := k
	if limit > len(cands) {
		limit = len(cands)
	}
	out := make([]QueryResult, 0, limit)
	for i := 0; i < limit; i++ {
		n, err := sctx.Get(cands[i].id)
		if err != nil {
			continue
		}
		vec := make([]float32, len(n.Vector))
		copy(vec, n.Vector)
		out = append(out, QueryResult{
			ID:       cands[i].id,
			Distance: float32(math.Abs(float64(cands[i].dist))),
			Vector:   vec,
		})
	}
	return out, nil
}

// ---- Search primitives ------------------------------------------------

// greedySearch descends to the local minimum of distance-to-query reachable
// from entry within layer, keeping the current node on ties.
func (e *Engine) greedySearch(ctx context.Context, sctx *SearchContext, query []float32, entry uuid.UUID, layer int) (uuid.UUID, error) {
	current := entry
	for {
		if err := checkCancel(ctx); err != nil {
			return uuid.Nil, err
		}
		currentNode, err := sctx.Get(current)
		if err != nil {
			return uuid.Nil, wrapErr("greedySearch", KindInvariantViolation, err)
		}
		currentDist, err := e.distance(query, currentNode.Vector)
		if err != nil {
			return uuid.Nil, err
		}

		neighbors := currentNode.Neighbors()[layer]
		sctx.Prefetch(neighbors)

		best := current
		bestDist := currentDist
		for _, nid := range neighbors {
			nNode, err := sctx.Get(nid)
			if err != nil {
				continue
			}
			d, err := e.distance(query, nNode.Vector)
			if err != nil {
				continue
			}
			if d < bestDist {
				best, bestDist = nid, d
			}
		}
		if best == current {
			return current, nil
		}
		current = best
	}
}

// efSearch runs the ef-bounded beam search at a single layer, returning up
// to ef results sorted ascending by distance.
func (e *Engine) efSearch(ctx context.Context, sctx *SearchContext, query []float32, entry uuid.UUID, ef int, layer int) ([]candidateDist, error) {
	if ef < 1 {
		ef = 1
	}

	visited := map[uuid.UUID]bool{entry: true}
	candidates := NewQueue[uuid.UUID](less)
	results := NewQueue[uuid.UUID](less) // keyed by -distance: top is worst

	entryNode, err := sctx.Get(entry)
	if err != nil {
		return nil, wrapErr("efSearch", KindInvariantViolation, err)
	}
	entryDist, err := e.distance(query, entryNode.Vector)
	if err != nil {
		return nil, err
	}
	if err := candidates.Push(entryDist, entry); err != nil {
		return nil, err
	}
	if err := results.Push(-entryDist, entry); err != nil {
		return nil, err
	}

	farthest := func() float32 {
		if results.Count() < ef {
			return float32(math.Inf(1))
		}
		top, _ := results.Peek()
		return -top.Priority
	}

	for candidates.Count() > 0 {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}

		c, err := candidates.Pop()
		if err != nil {
			return nil, err
		}
		if c.Priority > farthest() {
			break
		}

		currentNode, err := sctx.Get(c.Value)
		if err != nil {
			continue
		}
		neighbors := currentNode.Neighbors()[layer]
		sctx.Prefetch(neighbors)

		for _, nid := range neighbors {
			if err := checkCancel(ctx); err != nil {
				return nil, err
			}
			if visited[nid] {
				continue
			}
			visited[nid] = true

			nNode, err := sctx.Get(nid)
			if err != nil {
				continue
			}
			d, err := e.distance(query, nNode.Vector)
			if err != nil {
				continue
			}

			if d < farthest() || results.Count() < ef {
				if err := candidates.Push(d, nid); err != nil {
					return nil, err
				}
				if err := results.Push(-d, nid); err != nil {
					return nil, err
				}
				if results.Count() > ef {
					if _, err := results.Pop(); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	ordered := results.Ordered() // ascending by -distance => descending distance
	out := make([]candidateDist, len(ordered))
	for i, it := range ordered {
		out[len(ordered)-1-i] = candidateDist{id: it.Value, dist: -it.Priority}
	}
	return out, nil
}

// Size returns the number of nodes currently present.
func (e *Engine) Size() int { return e.nodeStore.Count() }

// Dimension returns the fixed vector dimension this engine was built with.
func (e *Engine) Dimension() int { return e.dimension }
