package hnsw

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/uuid"
)

func mustNewEngine(t *testing.T, dim int, opts ...Option) (*Engine, NodeStore, LayerStore) {
	t.Helper()
	ns := NewMemoryNodeStore()
	ls := NewMemoryLayerStore()
	e, err := NewEngine(dim, ns, ls, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e, ns, ls
}

func TestNewEngineValidation(t *testing.T) {
	ns := NewMemoryNodeStore()
	ls := NewMemoryLayerStore()

	if _, err := NewEngine(0, ns, ls); ErrorKind(err) != KindInvalidDimension {
		t.Errorf("expected KindInvalidDimension for dimension 0, got %v", ErrorKind(err))
	}
	if _, err := NewEngine(5000, ns, ls); ErrorKind(err) != KindInvalidDimension {
		t.Errorf("expected KindInvalidDimension for oversized dimension, got %v", ErrorKind(err))
	}
	if _, err := NewEngine(4, nil, ls); ErrorKind(err) != KindNullArgument {
		t.Errorf("expected KindNullArgument for nil node store, got %v", ErrorKind(err))
	}
	if _, err := NewEngine(4, ns, nil); ErrorKind(err) != KindNullArgument {
		t.Errorf("expected KindNullArgument for nil layer store, got %v", ErrorKind(err))
	}

	bad := DefaultParams()
	bad.M = 0
	if _, err := NewEngine(4, ns, ls, WithParams(bad)); ErrorKind(err) != KindInvalidParameter {
		t.Errorf("expected KindInvalidParameter for invalid params, got %v", ErrorKind(err))
	}
}

func TestEngineInsertSingleNode(t *testing.T) {
	e, ns, ls := mustNewEngine(t, 2)
	id := uuid.New()
	if err := e.Insert(context.Background(), id, []float32{1, 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if ns.Count() != 1 {
		t.Errorf("expected 1 node, got %d", ns.Count())
	}
	entry, ok := ns.EntryPoint()
	if !ok || entry != id {
		t.Errorf("expected entry point %v, got %v (ok=%v)", id, entry, ok)
	}
	if ls.GetLayer(id) != 0 {
		t.Errorf("expected first node's layer to be 0, got %d", ls.GetLayer(id))
	}
}

func TestEngineInsertRejectsWrongDimension(t *testing.T) {
	e, _, _ := mustNewEngine(t, 3)
	if err := e.Insert(context.Background(), uuid.New(), []float32{1, 2}); ErrorKind(err) != KindInvalidDimension {
		t.Errorf("expected KindInvalidDimension, got %v", ErrorKind(err))
	}
}

func bruteForceKNN(query []float32, points map[uuid.UUID][]float32, k int) []uuid.UUID {
	type scored struct {
		id   uuid.UUID
		dist float32
	}
	var all []scored
	for id, v := range points {
		d, _ := EuclideanDistance(query, v)
		all = append(all, scored{id, d})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if k > len(all) {
		k = len(all)
	}
	out := make([]uuid.UUID, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].id
	}
	return out
}

func TestEngineQueryFindsExactNearestWithFullRecall(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	seed := uint64(7)
	params.Seed = &seed
	e, _, _ := mustNewEngine(t, 2, WithParams(params))

	rng := rand.New(rand.NewSource(99))
	points := make(map[uuid.UUID][]float32)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		id := uuid.New()
		v := []float32{float32(rng.Intn(100)), float32(rng.Intn(100))}
		points[id] = v
		if err := e.Insert(ctx, id, v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	query := []float32{50, 50}
	ef := 40 // full recall over a 40-node graph
	results, err := e.Query(ctx, query, 5, &ef)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	want := bruteForceKNN(query, points, 5)
	wantSet := make(map[uuid.UUID]bool, len(want))
	for _, id := range want {
		wantSet[id] = true
	}
	for _, r := range results {
		if !wantSet[r.ID] {
			t.Errorf("result %v not in brute-force top-5", r.ID)
		}
	}

	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not in ascending distance order at index %d", i)
		}
	}
}

func TestEngineQueryEfSmallerThanK(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	e, _, _ := mustNewEngine(t, 2, WithParams(params))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	ef := 1
	results, err := e.Query(ctx, []float32{0, 0}, 3, &ef)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results even with ef < k, got %d", len(results))
	}
}

func TestEngineQueryKLargerThanN(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	results, err := e.Query(ctx, []float32{0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected all 3 nodes when k > N, got %d", len(results))
	}
}

func TestEngineQueryEmptyIndex(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	results, err := e.Query(context.Background(), []float32{1, 1}, 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results on an empty index, got %d", len(results))
	}
}

func TestEngineInsertManyConnectsGraph(t *testing.T) {
	e, ns, _ := mustNewEngine(t, 2)
	vectors := make(map[uuid.UUID][]float32)
	for i := 0; i < 20; i++ {
		vectors[uuid.New()] = []float32{float32(i), float32(i)}
	}
	if err := e.InsertMany(context.Background(), vectors); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if ns.Count() != 20 {
		t.Fatalf("expected 20 nodes, got %d", ns.Count())
	}
	entry, ok := ns.EntryPoint()
	if !ok {
		t.Fatalf("expected an entry point after InsertMany")
	}

	// Every node must be reachable from the entry point over layer-0 edges.
	seen := map[uuid.UUID]bool{entry: true}
	queue := []uuid.UUID{entry}
	for len(queue) > 0 {
		n, err := ns.Get(queue[0])
		queue = queue[1:]
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		for _, nid := range n.Neighbors()[0] {
			if !seen[nid] {
				seen[nid] = true
				queue = append(queue, nid)
			}
		}
	}
	if len(seen) != 20 {
		t.Errorf("expected all 20 nodes reachable on layer 0, got %d", len(seen))
	}
}

func TestEngineRemoveAbsentIsNoop(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	if err := e.Remove(context.Background(), uuid.New()); err != nil {
		t.Errorf("expected Remove of an absent id to succeed, got %v", err)
	}
}

func TestEngineRemoveClearsBidirectionalEdges(t *testing.T) {
	e, ns, _ := mustNewEngine(t, 2)
	ctx := context.Background()
	ids := make([]uuid.UUID, 6)
	for i := range ids {
		ids[i] = uuid.New()
		if err := e.Insert(ctx, ids[i], []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	victim := ids[0]
	if err := e.Remove(ctx, victim); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if ns.Count() != 5 {
		t.Fatalf("expected 5 nodes after removal, got %d", ns.Count())
	}
	for _, id := range ns.AllIDs() {
		n, err := ns.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		for _, layerIDs := range n.Neighbors() {
			for _, nid := range layerIDs {
				if nid == victim {
					t.Errorf("node %v still references removed node %v", id, victim)
				}
			}
		}
	}
}

func TestEngineRemoveReassignsEntryPoint(t *testing.T) {
	e, ns, _ := mustNewEngine(t, 2)
	ctx := context.Background()
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		if err := e.Insert(ctx, ids[i], []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	entry, _ := ns.EntryPoint()
	if err := e.Remove(ctx, entry); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	newEntry, ok := ns.EntryPoint()
	if !ok {
		t.Fatalf("expected a reassigned entry point")
	}
	if newEntry == entry {
		t.Errorf("expected a different entry point after removing the old one")
	}
}

func TestEngineRemoveManyThenQueryStillWorks(t *testing.T) {
	e, ns, _ := mustNewEngine(t, 2)
	ctx := context.Background()
	ids := make([]uuid.UUID, 30)
	for i := range ids {
		ids[i] = uuid.New()
		if err := e.Insert(ctx, ids[i], []float32{float32(i), float32(i % 3)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := e.RemoveMany(ctx, ids[:15]); err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}
	if ns.Count() != 15 {
		t.Fatalf("expected 15 nodes remaining, got %d", ns.Count())
	}

	ef := 30
	results, err := e.Query(ctx, []float32{20, 1}, 5, &ef)
	if err != nil {
		t.Fatalf("Query after RemoveMany failed: %v", err)
	}
	if len(results) == 0 {
		t.Errorf("expected query results after RemoveMany, got none")
	}
	for _, r := range results {
		for _, removed := range ids[:15] {
			if r.ID == removed {
				t.Errorf("query returned a removed id %v", removed)
			}
		}
	}
}

func TestEngineExportImportRoundTrip(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i), float32(i) * 2}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	state, err := e.ExportState(ctx)
	if err != nil {
		t.Fatalf("ExportState failed: %v", err)
	}
	if len(state.Nodes) != 12 {
		t.Fatalf("expected 12 nodes in export, got %d", len(state.Nodes))
	}

	ns2 := NewMemoryNodeStore()
	ls2 := NewMemoryLayerStore()
	e2, err := NewEngine(2, ns2, ls2)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e2.ImportState(ctx, state); err != nil {
		t.Fatalf("ImportState failed: %v", err)
	}
	if ns2.Count() != 12 {
		t.Errorf("expected 12 nodes after import, got %d", ns2.Count())
	}
	if e2.Params() != state.Parameters {
		t.Errorf("expected imported params to match exported params")
	}

	state2, err := e2.ExportState(ctx)
	if err != nil {
		t.Fatalf("second ExportState failed: %v", err)
	}
	if len(state2.Nodes) != len(state.Nodes) {
		t.Errorf("round-trip node count mismatch: %d vs %d", len(state2.Nodes), len(state.Nodes))
	}
}

func TestEngineImportRejectsDimensionMismatch(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	state := &State{VectorDimension: 3, Parameters: DefaultParams()}
	if err := e.ImportState(context.Background(), state); ErrorKind(err) != KindDimensionMismatch {
		t.Errorf("expected KindDimensionMismatch, got %v", ErrorKind(err))
	}
}

func TestEngineInsertCancellation(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Insert(ctx, uuid.New(), []float32{1, 1}); ErrorKind(err) != KindCancelled {
		t.Errorf("expected KindCancelled, got %v", ErrorKind(err))
	}

	// The write guard must be released on the cancellation exit path:
	// a subsequent insert with a live context should not deadlock.
	if err := e.Insert(context.Background(), uuid.New(), []float32{2, 2}); err != nil {
		t.Errorf("insert after cancelled insert failed: %v", err)
	}
}

func TestEngineQueryGridExactOrder(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	params.M = 4
	params.MaxM = 8
	params.EfConstruction = 20
	e, _, _ := mustNewEngine(t, 1, WithParams(params))

	ctx := context.Background()
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		ids[i] = uuid.New()
		if err := e.Insert(ctx, ids[i], []float32{float32(i)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	results, err := e.Query(ctx, []float32{4.2}, 3, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	wantIDs := []uuid.UUID{ids[4], ids[5], ids[3]}
	wantDists := []float32{0.2, 0.8, 1.2}
	for i, r := range results {
		if r.ID != wantIDs[i] {
			t.Errorf("rank %d: expected grid position node %v, got %v", i, wantIDs[i], r.ID)
		}
		if diff := math.Abs(float64(r.Distance - wantDists[i])); diff > 1e-3 {
			t.Errorf("rank %d: expected distance %v, got %v", i, wantDists[i], r.Distance)
		}
	}
}

func checkSymmetryAndDegrees(t *testing.T, ns NodeStore, ls LayerStore, m, maxM int) {
	t.Helper()
	for _, id := range ns.AllIDs() {
		n, err := ns.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		for layer, neighborIDs := range n.Neighbors() {
			bound := m
			if layer == 0 {
				bound = maxM
			}
			if len(neighborIDs) > bound {
				t.Errorf("node %v exceeds degree bound at layer %d: %d > %d", id, layer, len(neighborIDs), bound)
			}
			for _, nid := range neighborIDs {
				if nid == id {
					t.Errorf("node %v has a self-loop at layer %d", id, layer)
				}
				other, err := ns.Get(nid)
				if err != nil {
					t.Errorf("node %v references absent neighbor %v", id, nid)
					continue
				}
				if !other.HasNeighbor(layer, id) {
					t.Errorf("edge %v->%v at layer %d is not symmetric", id, nid, layer)
				}
				if layer > ls.GetLayer(nid) {
					t.Errorf("edge %v->%v at layer %d exceeds neighbor's top layer %d", id, nid, layer, ls.GetLayer(nid))
				}
			}
		}
	}
}

func TestEngineSymmetryUnderPrune(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	params.M = 2
	params.MaxM = 2
	e, ns, ls := mustNewEngine(t, 2, WithParams(params))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	checkSymmetryAndDegrees(t, ns, ls, 2, 2)
}

func BenchmarkEngineInsert(b *testing.B) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	ns := NewMemoryNodeStore()
	ls := NewMemoryLayerStore()
	e, err := NewEngine(64, ns, ls, WithParams(params))
	if err != nil {
		b.Fatalf("NewEngine failed: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	vectors := make([][]float32, b.N)
	for i := range vectors {
		v := make([]float32, 64)
		for j := range v {
			v[j] = rng.Float32()
		}
		vectors[i] = v
	}

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Insert(ctx, uuid.New(), vectors[i]); err != nil {
			b.Fatalf("Insert failed: %v", err)
		}
	}
}

func BenchmarkEngineQuery(b *testing.B) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	ns := NewMemoryNodeStore()
	ls := NewMemoryLayerStore()
	e, err := NewEngine(64, ns, ls, WithParams(params))
	if err != nil {
		b.Fatalf("NewEngine failed: %v", err)
	}

	rng := rand.New(rand.NewSource(2))
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		v := make([]float32, 64)
		for j := range v {
			v[j] = rng.Float32()
		}
		if err := e.Insert(ctx, uuid.New(), v); err != nil {
			b.Fatalf("Insert failed: %v", err)
		}
	}

	query := make([]float32, 64)
	for j := range query {
		query[j] = rng.Float32()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Query(ctx, query, 10, nil); err != nil {
			b.Fatalf("Query failed: %v", err)
		}
	}
}

func TestEngineInvariantsAfterRemoveMany(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = Euclidean
	e, ns, ls := mustNewEngine(t, 2, WithParams(params))

	ctx := context.Background()
	ids := make([]uuid.UUID, 25)
	for i := range ids {
		ids[i] = uuid.New()
		if err := e.Insert(ctx, ids[i], []float32{float32(i % 5), float32(i / 5)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := e.RemoveMany(ctx, ids[:10]); err != nil {
		t.Fatalf("RemoveMany failed: %v", err)
	}
	checkSymmetryAndDegrees(t, ns, ls, params.M, params.MaxM)
}

func TestEngineSetParamsValidation(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	bad := DefaultParams()
	bad.EfConstruction = -1
	if err := e.SetParams(bad); ErrorKind(err) != KindInvalidParameter {
		t.Errorf("expected KindInvalidParameter, got %v", ErrorKind(err))
	}
}

func TestEngineSetEfConstruction(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	if err := e.SetEfConstruction(500); err != nil {
		t.Fatalf("SetEfConstruction failed: %v", err)
	}
	if e.Params().EfConstruction != 500 {
		t.Errorf("expected EfConstruction 500, got %d", e.Params().EfConstruction)
	}
	if err := e.SetEfConstruction(0); ErrorKind(err) != KindInvalidParameter {
		t.Errorf("expected KindInvalidParameter for ef 0, got %v", ErrorKind(err))
	}
}

func TestEngineSetDistanceFunctionEmptyFallsBackToEuclidean(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	if err := e.SetDistanceFunction(""); err != nil {
		t.Fatalf("SetDistanceFunction failed: %v", err)
	}
	if e.Params().DistanceFunctionName != Euclidean {
		t.Errorf("expected Euclidean fallback, got %s", e.Params().DistanceFunctionName)
	}
}

func TestEngineDistanceUsesConfiguredMetric(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = DotProduct
	e, _, _ := mustNewEngine(t, 2, WithParams(params))
	d, err := e.distance([]float32{1, 2}, []float32{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != -11 {
		t.Errorf("expected dot-product distance -11, got %v", d)
	}
}

func TestEngineQueryDistanceIsNonNegative(t *testing.T) {
	params := DefaultParams()
	params.DistanceFunctionName = DotProduct
	e, _, _ := mustNewEngine(t, 2, WithParams(params))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i + 1), float32(i + 1)}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	results, err := e.Query(ctx, []float32{1, 1}, 3, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	for _, r := range results {
		if r.Distance < 0 || math.IsNaN(float64(r.Distance)) {
			t.Errorf("expected a non-negative, finite surfaced distance, got %v", r.Distance)
		}
	}
}
