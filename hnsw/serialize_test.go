package hnsw

import (
	"context"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestExportStateEmptyIndex(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	state, err := e.ExportState(context.Background())
	if err != nil {
		t.Fatalf("ExportState failed: %v", err)
	}
	if len(state.Nodes) != 0 {
		t.Errorf("expected no nodes, got %d", len(state.Nodes))
	}
	if state.EntryPointID != uuid.Nil {
		t.Errorf("expected a nil entry point, got %v", state.EntryPointID)
	}
	if state.VectorDimension != 2 {
		t.Errorf("expected dimension 2, got %d", state.VectorDimension)
	}
}

func TestExportStatePreservesNeighborEdges(t *testing.T) {
	e, ns, ls := mustNewEngine(t, 2)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		if err := e.Insert(ctx, uuid.New(), []float32{float32(i), 0}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	state, err := e.ExportState(ctx)
	if err != nil {
		t.Fatalf("ExportState failed: %v", err)
	}

	byID := make(map[uuid.UUID]NodeState, len(state.Nodes))
	for _, ns := range state.Nodes {
		byID[ns.ID] = ns
	}
	for _, id := range ns.AllIDs() {
		got := byID[id]
		if got.Layer != ls.GetLayer(id) {
			t.Errorf("node %v: exported layer %d, store layer %d", id, got.Layer, ls.GetLayer(id))
		}
		n, err := ns.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !reflect.DeepEqual(got.Neighbors, n.Neighbors()) {
			t.Errorf("node %v: exported neighbors %v, store neighbors %v", id, got.Neighbors, n.Neighbors())
		}
	}
}

func TestImportStateRebuildsEntryPoint(t *testing.T) {
	id := uuid.New()
	state := &State{
		VectorDimension: 2,
		Parameters:      DefaultParams(),
		EntryPointID:    id,
		Nodes: []NodeState{
			{ID: id, Vector: []float32{1, 1}, Layer: 0, Neighbors: map[int][]uuid.UUID{}},
		},
	}

	ns := NewMemoryNodeStore()
	ls := NewMemoryLayerStore()
	e, err := NewEngine(2, ns, ls)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.ImportState(context.Background(), state); err != nil {
		t.Fatalf("ImportState failed: %v", err)
	}

	got, ok := ns.EntryPoint()
	if !ok || got != id {
		t.Errorf("expected entry point %v, got %v (ok=%v)", id, got, ok)
	}
}

func TestImportStateRejectsInvalidParameters(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	bad := DefaultParams()
	bad.M = 1000
	state := &State{VectorDimension: 2, Parameters: bad}
	if err := e.ImportState(context.Background(), state); ErrorKind(err) != KindInvalidParameter {
		t.Errorf("expected KindInvalidParameter, got %v", ErrorKind(err))
	}
}

func TestImportStateNilState(t *testing.T) {
	e, _, _ := mustNewEngine(t, 2)
	if err := e.ImportState(context.Background(), nil); ErrorKind(err) != KindNullArgument {
		t.Errorf("expected KindNullArgument, got %v", ErrorKind(err))
	}
}
