package hnsw

import (
	"context"

	"github.com/google/uuid"
)

// candidateDist pairs a node id with its distance to a base vector.
type candidateDist struct {
	id   uuid.UUID
	dist float32
}

// selectNeighbors implements the diversity-preserving neighbor-selection
// heuristic: candidates, sorted ascending by distance to base, are accepted
// greedily unless a candidate sits closer to an already-selected neighbor
// than to base (in which case it is discarded). If ExtendCandidates is set
// and the result is still short of m, the closest discarded candidates fill
// the remainder.
func (e *Engine) selectNeighbors(ctx context.Context, sctx *SearchContext, base []float32, candidates []candidateDist, m int) ([]uuid.UUID, error) {
	selected := make([]uuid.UUID, 0, m)
	discarded := make([]candidateDist, 0)

	for _, c := range candidates {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
		if len(selected) >= m {
			break
		}

		cNode, err := sctx.Get(c.id)
		if err != nil {
			continue
		}

		accept := true
		for _, s := range selected {
			sNode, err := sctx.Get(s)
			if err != nil {
				continue
			}
			dcs, err := e.distance(cNode.Vector, sNode.Vector)
			if err != nil {
				continue
			}
			if dcs < c.dist {
				accept = false
				discarded = append(discarded, c)
				break
			}
		}
		if accept {
			selected = append(selected, c.id)
		}
	}

	if e.Params().ExtendCandidates {
		for _, d := range discarded {
			if len(selected) >= m {
				break
			}
			selected = append(selected, d.id)
		}
	}

	return selected, nil
}
