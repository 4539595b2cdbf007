// Package graph walks the typed knowledge graph, returning confidence-filtered
// neighbors ordered by edge weight.
package graph

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mnemohq/mnemo/internal/observability"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/store"
)

// Options bounds a traversal.
type Options struct {
	Relations     []string // empty matches all relations
	MaxDepth      int      // defaults to 1
	MinConfidence float64  // edges below this confidence are excluded
	Limit         int      // max neighbors returned, 0 for unlimited
}

// Neighbor is a node reached during traversal, with the hop that reached it.
type Neighbor struct {
	Node     *store.Node `json:"node"`
	Depth    int         `json:"depth"`
	Relation string      `json:"relation"`
	Weight   float64     `json:"weight"`
	Outgoing bool        `json:"outgoing"` // direction of the edge relative to the frontier node
}

// Traverser runs bounded breadth-first walks over the graph store.
type Traverser struct {
	store  *store.Store
	logger zerolog.Logger
}

// New creates a traverser.
func New(s *store.Store, logger zerolog.Logger) *Traverser {
	return &Traverser{store: s, logger: logger}
}

// Neighbors walks outgoing and incoming edges from nodeID breadth-first, up
// to MaxDepth hops. Cycles are tolerated via a visited set; within a depth
// level, higher-weight edges come first. Every edge below MinConfidence is
// excluded entirely.
func (t *Traverser) Neighbors(ctx context.Context, orgID, nodeID string, opts Options) ([]Neighbor, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.graph",
		"graph.neighbors",
		attribute.String("node_id", nodeID),
		attribute.Int("max_depth", opts.MaxDepth),
	)
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordGraphExpand(time.Since(start)) }()

	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 1
	}

	visited := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	var collected []Neighbor

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		edges, err := t.store.EdgesTouching(ctx, orgID, frontier, opts.Relations, opts.MinConfidence)
		if err != nil {
			return nil, err
		}

		frontierSet := make(map[string]bool, len(frontier))
		for _, id := range frontier {
			frontierSet[id] = true
		}

		type hop struct {
			nodeID   string
			relation string
			weight   float64
			outgoing bool
		}
		var level []hop
		for _, e := range edges {
			var next string
			outgoing := false
			switch {
			case frontierSet[e.SrcID] && !visited[e.DstID]:
				next = e.DstID
				outgoing = true
			case frontierSet[e.DstID] && !visited[e.SrcID]:
				next = e.SrcID
			default:
				continue
			}
			visited[next] = true
			level = append(level, hop{nodeID: next, relation: e.Relation, weight: e.Weight, outgoing: outgoing})
		}

		// Higher weight ranks first within the level; id breaks ties so the
		// order is stable across runs
		sort.SliceStable(level, func(i, j int) bool {
			if level[i].weight != level[j].weight {
				return level[i].weight > level[j].weight
			}
			return level[i].nodeID < level[j].nodeID
		})

		ids := make([]string, len(level))
		for i, h := range level {
			ids[i] = h.nodeID
		}
		nodes, err := t.store.GetNodes(ctx, orgID, ids)
		if err != nil {
			return nil, err
		}

		frontier = frontier[:0]
		for _, h := range level {
			node, ok := nodes[h.nodeID]
			if !ok {
				continue
			}
			collected = append(collected, Neighbor{
				Node:     node,
				Depth:    depth,
				Relation: h.relation,
				Weight:   h.weight,
				Outgoing: h.outgoing,
			})
			frontier = append(frontier, h.nodeID)

			if opts.Limit > 0 && len(collected) >= opts.Limit {
				return collected, nil
			}
		}
	}

	return collected, nil
}
