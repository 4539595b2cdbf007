// Package retrieval merges ANN and lexical candidates into one ranked result
// list, optionally expanded one hop through the knowledge graph.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mnemohq/mnemo/internal/config"
	"github.com/mnemohq/mnemo/internal/observability"
	"github.com/mnemohq/mnemo/internal/tracing"
	"github.com/mnemohq/mnemo/pkg/graph"
	"github.com/mnemohq/mnemo/pkg/store"
	"github.com/mnemohq/mnemo/pkg/vmath"
)

// Response status values. A response is always returned for recoverable
// conditions; only configuration errors are fatal.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "search_unavailable"
)

// Origin values for a result.
const (
	OriginHybrid = "hybrid"
	OriginGraph  = "graph"
)

// Embedder turns query text into a vector. *embed.Service satisfies it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Filters narrows a search.
type Filters struct {
	Sources []string `json:"sources,omitempty"` // restrict results to these source kinds
	Expand  bool     `json:"expand,omitempty"`  // append one-hop graph neighbors
}

// Result is one ranked hit with provenance and its score breakdown.
type Result struct {
	ChunkID      string      `json:"chunk_id,omitempty"`
	ObjectID     string      `json:"object_id,omitempty"`
	Source       string      `json:"source,omitempty"`
	ForeignID    string      `json:"foreign_id,omitempty"`
	Title        string      `json:"title,omitempty"`
	URL          string      `json:"url,omitempty"`
	Text         string      `json:"text,omitempty"`
	Seq          int         `json:"seq"`
	Score        float64     `json:"score"`
	VectorScore  float64     `json:"vector_score"`
	LexicalScore float64     `json:"lexical_score"`
	Origin       string      `json:"origin"`
	Node         *store.Node `json:"node,omitempty"`     // set for graph-expanded results
	Relation     string      `json:"relation,omitempty"` // edge relation that reached a graph result
	CreatedAt    time.Time   `json:"created_at"`
}

// Response is what Search always returns, possibly empty or degraded.
type Response struct {
	Results      []Result           `json:"results"`
	Status       string             `json:"status"`
	Capabilities store.Capabilities `json:"capabilities"`
	Degraded     []string           `json:"degraded,omitempty"` // reasons, when status is not ok
}

// Config holds searcher tuning. Zero values fall back to defaults.
type Config struct {
	VectorWeight  float64
	LexicalWeight float64
	PoolFactor    int // candidate pool = factor * limit
	GraphDepth    int
	MinConfidence float64
	MaxNeighbors  int // graph neighbors appended per search
	Logger        zerolog.Logger
}

// Searcher runs hybrid searches against a dual-index store.
type Searcher struct {
	store     *store.Store
	embedder  Embedder
	traverser *graph.Traverser
	logger    zerolog.Logger

	mu            sync.RWMutex // guards the weights, hot-reloadable
	vectorWeight  float64
	lexicalWeight float64

	poolFactor    int
	graphDepth    int
	minConfidence float64
	maxNeighbors  int
}

// NewSearcher creates a searcher over the given store and embedder.
func NewSearcher(s *store.Store, embedder Embedder, cfg Config) *Searcher {
	observability.EnsureRegistered()

	defaults := config.DefaultConfig()
	if cfg.VectorWeight <= 0 && cfg.LexicalWeight <= 0 {
		cfg.VectorWeight = defaults.Retrieval.VectorWeight
		cfg.LexicalWeight = defaults.Retrieval.LexicalWeight
	}
	if cfg.PoolFactor <= 0 {
		cfg.PoolFactor = defaults.Retrieval.PoolFactor
	}
	if cfg.GraphDepth <= 0 {
		cfg.GraphDepth = defaults.Graph.MaxDepth
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaults.Graph.MinConfidence
	}
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = defaults.Graph.MaxNeighbors
	}

	return &Searcher{
		store:         s,
		embedder:      embedder,
		traverser:     graph.New(s, cfg.Logger),
		logger:        cfg.Logger.With().Str("component", "retrieval").Logger(),
		vectorWeight:  cfg.VectorWeight,
		lexicalWeight: cfg.LexicalWeight,
		poolFactor:    cfg.PoolFactor,
		graphDepth:    cfg.GraphDepth,
		minConfidence: cfg.MinConfidence,
		maxNeighbors:  cfg.MaxNeighbors,
	}
}

// SetWeights swaps the merge weights at runtime. The config watcher calls
// this on reload so ranking changes do not need a restart.
func (r *Searcher) SetWeights(vector, lexical float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectorWeight = vector
	r.lexicalWeight = lexical
	r.logger.Info().
		Float64("vector_weight", vector).
		Float64("lexical_weight", lexical).
		Msg("Merge weights updated")
}

func (r *Searcher) weights() (float64, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vectorWeight, r.lexicalWeight
}

// Search runs the ANN and lexical queries concurrently, normalizes and merges
// the candidate sets, and optionally appends one-hop graph neighbors. It
// returns a response rather than an error for every recoverable condition;
// a caller-supplied deadline yields partial results flagged degraded.
func (r *Searcher) Search(ctx context.Context, orgID, query string, filters Filters, limit int) *Response {
	ctx = tracing.EnsureTraceID(tracing.WithOrgID(ctx, orgID))
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.retrieval",
		"retrieval.search",
		attribute.String("org_id", orgID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	if limit <= 0 {
		limit = 10
	}
	pool := limit * r.poolFactor

	caps := r.store.Capabilities()
	resp := &Response{Status: StatusOK, Capabilities: caps}

	if orgID == "" {
		// A missing tenant filter is a data leak, not a soft failure
		resp.Status = StatusUnavailable
		resp.Degraded = append(resp.Degraded, "org_id is required")
		observability.RecordSearch(resp.Status, true)
		return resp
	}

	if !caps.ANN && !caps.Lexical {
		return r.searchSubstring(ctx, logger, resp, orgID, query, limit)
	}

	var (
		wg       sync.WaitGroup
		vecCands []store.Candidate
		lexCands []store.Candidate
		vecErr   error
		lexErr   error
	)

	// The two paths run independently so a failure in one never cancels
	// the other
	if caps.ANN {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			defer func() { observability.RecordSearchStage("ann", time.Since(start)) }()

			queryVec, err := r.embedder.EmbedText(ctx, query)
			if err != nil {
				vecErr = err
				return
			}
			vecCands, vecErr = r.store.SearchVector(ctx, orgID, queryVec, pool)
		}()
	}
	if caps.Lexical {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			defer func() { observability.RecordSearchStage("lexical", time.Since(start)) }()

			lexCands, lexErr = r.store.SearchLexical(ctx, orgID, query, pool)
		}()
	}
	wg.Wait()

	if !caps.ANN {
		resp.Degraded = append(resp.Degraded, "ann index unavailable")
	} else if vecErr != nil {
		logger.Warn().Err(vecErr).Msg("Vector search path failed")
		resp.Degraded = append(resp.Degraded, "vector search failed")
		vecCands = nil
	}
	if !caps.Lexical {
		resp.Degraded = append(resp.Degraded, "lexical index unavailable")
	} else if lexErr != nil {
		logger.Warn().Err(lexErr).Msg("Lexical search path failed")
		resp.Degraded = append(resp.Degraded, "lexical search failed")
		lexCands = nil
	}

	if len(resp.Degraded) > 0 {
		resp.Status = StatusDegraded
		for _, reason := range resp.Degraded {
			observability.RecordSearchDegraded(reason)
		}
	}
	if vecErr != nil && lexErr != nil {
		// Both live paths broke at runtime, nothing to rank
		resp.Status = StatusUnavailable
		resp.Results = []Result{}
		observability.RecordSearch(resp.Status, true)
		return resp
	}

	rerankStart := time.Now()
	merged := r.merge(vecCands, lexCands)
	results, err := r.hydrate(ctx, orgID, merged, filters, limit)
	observability.RecordSearchStage("rerank", time.Since(rerankStart))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load result details")
		resp.Status = StatusDegraded
		resp.Degraded = append(resp.Degraded, "result hydration failed")
		resp.Results = []Result{}
		observability.RecordSearch(resp.Status, true)
		return resp
	}
	resp.Results = results

	if filters.Expand && len(results) > 0 {
		resp.Results = r.expand(ctx, logger, orgID, results)
	}

	if ctx.Err() != nil && resp.Status == StatusOK {
		resp.Status = StatusDegraded
		resp.Degraded = append(resp.Degraded, "deadline exceeded, partial results")
	}

	logger.Debug().
		Int("results", len(resp.Results)).
		Str("status", resp.Status).
		Msg("Search complete")
	observability.RecordSearch(resp.Status, len(resp.Results) == 0)
	return resp
}

// merged is a chunk's combined score with its normalized components.
type scored struct {
	chunkID  string
	combined float64
	vector   float64
	lexical  float64
}

// merge min-max normalizes each candidate list independently and combines
// them by chunk identity with the configured weights. A chunk present in one
// list only contributes its single normalized score scaled by that list's
// weight.
func (r *Searcher) merge(vecCands, lexCands []store.Candidate) []scored {
	vw, lw := r.weights()

	vecScores := make(map[string]float64, len(vecCands))
	for _, c := range vecCands {
		vecScores[c.ChunkID] = c.Score
	}
	lexScores := make(map[string]float64, len(lexCands))
	for _, c := range lexCands {
		lexScores[c.ChunkID] = c.Score
	}
	vecNorm := vmath.MinMax(vecScores)
	lexNorm := vmath.MinMax(lexScores)

	out := make([]scored, 0, len(vecNorm)+len(lexNorm))
	seen := make(map[string]bool, len(vecNorm))
	for id, v := range vecNorm {
		s := scored{chunkID: id, vector: v, combined: vw * v}
		if l, ok := lexNorm[id]; ok {
			s.lexical = l
			s.combined += lw * l
		}
		out = append(out, s)
		seen[id] = true
	}
	for id, l := range lexNorm {
		if seen[id] {
			continue
		}
		out = append(out, scored{chunkID: id, lexical: l, combined: lw * l})
	}
	return out
}

// hydrate loads chunk provenance, applies source filters, orders
// deterministically, and truncates to limit. Ties on combined score break by
// created_at descending then chunk id ascending.
func (r *Searcher) hydrate(ctx context.Context, orgID string, merged []scored, filters Filters, limit int) ([]Result, error) {
	ids := make([]string, len(merged))
	for i, s := range merged {
		ids[i] = s.chunkID
	}
	details, err := r.store.ChunkDetails(ctx, orgID, ids)
	if err != nil {
		return nil, err
	}

	var allow map[string]bool
	if len(filters.Sources) > 0 {
		allow = make(map[string]bool, len(filters.Sources))
		for _, src := range filters.Sources {
			allow[strings.ToLower(src)] = true
		}
	}

	results := make([]Result, 0, len(merged))
	for _, s := range merged {
		d, ok := details[s.chunkID]
		if !ok {
			continue
		}
		if allow != nil && !allow[strings.ToLower(d.Source)] {
			continue
		}
		results = append(results, Result{
			ChunkID:      d.ChunkID,
			ObjectID:     d.ObjectID,
			Source:       d.Source,
			ForeignID:    d.ForeignID,
			Title:        d.Title,
			URL:          d.URL,
			Text:         d.Text,
			Seq:          d.Seq,
			Score:        s.combined,
			VectorScore:  s.vector,
			LexicalScore: s.lexical,
			Origin:       OriginHybrid,
			CreatedAt:    d.CreatedAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// expand appends up to maxNeighbors one-hop graph neighbors of the primary
// results as supplementary entries. Primary results are never displaced and
// expansion failures only log.
func (r *Searcher) expand(ctx context.Context, logger zerolog.Logger, orgID string, primary []Result) []Result {
	start := time.Now()
	defer func() { observability.RecordSearchStage("graph_expand", time.Since(start)) }()

	seenNodes := make(map[string]bool)
	seenObjects := make(map[string]bool, len(primary))
	for _, res := range primary {
		seenObjects[store.ObjectNodeKey(res.Source, res.ForeignID)] = true
	}

	out := primary
	for _, res := range primary {
		if len(out)-len(primary) >= r.maxNeighbors {
			break
		}
		node, err := r.store.GetNodeByForeignID(ctx, orgID, store.ObjectNodeKey(res.Source, res.ForeignID))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn().Err(err).Str("chunk_id", res.ChunkID).Msg("Node lookup failed during expansion")
			}
			continue
		}

		neighbors, err := r.traverser.Neighbors(ctx, orgID, node.ID, graph.Options{
			MaxDepth:      r.graphDepth,
			MinConfidence: r.minConfidence,
			Limit:         r.maxNeighbors,
		})
		if err != nil {
			logger.Warn().Err(err).Str("node_id", node.ID).Msg("Graph expansion failed")
			continue
		}

		for _, n := range neighbors {
			if seenNodes[n.Node.ID] || seenObjects[n.Node.ForeignID] {
				continue
			}
			seenNodes[n.Node.ID] = true
			out = append(out, Result{
				Source:    n.Node.Kind,
				ForeignID: n.Node.ForeignID,
				Title:     n.Node.Title,
				Text:      n.Node.Summary,
				Origin:    OriginGraph,
				Node:      n.Node,
				Relation:  n.Relation,
				CreatedAt: n.Node.CreatedAt,
			})
			if len(out)-len(primary) >= r.maxNeighbors {
				return out
			}
		}
	}
	return out
}

// searchSubstring is the last-resort path when neither index exists. Results
// are score-free and ordered by recency.
func (r *Searcher) searchSubstring(ctx context.Context, logger zerolog.Logger, resp *Response, orgID, query string, limit int) *Response {
	resp.Status = StatusDegraded
	resp.Degraded = append(resp.Degraded, "ann index unavailable", "lexical index unavailable")
	observability.RecordSearchDegraded("substring fallback")

	cands, err := r.store.SearchSubstring(ctx, orgID, query, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Substring fallback failed")
		resp.Status = StatusUnavailable
		resp.Results = []Result{}
		observability.RecordSearch(resp.Status, true)
		return resp
	}

	merged := make([]scored, len(cands))
	for i, c := range cands {
		merged[i] = scored{chunkID: c.ChunkID}
	}
	results, err := r.hydrate(ctx, orgID, merged, Filters{}, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load result details")
		resp.Status = StatusUnavailable
		resp.Results = []Result{}
		observability.RecordSearch(resp.Status, true)
		return resp
	}
	// hydrate sorts by score; substring candidates are all score zero so the
	// recency tie-break preserves the store's ordering
	resp.Results = results
	observability.RecordSearch(resp.Status, len(results) == 0)
	return resp
}
