package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemohq/mnemo/internal/logger"
	"github.com/mnemohq/mnemo/pkg/store"
)

const testDim = 128

// stubEmbedder returns canned vectors per text so ranking is deterministic.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *stubEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, testDim), nil
}

// axis builds a unit vector along the given dimension.
func axis(i int) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	return v
}

func openStore(t *testing.T, cfg store.Config) *store.Store {
	t.Helper()
	cfg.DBPath = filepath.Join(t.TempDir(), "retrieval.db")
	cfg.Dim = testDim
	cfg.Logger = logger.Nop()
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedEvictionScenario writes one object with two chunks. The query vector is
// near the LRU chunk and far from the circuit breaker chunk.
func seedEvictionScenario(t *testing.T, s *store.Store) (*stubEmbedder, string) {
	t.Helper()
	ctx := context.Background()

	objID, err := s.UpsertObject(ctx, store.Object{
		OrgID:     "org-a",
		Source:    "docs",
		ForeignID: "runbook-1",
		Title:     "Service runbook",
	})
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, "org-a", objID, 0, "circuit breaker opens after N failures", axis(0))
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, "org-a", objID, 1, "cache uses LRU eviction", axis(1))
	require.NoError(t, err)

	query := "how does the cache evict entries"
	emb := &stubEmbedder{vectors: map[string][]float32{query: axis(1)}}
	return emb, query
}

func TestSearch_HybridRanksRelevantChunkFirst(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
	require.Equal(t, StatusOK, resp.Status)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
	assert.True(t, resp.Results[0].Score >= resp.Results[len(resp.Results)-1].Score)
	assert.Equal(t, OriginHybrid, resp.Results[0].Origin)
}

func TestSearch_LexicalOnlyStillRanksRelevantChunk(t *testing.T) {
	s := openStore(t, store.Config{DisableANN: true})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
	require.Equal(t, StatusDegraded, resp.Status)
	assert.Contains(t, resp.Degraded, "ann index unavailable")
	assert.False(t, resp.Capabilities.ANN)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
}

func TestSearch_VectorOnlyStillRanksRelevantChunk(t *testing.T) {
	s := openStore(t, store.Config{DisableLexical: true})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
	require.Equal(t, StatusDegraded, resp.Status)
	assert.Contains(t, resp.Degraded, "lexical index unavailable")
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
}

func TestSearch_SubstringFallbackWhenBothDisabled(t *testing.T) {
	s := openStore(t, store.Config{DisableANN: true, DisableLexical: true})
	emb, _ := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-a", "LRU eviction", Filters{}, 5)
	require.Equal(t, StatusDegraded, resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
	assert.Zero(t, resp.Results[0].Score)
}

func TestSearch_EmbedderFailureDegradesToLexical(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	emb.err = errors.New("provider down")
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
	require.Equal(t, StatusDegraded, resp.Status)
	assert.Contains(t, resp.Degraded, "vector search failed")
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Text, "LRU eviction")
}

func TestSearch_MergeDeterministicAcrossRuns(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	first := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
	require.Equal(t, StatusOK, first.Status)

	for i := 0; i < 5; i++ {
		again := searcher.Search(context.Background(), "org-a", query, Filters{}, 5)
		require.Len(t, again.Results, len(first.Results))
		for j := range first.Results {
			assert.Equal(t, first.Results[j].ChunkID, again.Results[j].ChunkID)
		}
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "org-b", query, Filters{}, 5)
	assert.Empty(t, resp.Results)
}

func TestSearch_MissingOrgRejected(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(context.Background(), "", query, Filters{}, 5)
	assert.Equal(t, StatusUnavailable, resp.Status)
	assert.Empty(t, resp.Results)
}

func TestSearch_SourceFilter(t *testing.T) {
	s := openStore(t, store.Config{})
	ctx := context.Background()

	docsObj, err := s.UpsertObject(ctx, store.Object{OrgID: "org-a", Source: "docs", ForeignID: "d-1"})
	require.NoError(t, err)
	jiraObj, err := s.UpsertObject(ctx, store.Object{OrgID: "org-a", Source: "jira", ForeignID: "t-1"})
	require.NoError(t, err)

	_, err = s.WriteChunk(ctx, "org-a", docsObj, 0, "deploy pipeline overview", axis(2))
	require.NoError(t, err)
	_, err = s.WriteChunk(ctx, "org-a", jiraObj, 0, "deploy pipeline is flaky", axis(3))
	require.NoError(t, err)

	emb := &stubEmbedder{vectors: map[string][]float32{"deploy pipeline": axis(2)}}
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	resp := searcher.Search(ctx, "org-a", "deploy pipeline", Filters{Sources: []string{"jira"}}, 5)
	require.Equal(t, StatusOK, resp.Status)
	require.NotEmpty(t, resp.Results)
	for _, res := range resp.Results {
		assert.Equal(t, "jira", res.Source)
	}
}

func TestSearch_GraphExpansionAppendsSupplementaryResults(t *testing.T) {
	s := openStore(t, store.Config{})
	emb, query := seedEvictionScenario(t, s)
	ctx := context.Background()

	// Bind the object to a graph node and give it a related incident
	docNode, err := s.UpsertNode(ctx, store.Node{
		OrgID:     "org-a",
		Kind:      store.KindDoc,
		ForeignID: store.ObjectNodeKey("docs", "runbook-1"),
		Title:     "Service runbook",
	})
	require.NoError(t, err)
	incident, err := s.UpsertNode(ctx, store.Node{
		OrgID:     "org-a",
		Kind:      store.KindIncident,
		ForeignID: "pagerduty:INC-7",
		Title:     "Cache thrash incident",
		Summary:   "Eviction storm during deploy",
	})
	require.NoError(t, err)
	_, err = s.AddEdge(ctx, store.Edge{
		OrgID: "org-a", SrcID: docNode, DstID: incident,
		Relation: store.RelReferences, Weight: 0.9, Confidence: 0.9,
	})
	require.NoError(t, err)

	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})
	resp := searcher.Search(ctx, "org-a", query, Filters{Expand: true}, 5)
	require.Equal(t, StatusOK, resp.Status)

	var hybrid, graphed []Result
	for _, res := range resp.Results {
		if res.Origin == OriginGraph {
			graphed = append(graphed, res)
		} else {
			hybrid = append(hybrid, res)
		}
	}
	require.NotEmpty(t, hybrid)
	require.Len(t, graphed, 1)
	assert.Equal(t, "pagerduty:INC-7", graphed[0].ForeignID)
	assert.Equal(t, store.RelReferences, graphed[0].Relation)

	// Supplementary results come after every primary result
	assert.Equal(t, OriginGraph, resp.Results[len(resp.Results)-1].Origin)
	for _, res := range resp.Results[:len(hybrid)] {
		assert.Equal(t, OriginHybrid, res.Origin)
	}
}

func TestSearch_SetWeightsChangesRanking(t *testing.T) {
	s := openStore(t, store.Config{})
	ctx := context.Background()

	objID, err := s.UpsertObject(ctx, store.Object{OrgID: "org-a", Source: "docs", ForeignID: "d-1"})
	require.NoError(t, err)

	// Chunk 0 wins lexically, chunk 1 wins on vector similarity
	lexID, err := s.WriteChunk(ctx, "org-a", objID, 0, "eviction eviction eviction", axis(4))
	require.NoError(t, err)
	vecID, err := s.WriteChunk(ctx, "org-a", objID, 1, "cache entry removal policy", axis(5))
	require.NoError(t, err)

	emb := &stubEmbedder{vectors: map[string][]float32{"eviction": axis(5)}}
	searcher := NewSearcher(s, emb, Config{Logger: logger.Nop()})

	searcher.SetWeights(1.0, 0.0)
	resp := searcher.Search(ctx, "org-a", "eviction", Filters{}, 5)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, vecID, resp.Results[0].ChunkID)

	searcher.SetWeights(0.0, 1.0)
	resp = searcher.Search(ctx, "org-a", "eviction", Filters{}, 5)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, lexID, resp.Results[0].ChunkID)
}
