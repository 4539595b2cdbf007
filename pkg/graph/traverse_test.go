package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemohq/mnemo/internal/logger"
	"github.com/mnemohq/mnemo/pkg/store"
)

func newTestGraph(t *testing.T) (*Traverser, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{
		DBPath: filepath.Join(t.TempDir(), "graph.db"),
		Dim:    128,
		Logger: logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, logger.Nop()), s
}

func addNode(t *testing.T, s *store.Store, orgID, kind, foreignID string) string {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), store.Node{
		OrgID:     orgID,
		Kind:      kind,
		ForeignID: foreignID,
		Title:     foreignID,
	})
	require.NoError(t, err)
	return id
}

func addEdge(t *testing.T, s *store.Store, orgID, src, dst, relation string, weight, confidence float64) {
	t.Helper()
	_, err := s.AddEdge(context.Background(), store.Edge{
		OrgID:      orgID,
		SrcID:      src,
		DstID:      dst,
		Relation:   relation,
		Weight:     weight,
		Confidence: confidence,
	})
	require.NoError(t, err)
}

func TestNeighbors_OneHopBothDirections(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	ticket := addNode(t, s, "org-a", store.KindTicket, "jira:T-1")
	pr := addNode(t, s, "org-a", store.KindPR, "github:42")
	thread := addNode(t, s, "org-a", store.KindThread, "slack:C1.100")

	addEdge(t, s, "org-a", pr, ticket, store.RelFixes, 0.9, 0.9)
	addEdge(t, s, "org-a", ticket, thread, store.RelDiscusses, 0.5, 0.9)

	got, err := tr.Neighbors(ctx, "org-a", ticket, Options{MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Weight order within the level: fixes (0.9) before discusses (0.5)
	assert.Equal(t, pr, got[0].Node.ID)
	assert.Equal(t, store.RelFixes, got[0].Relation)
	assert.False(t, got[0].Outgoing)
	assert.Equal(t, thread, got[1].Node.ID)
	assert.True(t, got[1].Outgoing)
	for _, n := range got {
		assert.Equal(t, 1, n.Depth)
	}
}

func TestNeighbors_MaxDepthBoundsWalk(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	a := addNode(t, s, "org-a", store.KindTicket, "jira:A")
	b := addNode(t, s, "org-a", store.KindPR, "github:B")
	c := addNode(t, s, "org-a", store.KindDoc, "docs:C")

	addEdge(t, s, "org-a", a, b, store.RelReferences, 0.8, 0.9)
	addEdge(t, s, "org-a", b, c, store.RelReferences, 0.8, 0.9)

	got, err := tr.Neighbors(ctx, "org-a", a, Options{MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].Node.ID)

	got, err = tr.Neighbors(ctx, "org-a", a, Options{MaxDepth: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, c, got[1].Node.ID)
	assert.Equal(t, 2, got[1].Depth)
}

func TestNeighbors_CycleTerminates(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	a := addNode(t, s, "org-a", store.KindTicket, "jira:A")
	b := addNode(t, s, "org-a", store.KindTicket, "jira:B")

	addEdge(t, s, "org-a", a, b, store.RelDuplicates, 0.8, 0.9)
	addEdge(t, s, "org-a", b, a, store.RelDuplicates, 0.8, 0.9)

	got, err := tr.Neighbors(ctx, "org-a", a, Options{MaxDepth: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].Node.ID)
}

func TestNeighbors_ConfidenceAndRelationFilters(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	a := addNode(t, s, "org-a", store.KindTicket, "jira:A")
	strong := addNode(t, s, "org-a", store.KindPR, "github:strong")
	weak := addNode(t, s, "org-a", store.KindPR, "github:weak")
	doc := addNode(t, s, "org-a", store.KindDoc, "docs:D")

	addEdge(t, s, "org-a", a, strong, store.RelFixes, 0.9, 0.9)
	addEdge(t, s, "org-a", a, weak, store.RelFixes, 0.9, 0.2)
	addEdge(t, s, "org-a", a, doc, store.RelReferences, 0.9, 0.9)

	got, err := tr.Neighbors(ctx, "org-a", a, Options{MinConfidence: 0.5})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = tr.Neighbors(ctx, "org-a", a, Options{MinConfidence: 0.5, Relations: []string{store.RelFixes}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, strong, got[0].Node.ID)
}

func TestNeighbors_LimitStopsEarly(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	a := addNode(t, s, "org-a", store.KindTicket, "jira:A")
	for i, fid := range []string{"github:1", "github:2", "github:3"} {
		n := addNode(t, s, "org-a", store.KindPR, fid)
		addEdge(t, s, "org-a", a, n, store.RelReferences, 0.9-float64(i)*0.1, 0.9)
	}

	got, err := tr.Neighbors(ctx, "org-a", a, Options{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNeighbors_TenantIsolation(t *testing.T) {
	tr, s := newTestGraph(t)
	ctx := context.Background()

	a := addNode(t, s, "org-a", store.KindTicket, "jira:A")
	b := addNode(t, s, "org-a", store.KindPR, "github:B")
	addEdge(t, s, "org-a", a, b, store.RelFixes, 0.9, 0.9)

	got, err := tr.Neighbors(ctx, "org-b", a, Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
