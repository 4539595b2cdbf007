package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mnemohq/mnemo/pkg/meta"
)

// Node kinds.
const (
	KindTicket   = "ticket"
	KindThread   = "thread"
	KindMeeting  = "meeting"
	KindFile     = "file"
	KindPR       = "pr"
	KindDoc      = "doc"
	KindRun      = "run"
	KindIncident = "incident"
)

// Edge relations.
const (
	RelDiscusses   = "discusses"
	RelReferences  = "references"
	RelImplements  = "implements"
	RelFixes       = "fixes"
	RelDuplicates  = "duplicates"
	RelDerivedFrom = "derived_from"
	RelCausedBy    = "caused_by"
	RelNext        = "next"
	RelPrevious    = "previous"
)

// Node is a typed knowledge graph entity.
type Node struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Kind      string    `json:"kind"`
	ForeignID string    `json:"foreign_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"embedding,omitempty"`
	Meta      meta.Meta `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge is a directed, weighted, confidence-scored relationship between nodes.
type Edge struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	SrcID      string    `json:"src_id"`
	DstID      string    `json:"dst_id"`
	Relation   string    `json:"relation"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	Meta       meta.Meta `json:"meta"`
	CreatedAt  time.Time `json:"created_at"`
}

// ObjectNodeKey is the node foreign-id convention binding a graph node to a
// memory object: "<source>:<foreign_id>".
func ObjectNodeKey(source, foreignID string) string {
	return source + ":" + foreignID
}

// UpsertNode creates or updates a node keyed by (org, foreign id). Returns
// the stored node id.
func (s *Store) UpsertNode(ctx context.Context, n Node) (string, error) {
	if n.OrgID == "" {
		return "", errors.New("org id is required")
	}
	if n.ForeignID == "" {
		return "", errors.New("foreign id is required")
	}

	metaJSON, err := meta.Encode(n.Meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := meta.ValidateBlob(metaJSON); err != nil {
		return "", err
	}

	var embeddingJSON any
	if n.Embedding != nil {
		b, err := json.Marshal(n.Embedding)
		if err != nil {
			return "", fmt.Errorf("marshal node embedding: %w", err)
		}
		embeddingJSON = string(b)
	}

	id := n.ID
	if id == "" {
		id = newID()
	}
	now := time.Now().Unix()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_node (id, org_id, kind, foreign_id, title, summary, embedding, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, foreign_id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			summary = excluded.summary,
			embedding = COALESCE(excluded.embedding, memory_node.embedding),
			meta = excluded.meta,
			updated_at = excluded.updated_at
	`, id, n.OrgID, n.Kind, n.ForeignID, n.Title, n.Summary, embeddingJSON, string(metaJSON), now, now)
	if err != nil {
		return "", fmt.Errorf("upsert node: %w", err)
	}

	var storedID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM memory_node WHERE org_id = ? AND foreign_id = ?", n.OrgID, n.ForeignID,
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("read back node: %w", err)
	}
	return storedID, nil
}

// GetNode fetches a node by id, org-scoped.
func (s *Store) GetNode(ctx context.Context, orgID, id string) (*Node, error) {
	return s.nodeBy(ctx, "id", orgID, id)
}

// GetNodeByForeignID fetches a node by its external key, org-scoped.
func (s *Store) GetNodeByForeignID(ctx context.Context, orgID, foreignID string) (*Node, error) {
	return s.nodeBy(ctx, "foreign_id", orgID, foreignID)
}

func (s *Store) nodeBy(ctx context.Context, column, orgID, value string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, org_id, kind, foreign_id, title, summary, embedding, meta, created_at, updated_at
		FROM memory_node WHERE org_id = ? AND %s = ?
	`, column), orgID, value)

	var n Node
	var embeddingJSON sql.NullString
	var metaJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&n.ID, &n.OrgID, &n.Kind, &n.ForeignID, &n.Title, &n.Summary, &embeddingJSON, &metaJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if embeddingJSON.Valid {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &n.Embedding); err != nil {
			return nil, fmt.Errorf("parse node embedding: %w", err)
		}
	}
	n.Meta, err = meta.Parse([]byte(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse node metadata: %w", err)
	}
	n.CreatedAt = time.Unix(createdAt, 0)
	n.UpdatedAt = time.Unix(updatedAt, 0)
	return &n, nil
}

// GetNodes fetches several nodes by id, org-scoped. Missing ids are omitted.
func (s *Store) GetNodes(ctx context.Context, orgID string, ids []string) (map[string]*Node, error) {
	out := make(map[string]*Node, len(ids))
	for _, id := range ids {
		n, err := s.GetNode(ctx, orgID, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, nil
}

// DeleteNode removes a node; its edges cascade.
func (s *Store) DeleteNode(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memory_node WHERE org_id = ? AND id = ?", orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddEdge creates a directed edge, deduplicating on (src, dst, relation)
// within the organization. Weight and confidence are clamped to [0, 1].
func (s *Store) AddEdge(ctx context.Context, e Edge) (string, error) {
	if e.OrgID == "" {
		return "", errors.New("org id is required")
	}
	if e.SrcID == "" || e.DstID == "" || e.Relation == "" {
		return "", errors.New("src, dst, and relation are required")
	}

	e.Weight = clamp01(e.Weight)
	e.Confidence = clamp01(e.Confidence)

	metaJSON, err := meta.Encode(e.Meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	id := e.ID
	if id == "" {
		id = newID()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_edge (id, org_id, src_id, dst_id, relation, weight, confidence, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, src_id, dst_id, relation) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			meta = excluded.meta
	`, id, e.OrgID, e.SrcID, e.DstID, e.Relation, e.Weight, e.Confidence, string(metaJSON), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("add edge: %w", err)
	}

	var storedID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM memory_edge WHERE org_id = ? AND src_id = ? AND dst_id = ? AND relation = ?",
		e.OrgID, e.SrcID, e.DstID, e.Relation,
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("read back edge: %w", err)
	}
	return storedID, nil
}

// EdgesTouching returns edges in either direction for the given nodes,
// org-scoped, filtered by minimum confidence and optionally by relation.
func (s *Store) EdgesTouching(ctx context.Context, orgID string, nodeIDs []string, relations []string, minConfidence float64) ([]Edge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	nodePh := strings.Repeat("?,", len(nodeIDs))
	nodePh = nodePh[:len(nodePh)-1]

	query := fmt.Sprintf(`
		SELECT id, org_id, src_id, dst_id, relation, weight, confidence, meta, created_at
		FROM memory_edge
		WHERE org_id = ? AND confidence >= ? AND (src_id IN (%s) OR dst_id IN (%s))
	`, nodePh, nodePh)

	args := make([]any, 0, 2+2*len(nodeIDs)+len(relations))
	args = append(args, orgID, minConfidence)
	for _, id := range nodeIDs {
		args = append(args, id)
	}
	for _, id := range nodeIDs {
		args = append(args, id)
	}

	if len(relations) > 0 {
		relPh := strings.Repeat("?,", len(relations))
		relPh = relPh[:len(relPh)-1]
		query += fmt.Sprintf(" AND relation IN (%s)", relPh)
		for _, r := range relations {
			args = append(args, r)
		}
	}

	query += " ORDER BY weight DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var metaJSON string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.OrgID, &e.SrcID, &e.DstID, &e.Relation, &e.Weight, &e.Confidence, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Meta, err = meta.Parse([]byte(metaJSON))
		if err != nil {
			return nil, fmt.Errorf("parse edge metadata: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
