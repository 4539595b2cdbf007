package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mnemohq/mnemo/pkg/meta"
)

// ErrNotFound marks a lookup that matched no row within the organization.
var ErrNotFound = errors.New("not found")

// Object is a source document (ticket, thread, meeting, file, PR, doc).
type Object struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Source    string    `json:"source"`
	ForeignID string    `json:"foreign_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Lang      string    `json:"lang"`
	Meta      meta.Meta `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
}

func newID() string {
	return gonanoid.Must()
}

// UpsertObject creates the object or returns the existing row for the same
// (org, source, foreign id). Metadata is schema-validated before write.
func (s *Store) UpsertObject(ctx context.Context, obj Object) (string, error) {
	if obj.OrgID == "" {
		return "", errors.New("org id is required")
	}
	if obj.Source == "" || obj.ForeignID == "" {
		return "", errors.New("source and foreign id are required")
	}

	metaJSON, err := meta.Encode(obj.Meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := meta.ValidateBlob(metaJSON); err != nil {
		return "", err
	}

	id := obj.ID
	if id == "" {
		id = newID()
	}
	createdAt := obj.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_object (id, org_id, source, foreign_id, title, url, lang, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, source, foreign_id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			lang = excluded.lang,
			meta = excluded.meta
	`, id, obj.OrgID, obj.Source, obj.ForeignID, obj.Title, obj.URL, obj.Lang, string(metaJSON), createdAt.Unix())
	if err != nil {
		return "", fmt.Errorf("upsert object: %w", err)
	}

	// The insert may have been folded into an existing row; read back the id
	var storedID string
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM memory_object WHERE org_id = ? AND source = ? AND foreign_id = ?",
		obj.OrgID, obj.Source, obj.ForeignID,
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("read back object: %w", err)
	}
	return storedID, nil
}

// GetObject fetches an object by id, scoped to the organization.
func (s *Store) GetObject(ctx context.Context, orgID, id string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, foreign_id, title, url, lang, meta, created_at
		FROM memory_object WHERE org_id = ? AND id = ?
	`, orgID, id)
	return scanObject(row)
}

// GetObjectByKey fetches an object by its external key.
func (s *Store) GetObjectByKey(ctx context.Context, orgID, source, foreignID string) (*Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, foreign_id, title, url, lang, meta, created_at
		FROM memory_object WHERE org_id = ? AND source = ? AND foreign_id = ?
	`, orgID, source, foreignID)
	return scanObject(row)
}

// DeleteObject removes an object and, by cascade, its chunks. Index rows for
// the removed chunks are cleaned up alongside.
func (s *Store) DeleteObject(ctx context.Context, orgID, id string) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM memory_chunk WHERE object_id IN (SELECT id FROM memory_object WHERE org_id = ? AND id = ?)",
		orgID, id)
	if err != nil {
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, cid)
	}
	rows.Close()

	res, err := s.db.ExecContext(ctx, "DELETE FROM memory_object WHERE org_id = ? AND id = ?", orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, cid := range chunkIDs {
		if s.caps.Lexical {
			s.db.ExecContext(ctx, "DELETE FROM chunk_fts WHERE chunk_id = ?", cid)
		}
		if s.caps.ANN {
			s.db.ExecContext(ctx, "DELETE FROM chunk_vec WHERE chunk_id = ?", cid)
		}
	}
	return nil
}

// UpdateObjectMeta runs fn against the object's metadata inside an immediate
// transaction, serializing concurrent read-modify-write cycles on the same
// row. fn reports whether the metadata changed; unchanged metadata skips the
// write. Returns fn's verdict.
func (s *Store) UpdateObjectMeta(ctx context.Context, orgID, source, foreignID string, fn func(m *meta.Meta) bool) (bool, error) {
	// Transactions run BEGIN IMMEDIATE (_txlock=immediate), taking the write
	// lock up front so two enrichers cannot interleave their read and write
	// phases on the same row.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var metaJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT meta FROM memory_object WHERE org_id = ? AND source = ? AND foreign_id = ?",
		orgID, source, foreignID,
	).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	m, err := meta.Parse([]byte(metaJSON))
	if err != nil {
		return false, fmt.Errorf("parse stored metadata: %w", err)
	}

	changed := fn(&m)
	if !changed {
		return false, tx.Commit()
	}

	encoded, err := meta.Encode(m)
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE memory_object SET meta = ? WHERE org_id = ? AND source = ? AND foreign_id = ?",
		string(encoded), orgID, source, foreignID,
	)
	if err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// IsBusy reports whether err is a SQLite lock contention error worth
// retrying.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func scanObject(row *sql.Row) (*Object, error) {
	var obj Object
	var metaJSON string
	var createdAt int64
	err := row.Scan(&obj.ID, &obj.OrgID, &obj.Source, &obj.ForeignID, &obj.Title, &obj.URL, &obj.Lang, &metaJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	obj.Meta, err = meta.Parse([]byte(metaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse stored metadata: %w", err)
	}
	obj.CreatedAt = time.Unix(createdAt, 0)
	return &obj, nil
}
