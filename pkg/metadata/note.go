package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// CreateNote inserts a markdown note attached to a knowledge base.
func (db *DB) CreateNote(ctx context.Context, n *Note) error {
	now := time.Now().UTC()
	n.CreateTime, n.UpdateTime = now, now

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO note (id, knowledge_base_id, title, content, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.KnowledgeBaseID, n.Title, n.Content, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return apperror.DB("creating note", err)
	}
	return nil
}

// GetNote fetches a single note by id.
func (db *DB) GetNote(ctx context.Context, id int64) (*Note, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, knowledge_base_id, title, content, create_time, update_time FROM note WHERE id = ?`, id)
	return scanNote(row)
}

// ListNotes returns every note for a knowledge base, newest first.
func (db *DB) ListNotes(ctx context.Context, kbID int64) ([]*Note, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, knowledge_base_id, title, content, create_time, update_time
		FROM note WHERE knowledge_base_id = ? ORDER BY id DESC`, kbID)
	if err != nil {
		return nil, apperror.DB("listing notes", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNote(row rowScanner) (*Note, error) {
	var (
		n                    Note
		title, content       sql.NullString
		createTime, updTime  string
	)

	err := row.Scan(&n.ID, &n.KnowledgeBaseID, &title, &content, &createTime, &updTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning note", err)
	}

	n.Title = title.String
	n.Content = content.String
	n.CreateTime, _ = time.Parse(time.RFC3339, createTime)
	n.UpdateTime, _ = time.Parse(time.RFC3339, updTime)
	return &n, nil
}

// UpdateNote persists a note's mutable fields.
func (db *DB) UpdateNote(ctx context.Context, n *Note) error {
	n.UpdateTime = time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE note SET title = ?, content = ?, update_time = ? WHERE id = ?`,
		n.Title, n.Content, n.UpdateTime.Format(time.RFC3339), n.ID)
	if err != nil {
		return apperror.DB("updating note", err)
	}
	return checkRowsAffected(res)
}

// DeleteNote removes a single note.
func (db *DB) DeleteNote(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM note WHERE id = ?`, id)
	if err != nil {
		return apperror.DB("deleting note", err)
	}
	return checkRowsAffected(res)
}
