// Package vectorstore implements a fixed-schema vector table:
// cosine-similarity search with chain-linked
// neighbor segments for context expansion. No example repo in the
// retrieved corpus embeds a vector-search library that runs in-process
// without an external server (qdrant/go-client requires one), so the
// table is implemented directly on modernc.org/sqlite with Go-side
// cosine math, grounded on the teacher's pkg/rag/database/database.go
// CosineSimilarity/SortByScore helpers.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/sqliteutil"
)

// Dimension is the fixed vector width every row must carry.
const Dimension = 512

// compactThreshold is the per-table insert count that triggers
// compact+prune.
const compactThreshold = 20

// ContentType distinguishes text segments from image segments.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// ContentRef is the optional JSON payload accompanying a segment,
// carrying snapshot image paths or source URLs.
type ContentRef struct {
	Images []string `json:"images,omitempty"`
	URLs   string   `json:"urls,omitempty"`
}

// VectorRow is one text segment in the fixed schema.
type VectorRow struct {
	ID         int64
	Prev       *int64
	Next       *int64
	Vector     [Dimension]float32
	Content    string
	ContentType ContentType
	ContentRef *ContentRef
	Payload    *string
	BatchID    string
	CreateTime int64
}

// AddRecordRequest is one segment to insert; ids and chain pointers are
// assigned by AddRecords.
type AddRecordRequest struct {
	Vector      [Dimension]float32
	Content     string
	ContentType ContentType
	ContentRef  *ContentRef
	Payload     *string
	BatchID     string
}

// Store owns one vector-table database file, typically one per
// knowledge base (paths.VectorDB).
type Store struct {
	conn           *sql.DB
	insertCounters map[string]int
}

// Open opens (creating if necessary) the vector database at path.
func Open(path string) (*Store, error) {
	conn, err := sqliteutil.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	return &Store{conn: conn, insertCounters: map[string]int{}}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func quoteTable(name string) (string, error) {
	if !tableNamePattern.MatchString(name) {
		return "", apperror.Business(fmt.Sprintf("invalid table name %q", name), nil)
	}
	return `"` + name + `"`, nil
}

// CreateEmptyTable creates a new, empty vector table.
func (s *Store) CreateEmptyTable(ctx context.Context, name string) error {
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY,
			prev INTEGER,
			next INTEGER,
			vector BLOB NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content_ref TEXT,
			payload TEXT,
			batch_id TEXT NOT NULL,
			create_time INTEGER NOT NULL
		)`, tbl))
	if err != nil {
		return apperror.DB("creating vector table", err)
	}

	_, err = s.conn.ExecContext(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(batch_id)`,
		`"idx_`+name+`_batch"`, tbl))
	if err != nil {
		return apperror.DB("creating vector table index", err)
	}
	return nil
}

// DropTable removes a vector table entirely.
func (s *Store) DropTable(ctx context.Context, name string) error {
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tbl)); err != nil {
		return apperror.DB("dropping vector table", err)
	}
	delete(s.insertCounters, name)
	return nil
}

func encodeVector(v [Dimension]float32) []byte {
	buf := make([]byte, Dimension*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([Dimension]float32, error) {
	var v [Dimension]float32
	if len(buf) != Dimension*4 {
		return v, fmt.Errorf("expected %d bytes, got %d", Dimension*4, len(buf))
	}
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// AddRecords assigns sequential ids and chain pointers to recs (which
// must already share a single batch and dimension) and inserts them in
// one transaction. After insertion it increments a per-table counter;
// reaching compactThreshold triggers Compact then Prune(0).
func (s *Store) AddRecords(ctx context.Context, name string, recs []AddRecordRequest) error {
	if len(recs) == 0 {
		return nil
	}
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.DB("beginning vector insert", err)
	}

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(id) FROM %s`, tbl)).Scan(&maxID); err != nil {
		tx.Rollback()
		return apperror.DB("reading max vector id", err)
	}
	nextID := maxID.Int64 + 1

	now := time.Now().UnixMilli()
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, prev, next, vector, content, content_type, content_ref, payload, batch_id, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tbl))
	if err != nil {
		tx.Rollback()
		return apperror.DB("preparing vector insert", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		id := nextID + int64(i)

		var prev, next *int64
		if i > 0 {
			p := id - 1
			prev = &p
		}
		if i < len(recs)-1 {
			n := id + 1
			next = &n
		}

		var refJSON any
		if r.ContentRef != nil {
			b, err := json.Marshal(r.ContentRef)
			if err != nil {
				tx.Rollback()
				return apperror.System("marshaling content ref", err)
			}
			refJSON = string(b)
		}

		var payload any
		if r.Payload != nil {
			payload = *r.Payload
		}

		if _, err := stmt.ExecContext(ctx, id, prev, next, encodeVector(r.Vector), r.Content,
			string(r.ContentType), refJSON, payload, r.BatchID, now); err != nil {
			tx.Rollback()
			return apperror.DB("inserting vector row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperror.DB("committing vector insert", err)
	}

	s.insertCounters[name] += len(recs)
	if s.insertCounters[name] >= compactThreshold {
		s.insertCounters[name] = 0
		if err := s.Compact(ctx, name); err != nil {
			return err
		}
		if err := s.Prune(ctx, name, 0); err != nil {
			return err
		}
	}
	return nil
}

// Compact reclaims storage by running SQLite's VACUUM over the whole
// database file; name is not used.
func (s *Store) Compact(ctx context.Context, name string) error {
	if _, err := s.conn.ExecContext(ctx, `VACUUM`); err != nil {
		return apperror.DB("compacting vector store", err)
	}
	return nil
}

// Prune does nothing and always returns nil; retention is not used.
// Rows leave the table only through DeleteRecords and
// DeleteRecordsByBatchID.
func (s *Store) Prune(ctx context.Context, name string, retention int) error {
	return nil
}

// DeleteRecords removes rows by id. No-op on empty input.
func (s *Store) DeleteRecords(ctx context.Context, name string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	_, err = s.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, tbl, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return apperror.DB("deleting vector rows", err)
	}
	return nil
}

// DeleteRecordsByBatchID removes every row belonging to any of batchIDs.
// No-op on empty input.
func (s *Store) DeleteRecordsByBatchID(ctx context.Context, name string, batchIDs []string) error {
	if len(batchIDs) == 0 {
		return nil
	}
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}

	placeholders := make([]string, len(batchIDs))
	args := make([]any, len(batchIDs))
	for i, b := range batchIDs {
		placeholders[i] = "?"
		args[i] = b
	}

	_, err = s.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE batch_id IN (%s)`, tbl, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return apperror.DB("deleting vector rows by batch", err)
	}
	return nil
}

// UpdateRecord partially updates a row's vector and/or payload. Returns
// ErrInvalidParameter if the row doesn't exist, or if both fields are nil
// for a nonexistent id; a no-op update on an existing row with both
// fields nil is allowed.
func (s *Store) UpdateRecord(ctx context.Context, name string, id int64, vector *[Dimension]float32, payload *string) error {
	tbl, err := quoteTable(name)
	if err != nil {
		return err
	}

	var exists int
	err = s.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, tbl), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return apperror.ErrInvalidParameter
	}
	if err != nil {
		return apperror.DB("checking vector row existence", err)
	}

	if vector == nil && payload == nil {
		return nil
	}

	if vector != nil && payload != nil {
		_, err = s.conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET vector = ?, payload = ? WHERE id = ?`, tbl),
			encodeVector(*vector), *payload, id)
	} else if vector != nil {
		_, err = s.conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET vector = ? WHERE id = ?`, tbl),
			encodeVector(*vector), id)
	} else {
		_, err = s.conn.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET payload = ? WHERE id = ?`, tbl),
			*payload, id)
	}
	if err != nil {
		return apperror.DB("updating vector row", err)
	}
	return nil
}

// SearchRequest describes one search call against a vector table.
type SearchRequest struct {
	Vector       *[Dimension]float32
	ID           *int64
	BatchID      *string
	MinScore     float64
	Limit        int
	ContextSize  int
}

// SearchHit is one scored result, with Content already expanded with
// neighbor segments when ContextSize > 0.
type SearchHit struct {
	Row   VectorRow
	Score *float64
}

// Search runs the table's similarity search algorithm: distance->score
// conversion, context expansion via chain walk, and descending-score /
// ascending-id sort.
func (s *Store) Search(ctx context.Context, name string, req SearchRequest) ([]SearchHit, error) {
	tbl, err := quoteTable(name)
	if err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if req.ID != nil {
		where = append(where, "id = ?")
		args = append(args, *req.ID)
	}
	if req.BatchID != nil {
		where = append(where, "batch_id = ?")
		args = append(args, *req.BatchID)
	}

	query := fmt.Sprintf(`SELECT id, prev, next, vector, content, content_type, content_ref, payload, batch_id, create_time FROM %s`, tbl)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.DB("searching vector store", err)
	}
	defer rows.Close()

	all, err := scanVectorRows(rows)
	if err != nil {
		return nil, err
	}

	isVectorSearch := req.Vector != nil
	var hits []SearchHit

	if isVectorSearch {
		maxDistance := (1 - req.MinScore) * 2
		for _, row := range all {
			d := cosineDistance(*req.Vector, row.Vector)
			if d > maxDistance {
				continue
			}
			score := 1 - d/2
			hits = append(hits, SearchHit{Row: row, Score: &score})
		}
	} else {
		for _, row := range all {
			hits = append(hits, SearchHit{Row: row, Score: nil})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Score, hits[j].Score
		if si == nil || sj == nil {
			return hits[i].Row.ID < hits[j].Row.ID
		}
		if *si != *sj {
			return *si > *sj
		}
		return hits[i].Row.ID < hits[j].Row.ID
	})

	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	if req.ContextSize > 0 {
		byID := make(map[int64]VectorRow, len(all))
		for _, row := range all {
			byID[row.ID] = row
		}
		for i := range hits {
			hits[i].Row.Content = expandContext(hits[i].Row, byID, req.ContextSize)
		}
	}

	return hits, nil
}

// expandContext concatenates neighbor segments' content by chain
// distance: prev segments prepended, next appended, in id order.
func expandContext(row VectorRow, byID map[int64]VectorRow, size int) string {
	var before, after []string

	cur := row.Prev
	for i := 0; i < size && cur != nil; i++ {
		neighbor, ok := byID[*cur]
		if !ok {
			break
		}
		before = append([]string{neighbor.Content}, before...)
		cur = neighbor.Prev
	}

	cur = row.Next
	for i := 0; i < size && cur != nil; i++ {
		neighbor, ok := byID[*cur]
		if !ok {
			break
		}
		after = append(after, neighbor.Content)
		cur = neighbor.Next
	}

	parts := append(before, row.Content)
	parts = append(parts, after...)
	return strings.Join(parts, "")
}

func scanVectorRows(rows *sql.Rows) ([]VectorRow, error) {
	var out []VectorRow
	for rows.Next() {
		var (
			row                         VectorRow
			prev, next                  sql.NullInt64
			vecBlob                     []byte
			contentType                 string
			contentRef, payload         sql.NullString
		)

		if err := rows.Scan(&row.ID, &prev, &next, &vecBlob, &row.Content, &contentType,
			&contentRef, &payload, &row.BatchID, &row.CreateTime); err != nil {
			return nil, apperror.DB("scanning vector row", err)
		}

		if prev.Valid {
			v := prev.Int64
			row.Prev = &v
		}
		if next.Valid {
			v := next.Int64
			row.Next = &v
		}
		row.ContentType = ContentType(contentType)
		if payload.Valid {
			p := payload.String
			row.Payload = &p
		}
		if contentRef.Valid {
			var ref ContentRef
			if err := json.Unmarshal([]byte(contentRef.String), &ref); err != nil {
				return nil, apperror.System("decoding content ref", err)
			}
			row.ContentRef = &ref
		}

		vec, err := decodeVector(vecBlob)
		if err != nil {
			return nil, apperror.System("decoding vector", err)
		}
		row.Vector = vec

		out = append(out, row)
	}
	return out, rows.Err()
}

// cosineDistance returns 1 - cosine_similarity, matching the "cosine
// distance" terminology. Grounded on the teacher's
// CosineSimilarity helper, adapted to fixed-size float32 arrays.
func cosineDistance(a, b [Dimension]float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - similarity
}
