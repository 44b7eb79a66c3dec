package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// CreateImportRecord inserts a record in StatusWaiting. The ingestion
// pipeline transitions it through importing to a terminal state via
// MarkImportRecordStarted and FinishImportRecord.
func (db *DB) CreateImportRecord(ctx context.Context, r *ImportRecord) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO import_record
			(id, knowledge_base_id, source, title, file_path, file_size,
			 file_content_type, file_content_extract_type, status, status_msg, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.KnowledgeBaseID, string(r.Source), r.Title, r.FilePath, r.FileSize,
		string(r.FileContentType), string(r.FileContentExtractType), string(r.Status), r.StatusMsg,
		nullableTime(r.StartTime), nullableTime(r.EndTime))
	if err != nil {
		return apperror.DB("creating import record", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

// GetImportRecord fetches a single import record by id.
func (db *DB) GetImportRecord(ctx context.Context, id int64) (*ImportRecord, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, knowledge_base_id, source, title, file_path, file_size,
		       file_content_type, file_content_extract_type, status, status_msg, start_time, end_time
		FROM import_record WHERE id = ?`, id)
	return scanImportRecord(row)
}

// ListImportRecords returns every import record for a knowledge base,
// newest first.
func (db *DB) ListImportRecords(ctx context.Context, kbID int64) ([]*ImportRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, knowledge_base_id, source, title, file_path, file_size,
		       file_content_type, file_content_extract_type, status, status_msg, start_time, end_time
		FROM import_record WHERE knowledge_base_id = ? ORDER BY id DESC`, kbID)
	if err != nil {
		return nil, apperror.DB("listing import records", err)
	}
	defer rows.Close()

	var out []*ImportRecord
	for rows.Next() {
		r, err := scanImportRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanImportRecord(row rowScanner) (*ImportRecord, error) {
	var (
		r                          ImportRecord
		source, contentType, ex    string
		status, statusMsg         sql.NullString
		startTime, endTime        sql.NullString
	)

	err := row.Scan(&r.ID, &r.KnowledgeBaseID, &source, &r.Title, &r.FilePath, &r.FileSize,
		&contentType, &ex, &status, &statusMsg, &startTime, &endTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning import record", err)
	}

	r.Source = ImportSource(source)
	r.FileContentType = FileContentType(contentType)
	r.FileContentExtractType = ExtractType(ex)
	r.Status = ImportStatus(status.String)
	r.StatusMsg = statusMsg.String
	if startTime.Valid {
		r.StartTime, _ = time.Parse(time.RFC3339, startTime.String)
	}
	if endTime.Valid {
		r.EndTime, _ = time.Parse(time.RFC3339, endTime.String)
	}

	return &r, nil
}

// GetImportRecordsByIDs resolves many import records in one query,
// keyed by id, for callers (e.g. the search aggregator) that need to
// attach owning records to a batch of vector hits without a query per
// hit. Missing ids are simply absent from the result map.
func (db *DB) GetImportRecordsByIDs(ctx context.Context, ids []int64) (map[int64]*ImportRecord, error) {
	out := make(map[int64]*ImportRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `SELECT id, knowledge_base_id, source, title, file_path, file_size,
	                 file_content_type, file_content_extract_type, status, status_msg, start_time, end_time
	          FROM import_record WHERE id IN (` + strings.Join(placeholders, ",") + `)`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.DB("batch-resolving import records", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanImportRecord(rows)
		if err != nil {
			return nil, err
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// UpdateImportRecordStatus transitions an import record's lifecycle
// state, recording a message and, for terminal states, an end time. The
// ingestion pipeline does not use it; it goes through
// MarkImportRecordStarted and FinishImportRecord.
func (db *DB) UpdateImportRecordStatus(ctx context.Context, id int64, status ImportStatus, msg string) error {
	var endTime any
	if status == StatusSuccess || status == StatusFailed {
		endTime = time.Now().UTC().Format(time.RFC3339)
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE import_record SET status = ?, status_msg = ?, end_time = COALESCE(?, end_time) WHERE id = ?`,
		string(status), msg, endTime, id)
	if err != nil {
		return apperror.DB("updating import record status", err)
	}
	return checkRowsAffected(res)
}

// FinishImportRecord transitions an import record to a terminal status
// and regenerates its knowledge base's natural-language description in
// the same transaction as the status update, so a reader never observes
// one change without the other. itemTitles is every successfully
// imported source's title so far, including this one if status is
// StatusSuccess.
func (db *DB) FinishImportRecord(ctx context.Context, recordID int64, kb *KnowledgeBase, status ImportStatus, msg string, itemTitles []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.DB("beginning finish-import transaction", err)
	}
	defer tx.Rollback()

	endTime := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE import_record SET status = ?, status_msg = ?, end_time = ? WHERE id = ?`,
		string(status), msg, endTime, recordID)
	if err != nil {
		return apperror.DB("updating import record status", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	kb.NaturalLanguageDesc = DescribeKB(kb, itemTitles...)
	kb.UpdateTime = time.Now().UTC()
	cfgJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return apperror.System("marshaling knowledge base config", err)
	}
	mcpJSON, err := json.Marshal(kb.McpServerIDs)
	if err != nil {
		return apperror.System("marshaling mcp server ids", err)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE knowledge_base SET natural_language_description = ?, config = ?, mcp_server_ids = ?, update_time = ? WHERE id = ?`,
		kb.NaturalLanguageDesc, string(cfgJSON), string(mcpJSON), kb.UpdateTime.Format(time.RFC3339), kb.ID)
	if err != nil {
		return apperror.DB("regenerating knowledge base description", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

// MarkImportRecordStarted records the importing-state start time.
func (db *DB) MarkImportRecordStarted(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE import_record SET status = ?, start_time = ? WHERE id = ?`,
		string(StatusImporting), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return apperror.DB("marking import record started", err)
	}
	return checkRowsAffected(res)
}

// RecoverStuckImportRecords transitions every record left in
// StatusImporting (meaning the process died mid-ingest) to StatusFailed,
// mirroring RecoverPendingMessages for chat messages. Nothing in this
// module calls it at startup.
func (db *DB) RecoverStuckImportRecords(ctx context.Context, kbID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE import_record SET status = ?, status_msg = ?, end_time = ?
		 WHERE knowledge_base_id = ? AND status = ?`,
		string(StatusFailed), "interrupted by restart", time.Now().UTC().Format(time.RFC3339),
		kbID, string(StatusImporting))
	if err != nil {
		return 0, apperror.DB("recovering stuck import records", err)
	}
	return res.RowsAffected()
}

// DeleteImportRecord removes the metadata row. The caller (pkg/ingestion)
// is responsible for first removing the record's vector rows and any
// relational table it created.
func (db *DB) DeleteImportRecord(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM import_record WHERE id = ?`, id)
	if err != nil {
		return apperror.DB("deleting import record", err)
	}
	return checkRowsAffected(res)
}
