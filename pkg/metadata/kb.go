package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// CreateKnowledgeBase inserts a new knowledge base. Callers are expected
// to have already assigned kb.ID via idgen and kb.TableName as an opaque
// handle (e.g. "kb_<id>"), never derived from user input.
func (db *DB) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	now := time.Now().UTC()
	kb.CreateTime, kb.UpdateTime = now, now

	cfgJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return apperror.System("marshaling knowledge base config", err)
	}
	mcpJSON, err := json.Marshal(kb.McpServerIDs)
	if err != nil {
		return apperror.System("marshaling mcp server ids", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO knowledge_base
			(id, name, table_name, natural_language_description, config, mcp_server_ids,
			 model_id, file_content_extract_type, file_content_vision_model_id, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		kb.ID, kb.Name, kb.TableName, kb.NaturalLanguageDesc, string(cfgJSON), string(mcpJSON),
		kb.ModelID, string(kb.FileContentExtractType), kb.FileContentVisionModel,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return apperror.DB("creating knowledge base", err)
	}
	return nil
}

// GetKnowledgeBase fetches a single knowledge base by id.
func (db *DB) GetKnowledgeBase(ctx context.Context, id int64) (*KnowledgeBase, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, table_name, natural_language_description, config, mcp_server_ids,
		       model_id, file_content_extract_type, file_content_vision_model_id, create_time, update_time
		FROM knowledge_base WHERE id = ?`, id)
	return scanKnowledgeBase(row)
}

// ListKnowledgeBases returns every knowledge base.
func (db *DB) ListKnowledgeBases(ctx context.Context) ([]*KnowledgeBase, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, table_name, natural_language_description, config, mcp_server_ids,
		       model_id, file_content_extract_type, file_content_vision_model_id, create_time, update_time
		FROM knowledge_base ORDER BY id`)
	if err != nil {
		return nil, apperror.DB("listing knowledge bases", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	return out, rows.Err()
}

// GetKnowledgeBaseByTableName looks up a knowledge base by its opaque
// vector/relational table handle, used by the built-in tools that
// receive table names rather than ids.
func (db *DB) GetKnowledgeBaseByTableName(ctx context.Context, tableName string) (*KnowledgeBase, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, table_name, natural_language_description, config, mcp_server_ids,
		       model_id, file_content_extract_type, file_content_vision_model_id, create_time, update_time
		FROM knowledge_base WHERE table_name = ?`, tableName)
	return scanKnowledgeBase(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledgeBase(row rowScanner) (*KnowledgeBase, error) {
	var (
		kb                       KnowledgeBase
		cfgJSON, mcpJSON         string
		createTime, updateTime   string
		modelID, visionModelID   sql.NullInt64
	)

	err := row.Scan(&kb.ID, &kb.Name, &kb.TableName, &kb.NaturalLanguageDesc, &cfgJSON, &mcpJSON,
		&modelID, &kb.FileContentExtractType, &visionModelID, &createTime, &updateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning knowledge base", err)
	}

	if err := json.Unmarshal([]byte(cfgJSON), &kb.Config); err != nil {
		return nil, apperror.System("decoding knowledge base config", err)
	}
	if err := json.Unmarshal([]byte(mcpJSON), &kb.McpServerIDs); err != nil {
		return nil, apperror.System("decoding mcp server ids", err)
	}
	kb.ModelID = modelID.Int64
	kb.FileContentVisionModel = visionModelID.Int64
	kb.CreateTime, _ = time.Parse(time.RFC3339, createTime)
	kb.UpdateTime, _ = time.Parse(time.RFC3339, updateTime)

	return &kb, nil
}

// UpdateKnowledgeBase persists every mutable field of kb and regenerates
// its natural-language description.
func (db *DB) UpdateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	kb.UpdateTime = time.Now().UTC()
	kb.NaturalLanguageDesc = DescribeKB(kb)

	cfgJSON, err := json.Marshal(kb.Config)
	if err != nil {
		return apperror.System("marshaling knowledge base config", err)
	}
	mcpJSON, err := json.Marshal(kb.McpServerIDs)
	if err != nil {
		return apperror.System("marshaling mcp server ids", err)
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE knowledge_base SET
			name = ?, natural_language_description = ?, config = ?, mcp_server_ids = ?,
			model_id = ?, file_content_extract_type = ?, file_content_vision_model_id = ?, update_time = ?
		WHERE id = ?`,
		kb.Name, kb.NaturalLanguageDesc, string(cfgJSON), string(mcpJSON),
		kb.ModelID, string(kb.FileContentExtractType), kb.FileContentVisionModel,
		kb.UpdateTime.Format(time.RFC3339), kb.ID)
	if err != nil {
		return apperror.DB("updating knowledge base", err)
	}
	return checkRowsAffected(res)
}

// SetKnowledgeBaseDescription updates just the description. The
// ingestion pipeline does not call it: FinishImportRecord rewrites the
// description in the same transaction as the record's terminal state.
func (db *DB) SetKnowledgeBaseDescription(ctx context.Context, id int64, desc string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE knowledge_base SET natural_language_description = ?, update_time = ? WHERE id = ?`,
		desc, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return apperror.DB("updating knowledge base description", err)
	}
	return nil
}

// DeleteKnowledgeBase removes the knowledge base row together with its
// chat messages, import records and notes, in one transaction. Callers
// are responsible for removing its vector table and relational DB.
func (db *DB) DeleteKnowledgeBase(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chat_message WHERE knowledge_base_id = ?`, id); err != nil {
			return apperror.DB("deleting chat history", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM import_record WHERE knowledge_base_id = ?`, id); err != nil {
			return apperror.DB("deleting import records", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM note WHERE knowledge_base_id = ?`, id); err != nil {
			return apperror.DB("deleting notes", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM knowledge_base WHERE id = ?`, id)
		if err != nil {
			return apperror.DB("deleting knowledge base", err)
		}
		return checkRowsAffected(res)
	})
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperror.DB("checking rows affected", err)
	}
	if n == 0 {
		return apperror.ErrNotFound
	}
	return nil
}

// DescribeKB produces the short multi-line natural-language digest
// surfaced to the model as context (the NLD): name, table handle,
// extraction type, and a description line built from itemTitles (the
// titles of its successfully imported sources, when known). It is
// deliberately a pure function of the struct plus its caller-supplied
// item list, so both UpdateKnowledgeBase (no items: a plain metadata
// edit) and the ingestion pipeline (every successful
// title so far) can call it identically.
func DescribeKB(kb *KnowledgeBase, itemTitles ...string) string {
	description := "no imported sources yet"
	if len(itemTitles) > 0 {
		description = strings.Join(itemTitles, ", ")
	}
	return fmt.Sprintf("knowledge base: %s\nhandle: %s\nextraction: %s\ndescription: %s",
		kb.Name, kb.TableName, kb.FileContentExtractType, description)
}
