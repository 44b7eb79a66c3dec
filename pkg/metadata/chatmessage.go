package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// AddUserTurn atomically writes a finished user message and its paired
// pending assistant message in one transaction, the prelude every chat
// turn starts with. userID/assistantID are globally-unique row ids (the
// primary key every other lookup in this file keys off); userSeq/
// assistantSeq are the knowledge base's own per-kb message counter,
// stored in message_id and never reused across knowledge bases. The
// assistant row's parent_message_id is userID, so the reply can be
// located by the user turn that produced it.
func (db *DB) AddUserTurn(ctx context.Context, kbID, userID, userSeq, assistantID, assistantSeq int64, userContent string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message (id, knowledge_base_id, message_id, parent_message_id, role, content, status, create_time, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, kbID, userSeq, 0, string(RoleUser), userContent, string(ChatFinished), now, now); err != nil {
			return apperror.DB("inserting user message", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_message (id, knowledge_base_id, message_id, parent_message_id, role, content, status, create_time, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			assistantID, kbID, assistantSeq, userID, string(RoleAssistant), "", string(ChatPending), now, now); err != nil {
			return apperror.DB("inserting pending assistant message", err)
		}

		return nil
	})
}

// AppendAssistantContent appends to a pending assistant message's content
// one delta per call, outside any transaction. pkg/chatengine does not
// call it.
func (db *DB) AppendAssistantContent(ctx context.Context, messageID int64, delta string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE chat_message SET content = content || ?, update_time = ? WHERE id = ?`,
		delta, time.Now().UTC().Format(time.RFC3339), messageID)
	if err != nil {
		return apperror.DB("appending assistant content", err)
	}
	return nil
}

// FinishAssistantMessage transitions a pending assistant message to its
// terminal state (finished or error) with final content.
func (db *DB) FinishAssistantMessage(ctx context.Context, messageID int64, status ChatStatus, content string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE chat_message SET status = ?, content = ?, update_time = ? WHERE id = ?`,
		string(status), content, time.Now().UTC().Format(time.RFC3339), messageID)
	if err != nil {
		return apperror.DB("finishing assistant message", err)
	}
	return checkRowsAffected(res)
}

// RecoverPendingMessages transitions every message left in ChatPending
// for a knowledge base (meaning the process died mid-stream) to
// ChatError, so a resumed stream never waits on a message that will
// never finish.
func (db *DB) RecoverPendingMessages(ctx context.Context, kbID int64) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE chat_message SET status = ?, update_time = ? WHERE knowledge_base_id = ? AND status = ?`,
		string(ChatError), time.Now().UTC().Format(time.RFC3339), kbID, string(ChatPending))
	if err != nil {
		return 0, apperror.DB("recovering pending chat messages", err)
	}
	return res.RowsAffected()
}

// GetChatMessage fetches a single message by its database id.
func (db *DB) GetChatMessage(ctx context.Context, id int64) (*ChatMessage, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, knowledge_base_id, message_id, parent_message_id, role, content, status, create_time, update_time
		FROM chat_message WHERE id = ?`, id)
	return scanChatMessage(row)
}

// ListChatHistory returns the most recent n messages for a knowledge
// base, oldest first, ready to feed the orchestrator's history window
// (the orchestrator keeps a bounded window of recent turns).
func (db *DB) ListChatHistory(ctx context.Context, kbID int64, limit int) ([]*ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, knowledge_base_id, message_id, parent_message_id, role, content, status, create_time, update_time
		FROM chat_message WHERE knowledge_base_id = ? ORDER BY message_id DESC LIMIT ?`, kbID, limit)
	if err != nil {
		return nil, apperror.DB("listing chat history", err)
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.DB("listing chat history", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanChatMessage(row rowScanner) (*ChatMessage, error) {
	var (
		m                   ChatMessage
		role, status        string
		createTime, updTime string
	)

	err := row.Scan(&m.ID, &m.KnowledgeBaseID, &m.MessageID, &m.ParentMessageID, &role, &m.Content,
		&status, &createTime, &updTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning chat message", err)
	}

	m.Role = ChatRole(role)
	m.Status = ChatStatus(status)
	m.CreateTime, _ = time.Parse(time.RFC3339, createTime)
	m.UpdateTime, _ = time.Parse(time.RFC3339, updTime)
	return &m, nil
}

// DeleteChatHistory removes every message for a knowledge base.
func (db *DB) DeleteChatHistory(ctx context.Context, kbID int64) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM chat_message WHERE knowledge_base_id = ?`, kbID)
	if err != nil {
		return apperror.DB("deleting chat history", err)
	}
	return nil
}

// DeleteChatMessage removes a single message by id.
func (db *DB) DeleteChatMessage(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM chat_message WHERE id = ?`, id)
	if err != nil {
		return apperror.DB("deleting chat message", err)
	}
	return checkRowsAffected(res)
}
