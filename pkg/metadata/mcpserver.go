package metadata

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// CreateMcpServer inserts a server into mcp_server; its caller is the
// add-server command in pkg/httpserver. The catalog poller writes to
// mcp_server_define through UpsertMcpServerDefine instead.
func (db *DB) CreateMcpServer(ctx context.Context, s *McpServer) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO mcp_server (id, name, config, source, status, status_msg, installed_version, latest_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.ConfigJSON, string(s.Source), string(s.Status), s.StatusMsg,
		s.InstalledVersion, s.LatestVersion)
	if err != nil {
		return apperror.DB("creating mcp server", err)
	}
	return nil
}

// GetMcpServerByName fetches a server definition by its unique name, the
// key used throughout pkg/mcpmanager and the fully-qualified tool naming
// scheme.
func (db *DB) GetMcpServerByName(ctx context.Context, name string) (*McpServer, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, config, source, status, status_msg, installed_version, latest_version
		FROM mcp_server WHERE name = ?`, name)
	return scanMcpServer(row)
}

// ListMcpServers returns every configured server.
func (db *DB) ListMcpServers(ctx context.Context) ([]*McpServer, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, config, source, status, status_msg, installed_version, latest_version
		FROM mcp_server ORDER BY id`)
	if err != nil {
		return nil, apperror.DB("listing mcp servers", err)
	}
	defer rows.Close()

	var out []*McpServer
	for rows.Next() {
		s, err := scanMcpServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanMcpServer(row rowScanner) (*McpServer, error) {
	var (
		s                            McpServer
		source, status               string
		statusMsg, installed, latest sql.NullString
	)

	err := row.Scan(&s.ID, &s.Name, &s.ConfigJSON, &source, &status, &statusMsg, &installed, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning mcp server", err)
	}

	s.Source = ModelSource(source)
	s.Status = McpServerStatus(status)
	s.StatusMsg = statusMsg.String
	s.InstalledVersion = installed.String
	s.LatestVersion = latest.String
	return &s, nil
}

// UpdateMcpServerStatus sets a server's lifecycle state and message,
// called as pkg/mcpmanager starts, stops, or fails a server process.
func (db *DB) UpdateMcpServerStatus(ctx context.Context, name string, status McpServerStatus, msg string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE mcp_server SET status = ?, status_msg = ? WHERE name = ?`, string(status), msg, name)
	if err != nil {
		return apperror.DB("updating mcp server status", err)
	}
	return checkRowsAffected(res)
}

// DeleteMcpServer removes a server definition.
func (db *DB) DeleteMcpServer(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM mcp_server WHERE name = ?`, name)
	if err != nil {
		return apperror.DB("deleting mcp server", err)
	}
	return checkRowsAffected(res)
}

// UpsertMcpServerDefine records the catalog-fetched definition for a
// named server, used by the poller in pkg/mcpmanager to cache the last
// known upstream definition between polls.
func (db *DB) UpsertMcpServerDefine(ctx context.Context, name, definitionJSON, refreshedAt string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO mcp_server_define (name, definition, refreshed_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, refreshed_at = excluded.refreshed_at`,
		name, definitionJSON, refreshedAt)
	if err != nil {
		return apperror.DB("upserting mcp server definition", err)
	}
	return nil
}
