// Package relstore implements the per-knowledge-base relational table
// store: typed-as-TEXT tables created from tabular imports, queried
// with arbitrary user SQL. Grounded on
// pkg/sqliteutil/sqlite.go's OpenDB helper; unlike the metadata store,
// every operation here opens a fresh connection since the workload is
// bursty and small.
package relstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xgpxg/fskb/pkg/apperror"
	"github.com/xgpxg/fskb/pkg/sqliteutil"
)

// Store holds the path to one knowledge base's relational database
// file; every method opens and closes its own connection.
type Store struct {
	path string
}

// New returns a Store bound to path. The file is created lazily on
// first use.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) open() (*sql.DB, error) {
	conn, err := sqliteutil.OpenDB(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening relational store %q: %w", s.path, err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS _statistics_ (
		table_name TEXT PRIMARY KEY,
		row_count INTEGER NOT NULL DEFAULT 0,
		char_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		conn.Close()
		return nil, apperror.DB("creating statistics table", err)
	}
	return conn, nil
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// NewTable creates "name" with every column typed TEXT. Empty column
// names are replaced with unknown_<index> rather
// than filtered, so row values still line up positionally with the
// caller's column list.
func (s *Store) NewTable(ctx context.Context, name string, columns []string) error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	cols := make([]string, len(columns))
	for i, c := range columns {
		if strings.TrimSpace(c) == "" {
			c = "unknown_" + strconv.Itoa(i)
		}
		cols[i] = quoteIdent(c) + " TEXT"
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, quoteIdent(name), strings.Join(cols, ", "))
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return apperror.DB("creating relational table", err)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO _statistics_ (table_name, row_count, char_count) VALUES (?, 0, 0)
		ON CONFLICT(table_name) DO NOTHING`, name)
	if err != nil {
		return apperror.DB("initializing table statistics", err)
	}
	return nil
}

// AddData inserts rows into an existing table via positional
// placeholders and updates its row/char statistics.
func (s *Store) AddData(ctx context.Context, table string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	conn, err := s.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.DB("beginning relational insert", err)
	}

	placeholders := make([]string, len(rows[0]))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s VALUES (%s)`,
		quoteIdent(table), strings.Join(placeholders, ", ")))
	if err != nil {
		tx.Rollback()
		return apperror.DB("preparing relational insert", err)
	}
	defer stmt.Close()

	var charCount int
	for _, row := range rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
			charCount += len(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return apperror.DB("inserting relational row", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE _statistics_ SET row_count = row_count + ?, char_count = char_count + ? WHERE table_name = ?`,
		len(rows), charCount, table); err != nil {
		tx.Rollback()
		return apperror.DB("updating table statistics", err)
	}

	if err := tx.Commit(); err != nil {
		return apperror.DB("committing relational insert", err)
	}
	return nil
}

var forbiddenKeywords = []string{"attach", "detach", "pragma"}

// Query executes sql and stringifies every column, returning
// `[[string]]`. When readOnly is true (always
// the case for the built-in kb_table_search tool, per Open Question 3),
// the statement must be a single SELECT and must not reference
// ATTACH/DETACH/PRAGMA.
func (s *Store) Query(ctx context.Context, query string, readOnly bool) ([][]string, error) {
	if readOnly {
		if err := checkReadOnlySQL(query); err != nil {
			return nil, err
		}
	}

	conn, err := s.open()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, apperror.Business(fmt.Sprintf("executing query: %v", err), err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperror.DB("reading query columns", err)
	}

	var out [][]string
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperror.DB("scanning query row", err)
		}

		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = stringify(v)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func checkReadOnlySQL(query string) error {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") {
		return apperror.Business("only SELECT statements are permitted", nil)
	}
	for _, kw := range forbiddenKeywords {
		if strings.Contains(lower, kw) {
			return apperror.Business(fmt.Sprintf("statement must not use %q", kw), nil)
		}
	}
	var quote rune
	for i, c := range trimmed {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';':
			if strings.TrimSpace(trimmed[i+1:]) != "" {
				return apperror.Business("only a single statement is permitted", nil)
			}
		}
	}
	return nil
}

// DropTable removes table and its statistics row, cascading the same
// way ImportRecord deletion does.
func (s *Store) DropTable(ctx context.Context, table string) error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return apperror.DB("dropping relational table", err)
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM _statistics_ WHERE table_name = ?`, table); err != nil {
		return apperror.DB("deleting table statistics", err)
	}
	return nil
}

// Stats returns a table's row and character counts for
// inner::kb_list_item.
func (s *Store) Stats(ctx context.Context, table string) (rowCount, charCount int, err error) {
	conn, dbErr := s.open()
	if dbErr != nil {
		return 0, 0, dbErr
	}
	defer conn.Close()

	err = conn.QueryRowContext(ctx,
		`SELECT row_count, char_count FROM _statistics_ WHERE table_name = ?`, table).
		Scan(&rowCount, &charCount)
	if err != nil {
		return 0, 0, apperror.DB("reading table statistics", err)
	}
	return rowCount, charCount, nil
}
