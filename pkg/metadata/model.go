package metadata

import (
	"context"
	"database/sql"
	"errors"

	"github.com/xgpxg/fskb/pkg/apperror"
)

// CreateModel inserts a model definition.
func (db *DB) CreateModel(ctx context.Context, m *Model) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO model (id, name, source, base_url, api_key, task_type, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, string(m.Source), m.BaseURL, m.APIKey, string(m.TaskType), string(m.Status))
	if err != nil {
		return apperror.DB("creating model", err)
	}
	return nil
}

// GetModel fetches a single model by id.
func (db *DB) GetModel(ctx context.Context, id int64) (*Model, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, source, base_url, api_key, task_type, status FROM model WHERE id = ?`, id)
	return scanModel(row)
}

// ListModels returns every configured model, optionally filtered by task
// type when taskType is non-empty.
func (db *DB) ListModels(ctx context.Context, taskType ModelTaskType) ([]*Model, error) {
	query := `SELECT id, name, source, base_url, api_key, task_type, status FROM model`
	args := []any{}
	if taskType != "" {
		query += ` WHERE task_type = ?`
		args = append(args, string(taskType))
	}
	query += ` ORDER BY id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.DB("listing models", err)
	}
	defer rows.Close()

	var out []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanModel(row rowScanner) (*Model, error) {
	var (
		m                    Model
		source, taskType, st string
		baseURL, apiKey      sql.NullString
	)

	err := row.Scan(&m.ID, &m.Name, &source, &baseURL, &apiKey, &taskType, &st)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.ErrNotFound
	}
	if err != nil {
		return nil, apperror.DB("scanning model", err)
	}

	m.Source = ModelSource(source)
	m.TaskType = ModelTaskType(taskType)
	m.Status = ModelStatus(st)
	m.BaseURL = baseURL.String
	m.APIKey = apiKey.String
	return &m, nil
}

// UpdateModelStatus sets a model's health/lifecycle state.
func (db *DB) UpdateModelStatus(ctx context.Context, id int64, status ModelStatus) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE model SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return apperror.DB("updating model status", err)
	}
	return checkRowsAffected(res)
}

// UpdateModel persists every mutable field of m.
func (db *DB) UpdateModel(ctx context.Context, m *Model) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE model SET name = ?, base_url = ?, api_key = ?, task_type = ?, status = ? WHERE id = ?`,
		m.Name, m.BaseURL, m.APIKey, string(m.TaskType), string(m.Status), m.ID)
	if err != nil {
		return apperror.DB("updating model", err)
	}
	return checkRowsAffected(res)
}

// DeleteModel removes a model definition.
func (db *DB) DeleteModel(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM model WHERE id = ?`, id)
	if err != nil {
		return apperror.DB("deleting model", err)
	}
	return checkRowsAffected(res)
}
