package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// GetWorkspace looks up the workspace row for an external organization id.
// A missing row is a nil result, not an error.
func (s *PostgresStore) GetWorkspace(ctx context.Context, orgID string) (*Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, organization_id, created_at, updated_at
		FROM workspaces
		WHERE organization_id=$1
	`, orgID).Scan(&item.ID, &item.Name, &item.OrgID, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get workspace", Err: err}
	}
	return &item, nil
}

// CreateWorkspace inserts the row for an organization seen for the first
// time. Losing the insert race to a concurrent caller surfaces as a
// conflict PersistenceError; the unique constraint on organization_id is
// the only duplicate protection, by design.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, orgID, name string) (Workspace, error) {
	var item Workspace
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, name, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, organization_id, created_at, updated_at
	`, newWorkspaceID(), name, orgID).Scan(&item.ID, &item.Name, &item.OrgID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Workspace{}, &PersistenceError{Op: "create workspace", Conflict: true, Err: err}
		}
		return Workspace{}, &PersistenceError{Op: "create workspace", Err: err}
	}
	return item, nil
}

// UpdateWorkspaceName renames the row for an organization id. A missing
// row is a PersistenceError: the caller decides whether that matters (the
// rename path treats it as non-fatal).
func (s *PostgresStore) UpdateWorkspaceName(ctx context.Context, orgID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET name=$2, updated_at=NOW()
		WHERE organization_id=$1
	`, orgID, name)
	if err != nil {
		return &PersistenceError{Op: "update workspace name", Err: err}
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "update workspace name", Err: err}
	}
	if affected == 0 {
		return &PersistenceError{Op: "update workspace name", Err: sql.ErrNoRows}
	}
	return nil
}

// ListWorkspaces returns every workspace row, newest first. Used to build
// the directory search fallback and to backfill the search index.
func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, organization_id, created_at, updated_at
		FROM workspaces
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, &PersistenceError{Op: "list workspaces", Err: err}
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.OrgID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan workspace", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate workspaces", Err: err}
	}
	return items, nil
}

// SearchWorkspaces is the Postgres fallback for the directory search.
func (s *PostgresStore) SearchWorkspaces(ctx context.Context, query string, limit int) ([]Workspace, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, organization_id, created_at, updated_at
		FROM workspaces
		WHERE name ILIKE '%' || $1 || '%' OR organization_id = $1
		ORDER BY name ASC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "search workspaces", Err: err}
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var item Workspace
		if err := rows.Scan(&item.ID, &item.Name, &item.OrgID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, &PersistenceError{Op: "scan workspace", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate workspaces", Err: err}
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
