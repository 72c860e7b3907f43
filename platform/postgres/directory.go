// Package postgres implements the platform directory against the platform's
// Postgres database. This service only reads users, memberships, and files,
// except for the two provisioning paths (unknown user, unknown membership).
package postgres

import (
	"context"
	"database/sql"
	"docsync-server/core"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
)

type Directory struct {
	db *sql.DB
}

// Open connects to the platform database and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Directory, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Directory{db: db}, nil
}

// NewDirectory wraps an existing database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Close() error {
	return d.db.Close()
}

func (d *Directory) EnsureUser(ctx context.Context, externalID, name, email string) (*core.User, error) {
	const findUser = `SELECT id, external_id, name, email FROM users WHERE external_id = $1`

	var user core.User
	err := d.db.QueryRowContext(ctx, findUser, externalID).Scan(&user.ID, &user.ExternalID, &user.Name, &user.Email)
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, external_id, name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email
		RETURNING id, external_id, name, email
	`
	id := ulid.Make().String()
	if err := d.db.QueryRowContext(ctx, insertUser, id, externalID, name, email).Scan(&user.ID, &user.ExternalID, &user.Name, &user.Email); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &user, nil
}

func (d *Directory) Membership(ctx context.Context, workspaceID, userID string) (*core.Membership, error) {
	const query = `SELECT can_edit FROM workspace_memberships WHERE workspace_id = $1 AND user_id = $2`

	m := core.Membership{WorkspaceID: workspaceID, UserID: userID}
	err := d.db.QueryRowContext(ctx, query, workspaceID, userID).Scan(&m.CanEdit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup membership: %w", err)
	}
	return &m, nil
}

func (d *Directory) ProvisionMembership(ctx context.Context, workspaceID, userID string) (*core.Membership, error) {
	const insert = `
		INSERT INTO workspace_memberships (workspace_id, user_id, can_edit)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (workspace_id, user_id) DO NOTHING
	`
	if _, err := d.db.ExecContext(ctx, insert, workspaceID, userID); err != nil {
		return nil, fmt.Errorf("provision membership: %w", err)
	}

	// Re-read so a concurrent grant is not masked by the insert default.
	return d.Membership(ctx, workspaceID, userID)
}

func (d *Directory) GetFile(ctx context.Context, fileID string) (*core.FileRef, error) {
	const query = `SELECT id, workspace_id FROM files WHERE id = $1`

	var f core.FileRef
	err := d.db.QueryRowContext(ctx, query, fileID).Scan(&f.ID, &f.WorkspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file: %w", err)
	}
	return &f, nil
}
