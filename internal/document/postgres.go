package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Project is a room's persistent metadata plus its document blob.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Owner         string    `json:"owner"`
	Collaborators []string  `json:"collaborators"`
	Content       string    `json:"content"`
	Language      string    `json:"language"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProjectUpdate carries a partial update. Nil fields are left unchanged,
// so "not provided" and "set to empty" stay distinguishable.
type ProjectUpdate struct {
	Name          *string   `json:"name,omitempty"`
	Content       *string   `json:"content,omitempty"`
	Language      *string   `json:"language,omitempty"`
	Collaborators *[]string `json:"collaborators,omitempty"`
}

// ProjectStore is the CRUD surface the HTTP API is built on. userID
// scoping follows ownership: reads are allowed for the owner and any
// collaborator, writes and deletes for the owner only.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id, userID string) (*Project, error)
	ListByUser(ctx context.Context, userID string) ([]*Project, error)
	Update(ctx context.Context, id, userID string, upd *ProjectUpdate) (*Project, error)
	Delete(ctx context.Context, id, userID string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	owner         TEXT NOT NULL,
	collaborators TEXT[] NOT NULL DEFAULT '{}',
	content       TEXT NOT NULL DEFAULT '',
	language      TEXT NOT NULL DEFAULT 'javascript',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresBackend persists documents and project metadata in a single
// projects table. It implements both Backend and ProjectStore.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// EnsureSchema creates the projects table if it does not exist.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure projects schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) LoadDocument(ctx context.Context, roomID string) (Snapshot, error) {
	var snap Snapshot
	err := b.pool.QueryRow(ctx,
		`SELECT content, language FROM projects WHERE id = $1`, roomID,
	).Scan(&snap.Text, &snap.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load document %s: %w", roomID, err)
	}
	return snap, nil
}

func (b *PostgresBackend) SaveDocument(ctx context.Context, roomID, text, language string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO projects (id, name, owner, content, language)
		VALUES ($1, $1, '', $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
		    language = EXCLUDED.language,
		    updated_at = now()`,
		roomID, text, language)
	if err != nil {
		return fmt.Errorf("save document %s: %w", roomID, err)
	}
	return nil
}

func (b *PostgresBackend) Create(ctx context.Context, p *Project) error {
	err := b.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, owner, collaborators, content, language)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Owner, p.Collaborators, p.Content, p.Language,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.ID, err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id, userID string) (*Project, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, name, owner, collaborators, content, language, created_at, updated_at
		FROM projects
		WHERE id = $1 AND (owner = $2 OR $2 = ANY(collaborators))`,
		id, userID)
	return scanProject(row)
}

func (b *PostgresBackend) ListByUser(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, name, owner, collaborators, content, language, created_at, updated_at
		FROM projects
		WHERE owner = $1 OR $1 = ANY(collaborators)
		ORDER BY updated_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", userID, err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (b *PostgresBackend) Update(ctx context.Context, id, userID string, upd *ProjectUpdate) (*Project, error) {
	row := b.pool.QueryRow(ctx, `
		UPDATE projects
		SET name          = COALESCE($3, name),
		    content       = COALESCE($4, content),
		    language      = COALESCE($5, language),
		    collaborators = COALESCE($6, collaborators),
		    updated_at    = now()
		WHERE id = $1 AND owner = $2
		RETURNING id, name, owner, collaborators, content, language, created_at, updated_at`,
		id, userID, upd.Name, upd.Content, upd.Language, upd.Collaborators)
	return scanProject(row)
}

func (b *PostgresBackend) Delete(ctx context.Context, id, userID string) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM projects WHERE id = $1 AND owner = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Owner, &p.Collaborators,
		&p.Content, &p.Language, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	return &p, nil
}
