// Package store provides read access to project records in the platform's
// relational data store. The preview core only ever reads project metadata;
// writes happen elsewhere in the platform (CreateProject exists for seeding
// and tests).
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrProjectNotFound is returned when no project exists with the given id.
var ErrProjectNotFound = errors.New("project not found")

// Project is the subset of the platform's project record the preview core
// needs: ownership plus an optional source-control repository reference.
type Project struct {
	ID           string `db:"id" json:"id"`
	OwnerID      string `db:"owner_id" json:"ownerId"`
	RepoOwner    string `db:"repo_owner" json:"repoOwner,omitempty"`
	RepoName     string `db:"repo_name" json:"repoName,omitempty"`
	RepoProvider string `db:"repo_provider" json:"repoProvider,omitempty"`
	TemplateKey  string `db:"template_key" json:"templateKey,omitempty"`
}

// HasRepository reports whether the project has a usable repository reference.
func (p *Project) HasRepository() bool {
	return p.RepoOwner != "" && p.RepoName != ""
}

// ProjectStore reads project records from the relational data store.
type ProjectStore struct {
	db *sqlx.DB
}

const projectSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	repo_owner TEXT NOT NULL DEFAULT '',
	repo_name TEXT NOT NULL DEFAULT '',
	repo_provider TEXT NOT NULL DEFAULT '',
	template_key TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
`

// DBInit creates the projects table if it does not exist.
func DBInit(db *sqlx.DB) error {
	if _, err := db.Exec(projectSchema); err != nil {
		return fmt.Errorf("failed to initialize projects schema: %w", err)
	}
	return nil
}

// NewProjectStore creates a ProjectStore and ensures the schema exists.
func NewProjectStore(db *sqlx.DB) (*ProjectStore, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &ProjectStore{db: db}, nil
}

// GetProjectByID returns the project record, or ErrProjectNotFound.
func (s *ProjectStore) GetProjectByID(id string) (*Project, error) {
	var project Project
	err := s.db.Get(&project, "SELECT * FROM projects WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to query project %s: %w", id, err)
	}
	return &project, nil
}

// CreateProject inserts a project record.
func (s *ProjectStore) CreateProject(p *Project) error {
	_, err := s.db.Exec(`
		INSERT INTO projects (id, owner_id, repo_owner, repo_name, repo_provider, template_key)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OwnerID, p.RepoOwner, p.RepoName, p.RepoProvider, p.TemplateKey)
	if err != nil {
		return fmt.Errorf("failed to create project %s: %w", p.ID, err)
	}
	return nil
}
