// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Halwright/AgentFlow/internal/domain"
	"github.com/Halwright/AgentFlow/internal/domain/collab"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
)

// ErrNotFound is returned when the referenced entity does not exist.
var ErrNotFound = domain.ErrNotFound

// Store is the port interface for workflow and collaboration persistence.
// Runs are mutated only by the workflow engine; other components read.
type Store interface {
	// Workflow definitions
	ListDefinitions(ctx context.Context) ([]workflow.Definition, error)
	GetDefinition(ctx context.Context, name string) (*workflow.Definition, error)
	PutDefinition(ctx context.Context, def *workflow.Definition) error

	// Workflow runs
	ListRuns(ctx context.Context) ([]workflow.Run, error)
	CreateRun(ctx context.Context, r *workflow.Run) error
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	UpdateRun(ctx context.Context, r *workflow.Run) error
	DeleteRun(ctx context.Context, id string) error

	// Collaboration sessions
	CreateSession(ctx context.Context, s *collab.Session) error
	GetSession(ctx context.Context, id string) (*collab.Session, error)
	UpdateSession(ctx context.Context, s *collab.Session) error
}
