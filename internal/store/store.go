// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Repository is the persistence boundary of the orchestration core. The core
// reads agent specs and organizations, and reads/writes executions and usage
// records; everything else about storage (schema, migrations, deletion
// policy) belongs to the implementation.
type Repository interface {
	// Agents.
	GetAgent(ctx context.Context, id string) (*schemas.AgentSpec, error)
	ListAgentsByOrganization(ctx context.Context, orgID string) ([]*schemas.AgentSpec, error)
	ListActiveAgents(ctx context.Context) ([]*schemas.AgentSpec, error)
	CreateAgent(ctx context.Context, spec *schemas.AgentSpec) error
	UpdateAgent(ctx context.Context, spec *schemas.AgentSpec) error
	DeleteAgent(ctx context.Context, id string) error
	TouchAgentLastRun(ctx context.Context, id string, t time.Time) error

	// Executions.
	CreateExecution(ctx context.Context, exec *schemas.Execution) error
	GetExecution(ctx context.Context, id string) (*schemas.Execution, error)
	UpdateExecution(ctx context.Context, exec *schemas.Execution) error
	ListExecutionsByOrganization(ctx context.Context, orgID string, limit int) ([]*schemas.Execution, error)
	ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*schemas.Execution, error)

	// Organizations.
	GetOrganization(ctx context.Context, id string) (*schemas.Organization, error)
	AddOrganizationUsage(ctx context.Context, id string, units int) error

	// Usage records, keyed by organization and accounting period.
	AddUsage(ctx context.Context, orgID string, period time.Time, delta schemas.UsageDelta) error
	GetUsage(ctx context.Context, orgID string, period time.Time) (*schemas.UsageRecord, error)
}
