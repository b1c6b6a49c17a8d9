// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so the store can be exercised against a
// mock in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the pgx-backed Repository implementation.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ Repository = (*PostgresStore)(nil)

// NewPostgresStore creates a store instance and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const agentColumns = `id, name, description, type, target_website, instructions, schedule, priority, status, organization_id, created_by, max_iterations, settle_ms, last_run, created_at`

func scanAgent(row pgx.Row) (*schemas.AgentSpec, error) {
	var spec schemas.AgentSpec
	err := row.Scan(
		&spec.ID, &spec.Name, &spec.Description, &spec.Type, &spec.TargetWebsite,
		&spec.Instructions, &spec.Schedule, &spec.Priority, &spec.Status,
		&spec.OrganizationID, &spec.CreatedBy, &spec.MaxIterations, &spec.SettleMs,
		&spec.LastRun, &spec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &spec, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*schemas.AgentSpec, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *PostgresStore) ListAgentsByOrganization(ctx context.Context, orgID string) ([]*schemas.AgentSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func (s *PostgresStore) ListActiveAgents(ctx context.Context) ([]*schemas.AgentSpec, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func collectAgents(rows pgx.Rows) ([]*schemas.AgentSpec, error) {
	var out []*schemas.AgentSpec
	for rows.Next() {
		spec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateAgent(ctx context.Context, spec *schemas.AgentSpec) error {
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		spec.ID, spec.Name, spec.Description, spec.Type, spec.TargetWebsite,
		spec.Instructions, spec.Schedule, spec.Priority, spec.Status,
		spec.OrganizationID, spec.CreatedBy, spec.MaxIterations, spec.SettleMs,
		spec.LastRun, spec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, spec *schemas.AgentSpec) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET name=$2, description=$3, type=$4, target_website=$5, instructions=$6,
		 schedule=$7, priority=$8, status=$9, max_iterations=$10, settle_ms=$11 WHERE id=$1`,
		spec.ID, spec.Name, spec.Description, spec.Type, spec.TargetWebsite,
		spec.Instructions, spec.Schedule, spec.Priority, spec.Status,
		spec.MaxIterations, spec.SettleMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchAgentLastRun(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_run = $2 WHERE id = $1`, id, t)
	if err != nil {
		return fmt.Errorf("failed to touch agent last_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *schemas.Execution) error {
	actions, refs, result, err := marshalExecutionBlobs(exec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_executions (id, agent_id, organization_id, status, start_time, end_time, actions, observation_refs, result, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		exec.ID, exec.AgentID, exec.OrganizationID, exec.Status,
		exec.StartTime, exec.EndTime, actions, refs, result, exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*schemas.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, organization_id, status, start_time, end_time, actions, observation_refs, result, error
		 FROM task_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *schemas.Execution) error {
	actions, refs, result, err := marshalExecutionBlobs(exec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_executions SET status=$2, start_time=$3, end_time=$4, actions=$5, observation_refs=$6, result=$7, error=$8
		 WHERE id=$1`,
		exec.ID, exec.Status, exec.StartTime, exec.EndTime, actions, refs, result, exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListExecutionsByOrganization(ctx context.Context, orgID string, limit int) ([]*schemas.Execution, error) {
	return s.listExecutions(ctx, `organization_id`, orgID, limit)
}

func (s *PostgresStore) ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*schemas.Execution, error) {
	return s.listExecutions(ctx, `agent_id`, agentID, limit)
}

func (s *PostgresStore) listExecutions(ctx context.Context, column, value string, limit int) ([]*schemas.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, organization_id, status, start_time, end_time, actions, observation_refs, result, error
		 FROM task_executions WHERE `+column+` = $1 ORDER BY start_time DESC NULLS LAST LIMIT $2`, value, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*schemas.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*schemas.Organization, error) {
	var org schemas.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, slug, plan, api_quota, api_used FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.Slug, &org.Plan, &org.APIQuota, &org.APIUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return &org, nil
}

func (s *PostgresStore) AddOrganizationUsage(ctx context.Context, id string, units int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE organizations SET api_used = api_used + $2 WHERE id = $1`, id, units)
	if err != nil {
		return fmt.Errorf("failed to increment organization usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, orgID string, period time.Time, delta schemas.UsageDelta) error {
	day := period.UTC().Truncate(24 * time.Hour)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_tracking (organization_id, period, api_calls, browser_sessions, storage_used)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (organization_id, period) DO UPDATE SET
		   api_calls = usage_tracking.api_calls + EXCLUDED.api_calls,
		   browser_sessions = usage_tracking.browser_sessions + EXCLUDED.browser_sessions,
		   storage_used = usage_tracking.storage_used + EXCLUDED.storage_used`,
		orgID, day, delta.APICalls, delta.BrowserSessions, delta.StorageUsedMB,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, orgID string, period time.Time) (*schemas.UsageRecord, error) {
	day := period.UTC().Truncate(24 * time.Hour)
	var rec schemas.UsageRecord
	err := s.pool.QueryRow(ctx,
		`SELECT organization_id, period, api_calls, browser_sessions, storage_used
		 FROM usage_tracking WHERE organization_id = $1 AND period = $2`, orgID, day).
		Scan(&rec.OrganizationID, &rec.Period, &rec.APICalls, &rec.BrowserSessions, &rec.StorageUsedMB)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan usage record: %w", err)
	}
	return &rec, nil
}

// -- helpers --

func marshalExecutionBlobs(exec *schemas.Execution) (actions, refs, result []byte, err error) {
	if actions, err = json.Marshal(exec.Actions); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal actions: %w", err)
	}
	if refs, err = json.Marshal(exec.ObservationRefs); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal observation refs: %w", err)
	}
	if exec.Result != nil {
		if result, err = json.Marshal(exec.Result); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return actions, refs, result, nil
}

func scanExecution(row pgx.Row) (*schemas.Execution, error) {
	var (
		exec    schemas.Execution
		actions []byte
		refs    []byte
		result  []byte
	)
	err := row.Scan(
		&exec.ID, &exec.AgentID, &exec.OrganizationID, &exec.Status,
		&exec.StartTime, &exec.EndTime, &actions, &refs, &result, &exec.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &exec.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
		}
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &exec.ObservationRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal observation refs: %w", err)
		}
	}
	if len(result) > 0 {
		var res schemas.ExecutionResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		exec.Result = &res
	}
	return &exec, nil
}
