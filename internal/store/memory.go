// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/agentscale/api/schemas"
)

// MemoryStore is an in-memory Repository. It is the default backend for
// single-process deployments and the test double for everything else.
type MemoryStore struct {
	mu    sync.RWMutex
	seq   int
	specs map[string]*schemas.AgentSpec
	execs map[string]*schemas.Execution
	orgs  map[string]*schemas.Organization
	usage map[string]*schemas.UsageRecord // keyed by orgID + period
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		specs: make(map[string]*schemas.AgentSpec),
		execs: make(map[string]*schemas.Execution),
		orgs:  make(map[string]*schemas.Organization),
		usage: make(map[string]*schemas.UsageRecord),
	}
}

func usageKey(orgID string, period time.Time) string {
	return orgID + "/" + period.UTC().Format("2006-01-02")
}

// -- Agents --

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*schemas.AgentSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *spec
	return &cp, nil
}

func (m *MemoryStore) ListAgentsByOrganization(ctx context.Context, orgID string) ([]*schemas.AgentSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.AgentSpec
	for _, spec := range m.specs {
		if spec.OrganizationID == orgID {
			cp := *spec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListActiveAgents(ctx context.Context) ([]*schemas.AgentSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.AgentSpec
	for _, spec := range m.specs {
		if spec.Status == "active" {
			cp := *spec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, spec *schemas.AgentSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	cp := *spec
	m.specs[spec.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateAgent(ctx context.Context, spec *schemas.AgentSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.specs[spec.ID]; !ok {
		return ErrNotFound
	}
	cp := *spec
	m.specs[spec.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.specs[id]; !ok {
		return ErrNotFound
	}
	delete(m.specs, id)
	return nil
}

func (m *MemoryStore) TouchAgentLastRun(ctx context.Context, id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	if !ok {
		return ErrNotFound
	}
	tt := t
	spec.LastRun = &tt
	return nil
}

// -- Executions --

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *schemas.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneExecution(exec)
	m.execs[exec.ID] = cp
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*schemas.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *schemas.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.execs[exec.ID]; !ok {
		return ErrNotFound
	}
	m.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) ListExecutionsByOrganization(ctx context.Context, orgID string, limit int) ([]*schemas.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.Execution
	for _, exec := range m.execs {
		if exec.OrganizationID == orgID {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*schemas.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*schemas.Execution
	for _, exec := range m.execs {
		if exec.AgentID == agentID {
			out = append(out, cloneExecution(exec))
		}
	}
	sortExecutions(out)
	return truncate(out, limit), nil
}

// -- Organizations --

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*schemas.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

// CreateOrganization seeds an organization. Not part of the Repository
// contract; used by bootstrap code and tests.
func (m *MemoryStore) CreateOrganization(org *schemas.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
}

func (m *MemoryStore) AddOrganizationUsage(ctx context.Context, id string, units int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[id]
	if !ok {
		return ErrNotFound
	}
	org.APIUsed += units
	return nil
}

// -- Usage records --

func (m *MemoryStore) AddUsage(ctx context.Context, orgID string, period time.Time, delta schemas.UsageDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(orgID, period)
	rec, ok := m.usage[key]
	if !ok {
		rec = &schemas.UsageRecord{OrganizationID: orgID, Period: period.UTC().Truncate(24 * time.Hour)}
		m.usage[key] = rec
	}
	rec.APICalls += delta.APICalls
	rec.BrowserSessions += delta.BrowserSessions
	rec.StorageUsedMB += delta.StorageUsedMB
	return nil
}

func (m *MemoryStore) GetUsage(ctx context.Context, orgID string, period time.Time) (*schemas.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.usage[usageKey(orgID, period)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// -- helpers --

func cloneExecution(exec *schemas.Execution) *schemas.Execution {
	cp := *exec
	cp.Actions = append([]schemas.Action(nil), exec.Actions...)
	cp.ObservationRefs = append([]string(nil), exec.ObservationRefs...)
	if exec.Result != nil {
		res := *exec.Result
		res.Actions = append([]schemas.Action(nil), exec.Result.Actions...)
		res.ObservationRefs = append([]string(nil), exec.Result.ObservationRefs...)
		cp.Result = &res
	}
	return &cp
}

func sortExecutions(execs []*schemas.Execution) {
	sort.Slice(execs, func(i, j int) bool {
		ti, tj := execs[i].StartTime, execs[j].StartTime
		switch {
		case ti == nil && tj == nil:
			return execs[i].ID > execs[j].ID
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.After(*tj)
		}
	})
}

func truncate(execs []*schemas.Execution, limit int) []*schemas.Execution {
	if limit > 0 && len(execs) > limit {
		return execs[:limit]
	}
	return execs
}
