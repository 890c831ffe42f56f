package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/c66w/business-cooperation-sub000/db"
)

// Store persists instances. Save bumps Version and fails with ErrConflict when
// the stored version differs from the one passed in.
type Store interface {
	Create(ctx context.Context, inst Instance) (Instance, error)
	Get(ctx context.Context, workflowID string) (Instance, error)
	FindByApplication(ctx context.Context, applicationID string) (Instance, error)
	Save(ctx context.Context, inst Instance) (Instance, error)
}

// PGStore keeps instances in workflow_instances.
type PGStore struct {
	pool db.Querier
}

func NewPGStore(pool db.Querier) *PGStore {
	return &PGStore{pool: pool}
}

const instanceColumns = `workflow_id::text, COALESCE(application_id, ''), current_step, status, data, history, last_error, version, created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, inst Instance) (Instance, error) {
	data, history, err := encode(inst)
	if err != nil {
		return Instance{}, err
	}
	q := `
INSERT INTO workflow_instances (workflow_id, application_id, current_step, status, data, history, last_error)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + instanceColumns
	row := s.pool.QueryRow(ctx, q,
		inst.WorkflowID, db.NullableString(inst.ApplicationID), inst.CurrentStep, inst.Status, data, history, inst.LastError,
	)
	out, err := scanInstance(row)
	if err != nil {
		return Instance{}, fmt.Errorf("workflow: create instance: %w", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, workflowID string) (Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE workflow_id = $1::uuid`
	inst, err := scanInstance(s.pool.QueryRow(ctx, q, workflowID))
	if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidText(err) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("workflow: get instance: %w", err)
	}
	return inst, nil
}

// FindByApplication returns the most recent instance for an application.
func (s *PGStore) FindByApplication(ctx context.Context, applicationID string) (Instance, error) {
	q := `
SELECT ` + instanceColumns + `
FROM workflow_instances
WHERE application_id = $1
ORDER BY created_at DESC
LIMIT 1`
	inst, err := scanInstance(s.pool.QueryRow(ctx, q, applicationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("workflow: find instance: %w", err)
	}
	return inst, nil
}

func (s *PGStore) Save(ctx context.Context, inst Instance) (Instance, error) {
	data, history, err := encode(inst)
	if err != nil {
		return Instance{}, err
	}
	q := `
UPDATE workflow_instances
SET application_id = COALESCE($2, application_id),
    current_step = $3,
    status = $4,
    data = $5,
    history = $6,
    last_error = $7,
    version = version + 1,
    updated_at = now()
WHERE workflow_id = $1::uuid AND version = $8
RETURNING ` + instanceColumns
	row := s.pool.QueryRow(ctx, q,
		inst.WorkflowID, db.NullableString(inst.ApplicationID), inst.CurrentStep, inst.Status, data, history, inst.LastError, inst.Version,
	)
	out, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Instance{}, ErrConflict
	}
	if db.IsInvalidText(err) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("workflow: save instance: %w", err)
	}
	return out, nil
}

func encode(inst Instance) ([]byte, []byte, error) {
	data, err := json.Marshal(inst.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow: marshal data: %w", err)
	}
	records := inst.History
	if records == nil {
		records = []StepRecord{}
	}
	history, err := json.Marshal(records)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow: marshal history: %w", err)
	}
	return data, history, nil
}

func scanInstance(row pgx.Row) (Instance, error) {
	var (
		inst    Instance
		data    []byte
		history []byte
	)
	if err := row.Scan(
		&inst.WorkflowID,
		&inst.ApplicationID,
		&inst.CurrentStep,
		&inst.Status,
		&data,
		&history,
		&inst.LastError,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		return Instance{}, err
	}
	if err := json.Unmarshal(data, &inst.Data); err != nil {
		return Instance{}, fmt.Errorf("workflow: decode data: %w", err)
	}
	if err := json.Unmarshal(history, &inst.History); err != nil {
		return Instance{}, fmt.Errorf("workflow: decode history: %w", err)
	}
	return inst, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: map[string]Instance{}}
}

func (m *MemoryStore) Create(_ context.Context, inst Instance) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.WorkflowID]; ok {
		return Instance{}, fmt.Errorf("workflow: instance %s already exists", inst.WorkflowID)
	}
	inst.Version = 0
	inst = clone(inst)
	m.instances[inst.WorkflowID] = inst
	return clone(inst), nil
}

func (m *MemoryStore) Get(_ context.Context, workflowID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[workflowID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return clone(inst), nil
}

func (m *MemoryStore) FindByApplication(_ context.Context, applicationID string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found Instance
		ok    bool
	)
	for _, inst := range m.instances {
		if inst.ApplicationID != applicationID {
			continue
		}
		if !ok || inst.CreatedAt.After(found.CreatedAt) {
			found, ok = inst, true
		}
	}
	if !ok {
		return Instance{}, ErrNotFound
	}
	return clone(found), nil
}

func (m *MemoryStore) Save(_ context.Context, inst Instance) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.instances[inst.WorkflowID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	if cur.Version != inst.Version {
		return Instance{}, ErrConflict
	}
	inst.Version++
	inst = clone(inst)
	m.instances[inst.WorkflowID] = inst
	return clone(inst), nil
}

func clone(inst Instance) Instance {
	inst.History = append([]StepRecord(nil), inst.History...)
	return inst
}
