package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/stagerun/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. The joint
// workflow update + ledger append happens under one mutex hold, giving the
// same both-or-neither visibility as the SQLite transaction.
type InMemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*api.Workflow
	transitions map[string][]api.Transition
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:   make(map[string]*api.Workflow),
		transitions: make(map[string][]api.Transition),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Workflow
	for _, wf := range s.workflows {
		if filter.Name != "" && wf.Name != filter.Name {
			continue
		}
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		result = append(result, wf.Clone())
	}
	return result, nil
}

func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	delete(s.transitions, id)
	return nil
}

func (s *InMemoryStore) AppendTransition(ctx context.Context, wf *api.Workflow, tr *api.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrWorkflowNotFound
	}

	ledger := s.transitions[wf.ID]
	last := api.StateInit
	if n := len(ledger); n > 0 {
		last = ledger[n-1].ToState
	}
	if tr.FromState != last {
		return ErrLedgerConflict
	}

	tr.Seq = len(ledger) + 1
	s.transitions[wf.ID] = append(ledger, *tr)
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *InMemoryStore) History(ctx context.Context, workflowID string) ([]api.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return nil, ErrWorkflowNotFound
	}

	ledger := s.transitions[workflowID]
	out := make([]api.Transition, len(ledger))
	copy(out, ledger)
	return out, nil
}

func (s *InMemoryStore) CountByStatus(ctx context.Context) (map[api.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[api.State]int)
	for _, wf := range s.workflows {
		counts[wf.Status]++
	}
	return counts, nil
}
