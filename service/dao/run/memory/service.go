package memory

import (
	"context"
	"sync"

	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
	"github.com/conveyor-ci/conveyor/service/dao/criteria"
)

// Service implements an in-memory, thread-safe store for runs. Save keeps
// existing pointers stable via CopyFrom so concurrent readers observe
// updates without re-loading.
type Service struct {
	runs map[string]*execution.Run
	mux  sync.RWMutex
}

var _ dao.Service[string, execution.Run] = (*Service)(nil)

func (s *Service) Save(_ context.Context, run *execution.Run) error {
	if run == nil {
		return dao.ErrNilEntity
	}
	if run.ID == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if existing, ok := s.runs[run.ID]; ok && existing != run {
		existing.CopyFrom(run)
	} else {
		s.runs[run.ID] = run
	}
	return nil
}

func (s *Service) Load(_ context.Context, id string) (*execution.Run, error) {
	if id == "" {
		return nil, dao.ErrInvalidID
	}

	s.mux.RLock()
	run, ok := s.runs[id]
	s.mux.RUnlock()

	if !ok {
		return nil, dao.ErrNotFound
	}
	return run, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	if id == "" {
		return dao.ErrInvalidID
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.runs[id]; !ok {
		return dao.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *Service) List(_ context.Context, parameters ...*dao.Parameter) ([]*execution.Run, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	out := make([]*execution.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if !criteria.FilterByState(string(run.State), parameters) {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func New() *Service {
	return &Service{runs: map[string]*execution.Run{}}
}
