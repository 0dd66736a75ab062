package extension

import (
	"sync"

	"github.com/conveyor-ci/conveyor/model/types"
)

// Actions is the registry of action services available to `uses` steps.
type Actions struct {
	types    *Types
	services map[string]types.Service
	mux      sync.RWMutex
}

func (s *Actions) Types() *Types {
	return s.types
}

// Lookup returns a service by name
func (s *Actions) Lookup(name string) types.Service {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.services[name]
}

// Register registers a service
func (s *Actions) Register(service types.Service) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.services[service.Name()] = service
}

// Names lists registered service names.
func (s *Actions) Names() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// NewActions creates a new action registry.
func NewActions() *Actions {
	return &Actions{
		types:    NewTypes(),
		services: make(map[string]types.Service),
	}
}
