package pipeline

import (
	"github.com/viant/afs/storage"
)

// Option customises the pipeline DAO.
type Option func(*Service)

// WithBaseURL sets the base URL resolved against relative locations.
func WithBaseURL(baseURL string) Option {
	return func(s *Service) {
		s.baseURL = baseURL
	}
}

// WithFsOptions sets storage options passed to every afs download, e.g. an
// embedded file system.
func WithFsOptions(options ...storage.Option) Option {
	return func(s *Service) {
		s.fsOptions = options
	}
}
