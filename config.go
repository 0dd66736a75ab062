package conveyor

import (
	"fmt"

	"github.com/conveyor-ci/conveyor/service/api"
	"github.com/conveyor-ci/conveyor/service/scheduler"
)

// Config holds the engine configuration.
type Config struct {
	// PipelinesBaseURL resolves relative pipeline locations (afs URL).
	PipelinesBaseURL string `json:"pipelinesBaseURL,omitempty" yaml:"pipelinesBaseURL,omitempty"`
	// RunStoreURL persists runs as JSON under this afs URL; empty keeps runs
	// in memory only.
	RunStoreURL string `json:"runStoreURL,omitempty" yaml:"runStoreURL,omitempty"`
	// CacheBaseURL backs the cache action (afs URL).
	CacheBaseURL string `json:"cacheBaseURL,omitempty" yaml:"cacheBaseURL,omitempty"`
	// ArtifactBaseURL backs the artifact action (afs URL).
	ArtifactBaseURL string `json:"artifactBaseURL,omitempty" yaml:"artifactBaseURL,omitempty"`
	// WatchDirs lists directories whose pipeline definitions reload on change.
	WatchDirs []string `json:"watchDirs,omitempty" yaml:"watchDirs,omitempty"`

	Scheduler scheduler.Config `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	HTTP      api.Config       `json:"http,omitempty" yaml:"http,omitempty"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CacheBaseURL:    "file:///tmp/conveyor/cache",
		ArtifactBaseURL: "file:///tmp/conveyor/artifacts",
		Scheduler:       scheduler.DefaultConfig(),
		HTTP:            api.Config{Addr: ":8080", RateLimit: 120},
	}
}

// Validate reports obviously broken settings.
func (c *Config) Validate() error {
	if c.Scheduler.WorkerCount < 0 {
		return fmt.Errorf("scheduler worker count cannot be negative")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http rate limit cannot be negative")
	}
	return nil
}
