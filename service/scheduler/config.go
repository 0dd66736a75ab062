package scheduler

import "time"

// Config controls the dispatch loop and worker pool.
type Config struct {
	// PollingInterval is how often the dispatch loop re-evaluates active runs.
	PollingInterval time.Duration
	// WorkerCount is the number of workers executing job runs.
	WorkerCount int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 20 * time.Millisecond,
		WorkerCount:     5,
	}
}

func (c *Config) Init() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultConfig().PollingInterval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultConfig().WorkerCount
	}
}
