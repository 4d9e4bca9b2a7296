package engine

import (
	"context"
	"time"
)

// Config controls the worker pool that runs fires, pre-generation jobs and
// escalation sweeps. The app maps config.task_engine into it.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no deadline.
	DefaultTimeout time.Duration

	// RetryMax is the default retry count for tasks that do not set one.
	// Negative disables retries by default.
	RetryMax int

	HistorySize int
}

type OverlapPolicy int

const (
	// OverlapSkipIfRunning rejects a task whose key is already queued or running.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type TaskOptions struct {
	Overlap OverlapPolicy

	// RetryMax < 0 means a single attempt; 0 takes the engine default.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// GroupLimit bounds concurrent runs sharing Task.Group. 0 disables it.
	GroupLimit int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
		if o.RetryMax < 0 {
			o.RetryMax = 0
		}
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.GroupLimit < 0 {
		o.GroupLimit = 0
	}
	return o
}

type HistoryItem struct {
	ID         string
	Name       string
	Key        string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work.
//
// Name groups tasks for logs and metrics ("fire", "pregen", "sweep"). Key
// identifies the work item for overlap gating; it defaults to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Group   string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	// Done, if set, is called once with the final result. It is not called
	// for tasks rejected at enqueue time.
	Done func(err error)
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	DroppedQueueFull uint64
	SkippedOverlap   uint64

	History []HistoryItem
}
