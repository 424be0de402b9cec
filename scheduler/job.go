package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Worker names known to the scheduler.
const (
	WorkerNewestIssue = "newest_issue"
	WorkerPoll        = "poll"
)

// PollTag is the unique work tag of the recurring poll job.
const PollTag = "poll"

// NetworkType is the network a job needs before it may run.
type NetworkType string

const (
	NetworkConnected NetworkType = "connected"
	NetworkUnmetered NetworkType = "unmetered"
)

// NetworkState is the current network as seen by a NetworkMonitor.
type NetworkState struct {
	Connected bool
	Unmetered bool
}

// satisfies reports whether the state meets the network requirement.
func (s NetworkState) satisfies(t NetworkType) bool {
	switch t {
	case NetworkUnmetered:
		return s.Connected && s.Unmetered
	case NetworkConnected:
		return s.Connected
	}
	return true
}

// NetworkMonitor reports the current network.
type NetworkMonitor interface {
	Network(ctx context.Context) NetworkState
}

// NetworkFunc adapts a function to NetworkMonitor.
type NetworkFunc func(ctx context.Context) NetworkState

// Network implements NetworkMonitor.
func (f NetworkFunc) Network(ctx context.Context) NetworkState { return f(ctx) }

// Job is one unit of scheduled work.
type Job struct {
	ID       string        `json:"id"`
	Tag      string        `json:"tag"`
	Worker   string        `json:"worker"`
	RunAt    time.Time     `json:"run_at"`
	Interval time.Duration `json:"interval,omitempty"` // recurring when > 0
	Network  NetworkType   `json:"network"`
	Attempts int           `json:"attempts,omitempty"`
}

// Periodic reports whether the job recurs.
func (j Job) Periodic() bool { return j.Interval > 0 }

// Worker runs jobs of one kind.
type Worker interface {
	Run(ctx context.Context, job Job) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, job Job) error

// Run implements Worker.
func (f WorkerFunc) Run(ctx context.Context, job Job) error { return f(ctx, job) }

// JobState is the state of a job in its chain.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
)

// JobInfo describes a job registered under a tag.
type JobInfo struct {
	Job
	State JobState
}

// WorkStore persists job chains by tag.
type WorkStore interface {
	PutWork(ctx context.Context, tag string, data []byte) error
	DeleteWork(ctx context.Context, tag string) error
	ListWork(ctx context.Context) (map[string][]byte, error)
}

func encodeChain(chain []*Job) ([]byte, error) {
	return json.Marshal(chain)
}

func decodeChain(tag string, data []byte) ([]*Job, error) {
	var chain []*Job
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, fmt.Errorf("decoding work %q: %w", tag, err)
	}
	return chain, nil
}
