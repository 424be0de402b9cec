// Package scheduler runs deferred background jobs: one-time jobs with a
// delay and recurring jobs, each gated by a network constraint.
//
// Work is unique per tag. A tag holds a chain of jobs run in order; only the
// head of a chain may run. Chains are persisted so scheduled work survives a
// restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/issue-cache/telemetry"
)

// Config configures a Scheduler.
type Config struct {
	RecheckInterval time.Duration // delay before re-checking unmet constraints (default: 1m)
	RetryDelay      time.Duration // delay before the first retry of a failed job, doubled per attempt (default: 30s)
	MaxAttempts     int           // failed runs before a one-time job is dropped (default: 5)
	PollInterval    time.Duration // interval of the recurring poll job (default: 15m)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		RecheckInterval: 1 * time.Minute,
		RetryDelay:      30 * time.Second,
		MaxAttempts:     5,
		PollInterval:    15 * time.Minute,
	}
}

// idleWait bounds how long the loop sleeps without scheduled work.
const idleWait = time.Hour

// Scheduler runs jobs registered under unique tags.
type Scheduler struct {
	store    WorkStore
	network  NetworkMonitor
	wifiOnly func() bool
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	workers  map[string]Worker
	chains   map[string][]*Job
	running  map[string]string // tag -> running job id
	started  bool
	starting bool // set while Start restores work
	stopCh   chan struct{}
	doneCh   chan struct{}
	wake     chan struct{}
	jobs     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithWifiOnly sets the function reporting whether downloads need an
// unmetered network.
func WithWifiOnly(f func() bool) Option {
	return func(s *Scheduler) {
		s.wifiOnly = f
	}
}

// WithConfig sets the scheduler configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		def := DefaultConfig()
		if cfg.RecheckInterval <= 0 {
			cfg.RecheckInterval = def.RecheckInterval
		}
		if cfg.RetryDelay <= 0 {
			cfg.RetryDelay = def.RetryDelay
		}
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = def.MaxAttempts
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = def.PollInterval
		}
		s.config = cfg
	}
}

// New creates a scheduler persisting work in store and checking constraints
// with network.
func New(store WorkStore, network NetworkMonitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		network:  network,
		wifiOnly: func() bool { return false },
		config:   DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		workers:  make(map[string]Worker),
		chains:   make(map[string][]*Job),
		running:  make(map[string]string),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Register installs the worker running jobs named name.
func (s *Scheduler) Register(name string, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = w
}

// Start restores persisted work and starts running due jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.mu.Unlock()

	stored, err := s.store.ListWork(ctx)
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		return fmt.Errorf("restoring work: %w", err)
	}

	s.mu.Lock()
	for tag, data := range stored {
		chain, err := decodeChain(tag, data)
		if err != nil {
			s.logger.Warn("dropping unreadable work", "tag", tag, "error", err)
			continue
		}
		if _, ok := s.chains[tag]; !ok && len(chain) > 0 {
			s.chains[tag] = chain
		}
	}
	s.starting = false
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	restored := len(s.chains)
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "tags", restored)
	go s.loop(ctx)
	return nil
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-done
		s.jobs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScheduleNewestIssueDownload schedules a newest-issue download under tag
// after delay. It needs an unmetered network when wifi-only is on, any
// network otherwise. A pending job under tag is replaced; a running one gets
// the new job appended after it.
func (s *Scheduler) ScheduleNewestIssueDownload(ctx context.Context, tag string, delay time.Duration) error {
	network := NetworkConnected
	if s.wifiOnly() {
		network = NetworkUnmetered
	}
	job := &Job{
		ID:      uuid.NewString(),
		Tag:     tag,
		Worker:  WorkerNewestIssue,
		RunAt:   s.now().Add(delay),
		Network: network,
	}
	return s.appendOrReplace(ctx, job)
}

// EnsurePollingWorkerIsScheduled installs the recurring poll job unless work
// is already registered under PollTag.
func (s *Scheduler) EnsurePollingWorkerIsScheduled(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.chains[PollTag]) > 0 {
		return nil
	}
	job := &Job{
		ID:       uuid.NewString(),
		Tag:      PollTag,
		Worker:   WorkerPoll,
		RunAt:    s.now(),
		Interval: s.config.PollInterval,
		Network:  NetworkConnected,
	}
	s.chains[PollTag] = []*Job{job}
	if err := s.persistLocked(ctx, PollTag); err != nil {
		delete(s.chains, PollTag)
		return err
	}
	s.logger.Info("poll job scheduled", "id", job.ID, "interval", job.Interval)
	s.notify()
	return nil
}

// Cancel removes the pending work under tag. A running job finishes.
func (s *Scheduler) Cancel(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[tag]
	if id, ok := s.running[tag]; ok && len(chain) > 0 && chain[0].ID == id {
		s.chains[tag] = chain[:1:1]
	} else {
		delete(s.chains, tag)
	}
	return s.persistLocked(ctx, tag)
}

// Work returns the jobs registered under tag, head first.
func (s *Scheduler) Work(tag string) []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[tag]
	infos := make([]JobInfo, 0, len(chain))
	for _, j := range chain {
		state := JobPending
		if s.running[tag] == j.ID {
			state = JobRunning
		}
		infos = append(infos, JobInfo{Job: *j, State: state})
	}
	return infos
}

// Tags returns the tags with registered work.
func (s *Scheduler) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.chains))
	for tag := range s.chains {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (s *Scheduler) appendOrReplace(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.chains[job.Tag]
	chain := []*Job{job}
	if id, ok := s.running[job.Tag]; ok && len(prev) > 0 && prev[0].ID == id {
		chain = []*Job{prev[0], job}
		s.logger.Debug("appending after running job", "tag", job.Tag, "running", id, "id", job.ID)
	} else if len(prev) > 0 {
		s.logger.Debug("replacing pending job", "tag", job.Tag, "replaced", prev[0].ID, "id", job.ID)
	}

	s.chains[job.Tag] = chain
	if err := s.persistLocked(ctx, job.Tag); err != nil {
		s.chains[job.Tag] = prev
		return err
	}
	s.logger.Info("job scheduled", "tag", job.Tag, "worker", job.Worker, "id", job.ID,
		"run_at", job.RunAt, "network", job.Network)
	s.notify()
	return nil
}

func (s *Scheduler) persistLocked(ctx context.Context, tag string) error {
	chain := s.chains[tag]
	if len(chain) == 0 {
		delete(s.chains, tag)
		if err := s.store.DeleteWork(ctx, tag); err != nil {
			return fmt.Errorf("deleting work %q: %w", tag, err)
		}
		return nil
	}
	data, err := encodeChain(chain)
	if err != nil {
		return err
	}
	if err := s.store.PutWork(ctx, tag, data); err != nil {
		return fmt.Errorf("persisting work %q: %w", tag, err)
	}
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-s.wake:
		case <-s.stopCh:
			s.logger.Info("scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		}

		timer.Reset(s.dispatch(ctx))
	}
}

// dispatch starts every due job whose constraint is met and returns how long
// to wait for the next due job.
func (s *Scheduler) dispatch(ctx context.Context) time.Duration {
	now := s.now()

	s.mu.Lock()
	var due []Job
	for tag, chain := range s.chains {
		if _, busy := s.running[tag]; busy || len(chain) == 0 {
			continue
		}
		if !chain[0].RunAt.After(now) {
			due = append(due, *chain[0])
		}
	}
	s.mu.Unlock()

	var state NetworkState
	if len(due) > 0 {
		state = s.network.Network(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range due {
		chain := s.chains[j.Tag]
		if len(chain) == 0 || chain[0].ID != j.ID {
			continue
		}
		head := chain[0]
		if !state.satisfies(head.Network) {
			head.RunAt = now.Add(s.config.RecheckInterval)
			s.logger.Debug("constraint not met, deferring", "tag", head.Tag, "id", head.ID, "network", head.Network)
			if err := s.persistLocked(ctx, head.Tag); err != nil {
				s.logger.Warn("persisting deferred job failed", "tag", head.Tag, "error", err)
			}
			continue
		}
		s.startLocked(ctx, head)
	}

	wait := idleWait
	for tag, chain := range s.chains {
		if _, busy := s.running[tag]; busy || len(chain) == 0 {
			continue
		}
		if d := chain[0].RunAt.Sub(now); d < wait {
			wait = max(d, 0)
		}
	}
	return wait
}

func (s *Scheduler) startLocked(ctx context.Context, job *Job) {
	w, ok := s.workers[job.Worker]
	if !ok {
		s.logger.Error("no worker registered, dropping job", "tag", job.Tag, "worker", job.Worker, "id", job.ID)
		s.chains[job.Tag] = s.chains[job.Tag][1:]
		if err := s.persistLocked(ctx, job.Tag); err != nil {
			s.logger.Warn("persisting work failed", "tag", job.Tag, "error", err)
		}
		return
	}

	s.running[job.Tag] = job.ID
	snapshot := *job
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		start := time.Now()
		s.logger.Info("job started", "tag", snapshot.Tag, "worker", snapshot.Worker, "id", snapshot.ID, "attempt", snapshot.Attempts+1)
		err := s.runSafe(ctx, w, snapshot)
		s.finish(ctx, snapshot, err, time.Since(start))
	}()
}

func (s *Scheduler) runSafe(ctx context.Context, w Worker, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panicked: %v", p)
		}
	}()
	return w.Run(ctx, job)
}

func (s *Scheduler) finish(ctx context.Context, job Job, err error, duration time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	telemetry.RecordSchedulerRun(ctx, job.Worker, outcome)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.notify()

	delete(s.running, job.Tag)
	chain := s.chains[job.Tag]
	if len(chain) == 0 || chain[0].ID != job.ID {
		return
	}
	head := chain[0]
	now := s.now()

	switch {
	case err == nil && head.Periodic():
		head.Attempts = 0
		head.RunAt = now.Add(head.Interval)
		s.logger.Info("job finished", "tag", job.Tag, "id", job.ID, "duration", duration, "next_run", head.RunAt)
	case err == nil:
		s.chains[job.Tag] = chain[1:]
		s.logger.Info("job finished", "tag", job.Tag, "id", job.ID, "duration", duration)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown: keep the job for the next start.
		s.logger.Info("job interrupted by shutdown", "tag", job.Tag, "id", job.ID)
	default:
		head.Attempts++
		if head.Attempts >= s.config.MaxAttempts {
			if head.Periodic() {
				head.Attempts = 0
				head.RunAt = now.Add(head.Interval)
			} else {
				s.chains[job.Tag] = chain[1:]
			}
			s.logger.Warn("job failed, giving up", "tag", job.Tag, "id", job.ID, "attempts", s.config.MaxAttempts, "error", err)
		} else {
			head.RunAt = now.Add(s.config.RetryDelay << (head.Attempts - 1))
			s.logger.Warn("job failed, retrying", "tag", job.Tag, "id", job.ID, "attempt", head.Attempts, "retry_at", head.RunAt, "error", err)
		}
	}

	if perr := s.persistLocked(ctx, job.Tag); perr != nil {
		s.logger.Warn("persisting work failed", "tag", job.Tag, "error", perr)
	}
}
