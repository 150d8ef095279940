package caravan

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler drives periodic work: one ticker goroutine per job, each tick
// handed to the job's callback on its own goroutine so a slow callback
// never delays or queues later ticks. Overlap control belongs to the
// callback; background agents use a try-lock and report skipped ticks.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*schedulerJob
	wg     sync.WaitGroup
	logger *slog.Logger
	closed bool
}

type schedulerJob struct {
	interval time.Duration
	stop     chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerLogger sets the logger. Defaults to a no-op logger.
func SchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler creates an empty scheduler. Jobs are added with Schedule
// and the whole scheduler is torn down with Shutdown.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:   make(map[string]*schedulerJob),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule starts ticking fire every interval under the given id. An
// existing job with the same id is replaced and the new interval is
// measured from this call, not from the old job's last tick.
func (s *Scheduler) Schedule(id string, interval time.Duration, fire func()) {
	if interval <= 0 || fire == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.jobs[id]; ok {
		close(prev.stop)
	}
	job := &schedulerJob{interval: interval, stop: make(chan struct{})}
	s.jobs[id] = job

	s.wg.Add(1)
	go s.loop(job, fire)
	s.logger.Debug("job scheduled", "job_id", id, "interval", interval)
}

func (s *Scheduler) loop(job *schedulerJob, fire func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()
	for {
		select {
		case <-job.stop:
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				fire()
			}()
		}
	}
}

// Remove stops the job's ticker. A tick already handed off keeps running.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	close(job.stop)
	delete(s.jobs, id)
	s.logger.Debug("job removed", "job_id", id)
}

// Interval reports the configured interval for a job, or false when the
// id is unknown.
func (s *Scheduler) Interval(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, false
	}
	return job.interval, true
}

// Shutdown stops every ticker and waits for in-flight callbacks to
// return. Callers that want a prompt stop should cancel the context
// their callbacks run under first.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, job := range s.jobs {
			close(job.stop)
		}
		s.jobs = map[string]*schedulerJob{}
	}
	s.mu.Unlock()
	s.wg.Wait()
}
