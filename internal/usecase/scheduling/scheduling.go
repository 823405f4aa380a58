// Package scheduling runs the wallet's background work: named maintenance
// jobs on cron expressions or intervals, and short-lived pollers that follow
// a single transaction until they cancel themselves.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"walletbridge/internal/domain"
)

// Job names used by walletd.
const (
	JobCredentialMonitor = "credential-monitor"
	JobDedupePrune       = "dedupe-prune"
)

const defaultRunTimeout = 5 * time.Minute

// RunFunc is one invocation of a job or poller.
type RunFunc func(ctx context.Context) error

// Job is a named recurring maintenance job.
type Job struct {
	Name     string
	Schedule string // "*/5 * * * *", "@hourly" or "30s"
	Run      RunFunc
}

// JobStatus is the run history of a named job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next,omitzero"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunTimeout bounds every invocation. Defaults to 5 minutes.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

type entry struct {
	cronID cron.EntryID
	poller bool
	status JobStatus
}

// Scheduler multiplexes jobs and pollers on one cron runner. An entry never
// overlaps itself: a tick that fires while the previous run is in progress
// is dropped.
type Scheduler struct {
	cron       *cron.Cron
	runTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger, opts ...Option) *Scheduler {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runTimeout: defaultRunTimeout,
		logger:     logger,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a named job.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return domain.NewDomainError("scheduling.Add", domain.ErrInvalidInput, "job needs a name and a run func")
	}
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return domain.NewDomainError("scheduling.Add", domain.ErrInvalidInput, fmt.Sprintf("job %s: %v", job.Name, err))
	}
	if err := s.insert(job.Name, sched, job.Run, false, job.Schedule); err != nil {
		return err
	}
	s.logger.Info("job scheduled", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Poll runs fn every interval under id until Cancel(id) is called, which fn
// itself may do.
func (s *Scheduler) Poll(id string, every time.Duration, fn RunFunc) error {
	if every <= 0 {
		return domain.NewDomainError("scheduling.Poll", domain.ErrInvalidInput, "interval must be positive")
	}
	if err := s.insert(id, fixedDelay(every), fn, true, every.String()); err != nil {
		return err
	}
	s.logger.Debug("poller added", "id", id, "every", every)
	return nil
}

func (s *Scheduler) insert(id string, sched cron.Schedule, fn RunFunc, poller bool, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[id]; dup {
		return domain.NewDomainError("scheduling", domain.ErrInvalidInput, fmt.Sprintf("%q already scheduled", id))
	}
	e := &entry{poller: poller, status: JobStatus{Name: id, Schedule: spec}}
	e.cronID = s.cron.Schedule(sched, s.wrap(id, e, fn))
	s.entries[id] = e
	return nil
}

// Cancel removes a job or poller. It reports whether id was scheduled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.cron.Remove(e.cronID)
	return true
}

// Has reports whether id is scheduled.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// NextRun returns when id fires next. It is unknown until Start.
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(e.cronID).Next
	return next, !next.IsZero()
}

// Pollers returns the number of active pollers.
func (s *Scheduler) Pollers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.poller {
			n++
		}
	}
	return n
}

// Status returns the history of every named job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.entries))
	ids := make([]cron.EntryID, 0, len(s.entries))
	for _, e := range s.entries {
		if e.poller {
			continue
		}
		out = append(out, e.status)
		ids = append(ids, e.cronID)
	}
	s.mu.Unlock()

	for i := range out {
		out[i].Next = s.cron.Entry(ids[i]).Next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) wrap(id string, e *entry, fn RunFunc) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.runCtx
		s.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(parent, s.runTimeout)
		defer cancel()

		started := time.Now()
		err := fn(ctx)
		elapsed := time.Since(started)

		s.mu.Lock()
		e.status.Runs++
		e.status.LastRun = started
		e.status.LastError = ""
		if err != nil {
			e.status.Failures++
			e.status.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("background run failed", "id", id, "error", err, "elapsed", elapsed)
			return
		}
		s.logger.Debug("background run done", "id", id, "elapsed", elapsed)
	})
}

// Start begins firing entries. Runs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	// Runs lock mu to record their status.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a five-field cron expression, a cron descriptor, or
// a positive Go duration.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a cron expression nor a duration", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("%q is not a positive duration", spec)
	}
	return fixedDelay(d), nil
}

// fixedDelay fires a constant time after the previous tick. cron.Every
// rounds to whole seconds; pollers in tests run faster than that.
type fixedDelay time.Duration

func (d fixedDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug("cron: "+msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, kv...)...)
}
