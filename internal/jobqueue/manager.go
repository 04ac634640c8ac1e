package jobqueue

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"schedbot/internal/eventbus"
	rtsup "schedbot/internal/runtime/supervisor"
	logx "schedbot/pkg/logx"
)

// Manager owns the registry, the dispatch queue and the single worker.
type Manager struct {
	// mu guards limits and reg. Add holds it for the whole admission so the
	// limit checks and the registration are one atomic step.
	mu     sync.Mutex
	limits Limits
	reg    *Registry

	queue *DispatchQueue
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus

	flushCh chan struct{}

	runMu    sync.Mutex
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	now   func() time.Time
	newID func() string

	admitted    atomic.Uint64
	rejected    [numCodes]atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	flushed     atomic.Uint64
	undelivered atomic.Uint64
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		limits:  cfg.Limits,
		reg:     NewRegistry(),
		queue:   NewDispatchQueue(cfg.Depth),
		exec:    exec,
		log:     log.With(logx.String("comp", "jobqueue")),
		bus:     bus,
		flushCh: make(chan struct{}, 1),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Add runs admission for req. It never blocks on the worker.
//
// Checks run in a fixed order and the first failing one decides the outcome:
// guild capacity, per-guild request limit, duplicate requester, queue space.
// A request that passes all checks is registered before it is enqueued and
// unregistered again if the enqueue fails.
func (m *Manager) Add(req Request) Outcome {
	if err := validate(req); err != nil {
		m.log.Warn("job rejected: invalid request", logx.Int64("group", int64(req.Group)), logx.Err(err))
		return m.reject(req, CodeFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.reg.Has(req.Group) && m.reg.Groups() >= m.limits.MaxGuilds {
		m.log.Warn("job rejected: guild capacity",
			logx.Int64("group", int64(req.Group)),
			logx.Int("groups", m.reg.Groups()),
			logx.Int("max_guilds", m.limits.MaxGuilds))
		return m.reject(req, CodeGuildCapacity, ErrGuildCapacity)
	}
	if n := m.reg.Len(req.Group); n >= m.limits.MaxGuildReqs {
		m.log.Warn("job rejected: guild request limit",
			logx.Int64("group", int64(req.Group)),
			logx.Int("pending", n),
			logx.Int("max_guild_reqs", m.limits.MaxGuildReqs))
		return m.reject(req, CodeRateLimited, ErrRateLimited)
	}
	if _, dup := m.reg.Pending(req.Group, req.Requester); dup {
		m.log.Debug("job rejected: duplicate",
			logx.Int64("group", int64(req.Group)),
			logx.Int64("requester", int64(req.Requester)))
		return m.reject(req, CodeDuplicate, ErrDuplicate)
	}

	now := m.now()
	job := &PendingJob{
		JobID:     m.newID(),
		Group:     req.Group,
		Requester: req.Requester,
		Command:   req.Command,
		Result:    req.Result,
		Meta:      req.Meta,
		Admitted:  now,
	}
	m.reg.Put(job)

	err := m.queue.TryPut(Payload{
		JobID:     job.JobID,
		Group:     req.Group,
		Requester: req.Requester,
		Command:   req.Command,
		Args:      append([]string(nil), req.Args...),
		Enqueued:  now,
	})
	if err != nil {
		m.reg.Remove(req.Group, req.Requester)
		if errors.Is(err, ErrQueueFull) {
			m.log.Warn("job rejected: queue full", logx.Int("depth", m.queue.Cap()))
			return m.reject(req, CodeQueueFull, ErrQueueFull)
		}
		m.log.Error("job submission failed", logx.Int64("group", int64(req.Group)), logx.Err(err))
		return m.reject(req, CodeFailed, fmt.Errorf("%w: %w", ErrSubmit, err))
	}

	m.admitted.Add(1)
	m.log.Debug("job queued",
		logx.String("job_id", job.JobID),
		logx.String("cmd", job.Command),
		logx.Int64("group", int64(job.Group)),
		logx.Int64("requester", int64(job.Requester)))
	m.publish(eventbus.JobAdmitted, JobEvent{JobID: job.JobID, Group: job.Group, Requester: job.Requester, Command: job.Command, Code: CodeQueued.String()})
	return queued(job.JobID)
}

func validate(req Request) error {
	switch {
	case req.Group == 0:
		return fmt.Errorf("%w: missing group", ErrInvalidRequest)
	case req.Requester == 0:
		return fmt.Errorf("%w: missing requester", ErrInvalidRequest)
	case strings.TrimSpace(req.Command) == "":
		return fmt.Errorf("%w: missing command", ErrInvalidRequest)
	case !req.Result.valid():
		return fmt.Errorf("%w: missing result context", ErrInvalidRequest)
	}
	return nil
}

func (m *Manager) reject(req Request, code Code, err error) Outcome {
	m.rejected[code].Add(1)
	m.publish(eventbus.JobRejected, JobEvent{Group: req.Group, Requester: req.Requester, Command: req.Command, Code: code.String(), Error: errString(err)})
	return rejected(code, err)
}

// Flush asks the worker to discard everything still queued. It returns
// immediately; repeated calls before the worker reacts coalesce.
func (m *Manager) Flush() {
	select {
	case m.flushCh <- struct{}{}:
	default:
	}
}

// Apply replaces the admission limits. Jobs already admitted are unaffected.
// The queue depth is fixed at construction.
func (m *Manager) Apply(l Limits) {
	m.mu.Lock()
	prev := m.limits
	m.limits = l
	m.mu.Unlock()
	if prev != l {
		m.log.Info("limits updated",
			logx.Int("max_guilds", l.MaxGuilds),
			logx.Int("max_guild_reqs", l.MaxGuildReqs),
			logx.Duration("job_timeout", l.JobTimeout))
	}
}

func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Groups:   m.reg.Groups(),
		Pending:  m.reg.Total(),
		PerGroup: m.reg.Counts(),
		Limits:   m.limits,
	}
	m.mu.Unlock()

	s.Running = m.Running()
	s.QueueLen = m.queue.Len()
	s.QueueCap = m.queue.Cap()
	s.Admitted = m.admitted.Load()
	s.Completed = m.completed.Load()
	s.Failed = m.failed.Load()
	s.Flushed = m.flushed.Load()
	s.Undelivered = m.undelivered.Load()
	s.Rejected = make(map[Code]uint64, numCodes)
	for c := CodeGuildCapacity; c < numCodes; c++ {
		if n := m.rejected[c].Load(); n > 0 {
			s.Rejected[c] = n
		}
	}
	return s
}

func (m *Manager) publish(typ string, ev JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
