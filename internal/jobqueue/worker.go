package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"schedbot/internal/eventbus"
	rtsup "schedbot/internal/runtime/supervisor"
	logx "schedbot/pkg/logx"
)

// ErrPanic wraps a panic raised by the job body.
var ErrPanic = errors.New("jobqueue: job panicked")

// Start launches the worker. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return
	}

	m.mu.Lock()
	m.queue.reopen()
	m.mu.Unlock()

	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	done := make(chan struct{})
	m.sup = sup
	m.stopDone = done

	// The loop itself only returns on shutdown; a panic outside the job body
	// restarts it.
	sup.GoRestart("jobqueue.worker", func(ctx context.Context) error {
		m.run(ctx)
		return ctx.Err()
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))

	// Cleanup runs once the worker has really exited, whether or not a Stop
	// call is still waiting for it.
	go func() {
		_ = sup.Wait(context.Background())
		m.shutdown(sup)
		close(done)
	}()
	m.log.Info("worker started", logx.Int("depth", m.queue.Cap()))
}

// shutdown closes the queue, marks the manager stopped and fails whatever
// was still queued with ErrStopped.
func (m *Manager) shutdown(sup *rtsup.Supervisor) {
	m.runMu.Lock()
	if m.sup != sup {
		m.runMu.Unlock()
		return
	}
	m.mu.Lock()
	m.queue.Close()
	m.mu.Unlock()
	items := m.queue.Drain()
	m.sup, m.stopDone = nil, nil
	m.runMu.Unlock()

	m.failItems(items, ErrStopped, eventbus.JobFailed)
	m.log.Info("worker stopped", logx.Int("discarded", len(items)))
}

// Stop asks the worker to exit after the job in progress (if any) and waits
// until it did or ctx is done. Jobs still queued afterwards fail with
// ErrStopped, and further Add calls fail until Start is called again. When
// ctx ends first the same cleanup still happens as soon as the job returns.
func (m *Manager) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	sup, done := m.sup, m.stopDone
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.log.Warn("worker stop timed out; job still running")
		return ctx.Err()
	}
}

func (m *Manager) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup != nil
}

func (m *Manager) run(ctx context.Context) {
	for {
		p, w := m.queue.Get(ctx, m.flushCh)
		switch w {
		case wakeStop:
			return
		case wakeFlush:
			n := m.failQueued(ErrFlushed, eventbus.JobFlushed)
			m.log.Info("queue flushed", logx.Int("discarded", n))
		case wakeItem:
			m.process(ctx, p)
		}
	}
}

// process runs one job. The registry entry is released and the result posted
// even if something below panics.
func (m *Manager) process(ctx context.Context, p Payload) {
	started := m.now()
	res := Result{
		JobID:     p.JobID,
		Group:     p.Group,
		Requester: p.Requester,
		Command:   p.Command,
		Started:   started,
		Err:       ErrPanic,
	}
	defer func() {
		res.Took = time.Since(started)
		m.finish(res)
	}()

	m.publish(eventbus.JobStarted, JobEvent{JobID: p.JobID, Group: p.Group, Requester: p.Requester, Command: p.Command})
	m.log.Debug("job started",
		logx.String("job_id", p.JobID),
		logx.String("cmd", p.Command),
		logx.Duration("queue_delay", started.Sub(p.Enqueued)))

	res.Data, res.Err = m.execute(ctx, p)
}

// execute calls the executor on a context that outlives worker shutdown, so
// a stop lets the current job finish. JobTimeout still applies.
func (m *Manager) execute(ctx context.Context, p Payload) (data any, err error) {
	if m.exec == nil {
		return nil, fmt.Errorf("jobqueue: no executor for %q", p.Command)
	}
	jobCtx := context.WithoutCancel(ctx)
	if t := m.Limits().JobTimeout; t > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, t)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job panicked",
				logx.String("job_id", p.JobID),
				logx.String("cmd", p.Command),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			data, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return m.exec.Execute(jobCtx, p)
}

func (m *Manager) finish(res Result) {
	m.mu.Lock()
	job, ok := m.reg.take(res.Group, res.Requester, res.JobID)
	m.mu.Unlock()
	if !ok {
		m.log.Warn("finished job has no registry entry", logx.String("job_id", res.JobID))
		return
	}
	res.Meta = job.Meta

	ev := JobEvent{JobID: res.JobID, Group: res.Group, Requester: res.Requester, Command: res.Command, Took: res.Took}
	if res.Err != nil {
		m.failed.Add(1)
		ev.Error = res.Err.Error()
		m.publish(eventbus.JobFailed, ev)
		m.log.Warn("job failed", logx.String("job_id", res.JobID), logx.String("cmd", res.Command), logx.Duration("took", res.Took), logx.Err(res.Err))
	} else {
		m.completed.Add(1)
		m.publish(eventbus.JobCompleted, ev)
		m.log.Debug("job completed", logx.String("job_id", res.JobID), logx.String("cmd", res.Command), logx.Duration("took", res.Took))
	}
	m.deliver(job, res)
}

// failQueued drains the queue and reports cause to every discarded job.
func (m *Manager) failQueued(cause error, eventType string) int {
	return m.failItems(m.queue.Drain(), cause, eventType)
}

func (m *Manager) failItems(items []Payload, cause error, eventType string) int {
	for _, p := range items {
		m.mu.Lock()
		job, ok := m.reg.take(p.Group, p.Requester, p.JobID)
		m.mu.Unlock()
		if !ok {
			continue
		}
		if errors.Is(cause, ErrFlushed) {
			m.flushed.Add(1)
		} else {
			m.failed.Add(1)
		}
		m.publish(eventType, JobEvent{JobID: p.JobID, Group: p.Group, Requester: p.Requester, Command: p.Command, Error: cause.Error()})
		m.deliver(job, Result{
			JobID:     p.JobID,
			Group:     p.Group,
			Requester: p.Requester,
			Command:   p.Command,
			Meta:      job.Meta,
			Err:       cause,
		})
	}
	return len(items)
}

func (m *Manager) deliver(job *PendingJob, res Result) {
	deliver := job.Result.Deliver
	if !job.Result.Domain.Post(func() { deliver(res) }) {
		m.undelivered.Add(1)
		m.log.Warn("result dropped: domain rejected post",
			logx.String("job_id", res.JobID),
			logx.Int64("group", int64(res.Group)))
	}
}
