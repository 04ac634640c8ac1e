package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/eventbus"
	logx "schedbot/pkg/logx"
)

const waitFor = 2 * time.Second

type collector struct {
	ch chan Result
}

func newCollector() *collector { return &collector{ch: make(chan Result, 32)} }

// inline runs delivered tasks on the caller's goroutine.
var inline = DomainFunc(func(task func()) bool {
	task()
	return true
})

func (c *collector) result() ResultContext {
	return ResultContext{Domain: inline, Deliver: func(r Result) { c.ch <- r }}
}

func (c *collector) next(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a result")
		return Result{}
	}
}

// gate blocks every job until release is called once per job.
type gate struct {
	started chan Payload
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan Payload, 16), release: make(chan struct{}, 16)}
}

func (g *gate) Execute(ctx context.Context, p Payload) (any, error) {
	g.started <- p
	<-g.release
	return "done:" + p.JobID, nil
}

func (g *gate) waitStarted(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-g.started:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a job to start")
		return Payload{}
	}
}

func newTestManager(t *testing.T, cfg Config, exec Executor) *Manager {
	t.Helper()
	m := New(cfg, exec, logx.Nop(), nil)
	var seq atomic.Uint64
	m.newID = func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func request(g GroupID, u RequesterID, c *collector) Request {
	return Request{Group: g, Requester: u, Command: "create", Result: c.result()}
}

var echo = ExecutorFunc(func(ctx context.Context, p Payload) (any, error) { return p.Command, nil })

func TestAddSingleGuildScenario(t *testing.T) {
	c := newCollector()
	m := newTestManager(t, Config{Depth: 1, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1}}, echo)

	out := m.Add(request(1, 1, c))
	require.True(t, out.Accepted(), out.Message())
	assert.NoError(t, out.Err())
	assert.Equal(t, "job-1", out.JobID)

	out = m.Add(request(1, 2, c))
	assert.Equal(t, CodeRateLimited, out.Code)
	assert.ErrorIs(t, out.Err(), ErrRateLimited)

	out = m.Add(request(2, 1, c))
	assert.Equal(t, CodeGuildCapacity, out.Code)
	assert.ErrorIs(t, out.Err(), ErrGuildCapacity)

	m.Start(context.Background())
	res := c.next(t)
	require.NoError(t, res.Err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, "create", res.Data)

	snap := m.Snapshot()
	assert.Zero(t, snap.Groups, "finished guild must be pruned")
	assert.Zero(t, snap.Pending)

	out = m.Add(request(1, 2, c))
	assert.True(t, out.Accepted(), out.Message())
}

func TestAddDuplicateRequester(t *testing.T) {
	t.Parallel()
	c := newCollector()
	m := newTestManager(t, Config{Depth: 5, Limits: Limits{MaxGuilds: 2, MaxGuildReqs: 3}}, echo)

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	out := m.Add(request(1, 1, c))
	assert.Equal(t, CodeDuplicate, out.Code)
	assert.ErrorIs(t, out.Err(), ErrDuplicate)
	assert.Equal(t, "You already have a job on the queue, please wait until it's finished.", out.Message())

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, 1, snap.QueueLen)
}

func TestAddZeroDepthLeavesRegistryUntouched(t *testing.T) {
	t.Parallel()
	c := newCollector()
	m := newTestManager(t, Config{Depth: 0, Limits: Limits{MaxGuilds: 5, MaxGuildReqs: 5}}, echo)

	out := m.Add(request(1, 1, c))
	assert.Equal(t, CodeQueueFull, out.Code)
	assert.ErrorIs(t, out.Err(), ErrQueueFull)

	snap := m.Snapshot()
	assert.Zero(t, snap.Groups)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, uint64(1), snap.Rejected[CodeQueueFull])
}

func TestAddFillsQueueThenRejects(t *testing.T) {
	t.Parallel()
	const depth = 4
	c := newCollector()
	m := newTestManager(t, Config{Depth: depth, Limits: Limits{MaxGuilds: 10, MaxGuildReqs: 10}}, echo)

	for i := 1; i <= depth; i++ {
		require.True(t, m.Add(request(1, RequesterID(i), c)).Accepted())
	}
	out := m.Add(request(2, 99, c))
	assert.Equal(t, CodeQueueFull, out.Code)

	snap := m.Snapshot()
	assert.Equal(t, depth, snap.Pending)
	assert.Equal(t, 1, snap.Groups, "rolled back guild must not linger")
	assert.Equal(t, depth, snap.QueueLen)
	assert.Equal(t, uint64(depth), snap.Admitted)
}

func TestAddInvalidRequest(t *testing.T) {
	t.Parallel()
	c := newCollector()
	m := newTestManager(t, Config{Depth: 1, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1}}, echo)

	cases := []Request{
		{Group: 0, Requester: 1, Command: "x", Result: c.result()},
		{Group: 1, Requester: 0, Command: "x", Result: c.result()},
		{Group: 1, Requester: 1, Command: " ", Result: c.result()},
		{Group: 1, Requester: 1, Command: "x"},
	}
	for _, req := range cases {
		out := m.Add(req)
		assert.Equal(t, CodeFailed, out.Code)
		assert.ErrorIs(t, out.Err(), ErrInvalidRequest)
		assert.Equal(t, "Unable to add your job to the queue.", out.Message())
	}
	assert.Zero(t, m.Snapshot().Pending)
}

func TestAddConcurrentRespectsGuildLimit(t *testing.T) {
	t.Parallel()
	c := newCollector()
	m := newTestManager(t, Config{Depth: 100, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 5}}, echo)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(u RequesterID) {
			defer wg.Done()
			if m.Add(request(7, u, c)).Accepted() {
				accepted.Add(1)
			}
		}(RequesterID(i))
	}
	wg.Wait()

	assert.Equal(t, int32(5), accepted.Load())
	assert.Equal(t, 5, m.Snapshot().Pending)
}

func TestSlotReleasedOnlyAfterJobFinishes(t *testing.T) {
	t.Parallel()
	c := newCollector()
	g := newGate()
	m := newTestManager(t, Config{Depth: 2, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 2}}, g)
	m.Start(context.Background())

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	g.waitStarted(t)

	// The job left the queue but is still running.
	assert.Equal(t, CodeDuplicate, m.Add(request(1, 1, c)).Code)

	g.release <- struct{}{}
	res := c.next(t)
	require.NoError(t, res.Err)
	assert.Equal(t, "done:job-1", res.Data)

	assert.True(t, m.Add(request(1, 1, c)).Accepted())
	g.waitStarted(t)
	g.release <- struct{}{}
	c.next(t)
}

func TestWorkerSurvivesErrorsAndPanics(t *testing.T) {
	t.Parallel()
	c := newCollector()
	boom := errors.New("boom")
	exec := ExecutorFunc(func(ctx context.Context, p Payload) (any, error) {
		switch p.Command {
		case "fail":
			return nil, boom
		case "panic":
			panic("bad job")
		}
		return "ok", nil
	})
	m := newTestManager(t, Config{Depth: 3, Limits: Limits{MaxGuilds: 3, MaxGuildReqs: 3}}, exec)

	for i, cmd := range []string{"fail", "panic", "fine"} {
		req := request(1, RequesterID(i+1), c)
		req.Command = cmd
		req.Meta = map[string]string{"cmd": cmd}
		require.True(t, m.Add(req).Accepted())
	}
	m.Start(context.Background())

	res := c.next(t)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "fail", res.Meta["cmd"])

	res = c.next(t)
	assert.ErrorIs(t, res.Err, ErrPanic)

	res = c.next(t)
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Data)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Failed)
	assert.Equal(t, uint64(1), snap.Completed)
	assert.Zero(t, snap.Pending)
}

func TestFlushDiscardsQueuedJobs(t *testing.T) {
	t.Parallel()
	c := newCollector()
	g := newGate()
	m := newTestManager(t, Config{Depth: 4, Limits: Limits{MaxGuilds: 2, MaxGuildReqs: 4}}, g)
	m.Start(context.Background())

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	g.waitStarted(t)
	require.True(t, m.Add(request(1, 2, c)).Accepted())
	require.True(t, m.Add(request(2, 3, c)).Accepted())

	m.Flush()
	m.Flush()
	g.release <- struct{}{}

	first := c.next(t)
	require.NoError(t, first.Err, "running job is not affected by flush")

	for range 2 {
		res := c.next(t)
		assert.ErrorIs(t, res.Err, ErrFlushed)
	}

	snap := m.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.Groups)
	assert.Zero(t, snap.QueueLen)
	assert.Equal(t, uint64(2), snap.Flushed)

	// Freed slots can be reused.
	require.True(t, m.Add(request(1, 2, c)).Accepted())
	g.waitStarted(t)
	g.release <- struct{}{}
	assert.NoError(t, c.next(t).Err)
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	c := newCollector()
	exec := ExecutorFunc(func(ctx context.Context, p Payload) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newTestManager(t, Config{Depth: 1, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1, JobTimeout: 20 * time.Millisecond}}, exec)
	m.Start(context.Background())

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	res := c.next(t)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestStopFinishesRunningJobAndFailsQueued(t *testing.T) {
	t.Parallel()
	c := newCollector()
	g := newGate()
	m := newTestManager(t, Config{Depth: 2, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 2}}, g)
	m.Start(context.Background())

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	g.waitStarted(t)
	require.True(t, m.Add(request(1, 2, c)).Accepted())

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		stopped <- m.Stop(ctx)
	}()
	require.Eventually(t, func() bool {
		m.runMu.Lock()
		defer m.runMu.Unlock()
		return m.sup != nil && m.sup.Context().Err() != nil
	}, waitFor, time.Millisecond)

	g.release <- struct{}{}
	assert.NoError(t, c.next(t).Err)
	assert.ErrorIs(t, c.next(t).Err, ErrStopped)
	require.NoError(t, <-stopped)

	assert.False(t, m.Running())
	out := m.Add(request(1, 3, c))
	assert.Equal(t, CodeFailed, out.Code)
	assert.ErrorIs(t, out.Err(), ErrSubmit)
	assert.ErrorIs(t, out.Err(), ErrQueueClosed)
	assert.Zero(t, m.Snapshot().Pending)
}

func TestStopTimeoutCleansUpOnceJobReturns(t *testing.T) {
	t.Parallel()
	c := newCollector()
	g := newGate()
	m := newTestManager(t, Config{Depth: 2, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 2}}, g)
	m.Start(context.Background())

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	g.waitStarted(t)
	require.True(t, m.Add(request(1, 2, c)).Accepted())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Stop(ctx), context.DeadlineExceeded)

	g.release <- struct{}{}
	assert.NoError(t, c.next(t).Err)
	assert.ErrorIs(t, c.next(t).Err, ErrStopped)

	require.Eventually(t, func() bool { return !m.Running() }, waitFor, time.Millisecond)
	snap := m.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.QueueLen)

	out := m.Add(request(1, 3, c))
	assert.Equal(t, CodeFailed, out.Code)
	assert.ErrorIs(t, out.Err(), ErrQueueClosed)
	assert.NoError(t, m.Stop(context.Background()))
}

func TestUndeliverableResultStillFreesSlot(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, Config{Depth: 1, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1}}, echo)
	var posted atomic.Int32
	closed := DomainFunc(func(func()) bool {
		posted.Add(1)
		return false
	})
	req := Request{Group: 1, Requester: 1, Command: "create", Result: ResultContext{Domain: closed, Deliver: func(Result) {}}}
	require.True(t, m.Add(req).Accepted())
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.Snapshot().Undelivered == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), posted.Load())
	assert.Zero(t, m.Snapshot().Pending)
}

func TestApplyChangesLimits(t *testing.T) {
	t.Parallel()
	c := newCollector()
	m := newTestManager(t, Config{Depth: 4, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1}}, echo)

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	assert.Equal(t, CodeGuildCapacity, m.Add(request(2, 1, c)).Code)

	m.Apply(Limits{MaxGuilds: 2, MaxGuildReqs: 1})
	assert.True(t, m.Add(request(2, 1, c)).Accepted())
	assert.Equal(t, 2, m.Limits().MaxGuilds)
}

func TestAddPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	c := newCollector()
	m := New(Config{Depth: 1, Limits: Limits{MaxGuilds: 1, MaxGuildReqs: 1}}, echo, logx.Nop(), bus)

	require.True(t, m.Add(request(1, 1, c)).Accepted())
	m.Add(request(1, 1, c))

	ev := <-events
	assert.Equal(t, eventbus.JobAdmitted, ev.Type)
	ev = <-events
	assert.Equal(t, eventbus.JobRejected, ev.Type)
	data, ok := ev.Data.(JobEvent)
	require.True(t, ok)
	assert.Equal(t, CodeRateLimited.String(), data.Code)
}

func TestOutcomeMessages(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for c := CodeQueued; c < numCodes; c++ {
		msg := Outcome{Code: c}.Message()
		assert.NotEmpty(t, msg, c.String())
		assert.False(t, seen[msg], "duplicate message for %s", c)
		seen[msg] = true
	}
	assert.Equal(t, Outcome{Code: CodeFailed}.Message(), Outcome{Code: Code(42)}.Message())
	assert.Equal(t, "unknown", Code(42).String())
}
