package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedbot/internal/jobqueue"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []string
	replyTo []int
	deleted []kit.MessageRef
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	r := 0
	if opt != nil {
		r = opt.ReplyTo
	}
	f.replyTo = append(f.replyTo, r)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1000 + len(f.texts)}, nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeAdapter) last() string {
	all := f.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// inline runs delivered results on the calling goroutine.
var inline = jobqueue.DomainFunc(func(task func()) bool { task(); return true })

type harness struct {
	svc   *Service
	ad    *fakeAdapter
	jobs  *jobqueue.Manager
	store storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec := schedule.NewExecutor(st, logx.Nop(), schedule.WithLocation(time.UTC))
	jobs := jobqueue.New(jobqueue.Config{Depth: 8, Limits: jobqueue.Limits{MaxGuilds: 4, MaxGuildReqs: 4}}, exec, logx.Nop(), nil)
	jobs.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = jobs.Stop(ctx)
	})

	svc := New(Deps{Jobs: jobs, Domain: inline, Store: st, Log: logx.Nop()})
	return &harness{svc: svc, ad: &fakeAdapter{}, jobs: jobs, store: st}
}

func (h *harness) request(from int64, cmd string, args ...string) *router.Request {
	pos, flags := splitTestFlags(args)
	return &router.Request{
		Chat:      kit.ChatTarget{ChatID: -100},
		MessageID: 42,
		FromID:    from,
		Command:   cmd,
		Args:      pos,
		Flags:     flags,
		ReqID:     "rid-test",
		Adapter:   h.ad,
		Logger:    logx.Nop(),
	}
}

// splitTestFlags understands only "--key value" pairs.
func splitTestFlags(args []string) ([]string, map[string]string) {
	var pos []string
	flags := map[string]string{}
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "--") && i+1 < len(args) {
			flags[strings.TrimPrefix(args[i], "--")] = args[i+1]
			i++
			continue
		}
		pos = append(pos, args[i])
	}
	return pos, flags
}

func (h *harness) handler(name string) router.HandlerFunc {
	for _, c := range h.svc.Commands() {
		if c.Name == name {
			return c.Handle
		}
	}
	panic("no command " + name)
}

// waitTexts waits until n messages were sent. Admission replies and job
// results race, so callers must not depend on their order.
func (h *harness) waitTexts(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.ad.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.ad.all()
}

func containing(texts []string, sub string) int {
	for i, s := range texts {
		if strings.Contains(s, sub) {
			return i
		}
	}
	return -1
}

func TestQueuedCommandRepliesTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queuedMsg := jobqueue.Outcome{Code: jobqueue.CodeQueued}.Message()

	require.NoError(t, h.handler("init")(ctx, h.request(7, "init", "raid", "night")))
	texts := h.waitTexts(t, 2)
	assert.ElementsMatch(t, []string{queuedMsg, `Schedule "raid night" created. Add events with /create "raid night" <title> <start> [end].`}, texts)
	h.ad.mu.Lock()
	assert.Equal(t, []int{42, 42}, h.ad.replyTo)
	h.ad.mu.Unlock()

	require.NoError(t, h.handler("create")(ctx, h.request(7, "create", "raid night", "Vault", "6:30pm", "--date", "2030-01-04")))
	texts = h.waitTexts(t, 4)
	assert.GreaterOrEqual(t, containing(texts[2:], "Event added to raid night"), 0)

	require.NoError(t, h.handler("events")(ctx, h.request(8, "events")))
	texts = h.waitTexts(t, 6)
	assert.GreaterOrEqual(t, containing(texts[4:], "- Vault [raid night] Fri 04 Jan 18:30"), 0)
}

func TestCreateArgumentErrorsAreNotQueued(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.handler("create")(context.Background(), h.request(7, "create", "raids", "title", "25:99")))
	assert.Equal(t, []string{`invalid time "25:99"`}, h.ad.all())
	assert.Zero(t, h.jobs.Snapshot().Admitted)
}

func TestJobErrorIsShownToUser(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.handler("delete")(context.Background(), h.request(7, "delete", "ghost")))
	texts := h.waitTexts(t, 2)
	assert.GreaterOrEqual(t, containing(texts, `no schedule named "ghost"`), 0)

	require.NoError(t, h.handler("delete")(context.Background(), h.request(7, "delete")))
	assert.Equal(t, "usage: /delete <schedule>", h.ad.last())
}

func TestDeleteAfterRemovesResultReply(t *testing.T) {
	h := newHarness(t)
	h.svc.SetDeleteAfter(10 * time.Millisecond)
	require.NoError(t, h.handler("schedules")(context.Background(), h.request(7, "schedules")))
	texts := h.waitTexts(t, 2)
	idx := containing(texts, "No schedules yet")
	require.GreaterOrEqual(t, idx, 0)

	require.Eventually(t, func() bool {
		h.ad.mu.Lock()
		defer h.ad.mu.Unlock()
		return len(h.ad.deleted) == 1
	}, 2*time.Second, 5*time.Millisecond)
	// Only the result reply is removed, not the admission reply.
	h.ad.mu.Lock()
	assert.Equal(t, 1000+idx+1, h.ad.deleted[0].MessageID)
	h.ad.mu.Unlock()
}

type fakeQueue struct {
	mu      sync.Mutex
	reqs    []jobqueue.Request
	outcome jobqueue.Outcome
	flushes int
	snap    jobqueue.Snapshot
}

func (q *fakeQueue) Add(req jobqueue.Request) jobqueue.Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return q.outcome
}

func (q *fakeQueue) Flush() {
	q.mu.Lock()
	q.flushes++
	q.mu.Unlock()
}

func (q *fakeQueue) Snapshot() jobqueue.Snapshot { return q.snap }

func TestRejectionRepliesWithOutcomeMessage(t *testing.T) {
	for _, code := range []jobqueue.Code{jobqueue.CodeGuildCapacity, jobqueue.CodeRateLimited, jobqueue.CodeDuplicate, jobqueue.CodeQueueFull, jobqueue.CodeFailed} {
		t.Run(code.String(), func(t *testing.T) {
			q := &fakeQueue{outcome: jobqueue.Outcome{Code: code}}
			ad := &fakeAdapter{}
			svc := New(Deps{Jobs: q, Domain: inline})
			req := &router.Request{Chat: kit.ChatTarget{ChatID: 5}, FromID: 9, Adapter: ad, ReqID: "r1"}

			require.NoError(t, svc.cmdSchedules(context.Background(), req))
			assert.Equal(t, []string{jobqueue.Outcome{Code: code}.Message()}, ad.all())

			require.Len(t, q.reqs, 1)
			got := q.reqs[0]
			assert.Equal(t, jobqueue.GroupID(5), got.Group)
			assert.Equal(t, jobqueue.RequesterID(9), got.Requester)
			assert.Equal(t, schedule.CmdSchedules, got.Command)
			assert.Equal(t, "r1", got.Meta["rid"])
			assert.NotNil(t, got.Result.Deliver)
		})
	}
}

func TestFlushAndQueue(t *testing.T) {
	q := &fakeQueue{snap: jobqueue.Snapshot{
		Running:  true,
		QueueLen: 3,
		QueueCap: 32,
		Groups:   2,
		Pending:  4,
		PerGroup: map[jobqueue.GroupID]int{-2: 1, -1: 3},
		Limits:   jobqueue.Limits{MaxGuilds: 10, MaxGuildReqs: 5},
		Admitted: 9,
		Rejected: map[jobqueue.Code]uint64{jobqueue.CodeDuplicate: 2},
	}}
	ad := &fakeAdapter{}
	svc := New(Deps{Jobs: q, Domain: inline})
	req := &router.Request{Chat: kit.ChatTarget{ChatID: 5}, FromID: 1, Adapter: ad, Logger: logx.Nop()}

	require.NoError(t, svc.cmdQueue(context.Background(), req))
	out := ad.last()
	assert.Contains(t, out, "Queue: running")
	assert.Contains(t, out, "Queued: 3/32, pending jobs: 4")
	assert.Contains(t, out, "Guilds: 2/10 (max 5 jobs each)")
	assert.Contains(t, out, "Rejected: duplicate=2")
	assert.Contains(t, out, "- -2: 1\n- -1: 3")

	require.NoError(t, svc.cmdFlush(context.Background(), req))
	assert.Equal(t, 1, q.flushes)
	assert.Equal(t, "Flush requested; 3 queued job(s) will be discarded.", ad.last())
}

func TestUserMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: name too long", schedule.ErrBadInput), "name too long"},
		{jobqueue.ErrFlushed, "Your job was discarded because the queue was flushed. Please try again."},
		{fmt.Errorf("wrapped: %w", jobqueue.ErrStopped), "The bot is restarting and your job was not run. Please try again shortly."},
		{context.DeadlineExceeded, "Your job took too long and was cancelled."},
		{errors.New("disk on fire"), "Your job failed because of an internal error."},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, userMessage(tc.err))
	}
	assert.Equal(t, "Done.", resultText(jobqueue.Result{}))
}
