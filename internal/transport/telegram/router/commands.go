package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"schedbot/internal/runtime/supervisor"
	kit "schedbot/internal/transport"
	logx "schedbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	Command      string

	// Parsed arguments
	Args      []string
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string
	IsOwner   bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text to the request's chat, threaded under the command message
// unless opt says otherwise.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{DisablePreview: true}
	}
	if opt.ReplyTo == 0 {
		o := *opt
		o.ReplyTo = r.MessageID
		opt = &o
	}
	return r.Adapter.SendText(ctx, r.Chat, text, opt)
}

type Options struct {
	Workers        int
	QueueSize      int
	Timeout        time.Duration // default handler timeout
	UserRatePerMin int           // 0 disables the per-user throttle
	PostTimeout    time.Duration // how long Post waits for queue room; default 10s
}

type CommandManager struct {
	mu sync.RWMutex

	cmds  map[string]*Command
	alias map[string]*Command

	owners  []int64
	timeout time.Duration

	log      logx.Logger
	adapter  kit.Adapter
	throttle *userThrottle
	workers  int

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	// sendMu guards sends on jobs against its close; stopped is closed first
	// so a blocked Post lets go of the read lock.
	sendMu   sync.RWMutex
	closed   bool
	stopped  chan struct{}
	postWait time.Duration

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, owners []int64, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.PostTimeout <= 0 {
		opt.PostTimeout = 10 * time.Second
	}
	return &CommandManager{
		cmds:     map[string]*Command{},
		alias:    map[string]*Command{},
		owners:   slices.Clone(owners),
		timeout:  opt.Timeout,
		log:      log.With(logx.String("comp", "telegram.router")),
		adapter:  adapter,
		throttle: newUserThrottle(opt.UserRatePerMin),
		workers:  opt.Workers,
		stopped:  make(chan struct{}),
		postWait: opt.PostTimeout,
		jobs:     make(chan func(), opt.QueueSize),
	}
}

// Supervisor returns the dispatcher's supervisor (nil if not running).
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// Post hands task to the worker pool. Unlike command dispatch it waits for
// room, up to the configured post timeout. It reports false when the wait
// times out or the pool has shut down. Job results are delivered through it.
func (m *CommandManager) Post(task func()) bool {
	return m.enqueue(task, m.postWait)
}

// tryEnqueue queues fn only if there is room right now.
func (m *CommandManager) tryEnqueue(fn func()) bool {
	return m.enqueue(fn, 0)
}

func (m *CommandManager) enqueue(fn func(), wait time.Duration) bool {
	if fn == nil {
		return false
	}
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case m.jobs <- fn:
		return true
	case <-m.stopped:
		return false
	case <-t.C:
		m.log.Warn("post timed out; worker pool saturated", logx.Duration("wait", wait))
		return false
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetUserRate changes the per-user throttle. Existing buckets are reset.
func (m *CommandManager) SetUserRate(perMin int) {
	m.throttle.setRate(perMin)
}

func (m *CommandManager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

func (m *CommandManager) isOwner(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.owners, id)
}

func (m *CommandManager) SetRegistry(cmds []Command) {
	// always inject help
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Description: "show help",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Reply(ctx, m.helpText(req.Args, req.IsOwner), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byName := map[string]*Command{}
	alias := map[string]*Command{}
	menuCandidates := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		byName[name] = &cc
		menuCandidates = append(menuCandidates, cc)
	}
	// Aliases never shadow a real command.
	for _, c := range byName {
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, taken := byName[a]; taken {
				continue
			}
			alias[a] = c
			if sa := sanitizeTelegramCommand(a); sa != "" && sa != a {
				if _, taken := byName[sa]; !taken {
					alias[sa] = c
				}
			}
		}
		if sn := sanitizeTelegramCommand(c.Name); sn != "" && sn != c.Name {
			if _, taken := byName[sn]; !taken {
				alias[sn] = c
			}
		}
	}

	m.mu.Lock()
	m.cmds = byName
	m.alias = alias
	m.mu.Unlock()

	// Best-effort Telegram /menu autocomplete update (non-blocking).
	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildTelegramMenuCommands(menuCandidates)
		run := func(parent context.Context) error {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		}
		if sup := m.Supervisor(); sup != nil {
			sup.Go("telegram.menu.update", run)
		} else {
			go func() { _ = run(context.Background()) }()
		}
	}
}

func (m *CommandManager) lookup(word string) (*Command, bool) {
	word = strings.ToLower(word)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.cmds[word]; ok {
		return c, true
	}
	c, ok := m.alias[word]
	return c, ok
}

// DispatchLoop routes updates until ctx is done or updates is closed. Handlers
// and posted tasks run on a bounded worker pool.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue can degrade gracefully.
			m.setSupervisor(sup, false)
			close(m.stopped)
			m.sendMu.Lock()
			m.closed = true
			close(m.jobs)
			m.sendMu.Unlock()
		})
	}

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return m.worker(c, idx)
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		// Workers may exit before a late Post lands; run those here.
		for job := range m.jobs {
			m.runJob(-1, job)
		}
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				m.log.Info("updates channel closed")
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			// Run what is already queued so posted results are not lost.
			for {
				select {
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				default:
					return nil
				}
			}
		case job, ok := <-m.jobs:
			if !ok {
				return nil
			}
			m.runJob(idx, job)
		}
	}
}

func (m *CommandManager) runJob(idx int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return
	}
	args := parts[1:]

	cmd, ok := m.lookup(word)
	if !ok {
		m.replyTo(root, msg, "unknown command, try /help")
		return
	}
	pos, flags, bools := parseFlags(args)
	m.enqueueCommand(root, up, *cmd, pos, args, flags, bools)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}

	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		m.replyTo(root, msg, "unauthorized")
		return
	}
	if !owner && !m.throttle.allow(msg.FromID) {
		m.replyTo(root, msg, "slow down, too many commands")
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.Int64("chat_id", msg.ChatID),
		logx.Int("thread_id", msg.ThreadID),
		logx.Int64("from_id", msg.FromID),
		logx.String("cmd", cmd.Name),
	)

	req := &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         args,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		IsOwner:      owner,
		Adapter:      m.adapter,
		Logger:       reqLog,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		m.mu.RLock()
		timeout = m.timeout
		m.mu.RUnlock()
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		m.replyTo(root, msg, "busy, try again")
	}
}

func (m *CommandManager) replyTo(ctx context.Context, msg *kit.Message, text string) {
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := m.adapter.SendText(ctx, to, text, &kit.SendOptions{ReplyTo: msg.ID}); err != nil {
		m.log.Debug("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
