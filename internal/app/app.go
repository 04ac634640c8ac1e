package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schedbot/internal/commands"
	"schedbot/internal/config"
	"schedbot/internal/eventbus"
	"schedbot/internal/jobqueue"
	"schedbot/internal/observability/debugsrv"
	"schedbot/internal/runtime/supervisor"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	kit "schedbot/internal/transport"
	telegram "schedbot/internal/transport/telegram/adapter"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	jobs *jobqueue.Manager
	cmdm *router.CommandManager
	cmds *commands.Service

	debug *debugsrv.Service

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, config.DefaultPollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Start with chat logging off; Apply warns when it is enabled without a target.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	log = log.With(logx.String("comp", "app"))
	target, err := mapLogTarget(cfg)
	if err != nil {
		return nil, err
	}
	logSvc.SetChatTarget(target, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exec := schedule.NewExecutor(store, log)
	jobs := jobqueue.New(qcfg, exec, log, bus)

	opts, deleteAfter, err := mapCommandOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cmdm := router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs, opts)
	cmds := commands.New(commands.Deps{
		Jobs:   jobs,
		Domain: cmdm,
		Store:  store,
		Log:    log,
	})
	cmds.SetDeleteAfter(deleteAfter)
	cmdm.SetRegistry(cmds.Commands())

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		jobs:    jobs,
		cmdm:    cmdm,
		cmds:    cmds,
		updates: make(chan kit.Update, 256),
	}
	a.debug = debugsrv.New(dcfg, debugsrv.Sources{
		Health: a.health,
		Queue:  func() any { return jobs.Snapshot() },
	}, log)
	return a, nil
}

type healthView struct {
	OK         bool                `json:"ok"`
	Err        string              `json:"err,omitempty"`
	Supervisor supervisor.Counters `json:"supervisor"`
	Queue      bool                `json:"queue_running"`
}

func (a *App) health() any {
	h := healthView{OK: true, Queue: a.jobs.Running()}
	if a.sup != nil {
		h.Supervisor = a.sup.Counters()
		if err := a.sup.Err(); err != nil {
			h.OK = false
			h.Err = err.Error()
		}
	}
	return h
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// A reloaded file is validated before it is committed and published.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapLogTarget(cfg); err != nil {
			return err
		}
		_, err := mapDebugConfig(cfg)
		return err
	})

	if err := a.store.Check(ctx); err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			return fmt.Errorf("storage check: %w", err)
		}
		a.log.Warn("storage disabled; schedule commands will fail")
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.jobs.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
					if ev, ok := e.Data.(jobqueue.JobEvent); ok {
						fields = append(fields,
							logx.String("job_id", ev.JobID),
							logx.Int64("group", int64(ev.Group)),
							logx.String("command", ev.Command),
						)
					}
					a.log.Debug("event", fields...)
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping()

	// Each step has an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// The running job finishes and queued jobs fail. Their results go out
	// through the router, so the queue stops before anything else is cancelled.
	step("jobqueue", 5*time.Second, a.jobs.Stop)
	a.sup.Cancel()
	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
