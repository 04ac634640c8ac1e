// Package commands wires chat commands to the job queue. Schedule commands
// are admitted as jobs; the admission outcome is replied immediately and the
// job result later, from the router's worker pool.
package commands

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"schedbot/internal/jobqueue"
	"schedbot/internal/schedule"
	"schedbot/internal/storage"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

// JobQueue is the part of jobqueue.Manager the commands use.
type JobQueue interface {
	Add(req jobqueue.Request) jobqueue.Outcome
	Flush()
	Snapshot() jobqueue.Snapshot
}

type Deps struct {
	Jobs   JobQueue
	Domain jobqueue.Domain // where job results are delivered, normally the router
	Store  storage.Store   // audit log; may be nil
	Log    logx.Logger
}

type Service struct {
	jobs   JobQueue
	domain jobqueue.Domain
	store  storage.Store
	log    logx.Logger

	deleteAfter atomic.Int64 // time.Duration
	sendTimeout time.Duration
	startedAt   time.Time
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		jobs:        d.Jobs,
		domain:      d.Domain,
		store:       d.Store,
		log:         d.Log.With(logx.String("comp", "commands")),
		sendTimeout: 15 * time.Second,
		startedAt:   time.Now(),
	}
}

// SetDeleteAfter makes job result replies disappear after d. Zero keeps them.
// Safe to call during hot-reload.
func (s *Service) SetDeleteAfter(d time.Duration) {
	s.deleteAfter.Store(int64(max(d, 0)))
}

func (s *Service) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "hello",
			Aliases:     []string{"ping"},
			Description: "check the bot is alive",
			Usage:       "/hello",
			Handle:      s.cmdHello,
		},
		{
			Name:        schedule.CmdInit,
			Aliases:     []string{"new"},
			Description: "create a schedule in this chat",
			Usage:       "/init [name]",
			Handle:      s.cmdInit,
		},
		{
			Name:        schedule.CmdSchedules,
			Aliases:     []string{"list"},
			Description: "list schedules in this chat",
			Usage:       "/schedules",
			Handle:      s.cmdSchedules,
		},
		{
			Name:        schedule.CmdCreate,
			Aliases:     []string{"add"},
			Description: "add an event to a schedule",
			Usage:       `/create <schedule> <title> <start> [end] [--date YYYY-MM-DD] [--repeat "0 18 * * 5"] [--comment text]`,
			Handle:      s.cmdCreate,
		},
		{
			Name:        schedule.CmdEvents,
			Description: "list upcoming events",
			Usage:       "/events [schedule]",
			Handle:      s.cmdEvents,
		},
		{
			Name:        schedule.CmdDelete,
			Aliases:     []string{"rm"},
			Description: "delete a schedule and its events",
			Usage:       "/delete <schedule>",
			Handle:      s.cmdDelete,
		},
		{
			Name:        "queue",
			Aliases:     []string{"q"},
			Description: "job queue status",
			Usage:       "/queue",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdQueue,
		},
		{
			Name:        "flush",
			Description: "discard every queued job",
			Usage:       "/flush",
			Access:      router.AccessOwnerOnly,
			Handle:      s.cmdFlush,
		},
	}
}

func (s *Service) cmdHello(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(req.FromUsername)
	if name == "" {
		name = "there"
	} else {
		name = "@" + name
	}
	_, err := req.Reply(ctx, "Hello "+name+"! I keep event schedules for this chat. Try /help.", nil)
	return err
}

func (s *Service) cmdInit(ctx context.Context, req *router.Request) error {
	var args []string
	if name := strings.TrimSpace(strings.Join(req.Args, " ")); name != "" {
		args = []string{name}
	}
	return s.submit(ctx, req, schedule.CmdInit, args)
}

func (s *Service) cmdSchedules(ctx context.Context, req *router.Request) error {
	return s.submit(ctx, req, schedule.CmdSchedules, nil)
}

func (s *Service) cmdCreate(ctx context.Context, req *router.Request) error {
	a, err := schedule.ParseCreate(req.Args, req.Flags)
	if err != nil {
		_, serr := req.Reply(ctx, userMessage(err), nil)
		return serr
	}
	return s.submit(ctx, req, schedule.CmdCreate, a.Encode())
}

func (s *Service) cmdEvents(ctx context.Context, req *router.Request) error {
	var args []string
	if name := strings.TrimSpace(strings.Join(req.Args, " ")); name != "" {
		args = []string{name}
	}
	return s.submit(ctx, req, schedule.CmdEvents, args)
}

func (s *Service) cmdDelete(ctx context.Context, req *router.Request) error {
	name := strings.TrimSpace(strings.Join(req.Args, " "))
	if name == "" {
		_, err := req.Reply(ctx, "usage: /delete <schedule>", nil)
		return err
	}
	return s.submit(ctx, req, schedule.CmdDelete, []string{name})
}
