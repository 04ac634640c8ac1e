package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedbot/internal/jobqueue"
	"schedbot/internal/storage"
	logx "schedbot/pkg/logx"
)

var ErrUnknownCommand = errors.New("unknown job command")

// Executor runs queued schedule commands against the store.
// It implements jobqueue.Executor; every job returns its reply text.
type Executor struct {
	store storage.Store
	log   logx.Logger
	loc   *time.Location
	now   func() time.Time
}

type Option func(*Executor)

// WithLocation sets the zone times are interpreted in. Default time.Local.
func WithLocation(loc *time.Location) Option {
	return func(x *Executor) {
		if loc != nil {
			x.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

func NewExecutor(store storage.Store, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	x := &Executor{store: store, log: log.With(logx.String("comp", "schedule")), loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(x)
	}
	return x
}

var _ jobqueue.Executor = (*Executor)(nil)

func (x *Executor) Execute(ctx context.Context, p jobqueue.Payload) (any, error) {
	chatID := int64(p.Group)
	switch p.Command {
	case CmdInit:
		return x.initSchedule(ctx, chatID, int64(p.Requester), p.Args)
	case CmdSchedules:
		return x.listSchedules(ctx, chatID)
	case CmdCreate:
		a, err := DecodeCreate(p.Args)
		if err != nil {
			return nil, err
		}
		return x.createEvent(ctx, chatID, int64(p.Requester), a)
	case CmdEvents:
		name := ""
		if len(p.Args) > 0 {
			name = p.Args[0]
		}
		return x.listEvents(ctx, chatID, name)
	case CmdDelete:
		if len(p.Args) == 0 {
			return nil, badInput("usage: /delete <schedule>")
		}
		return x.deleteSchedule(ctx, chatID, p.Args[0])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, p.Command)
	}
}

func (x *Executor) initSchedule(ctx context.Context, chatID, by int64, args []string) (string, error) {
	name := DefaultScheduleName
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		name = strings.TrimSpace(args[0])
	}
	if err := checkName(name); err != nil {
		return "", err
	}
	sc, err := x.store.CreateSchedule(ctx, storage.Schedule{ChatID: chatID, Name: name, CreatedBy: by, CreatedAt: x.now()})
	if errors.Is(err, storage.ErrExists) {
		return "", badInput("a schedule named %q already exists in this chat", name)
	}
	if err != nil {
		return "", err
	}
	x.log.Info("schedule created", logx.Int64("chat_id", chatID), logx.String("name", sc.Name))
	return fmt.Sprintf("Schedule %q created. Add events with /create %s <title> <start> [end].", sc.Name, quoteArg(sc.Name)), nil
}

func (x *Executor) listSchedules(ctx context.Context, chatID int64) (string, error) {
	list, err := x.store.ListSchedules(ctx, chatID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No schedules yet. Create one with /init [name].", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Schedules (%d):", len(list))
	for _, sc := range list {
		fmt.Fprintf(&b, "\n- %s", sc.Name)
	}
	return b.String(), nil
}

func (x *Executor) createEvent(ctx context.Context, chatID, by int64, a CreateArgs) (string, error) {
	now := x.now().In(x.loc)
	day, err := ParseDate(a.Date, now)
	if err != nil {
		return "", err
	}
	start := a.Start.On(day)
	var end time.Time
	if a.End != nil {
		end = a.End.On(day)
		if !end.After(start) {
			// 22:00-01:00 spans midnight.
			end = end.AddDate(0, 0, 1)
		}
	}

	ev, err := x.store.AddEvent(ctx, storage.Event{
		ChatID:    chatID,
		Schedule:  a.Schedule,
		Title:     a.Title,
		Start:     start,
		End:       end,
		Repeat:    a.Repeat,
		Comment:   a.Comment,
		CreatedBy: by,
		CreatedAt: now,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return "", badInput("no schedule named %q; create it with /init %s", a.Schedule, quoteArg(a.Schedule))
	}
	if err != nil {
		return "", err
	}
	return "Event added to " + ev.Schedule + ":\n" + x.formatEvent(ev, now), nil
}

func (x *Executor) listEvents(ctx context.Context, chatID int64, schedule string) (string, error) {
	events, err := x.store.ListEvents(ctx, chatID, schedule)
	if errors.Is(err, storage.ErrNotFound) {
		return "", badInput("no schedule named %q", schedule)
	}
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No events.", nil
	}
	now := x.now().In(x.loc)
	var b strings.Builder
	fmt.Fprintf(&b, "Events (%d):", len(events))
	for _, ev := range events {
		b.WriteString("\n")
		b.WriteString(x.formatEvent(ev, now))
	}
	return b.String(), nil
}

func (x *Executor) deleteSchedule(ctx context.Context, chatID int64, name string) (string, error) {
	n, err := x.store.DeleteSchedule(ctx, chatID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return "", badInput("no schedule named %q", name)
	}
	if err != nil {
		return "", err
	}
	x.log.Info("schedule deleted", logx.Int64("chat_id", chatID), logx.String("name", name), logx.Int("events", n))
	return fmt.Sprintf("Schedule %q deleted (%d events removed).", strings.TrimSpace(name), n), nil
}

const eventTimeLayout = "Mon 02 Jan 15:04"

func (x *Executor) formatEvent(ev storage.Event, now time.Time) string {
	start := ev.Start.In(x.loc)
	var b strings.Builder
	fmt.Fprintf(&b, "- %s [%s] %s", ev.Title, ev.Schedule, start.Format(eventTimeLayout))
	if !ev.End.IsZero() {
		b.WriteString("-" + ev.End.In(x.loc).Format("15:04"))
	}
	if ev.Repeat != "" {
		fmt.Fprintf(&b, " (repeats %s", ev.Repeat)
		if next, ok := NextOccurrence(start, ev.Repeat, now); ok {
			b.WriteString(", next " + next.In(x.loc).Format(eventTimeLayout))
		}
		b.WriteString(")")
	}
	if ev.Comment != "" {
		b.WriteString("\n  " + ev.Comment)
	}
	return b.String()
}

func quoteArg(s string) string {
	if strings.ContainsAny(s, " \t") {
		return `"` + s + `"`
	}
	return s
}
