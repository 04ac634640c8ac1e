package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	ErrInvalid  = errors.New("storage: invalid input")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the schedule executor and commands.
//
// Schedules are scoped to a chat and identified by name (case-insensitive).
// Events belong to one schedule and are listed in start order.
type Store interface {
	CreateSchedule(ctx context.Context, s Schedule) (Schedule, error)
	ListSchedules(ctx context.Context, chatID int64) ([]Schedule, error)
	// DeleteSchedule removes the schedule and its events and returns how
	// many events were removed.
	DeleteSchedule(ctx context.Context, chatID int64, name string) (int, error)

	AddEvent(ctx context.Context, e Event) (Event, error)
	// ListEvents lists events of one schedule, or of every schedule in the
	// chat when schedule is empty.
	ListEvents(ctx context.Context, chatID int64, schedule string) ([]Event, error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Check verifies the backend is usable (reachable and writable).
	Check(ctx context.Context) error
	Close() error
}

type Schedule struct {
	ID        int64
	ChatID    int64
	Name      string
	CreatedBy int64
	CreatedAt time.Time
}

type Event struct {
	ID       int64
	ChatID   int64
	Schedule string
	Title    string
	Start    time.Time
	End      time.Time // zero when open-ended

	// Repeat is a cron spec; empty for one-off events.
	Repeat  string
	Comment string

	CreatedBy int64
	CreatedAt time.Time
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
}
