package jobqueue

import (
	"context"
	"time"
)

// GroupID identifies a guild (a group chat). It is only used as a map key.
type GroupID int64

// RequesterID identifies a user inside a guild.
type RequesterID int64

// Domain is the scheduling domain a result must be delivered on.
//
// Post submits task for execution on that domain and reports whether it was
// accepted. It must be safe to call from any goroutine.
type Domain interface {
	Post(task func()) bool
}

// DomainFunc adapts a function to Domain.
type DomainFunc func(task func()) bool

func (f DomainFunc) Post(task func()) bool { return f(task) }

// ResultContext tells the worker where and how to report a finished job.
// It never crosses into the worker; it stays in the Registry.
type ResultContext struct {
	Domain  Domain
	Deliver func(res Result)
}

func (rc ResultContext) valid() bool { return rc.Domain != nil && rc.Deliver != nil }

// Request is a submission from the command front end.
type Request struct {
	Group     GroupID
	Requester RequesterID
	Command   string
	Args      []string
	Result    ResultContext

	// Meta is caller-supplied data the worker does not need (e.g. the chat
	// message being answered). It is handed back untouched in Result.Meta.
	Meta map[string]string
}

// PendingJob is the registry entry kept while a request is in flight.
type PendingJob struct {
	JobID     string
	Group     GroupID
	Requester RequesterID
	Command   string
	Result    ResultContext
	Meta      map[string]string
	Admitted  time.Time
}

// Payload is the plain-data part of a job that the worker receives.
type Payload struct {
	JobID     string
	Group     GroupID
	Requester RequesterID
	Command   string
	Args      []string
	Enqueued  time.Time
}

// Result is what the worker reports back for every admitted job.
type Result struct {
	JobID     string
	Group     GroupID
	Requester RequesterID
	Command   string
	Meta      map[string]string

	Data    any
	Err     error
	Started time.Time
	Took    time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// Executor performs the job body.
type Executor interface {
	Execute(ctx context.Context, p Payload) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, p Payload) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, p Payload) (any, error) { return f(ctx, p) }

// Limits are the admission limits. They can change at runtime via Apply.
type Limits struct {
	MaxGuilds    int
	MaxGuildReqs int

	// JobTimeout bounds a single job body. 0 disables the timeout.
	JobTimeout time.Duration
}

// Config configures a Manager. Depth is fixed for the life of the Manager.
type Config struct {
	Depth int
	Limits
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	JobID     string        `json:"job_id,omitempty"`
	Group     GroupID       `json:"group"`
	Requester RequesterID   `json:"requester"`
	Command   string        `json:"command"`
	Code      string        `json:"code,omitempty"`
	Took      time.Duration `json:"took,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool
	QueueLen int
	QueueCap int
	Groups   int
	Pending  int
	PerGroup map[GroupID]int
	Limits   Limits

	Admitted    uint64
	Rejected    map[Code]uint64
	Completed   uint64
	Failed      uint64
	Flushed     uint64
	Undelivered uint64
}
