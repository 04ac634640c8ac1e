package jobqueue

import "errors"

var (
	ErrGuildCapacity  = errors.New("jobqueue: guild capacity reached")
	ErrRateLimited    = errors.New("jobqueue: guild request limit reached")
	ErrDuplicate      = errors.New("jobqueue: requester already has a pending job")
	ErrQueueFull      = errors.New("jobqueue: queue full")
	ErrQueueClosed    = errors.New("jobqueue: queue closed")
	ErrInvalidRequest = errors.New("jobqueue: invalid request")
	ErrSubmit         = errors.New("jobqueue: submission failed")

	// ErrFlushed is reported to callers whose queued job was discarded by Flush.
	ErrFlushed = errors.New("jobqueue: job discarded by flush")
	// ErrStopped is reported to callers whose queued job never ran because
	// the worker stopped.
	ErrStopped = errors.New("jobqueue: worker stopped")
)

// Code classifies an admission outcome.
type Code int

const (
	CodeQueued Code = iota
	CodeGuildCapacity
	CodeRateLimited
	CodeDuplicate
	CodeQueueFull
	CodeFailed

	numCodes
)

func (c Code) String() string {
	switch c {
	case CodeQueued:
		return "queued"
	case CodeGuildCapacity:
		return "guild_capacity"
	case CodeRateLimited:
		return "rate_limited"
	case CodeDuplicate:
		return "duplicate"
	case CodeQueueFull:
		return "queue_full"
	case CodeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var outcomeMessages = [numCodes]string{
	CodeQueued:        "Your job was added to the queue. Please wait for it to finish before posting another.",
	CodeGuildCapacity: "Bot is currently servicing the maximum number of allowed Guilds.",
	CodeRateLimited:   "Unable to add your job, too many requests from this Guild are already in the queue.",
	CodeDuplicate:     "You already have a job on the queue, please wait until it's finished.",
	CodeQueueFull:     "The work queue is currently full, please wait a bit before making another request.",
	CodeFailed:        "Unable to add your job to the queue.",
}

// Outcome is the synchronous answer to Manager.Add.
type Outcome struct {
	Code  Code
	JobID string // set only when Code == CodeQueued

	err error
}

func queued(jobID string) Outcome { return Outcome{Code: CodeQueued, JobID: jobID} }

func rejected(code Code, err error) Outcome { return Outcome{Code: code, err: err} }

// Accepted reports whether the job entered the queue.
func (o Outcome) Accepted() bool { return o.Code == CodeQueued }

// Message is the user-facing text for the outcome.
func (o Outcome) Message() string {
	if o.Code < 0 || o.Code >= numCodes {
		return outcomeMessages[CodeFailed]
	}
	return outcomeMessages[o.Code]
}

// Err returns nil for accepted outcomes and the rejection cause otherwise.
func (o Outcome) Err() error { return o.err }

func (o Outcome) String() string { return o.Code.String() }
