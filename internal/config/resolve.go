package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultQueueDepth   = 32
	DefaultMaxGuilds    = 10
	DefaultMaxGuildReqs = 5

	DefaultCommandWorkers   = 4
	DefaultCommandQueueSize = 256
	DefaultCommandTimeout   = 30 * time.Second
	DefaultPollTimeout      = 10 * time.Second
)

// Queue is the parsed form of QueueConfig.
type Queue struct {
	Depth        int
	MaxGuilds    int
	MaxGuildReqs int
	JobTimeout   time.Duration
}

// ResolveQueue applies defaults and parses durations.
func (c *Config) ResolveQueue() (Queue, error) {
	q := Queue{
		Depth:        c.Queue.Depth,
		MaxGuilds:    c.Queue.MaxGuilds,
		MaxGuildReqs: c.Queue.MaxGuildReqs,
	}
	switch {
	case q.Depth == 0:
		q.Depth = DefaultQueueDepth
	case q.Depth < 0:
		q.Depth = 0
	}
	if q.MaxGuilds <= 0 {
		q.MaxGuilds = DefaultMaxGuilds
	}
	if q.MaxGuildReqs <= 0 {
		q.MaxGuildReqs = DefaultMaxGuildReqs
	}
	d, err := ParseDurationField("queue.job_timeout", c.Queue.JobTimeout)
	if err != nil {
		return Queue{}, err
	}
	q.JobTimeout = d
	return q, nil
}

// Commands is the parsed form of CommandsConfig.
type Commands struct {
	Workers        int
	QueueSize      int
	Timeout        time.Duration
	DeleteAfter    time.Duration
	UserRatePerMin int
}

func (c *Config) ResolveCommands() (Commands, error) {
	out := Commands{
		Workers:        c.Commands.Workers,
		QueueSize:      c.Commands.QueueSize,
		UserRatePerMin: max(c.Commands.UserRatePerMin, 0),
	}
	if out.Workers <= 0 {
		out.Workers = DefaultCommandWorkers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = DefaultCommandQueueSize
	}
	var err error
	if out.Timeout, err = ParseDurationOrDefault("commands.timeout", c.Commands.Timeout, DefaultCommandTimeout); err != nil {
		return Commands{}, err
	}
	if out.DeleteAfter, err = ParseDurationField("commands.delete_after", c.Commands.DeleteAfter); err != nil {
		return Commands{}, err
	}
	return out, nil
}

// Validate checks everything that can be checked without side effects.
// It is used on startup and before committing a reloaded file.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveQueue(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ResolveCommands(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "none", "disabled":
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Logging.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.telegram.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
