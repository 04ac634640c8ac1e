package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	logx "schedbot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "none", "disabled":
		return disabled{}, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

func normName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func sortSchedules(s []Schedule) {
	slices.SortFunc(s, func(a, b Schedule) int { return cmp.Compare(normName(a.Name), normName(b.Name)) })
}

type disabled struct{}

func (disabled) CreateSchedule(context.Context, Schedule) (Schedule, error) {
	return Schedule{}, ErrDisabled
}
func (disabled) ListSchedules(context.Context, int64) ([]Schedule, error) { return nil, ErrDisabled }
func (disabled) DeleteSchedule(context.Context, int64, string) (int, error) {
	return 0, ErrDisabled
}
func (disabled) AddEvent(context.Context, Event) (Event, error) { return Event{}, ErrDisabled }
func (disabled) ListEvents(context.Context, int64, string) ([]Event, error) {
	return nil, ErrDisabled
}
func (disabled) AppendAudit(context.Context, AuditEntry) error { return ErrDisabled }
func (disabled) Check(context.Context) error                   { return ErrDisabled }
func (disabled) Close() error                                  { return nil }
