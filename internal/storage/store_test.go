package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "schedbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	stores := map[string]Store{"memory": mem, "sqlite": sq}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestSchedulesLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if err := st.Check(ctx); err != nil {
				t.Fatalf("Check: %v", err)
			}
			if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 1, Name: "Raids", CreatedBy: 7}); err != nil {
				t.Fatalf("CreateSchedule: %v", err)
			}
			if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 1, Name: "alpha"}); err != nil {
				t.Fatalf("CreateSchedule: %v", err)
			}
			if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 1, Name: " raids "}); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate name: err=%v, want ErrExists", err)
			}
			if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 2, Name: "raids"}); err != nil {
				t.Fatalf("same name in another chat: %v", err)
			}
			if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 1, Name: "  "}); !errors.Is(err, ErrInvalid) {
				t.Fatalf("empty name: err=%v, want ErrInvalid", err)
			}

			list, err := st.ListSchedules(ctx, 1)
			if err != nil {
				t.Fatalf("ListSchedules: %v", err)
			}
			if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "Raids" {
				t.Fatalf("unexpected schedules: %+v", list)
			}

			if _, err := st.DeleteSchedule(ctx, 1, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete missing: err=%v", err)
			}
		})
	}
}

func TestEventsOrderedAndDeletedWithSchedule(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"raids", "meetups"} {
				if _, err := st.CreateSchedule(ctx, Schedule{ChatID: 1, Name: n}); err != nil {
					t.Fatalf("CreateSchedule: %v", err)
				}
			}
			add := func(schedule, title string, start time.Time) {
				t.Helper()
				if _, err := st.AddEvent(ctx, Event{ChatID: 1, Schedule: schedule, Title: title, Start: start}); err != nil {
					t.Fatalf("AddEvent %s: %v", title, err)
				}
			}
			add("raids", "late", base.Add(2*time.Hour))
			add("RAIDS", "early", base)
			add("meetups", "middle", base.Add(time.Hour))

			if _, err := st.AddEvent(ctx, Event{ChatID: 1, Schedule: "nope", Title: "x", Start: base}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("event on missing schedule: err=%v", err)
			}

			all, err := st.ListEvents(ctx, 1, "")
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			var titles []string
			for _, e := range all {
				titles = append(titles, e.Title)
			}
			if got := strings.Join(titles, ","); got != "early,middle,late" {
				t.Fatalf("order = %s", got)
			}
			if all[0].Schedule != "raids" || !all[0].Start.Equal(base) {
				t.Fatalf("unexpected first event: %+v", all[0])
			}

			raids, err := st.ListEvents(ctx, 1, "raids")
			if err != nil || len(raids) != 2 {
				t.Fatalf("raids events: %d err=%v", len(raids), err)
			}

			n, err := st.DeleteSchedule(ctx, 1, "Raids")
			if err != nil || n != 2 {
				t.Fatalf("DeleteSchedule: n=%d err=%v", n, err)
			}
			left, _ := st.ListEvents(ctx, 1, "")
			if len(left) != 1 || left[0].Title != "middle" {
				t.Fatalf("events after delete: %+v", left)
			}
			if _, err := st.ListEvents(ctx, 1, "raids"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("list deleted schedule: err=%v", err)
			}
		})
	}
}

func TestAppendAudit(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 2, Action: "flush", OK: true})
			if err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open none: %v", err)
	}
	if err := st.Check(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Check on disabled store: %v", err)
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
