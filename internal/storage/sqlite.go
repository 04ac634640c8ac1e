package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "schedbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Check exercises every statement kind the store needs on a scratch table,
// so missing permissions show up at startup instead of on the first command.
func (s *sqliteStore) Check(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	steps := []string{
		`CREATE TABLE IF NOT EXISTS _check (v INTEGER)`,
		`INSERT INTO _check(v) VALUES (1)`,
		`UPDATE _check SET v = 2`,
		`DELETE FROM _check`,
		`DROP TABLE _check`,
	}
	for _, q := range steps {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("storage check %q: %w", q, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc Schedule) (Schedule, error) {
	sc.Name = strings.TrimSpace(sc.Name)
	if sc.Name == "" {
		return Schedule{}, ErrInvalid
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(chat_id, name, name_key, created_by, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, name_key) DO NOTHING`,
		sc.ChatID, sc.Name, normName(sc.Name), sc.CreatedBy, sc.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Schedule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Schedule{}, ErrExists
	}
	sc.ID, err = res.LastInsertId()
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, chatID int64) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, name, created_by, created_at FROM schedules WHERE chat_id = ? ORDER BY name_key`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var created string
		if err := rows.Scan(&sc.ID, &sc.ChatID, &sc.Name, &sc.CreatedBy, &created); err != nil {
			return nil, err
		}
		sc.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lookupSchedule returns the id and stored display name of a schedule.
func lookupSchedule(ctx context.Context, q rowQuerier, chatID int64, name string) (int64, string, error) {
	var id int64
	var display string
	err := q.QueryRowContext(ctx,
		`SELECT id, name FROM schedules WHERE chat_id = ? AND name_key = ?`, chatID, normName(name)).Scan(&id, &display)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	return id, display, err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, chatID int64, name string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	id, _, err := lookupSchedule(ctx, tx, chatID, name)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE schedule_id = ?`, id)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *sqliteStore) AddEvent(ctx context.Context, e Event) (Event, error) {
	sid, display, err := lookupSchedule(ctx, s.db, e.ChatID, e.Schedule)
	if err != nil {
		return Event{}, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var end any
	if !e.End.IsZero() {
		end = e.End.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(schedule_id, chat_id, title, start_at, end_at, repeat, comment, created_by, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		sid, e.ChatID, e.Title, e.Start.UnixMilli(), end, nullStr(e.Repeat), nullStr(e.Comment),
		e.CreatedBy, e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Event{}, err
	}
	e.Schedule = display
	e.ID, err = res.LastInsertId()
	return e, err
}

func (s *sqliteStore) ListEvents(ctx context.Context, chatID int64, schedule string) ([]Event, error) {
	query := `SELECT e.id, e.chat_id, s.name, e.title, e.start_at, e.end_at, e.repeat, e.comment, e.created_by, e.created_at
		FROM events e JOIN schedules s ON s.id = e.schedule_id
		WHERE e.chat_id = ?`
	args := []any{chatID}
	if strings.TrimSpace(schedule) != "" {
		sid, _, err := lookupSchedule(ctx, s.db, chatID, schedule)
		if err != nil {
			return nil, err
		}
		query += ` AND e.schedule_id = ?`
		args = append(args, sid)
	}
	query += ` ORDER BY e.start_at, e.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e               Event
			start           int64
			end             sql.NullInt64
			repeat, comment sql.NullString
			created         string
		)
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Schedule, &e.Title, &start, &end, &repeat, &comment, &e.CreatedBy, &created); err != nil {
			return nil, err
		}
		e.Start = time.UnixMilli(start)
		if end.Valid {
			e.End = time.UnixMilli(end.Int64)
		}
		e.Repeat, e.Comment = repeat.String, comment.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID,
		e.Action, nullStr(e.Target), ok, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
