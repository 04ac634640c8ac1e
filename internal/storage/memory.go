package storage

import (
	"cmp"
	"context"
	"strings"
	"sync"
	"time"

	rbt "github.com/emirpasic/gods/v2/trees/redblacktree"
)

// eventKey orders events by chat, then start time, then id.
type eventKey struct {
	chatID int64
	start  int64 // unix nano
	id     int64
}

func compareEventKeys(a, b eventKey) int {
	switch {
	case a.chatID != b.chatID:
		return cmp.Compare(a.chatID, b.chatID)
	case a.start != b.start:
		return cmp.Compare(a.start, b.start)
	default:
		return cmp.Compare(a.id, b.id)
	}
}

const maxMemoryAudit = 1000

type scheduleKey struct {
	chatID int64
	name   string
}

type memoryStore struct {
	mu        sync.RWMutex
	schedules map[scheduleKey]Schedule
	events    *rbt.Tree[eventKey, Event]
	audit     []AuditEntry
	seq       int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		schedules: map[scheduleKey]Schedule{},
		events:    rbt.NewWith[eventKey, Event](compareEventKeys),
	}
}

func (m *memoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *memoryStore) CreateSchedule(_ context.Context, s Schedule) (Schedule, error) {
	k := scheduleKey{s.ChatID, normName(s.Name)}
	if k.name == "" {
		return Schedule{}, ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[k]; ok {
		return Schedule{}, ErrExists
	}
	s.Name = strings.TrimSpace(s.Name)
	s.ID = m.nextID()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.schedules[k] = s
	return s, nil
}

func (m *memoryStore) ListSchedules(_ context.Context, chatID int64) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Schedule
	for k, s := range m.schedules {
		if k.chatID == chatID {
			out = append(out, s)
		}
	}
	sortSchedules(out)
	return out, nil
}

func (m *memoryStore) DeleteSchedule(_ context.Context, chatID int64, name string) (int, error) {
	k := scheduleKey{chatID, normName(name)}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[k]; !ok {
		return 0, ErrNotFound
	}
	delete(m.schedules, k)

	var doomed []eventKey
	it := m.events.Iterator()
	for it.Next() {
		if it.Key().chatID == chatID && normName(it.Value().Schedule) == k.name {
			doomed = append(doomed, it.Key())
		}
	}
	for _, ek := range doomed {
		m.events.Remove(ek)
	}
	return len(doomed), nil
}

func (m *memoryStore) AddEvent(_ context.Context, e Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[scheduleKey{e.ChatID, normName(e.Schedule)}]
	if !ok {
		return Event{}, ErrNotFound
	}
	e.Schedule = s.Name
	e.ID = m.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events.Put(eventKey{chatID: e.ChatID, start: e.Start.UnixNano(), id: e.ID}, e)
	return e, nil
}

func (m *memoryStore) ListEvents(_ context.Context, chatID int64, schedule string) ([]Event, error) {
	name := normName(schedule)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name != "" {
		if _, ok := m.schedules[scheduleKey{chatID, name}]; !ok {
			return nil, ErrNotFound
		}
	}
	var out []Event
	it := m.events.Iterator()
	for it.Next() {
		k := it.Key()
		if k.chatID < chatID {
			continue
		}
		if k.chatID > chatID {
			break
		}
		if name == "" || normName(it.Value().Schedule) == name {
			out = append(out, it.Value())
		}
	}
	return out, nil
}

func (m *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	if len(m.audit) > maxMemoryAudit {
		m.audit = m.audit[len(m.audit)-maxMemoryAudit:]
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Check(context.Context) error { return nil }
func (m *memoryStore) Close() error                { return nil }
