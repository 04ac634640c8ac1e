// Package storage persists schedules, their events and the operator audit log.
//
// Drivers:
//   - "memory" (default): process-local, events kept in an ordered tree
//   - "sqlite": a SQLite database file (pure Go driver, no cgo)
//
// Storage can also be disabled ("none"); Open then returns a store whose
// methods fail with ErrDisabled.
package storage
