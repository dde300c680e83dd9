// Package storage persists the module event log: suspend, resume,
// availability changes and start/stop markers, stamped with the boot id of
// the process that wrote them.
//
// Drivers:
//   - "file": JSON Lines, newest events kept in memory for queries
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
