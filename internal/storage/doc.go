// Package storage persists what must outlive a run: the supervision event
// history read by the soak report, and per-component parameters loaded in
// the LoadParameters phase.
//
// Drivers:
//   - "file": JSON Lines history plus a parameter snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
