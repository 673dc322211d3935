// Package store provides durable per-pipeline counters for run id allocation.
//
// Two implementations exist: SQLite (the default, one file under the index
// directory, safe across processes on one machine) and PostgreSQL (for hosts
// sharing a database). Both increment with a single serialized statement and
// never decrement.
package store
