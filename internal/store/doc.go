// Package store is the job record store: the single source of truth for job
// state and recurring definitions.
//
// Every state mutation goes through Transition, a compare-and-swap on the
// stored state. Recurring occurrences are claimed through Materialize, a
// compare-and-swap on last_materialized_at that also creates the job.
//
// Drivers:
//   - "memory": in-process maps (tests, single-process setups)
//   - "sqlite": modernc.org/sqlite database file
//   - "postgres": PostgreSQL through lib/pq
package store
