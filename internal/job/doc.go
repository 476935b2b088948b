// Package job defines the job record, its state machine, recurring
// definitions, and the error taxonomy shared by the store, broker, worker
// pool and scheduler.
package job
