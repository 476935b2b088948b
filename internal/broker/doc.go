// Package broker delivers job ids to workers with visibility-timeout leases.
//
// A delivery is invisible to other consumers until its lease expires. Ack
// removes the entry, Nack puts it back with a delay and Extend keeps a long
// running job leased. Entries are keyed by job id, so enqueueing the same job
// twice never produces two deliveries.
package broker
