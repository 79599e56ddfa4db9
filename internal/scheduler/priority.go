// Package scheduler implements the Send Scheduler: a single-consumer
// finite-state controller over a priority queue of Transactions and one
// active Transaction, per spec.md §4.1.
package scheduler

// Priority orders Transactions for dequeue, lowest value first
// (PriorityNonce dequeues before everything else), spec.md
// §4.1. Ties break by enqueue order (stable), implemented via the heap's
// sequence number.
type Priority int

const (
	PriorityNonce Priority = iota
	PrioritySupervision
	PriorityController
	PriorityPing
	PriorityMultistepController
	PriorityHandshake
	PriorityPreTransmitHandshake
	PriorityNodeQuery
	PriorityNormal
	PriorityPoll
	PriorityWakeUp
)

// higherThan reports whether a has strictly higher scheduling priority than b,
// i.e. should be dequeued first.
func (a Priority) higherThan(b Priority) bool { return a < b }
