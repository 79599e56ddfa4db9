package scheduler

import (
	"container/heap"
	"time"

	"github.com/zwavecore/hostdriver/internal/message"
)

// PartsFunc advances a Transaction's multi-message exchange given the last
// received message, returning the next Message to send (if any) and, once
// the exchange is complete, a final result. Spec.md §3: "an incremental
// parts generator that produces follow-up Messages given responses".
type PartsFunc func(last *message.Message) (next *message.Message, result *Result, done bool)

// Result is what a Transaction's promise settles with.
type Result struct {
	Value   *message.Message
	Err     error
}

// ResultPromise is settled exactly once, per spec.md §3 "A Transaction is
// live from enqueue to promise settlement."
type ResultPromise struct {
	ch chan Result
}

// NewResultPromise creates an unsettled promise.
func NewResultPromise() *ResultPromise {
	return &ResultPromise{ch: make(chan Result, 1)}
}

// Settle resolves or rejects the promise. Only the first call has effect.
func (p *ResultPromise) Settle(r Result) {
	select {
	case p.ch <- r:
	default:
	}
}

// Wait blocks until the promise settles.
func (p *ResultPromise) Wait() Result { return <-p.ch }

// Done exposes the channel for select-based waiting (e.g. with a context).
func (p *ResultPromise) Done() <-chan Result { return p.ch }

// Transaction is one logical host->network exchange, spec.md §3.
type Transaction struct {
	Priority Priority
	Head     *message.Message
	Parts    PartsFunc
	Result   *ResultPromise

	Retries int
	Tag     string

	ChangeNodeStatusOnTimeout bool
	PauseSendThreadOnDispatch bool

	// IsSendData marks a Transaction as a radio-level SendData exchange,
	// spec.md §4.1: a Response or callback timeout on one of these is
	// retried up to attempts.sendData times before the ACK-level
	// controller_attempts budget even comes into play again, rather than
	// failing outright.
	IsSendData bool

	// ResetParts rebuilds a fresh Parts closure for a SendData retry's
	// resend, since Parts' closure-captured phase (e.g.
	// responseThenCallbackParts' "seen the Response yet") must not carry
	// over from the attempt that just timed out.
	ResetParts func() PartsFunc

	// AbortOnCallbackTimeout, if set, is written to the wire before a
	// SendData retry triggered by a callback (not Response) timeout,
	// spec.md §4.1 "a SendDataAbort is injected first if the previous
	// callback never arrived."
	AbortOnCallbackTimeout *message.Message

	// sendDataRetries counts SendData-level resends, independent of the
	// ACK-level Retries counter above.
	sendDataRetries int

	ExpireAt *time.Time

	// NodeID is the target node, if any, used by reducers to match
	// per-node traffic (spec.md §4.5).
	NodeID *uint16

	// PreSleepPriority remembers the priority a Transaction held before a
	// node-asleep reducer dropped it to PriorityWakeUp, so the matching
	// node-awake reducer can restore it, spec.md §4.5 "Reverse transition
	// Asleep->Awake applies a reducer that keeps the original priority".
	PreSleepPriority *Priority

	sequence int // set by the queue on Push, for stable FIFO tie-breaking
	index    int // heap index, managed by container/heap
}

// priorityQueue implements container/heap.Interface over *Transaction,
// ordering by Priority then by insertion sequence (stable FIFO within a
// band), per spec.md §4.1.
type priorityQueue struct {
	items   []*Transaction
	counter int
}

func newPriorityQueue() *priorityQueue { return &priorityQueue{} }

func (q *priorityQueue) Len() int { return len(q.items) }

func (q *priorityQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority.higherThan(b.Priority)
	}
	return a.sequence < b.sequence
}

func (q *priorityQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *priorityQueue) Push(x any) {
	t := x.(*Transaction)
	t.sequence = q.counter
	q.counter++
	t.index = len(q.items)
	q.items = append(q.items, t)
}

func (q *priorityQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return t
}

// enqueue pushes a transaction, preserving heap invariants.
func (q *priorityQueue) enqueue(t *Transaction) { heap.Push(q, t) }

// dequeue pops the highest-priority transaction, or nil if empty.
func (q *priorityQueue) dequeue() *Transaction {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Transaction)
}

// remove deletes a transaction from the queue by heap index.
func (q *priorityQueue) remove(t *Transaction) {
	heap.Remove(q, t.index)
}

// all returns a snapshot slice of every queued transaction, for reducer
// application; order is unspecified (heap order), callers must not rely
// on it for dequeue order.
func (q *priorityQueue) all() []*Transaction {
	out := make([]*Transaction, len(q.items))
	copy(out, q.items)
	return out
}

// reorder rebuilds heap invariants after in-place priority mutation by a
// reducer (spec.md "sortQueue" event).
func (q *priorityQueue) reorder() { heap.Init(q) }
