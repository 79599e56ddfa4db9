package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/metrics"
)

// recordingWriter captures every Message written to it, simulating the
// serial transport owned by the scheduler.
type recordingWriter struct {
	mu  sync.Mutex
	out []message.Message
}

func (w *recordingWriter) WriteMessage(_ context.Context, m message.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = append(w.out, m)
	return nil
}

func (w *recordingWriter) writes() []message.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]message.Message, len(w.out))
	copy(out, w.out)
	return out
}

func noCallbackParts(resp *message.Message) PartsFunc {
	return func(last *message.Message) (*message.Message, *Result, bool) {
		return nil, &Result{Value: last}, true
	}
}

func newTestMachine(t *testing.T, w *recordingWriter) *Machine {
	t.Helper()
	m := NewMachine(w, Timeouts{
		ACK:              50 * time.Millisecond,
		Response:         50 * time.Millisecond,
		SendDataCallback: 50 * time.Millisecond,
	}, Attempts{Controller: 3, SendData: 3}, NewBackoff(time.Millisecond, 10*time.Millisecond), metrics.NewDefault(), logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return m
}

// TestSerializationInvariant asserts that only one transaction is ever
// in-flight (past ExecutingSend) at a time: a second Add must not produce a
// second WriteMessage until the first transaction resolves.
func TestSerializationInvariant(t *testing.T) {
	w := &recordingWriter{}
	m := newTestMachine(t, w)

	t1 := &Transaction{Priority: PriorityNormal, Head: &message.Message{FunctionType: 1}, Result: NewResultPromise()}
	t1.Parts = noCallbackParts(t1.Head)
	t2 := &Transaction{Priority: PriorityNormal, Head: &message.Message{FunctionType: 2}, Result: NewResultPromise()}
	t2.Parts = noCallbackParts(t2.Head)

	m.Add(t1)
	m.Add(t2)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, w.writes(), 1, "second transaction must not be sent while the first is in flight")

	m.ACK()
	m.Message(&message.Message{FunctionType: 1})
	res1 := t1.Result.Wait()
	require.NoError(t, res1.Err)

	m.ACK()
	m.Message(&message.Message{FunctionType: 2})
	res2 := t2.Result.Wait()
	require.NoError(t, res2.Err)

	require.Len(t, w.writes(), 2)
}

// TestPriorityDominance asserts that a higher-priority transaction enqueued
// after a lower-priority one is dequeued first.
func TestPriorityDominance(t *testing.T) {
	w := &recordingWriter{}
	m := newTestMachine(t, w)

	blocker := &Transaction{Priority: PriorityNormal, Head: &message.Message{FunctionType: 0xEE}, Result: NewResultPromise()}
	blocker.Parts = noCallbackParts(blocker.Head)
	m.Add(blocker)
	time.Sleep(10 * time.Millisecond)

	low := &Transaction{Priority: PriorityWakeUp, Head: &message.Message{FunctionType: 1}, Result: NewResultPromise()}
	low.Parts = noCallbackParts(low.Head)
	high := &Transaction{Priority: PriorityController, Head: &message.Message{FunctionType: 2}, Result: NewResultPromise()}
	high.Parts = noCallbackParts(high.Head)

	m.Add(low)
	m.Add(high)
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 2, m.QueueLen())

	// Resolve the blocker so the queue drains.
	m.ACK()
	m.Message(&message.Message{FunctionType: 0xEE})
	blocker.Result.Wait()

	m.ACK()
	m.Message(&message.Message{FunctionType: 2})
	time.Sleep(10 * time.Millisecond)

	select {
	case r := <-high.Result.Done():
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("expected high priority transaction to resolve first")
	}

	m.ACK()
	m.Message(&message.Message{FunctionType: 1})
	select {
	case r := <-low.Result.Done():
		require.NoError(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("expected low priority transaction to eventually resolve")
	}
}

// TestACKTimeoutExhaustsRetries asserts that a transaction which never
// receives an ACK fails after controller_attempts retries.
func TestACKTimeoutExhaustsRetries(t *testing.T) {
	w := &recordingWriter{}
	m := newTestMachine(t, w)

	tx := &Transaction{Priority: PriorityNormal, Head: &message.Message{FunctionType: 9}, Result: NewResultPromise()}
	tx.Parts = noCallbackParts(tx.Head)
	m.Add(tx)

	select {
	case r := <-tx.Result.Done():
		require.ErrorIs(t, r.Err, ErrACKTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("expected ACK timeout to eventually fail the transaction")
	}
	require.GreaterOrEqual(t, len(w.writes()), 4) // initial + 3 retries
}

// rejectForNode builds a Reducer that rejects every Transaction addressed
// to nodeID with err, leaving everything else untouched. It stands in for
// the node package's RemoveReducer here to avoid this package importing
// node (which itself imports scheduler).
func rejectForNode(nodeID uint16, err error) Reducer {
	return func(t *Transaction) Verdict {
		if t.NodeID == nil || *t.NodeID != nodeID {
			return Keep()
		}
		return Reject(err)
	}
}

// TestReducePurgesAllQueuedTransactionsForNode exercises spec.md §8
// scenario 5: a node removed mid-flight must reject every Transaction
// still queued for it, across every priority band, while leaving other
// nodes' traffic untouched.
func TestReducePurgesAllQueuedTransactionsForNode(t *testing.T) {
	w := &recordingWriter{}
	m := newTestMachine(t, w)
	var errRemoved = ErrShuttingDown // any distinct sentinel works here

	blocker := &Transaction{Priority: PriorityController, Head: &message.Message{FunctionType: 0xEE}, Result: NewResultPromise()}
	blocker.Parts = noCallbackParts(blocker.Head)
	m.Add(blocker)
	time.Sleep(10 * time.Millisecond)

	const removedNode uint16 = 12
	const otherNode uint16 = 13

	removed := make([]*Transaction, 0, 12)
	priorities := []Priority{PriorityNodeQuery, PriorityNormal, PriorityWakeUp, PriorityPing}
	for i := 0; i < 12; i++ {
		nodeID := removedNode
		tx := &Transaction{
			Priority: priorities[i%len(priorities)],
			Head:     &message.Message{FunctionType: byte(i)},
			Result:   NewResultPromise(),
			NodeID:   &nodeID,
		}
		tx.Parts = noCallbackParts(tx.Head)
		m.Add(tx)
		removed = append(removed, tx)
	}

	survivorNode := otherNode
	survivor := &Transaction{Priority: PriorityNormal, Head: &message.Message{FunctionType: 0xAA}, Result: NewResultPromise(), NodeID: &survivorNode}
	survivor.Parts = noCallbackParts(survivor.Head)
	m.Add(survivor)

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 13, m.QueueLen())

	m.Reduce(rejectForNode(removedNode, errRemoved))

	for _, tx := range removed {
		select {
		case r := <-tx.Result.Done():
			require.ErrorIs(t, r.Err, errRemoved)
		case <-time.After(time.Second):
			t.Fatal("expected every transaction for the removed node to settle")
		}
	}
	require.Equal(t, 1, m.QueueLen(), "only the surviving node's transaction should remain queued")

	// Drain the blocker so the survivor can still be served.
	m.ACK()
	m.Message(&message.Message{FunctionType: 0xEE})
	blocker.Result.Wait()
	m.ACK()
	m.Message(&message.Message{FunctionType: 0xAA})
	res := survivor.Result.Wait()
	require.NoError(t, res.Err)
}

// TestReduceExpiresQueuedTransactionBehindBlocker exercises spec.md §8
// scenario 6: a Transaction sitting behind a blocked transaction must
// settle at its expire_at deadline rather than only once it is eventually
// dequeued.
func TestReduceExpiresQueuedTransactionBehindBlocker(t *testing.T) {
	w := &recordingWriter{}
	m := newTestMachine(t, w)

	blocker := &Transaction{Priority: PriorityController, Head: &message.Message{FunctionType: 0xEE}, Result: NewResultPromise()}
	blocker.Parts = noCallbackParts(blocker.Head)
	m.Add(blocker)
	time.Sleep(10 * time.Millisecond)

	expireAt := time.Now().Add(20 * time.Millisecond)
	tx := &Transaction{
		Priority: PriorityWakeUp,
		Head:     &message.Message{FunctionType: 1},
		Result:   NewResultPromise(),
		ExpireAt: &expireAt,
	}
	tx.Parts = noCallbackParts(tx.Head)
	m.Add(tx)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, m.QueueLen(), "transaction must still be queued behind the blocker")

	// Before the deadline, the expire reducer must not touch it.
	m.Reduce(func(t *Transaction) Verdict {
		if t.ExpireAt == nil || t.ExpireAt.After(time.Now()) {
			return Keep()
		}
		return Reject(ErrMessageExpired)
	})
	require.Equal(t, 1, m.QueueLen(), "transaction must not expire before its deadline")

	time.Sleep(25 * time.Millisecond) // now past expireAt, still queued behind the blocker
	m.Reduce(func(t *Transaction) Verdict {
		if t.ExpireAt == nil || t.ExpireAt.After(time.Now()) {
			return Keep()
		}
		return Reject(ErrMessageExpired)
	})

	select {
	case r := <-tx.Result.Done():
		require.ErrorIs(t, r.Err, ErrMessageExpired)
	case <-time.After(time.Second):
		t.Fatal("expected the queued transaction to expire while still behind the blocker")
	}
	require.Len(t, w.writes(), 1, "only the blocker should ever have reached the wire; the expired transaction must not")
}
