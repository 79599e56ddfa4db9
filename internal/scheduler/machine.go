package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/metrics"
)

// State is the scheduler's current execution state, spec.md §4.1.
type State int

const (
	StateIdle State = iota
	StateExecutingSend
	StateWaitingForResponse
	StateWaitingForCallback
	StateWaitingForNodeUpdate
	StatePaused
	StateRetrying
)

// Writer is the scheduler's exclusive handle to the serial transport, per
// spec.md §5 "The serial line is owned by the Scheduler".
type Writer interface {
	WriteMessage(ctx context.Context, m message.Message) error
}

// Timeouts bundles the configurable waits from spec.md §6.
type Timeouts struct {
	ACK             time.Duration
	Response        time.Duration
	SendDataCallback time.Duration
}

// Attempts bundles the configurable retry bounds from spec.md §6.
type Attempts struct {
	Controller int
	SendData   int
}

// Machine is the Send Scheduler: single-consumer FSM over a priority queue
// and one active transaction, spec.md §4.1.
type Machine struct {
	mu      sync.Mutex
	queue   *priorityQueue
	active  *Transaction
	state   State
	paused  bool

	writer   Writer
	timeouts Timeouts
	attempts Attempts
	backoff  Backoff
	metrics  metrics.Metrics
	log      logr.Logger

	events chan event
	done   chan struct{}

	// lastCallbackID cycles 1..0xFF per spec.md §3 ("callback_id values
	// cycle 1..0xFF; 0 is reserved").
	lastCallbackID byte

	timer    *time.Timer
	timerGen int

	// nodeTimeoutHook is notified with the target node id whenever a
	// Transaction marked ChangeNodeStatusOnTimeout finally times out,
	// spec.md §4.5 "a SendData failure ... transitions it to Asleep".
	// The Host Facade sets this via SetNodeTimeoutHook since the
	// scheduler package itself must not import node (node already
	// imports scheduler for its reducers).
	nodeTimeoutHook func(nodeID uint16)
}

// NewMachine builds a scheduler bound to a Writer (the transport owner),
// with the given timeouts/attempts/backoff/metrics/logger.
func NewMachine(w Writer, t Timeouts, a Attempts, b Backoff, m metrics.Metrics, log logr.Logger) *Machine {
	return &Machine{
		queue:    newPriorityQueue(),
		writer:   w,
		timeouts: t,
		attempts: a,
		backoff:  b,
		metrics:  m,
		log:      log,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}
}

type eventKind int

const (
	evAdd eventKind = iota
	evMessage
	evACK
	evNAK
	evCAN
	evPause
	evUnpause
	evReduce
	evTimeout
	evRetry
	evShutdown
)

type event struct {
	kind    eventKind
	txn     *Transaction
	msg     *message.Message
	reducer Reducer
	timer   timeoutKind
	gen     int
}

type timeoutKind int

const (
	timeoutACK timeoutKind = iota
	timeoutResponse
	timeoutCallback
)

// Add enqueues a new transaction, spec.md §4.1 event "add".
func (m *Machine) Add(t *Transaction) {
	m.events <- event{kind: evAdd, txn: t}
}

// Message delivers an inbound Response/callback correlated by the
// dispatcher, spec.md §4.1 event "message".
func (m *Machine) Message(msg *message.Message) {
	m.events <- event{kind: evMessage, msg: msg}
}

// TryCorrelate reports whether msg matches the scheduler's current
// expectation for the active transaction (a Response of the same function
// type while waiting for one, or a callback sharing its callback id while
// waiting for one) and, if so, delivers it and returns true. The Receive
// Dispatcher calls this first, per spec.md §4.2 disposition 1 "Known
// response/callback -> handed to the Send Scheduler, which matches by
// state and callback_id."
func (m *Machine) TryCorrelate(msg *message.Message) bool {
	m.mu.Lock()
	t := m.active
	match := false
	if t != nil {
		switch {
		case msg.Type == message.TypeResponse && m.state == StateWaitingForResponse && msg.FunctionType == t.Head.FunctionType:
			match = true
		case msg.Type == message.TypeRequest && m.state == StateWaitingForCallback && msg.CallbackID != 0 && t.Head.CallbackID != 0 && msg.CallbackID == t.Head.CallbackID:
			match = true
		}
	}
	m.mu.Unlock()
	if match {
		m.Message(msg)
	}
	return match
}

// ACK/NAK/CAN deliver low-level serial acknowledgements.
func (m *Machine) ACK() { m.events <- event{kind: evACK} }
func (m *Machine) NAK() { m.events <- event{kind: evNAK} }
func (m *Machine) CAN() { m.events <- event{kind: evCAN} }

// Pause/Unpause implement spec.md §4.1's pause/unpause event.
func (m *Machine) Pause()   { m.events <- event{kind: evPause} }
func (m *Machine) Unpause() { m.events <- event{kind: evUnpause} }

// Reduce applies a reducer to the queue and active transaction, spec.md
// §4.1 event "reduce".
func (m *Machine) Reduce(r Reducer) {
	m.events <- event{kind: evReduce, reducer: r}
}

// SetNodeTimeoutHook installs the callback fired when a
// ChangeNodeStatusOnTimeout Transaction's node is deemed unreachable,
// spec.md §4.5. Not safe to call concurrently with Run; intended to be
// set once during Host construction before the scheduler starts.
func (m *Machine) SetNodeTimeoutHook(fn func(nodeID uint16)) {
	m.nodeTimeoutHook = fn
}

// Shutdown stops the loop. Per spec.md §5, Host shutdown cancels the
// Scheduler first.
func (m *Machine) Shutdown() {
	m.events <- event{kind: evShutdown}
	<-m.done
}

// Run is the scheduler's single-consumer event loop; it should be started
// in its own goroutine, matching the teacher's background-goroutine style
// (Conn.keepAlive, Listener.janitor in aznet.go).
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.drainReject(ctx.Err())
			return
		case ev := <-m.events:
			if m.handle(ctx, ev) {
				return
			}
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev event) (stop bool) {
	switch ev.kind {
	case evShutdown:
		m.drainReject(ErrShuttingDown)
		return true
	case evAdd:
		m.mu.Lock()
		m.queue.enqueue(ev.txn)
		m.mu.Unlock()
		m.pump(ctx)
	case evPause:
		m.mu.Lock()
		m.paused = true
		m.mu.Unlock()
	case evUnpause:
		m.mu.Lock()
		m.paused = false
		m.mu.Unlock()
		m.pump(ctx)
	case evReduce:
		m.applyReducer(ev.reducer)
		m.pump(ctx)
	case evACK:
		m.onACK(ctx)
	case evNAK:
		m.onNAKOrCAN(ctx)
	case evCAN:
		m.onNAKOrCAN(ctx)
	case evMessage:
		m.onMessage(ctx, ev.msg)
	case evTimeout:
		m.onTimeout(ctx, ev.timer, ev.gen)
	case evRetry:
		m.execute(ctx, ev.txn)
	}
	return false
}

// armTimer (re)schedules the single per-active-transaction timer, invalidating
// any timer previously armed via a generation counter so a stale fire (the
// transaction having already moved on) is ignored, spec.md §4.1's
// "internal timeouts" event source.
func (m *Machine) armTimer(d time.Duration, kind timeoutKind) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.events <- event{kind: evTimeout, timer: kind, gen: gen}
	})
	m.mu.Unlock()
}

// disarmTimer cancels the pending timer and bumps the generation so any
// already-fired-but-not-yet-handled timeout event is ignored.
func (m *Machine) disarmTimer() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	m.mu.Unlock()
}

// drainReject rejects every queued and active transaction with err, for
// shutdown.
func (m *Machine) drainReject(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.queue.all() {
		m.queue.remove(t)
		t.Result.Settle(Result{Err: err})
	}
	if m.active != nil {
		m.active.Result.Settle(Result{Err: err})
		m.active = nil
	}
}

// pump dequeues and executes the next transaction if idle and unpaused,
// spec.md §4.1's core invariant: at most one Transaction past
// ExecutingSend at any instant.
func (m *Machine) pump(ctx context.Context) {
	m.mu.Lock()
	if m.paused || m.active != nil || m.state != StateIdle {
		m.mu.Unlock()
		return
	}
	next := m.queue.dequeue()
	if next == nil {
		m.mu.Unlock()
		return
	}
	if next.ExpireAt != nil && time.Now().After(*next.ExpireAt) {
		m.mu.Unlock()
		next.Result.Settle(Result{Err: ErrMessageExpired})
		m.pump(ctx)
		return
	}
	m.active = next
	m.state = StateExecutingSend
	m.mu.Unlock()

	m.execute(ctx, next)
}

func (m *Machine) execute(ctx context.Context, t *Transaction) {
	if t.Head.ExpectsCallback() {
		t.Head.CallbackID = m.nextCallbackID()
	}
	if err := m.writer.WriteMessage(ctx, *t.Head); err != nil {
		m.finishActive(ctx, Result{Err: fmt.Errorf("%w: %v", ErrMessageDropped, err)})
		return
	}
	if m.metrics != nil {
		m.metrics.IncrementCommandsTX()
	}
	m.mu.Lock()
	m.state = StateExecutingSend
	m.mu.Unlock()
	m.armTimer(m.timeouts.ACK, timeoutACK)
}

// nextCallbackID cycles 1..0xFF, spec.md §3.
func (m *Machine) nextCallbackID() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCallbackID++
	if m.lastCallbackID == 0 {
		m.lastCallbackID = 1
	}
	return m.lastCallbackID
}

func (m *Machine) onACK(ctx context.Context) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateWaitingForResponse
	m.mu.Unlock()
	m.armTimer(m.timeouts.Response, timeoutResponse)
}

func (m *Machine) onNAKOrCAN(ctx context.Context) {
	m.disarmTimer()
	m.retryOrFail(ctx, ErrACKTimeout, func() { m.metricsIncNAK() })
}

func (m *Machine) metricsIncNAK() {
	if m.metrics != nil {
		m.metrics.IncrementNAK()
	}
}

// retryOrFail re-sends the active transaction with backoff if controller
// attempts remain, otherwise settles it with failErr, spec.md §6
// controller_attempts.
func (m *Machine) retryOrFail(ctx context.Context, failErr error, onRetry func()) {
	m.mu.Lock()
	t := m.active
	if t == nil {
		m.mu.Unlock()
		return
	}
	if onRetry != nil {
		onRetry()
	}
	t.Retries++
	if t.Retries > m.attempts.Controller {
		m.active = nil
		m.state = StateIdle
		m.mu.Unlock()
		t.Result.Settle(m.timeoutResult(t, failErr))
		m.pump(ctx)
		return
	}
	m.mu.Unlock()
	delay := m.backoff.Delay(t.Retries)
	time.AfterFunc(delay, func() { m.events <- event{kind: evRetry, txn: t} })
}

// timeoutResult substitutes ErrNodeTimeout for baseErr and notifies
// nodeTimeoutHook when t is marked to change its node's status on
// timeout, spec.md §4.5 "a SendData failure attributed to the node
// transitions it to Asleep".
func (m *Machine) timeoutResult(t *Transaction, baseErr error) Result {
	if t.ChangeNodeStatusOnTimeout && t.NodeID != nil {
		if m.nodeTimeoutHook != nil {
			m.nodeTimeoutHook(*t.NodeID)
		}
		return Result{Err: ErrNodeTimeout}
	}
	return Result{Err: baseErr}
}

// retrySendDataOrFail implements spec.md §4.1's SendData-specific retry
// budget (attempts.sendData), distinct from the ACK-level
// controller_attempts retry in retryOrFail: on a Response or callback
// timeout it re-sends the same SendData up to attempts.sendData times,
// injecting a SendDataAbort first if the timeout was on the callback (the
// previous attempt's callback never arrived), before finally failing via
// timeoutResult.
func (m *Machine) retrySendDataOrFail(ctx context.Context, t *Transaction, wasCallbackTimeout bool, baseErr error) {
	t.sendDataRetries++
	if t.sendDataRetries > m.attempts.SendData {
		m.mu.Lock()
		m.active = nil
		m.state = StateIdle
		m.mu.Unlock()
		t.Result.Settle(m.timeoutResult(t, baseErr))
		m.pump(ctx)
		return
	}

	var abort *message.Message
	if wasCallbackTimeout {
		abort = t.AbortOnCallbackTimeout
	}
	if t.ResetParts != nil {
		t.Parts = t.ResetParts()
	}

	delay := m.backoff.Delay(t.sendDataRetries)
	time.AfterFunc(delay, func() {
		if abort != nil {
			_ = m.writer.WriteMessage(ctx, *abort)
		}
		m.events <- event{kind: evRetry, txn: t}
	})
}

// onTimeout handles a fired ACK/Response/Callback timer, ignoring stale
// fires whose generation no longer matches the currently-armed timer.
func (m *Machine) onTimeout(ctx context.Context, kind timeoutKind, gen int) {
	m.mu.Lock()
	current := m.timerGen
	t := m.active
	m.mu.Unlock()
	if gen != current || t == nil {
		return
	}
	switch kind {
	case timeoutACK:
		if m.metrics != nil {
			m.metrics.IncrementTimeout(metrics.TimeoutACK)
		}
		m.retryOrFail(ctx, ErrACKTimeout, nil)
	case timeoutResponse:
		if m.metrics != nil {
			m.metrics.IncrementTimeout(metrics.TimeoutResponse)
		}
		if t.IsSendData {
			m.retrySendDataOrFail(ctx, t, false, ErrResponseTimeout)
			return
		}
		m.finishActive(ctx, m.timeoutResult(t, ErrResponseTimeout))
	case timeoutCallback:
		if m.metrics != nil {
			m.metrics.IncrementTimeout(metrics.TimeoutCallback)
		}
		if t.IsSendData {
			m.retrySendDataOrFail(ctx, t, true, ErrCallbackTimeout)
			return
		}
		m.finishActive(ctx, m.timeoutResult(t, ErrCallbackTimeout))
	}
}

// onMessage correlates an inbound Response/callback with the active
// transaction via the parts generator, spec.md §4.1.
func (m *Machine) onMessage(ctx context.Context, msg *message.Message) {
	m.mu.Lock()
	t := m.active
	if t == nil {
		m.mu.Unlock()
		return
	}
	// SendData-family callback mismatch is ignored, not an error, per
	// spec.md §4.1. Only callback Requests are compared: the first payload
	// byte of a Response is a status, not a callback id.
	if msg.Type == message.TypeRequest && msg.CallbackID != 0 &&t.Head.CallbackID != 0 && msg.CallbackID != t.Head.CallbackID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.disarmTimer()

	next, result, done := t.Parts(msg)
	if done {
		m.finishActive(ctx, *result)
		return
	}
	if next != nil {
		// The parts generator wants another message sent (a follow-up
		// Request, e.g. a Transport Service segment), so re-enter the
		// send path rather than waiting on a callback.
		t.Head = next
		m.execute(ctx, t)
		return
	}
	// No next message and not done: the synchronous Response has arrived
	// but an asynchronous callback is still owed, spec.md §3.
	m.mu.Lock()
	m.state = StateWaitingForCallback
	m.mu.Unlock()
	m.armTimer(m.timeouts.SendDataCallback, timeoutCallback)
}

func (m *Machine) finishActive(ctx context.Context, r Result) {
	m.disarmTimer()
	m.mu.Lock()
	t := m.active
	if t == nil {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.state = StateIdle
	m.mu.Unlock()

	t.Result.Settle(r)
	m.pump(ctx)
}

// State returns the current scheduler state (for tests/diagnostics).
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of queued (not active) transactions.
func (m *Machine) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// HasPendingForNode reports whether any queued or active Transaction
// targets nodeID, spec.md §4.5 "after a node's last successful response,
// if no pending messages remain ... send it a WakeUpNoMoreInformation."
func (m *Machine) HasPendingForNode(nodeID uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.NodeID != nil && *m.active.NodeID == nodeID {
		return true
	}
	for _, t := range m.queue.all() {
		if t.NodeID != nil && *t.NodeID == nodeID {
			return true
		}
	}
	return false
}
