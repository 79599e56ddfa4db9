package scheduler

import "errors"

var (
	// ErrACKTimeout is returned when a Transaction exhausts its controller
	// attempts without receiving an ACK, spec.md §6 controller_attempts.
	ErrACKTimeout = errors.New("scheduler: ACK timeout, controller attempts exhausted")

	// ErrResponseTimeout is returned when the synchronous Response never
	// arrives within response_timeout, spec.md §6.
	ErrResponseTimeout = errors.New("scheduler: response timeout")

	// ErrCallbackTimeout is returned when an expected callback never
	// arrives within send_data_callback_timeout, spec.md §6.
	ErrCallbackTimeout = errors.New("scheduler: callback timeout")

	// ErrMessageExpired is returned when a Transaction's expire_at passes
	// before it reaches the head of the queue, spec.md §4.1.
	ErrMessageExpired = errors.New("scheduler: message expired before send")

	// ErrShuttingDown is returned to every live Transaction when the
	// scheduler is shut down, spec.md §5.
	ErrShuttingDown = errors.New("scheduler: shutting down")

	// ErrNodeTimeout replaces ErrResponseTimeout/ErrCallbackTimeout on a
	// Transaction marked ChangeNodeStatusOnTimeout once its SendData
	// attempts are exhausted, spec.md §4.5/§7: the failure is attributed
	// to the node rather than the radio link, and the node transitions
	// to Asleep.
	ErrNodeTimeout = errors.New("scheduler: node timeout")

	// ErrResponseNOK is returned when the synchronous Response to a
	// SendData carries a non-success status byte, spec.md §7.
	ErrResponseNOK = errors.New("scheduler: response NOK")

	// ErrCallbackNOK is returned when the asynchronous delivery callback
	// reports a non-zero TransmitStatus, spec.md §7.
	ErrCallbackNOK = errors.New("scheduler: callback NOK")

	// ErrMessageDropped marks a Transaction whose message could not be
	// written to the transport (Writer.WriteMessage failed in execute), so
	// it never reached the wire, spec.md §7.
	ErrMessageDropped = errors.New("scheduler: message dropped")

	// ErrInterviewRestarted is surfaced to node-interview traffic
	// (PriorityNodeQuery) that AwakeToAsleepReducer requeued as WakeUp
	// rather than letting it drain, spec.md §4.5/§7: the interview must
	// restart once the node wakes again.
	ErrInterviewRestarted = errors.New("scheduler: interview restarted")
)
