package node

import "github.com/zwavecore/hostdriver/internal/scheduler"

// TagInterview marks a Transaction as belonging to node interview traffic,
// so the Awake->Asleep reducer can distinguish it, spec.md §4.5
// "NodeQuery-priority transactions are requeued as WakeUp+tag interview".
const TagInterview = "interview"

// TagWakeUpNoMoreInformation marks the WakeUpNoMoreInformation Transaction
// so the Awake->Asleep reducer drops it outright rather than requeuing it,
// spec.md §4.5.
const TagWakeUpNoMoreInformation = "wakeup_nmi"

func matchesNode(t *scheduler.Transaction, nodeID uint16) bool {
	return t.NodeID != nil && *t.NodeID == nodeID
}

// AwakeToAsleepReducer implements spec.md §4.5's Awake->Asleep transition:
// pings, nonces, supervision replies and WakeUpNoMoreInformation are
// dropped; NodeQuery-priority traffic is requeued as WakeUp+tag
// "interview"; everything else for this node is requeued as WakeUp.
func AwakeToAsleepReducer(nodeID uint16) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Verdict {
		if !matchesNode(t, nodeID) {
			return scheduler.Keep()
		}
		switch t.Priority {
		case scheduler.PriorityPing, scheduler.PriorityNonce, scheduler.PrioritySupervision:
			return scheduler.Drop()
		case scheduler.PriorityNodeQuery:
			return scheduler.RequeueTagged(scheduler.PriorityWakeUp, TagInterview)
		}
		if t.Tag == TagWakeUpNoMoreInformation {
			return scheduler.Drop()
		}
		return scheduler.RequeueSleeping(t.Tag)
	}
}

// AsleepToAwakeReducer implements spec.md §4.5's reverse transition: traffic
// for this node jumps back to its pre-sleep priority. A node-interview
// exchange that was mid-flight when the node fell asleep (tagged
// TagInterview by AwakeToAsleepReducer) cannot simply resume where it left
// off, so it is rejected with ErrInterviewRestarted instead, leaving the
// interview orchestrator to start that step over.
func AsleepToAwakeReducer(nodeID uint16) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Verdict {
		if !matchesNode(t, nodeID) {
			return scheduler.Keep()
		}
		if t.Tag == TagInterview {
			return scheduler.Reject(scheduler.ErrInterviewRestarted)
		}
		return scheduler.RequeueWaking()
	}
}

// RemoveReducer implements spec.md §3 "destroyed on removal (which purges
// all queued work for that id)": every Transaction addressed to nodeID is
// rejected with ErrNodeRemoved.
func RemoveReducer(nodeID uint16) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Verdict {
		if !matchesNode(t, nodeID) {
			return scheduler.Keep()
		}
		return scheduler.Reject(ErrNodeRemoved)
	}
}

// ExpireReducer implements spec.md §4.1 "Cancellation": a Transaction
// bearing an expire_at in the past is rejected with ErrMessageExpired.
// The scheduler already checks expiry at dequeue time (see
// scheduler.Machine.pump); this reducer additionally allows eagerly
// clearing expired work still sitting in the queue.
func ExpireReducer(nowUnixNano int64) scheduler.Reducer {
	return func(t *scheduler.Transaction) scheduler.Verdict {
		if t.ExpireAt == nil {
			return scheduler.Keep()
		}
		if t.ExpireAt.UnixNano() > nowUnixNano {
			return scheduler.Keep()
		}
		return scheduler.Reject(scheduler.ErrMessageExpired)
	}
}
