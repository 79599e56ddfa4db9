package scheduler

// VerdictKind is the kind of decision a Reducer makes for one Transaction,
// per spec.md §4.1
// "A reducer is a pure function Transaction -> {keep | drop | reject(err)
// | requeue(new_priority, new_tag?) | resolve(value)}".
type VerdictKind int

const (
	VerdictKeep VerdictKind = iota
	VerdictDrop
	VerdictReject
	VerdictRequeue
	VerdictResolve
)

// Verdict is the reducer's decision for a single transaction.
type Verdict struct {
	Kind        VerdictKind
	Err         error   // for VerdictReject
	NewPriority Priority
	NewTag      string
	HasNewTag   bool
	Value       *Result // for VerdictResolve

	// SavePriority, when set on a VerdictRequeue, stashes the
	// transaction's current priority in PreSleepPriority before
	// overwriting it, spec.md §4.5's Awake->Asleep transition.
	SavePriority bool
	// RestorePriority, when set on a VerdictRequeue, restores
	// PreSleepPriority instead of using NewPriority, spec.md §4.5's
	// Asleep->Awake transition.
	RestorePriority bool
}

func Keep() Verdict { return Verdict{Kind: VerdictKeep} }
func Drop() Verdict { return Verdict{Kind: VerdictDrop} }
func Reject(err error) Verdict { return Verdict{Kind: VerdictReject, Err: err} }
func Resolve(r Result) Verdict { return Verdict{Kind: VerdictResolve, Value: &r} }

func Requeue(priority Priority) Verdict {
	return Verdict{Kind: VerdictRequeue, NewPriority: priority}
}

func RequeueTagged(priority Priority, tag string) Verdict {
	return Verdict{Kind: VerdictRequeue, NewPriority: priority, NewTag: tag, HasNewTag: true}
}

// RequeueSleeping drops a Transaction to PriorityWakeUp while remembering
// its current priority, spec.md §4.5 Awake->Asleep.
func RequeueSleeping(tag string) Verdict {
	v := Verdict{Kind: VerdictRequeue, NewPriority: PriorityWakeUp, SavePriority: true}
	if tag != "" {
		v.NewTag = tag
		v.HasNewTag = true
	}
	return v
}

// RequeueWaking restores a Transaction's pre-sleep priority, spec.md §4.5
// Asleep->Awake.
func RequeueWaking() Verdict {
	return Verdict{Kind: VerdictRequeue, RestorePriority: true}
}

// Reducer is applied to every queued and active Transaction under the
// scheduler's lock, spec.md §4.1. Reducers must be O(n) bounded (no
// per-transaction I/O).
type Reducer func(t *Transaction) Verdict

// applyReducer runs r over every transaction in the queue plus the active
// transaction, if any. A Reject or Drop verdict on the active transaction
// only takes effect while canCancelActive reports it is still pre-ACK,
// since post-ACK transactions are allowed to drain per spec.md §5.
func (m *Machine) applyReducer(r Reducer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyReducerLocked(r)
}

func (m *Machine) applyReducerLocked(r Reducer) {
	snapshot := m.queue.all()
	needReorder := false
	for _, t := range snapshot {
		v := r(t)
		switch v.Kind {
		case VerdictDrop:
			m.queue.remove(t)
		case VerdictReject:
			m.queue.remove(t)
			t.Result.Settle(Result{Err: v.Err})
		case VerdictRequeue:
			ApplyVerdict(t, v)
			needReorder = true
		case VerdictResolve:
			m.queue.remove(t)
			t.Result.Settle(*v.Value)
		}
	}
	if needReorder {
		m.queue.reorder()
	}

	if m.active != nil {
		v := r(m.active)
		switch v.Kind {
		case VerdictReject:
			if m.canCancelActive() {
				t := m.active
				m.active = nil
				t.Result.Settle(Result{Err: v.Err})
			}
		case VerdictDrop:
			if m.canCancelActive() {
				m.active = nil
			}
		}
		// Requeue/Resolve of the active transaction mid-flight is not
		// meaningful: post-ACK it is allowed to drain (spec.md §5).
	}
}

// ApplyVerdict mutates t in place for a VerdictRequeue verdict: it saves
// or restores the pre-sleep priority as directed, then applies the new
// priority and tag. Exported so callers building reducers (e.g. the node
// package's wake-up transitions) can unit test their verdicts' effect
// without a running Machine.
func ApplyVerdict(t *Transaction, v Verdict) {
	if v.Kind != VerdictRequeue {
		return
	}
	if v.SavePriority && t.PreSleepPriority == nil {
		p := t.Priority
		t.PreSleepPriority = &p
	}
	if v.RestorePriority {
		// A Transaction with no saved priority keeps its current one.
		if t.PreSleepPriority != nil {
			t.Priority = *t.PreSleepPriority
			t.PreSleepPriority = nil
		}
	} else {
		t.Priority = v.NewPriority
	}
	if v.HasNewTag {
		t.Tag = v.NewTag
	}
}

// canCancelActive reports whether the active transaction is still in a
// pre-ACK state, per spec.md §5 "A Transaction may be cancelled by reducer
// at any pre-ACK state; post-ACK it is allowed to drain".
func (m *Machine) canCancelActive() bool {
	return m.state == StateExecutingSend
}
