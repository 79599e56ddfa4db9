package node

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zwavecore/hostdriver/internal/scheduler"
)

func txnFor(nodeID uint16, p scheduler.Priority, tag string) *scheduler.Transaction {
	id := nodeID
	return &scheduler.Transaction{NodeID: &id, Priority: p, Tag: tag, Result: scheduler.NewResultPromise()}
}

func TestAwakeToAsleepDropsPingsAndRequeuesRest(t *testing.T) {
	reducer := AwakeToAsleepReducer(5)

	ping := txnFor(5, scheduler.PriorityPing, "")
	require.Equal(t, scheduler.VerdictDrop, reducer(ping).Kind)

	query := txnFor(5, scheduler.PriorityNodeQuery, "")
	v := reducer(query)
	require.Equal(t, scheduler.VerdictRequeue, v.Kind)
	require.Equal(t, scheduler.PriorityWakeUp, v.NewPriority)
	require.Equal(t, TagInterview, v.NewTag)

	normal := txnFor(5, scheduler.PriorityNormal, "")
	v2 := reducer(normal)
	require.Equal(t, scheduler.VerdictRequeue, v2.Kind)
	require.True(t, v2.SavePriority)

	other := txnFor(9, scheduler.PriorityNormal, "")
	require.Equal(t, scheduler.VerdictKeep, reducer(other).Kind)
}

func TestAsleepToAwakeRestoresPriority(t *testing.T) {
	asleep := AwakeToAsleepReducer(5)
	awake := AsleepToAwakeReducer(5)

	tx := txnFor(5, scheduler.PriorityNormal, "")
	scheduler.ApplyVerdict(tx, asleep(tx))
	require.Equal(t, scheduler.PriorityWakeUp, tx.Priority)

	scheduler.ApplyVerdict(tx, awake(tx))
	require.Equal(t, scheduler.PriorityNormal, tx.Priority)
}

func TestRemoveReducerRejectsOnlyMatchingNode(t *testing.T) {
	reducer := RemoveReducer(7)
	mine := txnFor(7, scheduler.PriorityNormal, "")
	theirs := txnFor(8, scheduler.PriorityNormal, "")

	v := reducer(mine)
	require.Equal(t, scheduler.VerdictReject, v.Kind)
	require.ErrorIs(t, v.Err, ErrNodeRemoved)

	require.Equal(t, scheduler.VerdictKeep, reducer(theirs).Kind)
}
