package dispatch

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"github.com/zwavecore/hostdriver/internal/command"
	"github.com/zwavecore/hostdriver/internal/encap"
	"github.com/zwavecore/hostdriver/internal/encap/transportservice"
	"github.com/zwavecore/hostdriver/internal/framer"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/node"
	"github.com/zwavecore/hostdriver/internal/scheduler"
)

type fakeControl struct {
	bytes []byte
}

func (f *fakeControl) WriteControlByte(b byte) error {
	f.bytes = append(f.bytes, b)
	return nil
}

func newTestDispatcher(t *testing.T, hooks Hooks) (*Dispatcher, *fakeControl) {
	t.Helper()
	sched := scheduler.NewMachine(nil, scheduler.Timeouts{}, scheduler.Attempts{Controller: 3}, scheduler.NewBackoff(time.Millisecond, time.Millisecond), nil, logr.Discard())
	codec := message.NewCodec()
	pipeline := encap.NewPipeline(nil, nil, nil, noopSecurity{})
	nodes := node.NewRegistry()
	rx := transportservice.NewRX()
	ctl := &fakeControl{}
	d := New(sched, codec, pipeline, nodes, rx, ctl, hooks, logr.Discard())
	return d, ctl
}

// noopSecurity never applies, so Pipeline.Unwrap leaves an unrecognized
// Command untouched.
type noopSecurity struct{}

func (noopSecurity) Name() string { return "noop-security" }
func (noopSecurity) Applies(encap.Request) bool { return false }
func (noopSecurity) Wrap(cmd *command.Command, _ encap.Request) (*command.Command, error) {
	return cmd, nil
}
func (noopSecurity) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	return cmd, 0, false, nil
}
func (noopSecurity) Choose(encap.NodeInfo) (command.EncapFlags, bool) { return 0, false }

func TestHandleFrameUnknownFunctionTypeAcks(t *testing.T) {
	d, ctl := newTestDispatcher(t, Hooks{})
	f := framer.Frame{Kind: framer.KindData, FunctionType: 0xEF, MessageType: 0x00, Payload: []byte{1, 2, 3}}
	d.HandleFrame(f)
	require.Equal(t, []byte{framer.ACK}, ctl.bytes)
}

func TestWaitForResolvesUnsolicitedMessage(t *testing.T) {
	d, _ := newTestDispatcher(t, Hooks{})

	ch := d.WaitFor(time.Second, func(m *message.Message) bool {
		return m.FunctionType == 0x13
	})

	go d.HandleMessage(&message.Message{FunctionType: 0x13, Type: message.TypeRequest})

	select {
	case m := <-ch:
		require.NotNil(t, m)
		require.Equal(t, byte(0x13), m.FunctionType)
	case <-time.After(time.Second):
		t.Fatal("expected awaiter to resolve")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	d, _ := newTestDispatcher(t, Hooks{})
	ch := d.WaitFor(20*time.Millisecond, func(m *message.Message) bool { return false })
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected channel to close on timeout without a value")
	case <-time.After(time.Second):
		t.Fatal("expected awaiter timeout")
	}
}

func TestDeviceResetLocallyRemovesNode(t *testing.T) {
	var resetNode uint16
	d, ctl := newTestDispatcher(t, Hooks{
		OnDeviceResetLocally: func(nodeID uint16) { resetNode = nodeID },
	})

	nodeID := uint16(12)
	d.nodes.GetOrCreate(nodeID)

	msg := &message.Message{
		FunctionType: FuncApplicationCommandHandler,
		Type:         message.TypeRequest,
		NodeID:       &nodeID,
		Command: &command.Command{
			ClassID:   ClassDeviceResetLocally,
			CommandID: CmdDeviceResetLocallyNotify,
			NodeID:    nodeID,
		},
	}
	d.HandleMessage(msg)

	require.Equal(t, nodeID, resetNode)
	require.Nil(t, d.nodes.Get(nodeID))
	require.Contains(t, ctl.bytes, framer.ACK)
}

func TestSupervisionReportResolvesSession(t *testing.T) {
	d, _ := newTestDispatcher(t, Hooks{})
	nodeID := uint16(3)
	n := d.nodes.GetOrCreate(nodeID)

	var gotStatus, gotRemaining byte
	n.RegisterSupervisionSession(1, func(status, remaining byte) {
		gotStatus, gotRemaining = status, remaining
	})

	msg := &message.Message{
		FunctionType: FuncApplicationCommandHandler,
		Type:         message.TypeRequest,
		NodeID:       &nodeID,
		Command: &command.Command{
			ClassID:   ClassSupervision,
			CommandID: CmdSupervisionReport,
			NodeID:    nodeID,
			Payload:   []byte{0x01, 0xFF, 0x00}, // session 1, no more updates, status success, 0 duration
		},
	}
	d.HandleMessage(msg)

	require.Equal(t, byte(0xFF), gotStatus)
	require.Equal(t, byte(0x00), gotRemaining)
}
