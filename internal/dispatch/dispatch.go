// Package dispatch implements the Receive Dispatcher: it reads decoded
// frames, classifies each inbound Message into one of three dispositions
// (scheduler correlation, a pending wait_for_* awaiter, or an unsolicited
// handler), and drives the wake-up-on-receive and decode-error policies
// named in spec.md §4.2.
package dispatch

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/zwavecore/hostdriver/internal/command"
	"github.com/zwavecore/hostdriver/internal/encap"
	"github.com/zwavecore/hostdriver/internal/encap/transportservice"
	"github.com/zwavecore/hostdriver/internal/framer"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/node"
	"github.com/zwavecore/hostdriver/internal/scheduler"
)

// Well-known Application Command function types, spec.md §4.2.
const (
	FuncApplicationCommandHandler       byte = 0x04
	FuncApplicationCommandHandlerBridge byte = 0xA8
)

// Well-known command classes the dispatcher special-cases before handing a
// decapsulated command to the application layer, spec.md §4.2.
const (
	ClassDeviceResetLocally     byte = 0x5A
	CmdDeviceResetLocallyNotify byte = 0x01

	ClassSupervision       byte = 0x6C
	CmdSupervisionReport   byte = 0x02

	ClassSecurityS0  byte = 0x98
	CmdS0NonceGet    byte = 0x40
	CmdS0NonceReport byte = 0x80

	ClassSecurityS2  byte = 0x9F
	CmdS2NonceGet    byte = 0x01
	CmdS2NonceReport byte = 0x02
)

// ControlWriter lets the dispatcher answer with a bare ACK/NAK control
// byte, the serial-level acknowledgement spec.md §4.2's decode-error policy
// requires ("Frame-level (bad checksum/length) -> reply NAK. CC-level ->
// reply ACK then drop.").
type ControlWriter interface {
	WriteControlByte(b byte) error
}

// Hooks are the application-layer callbacks the dispatcher invokes for
// unsolicited traffic it recognizes by shape, spec.md §4.2. All are
// optional; a nil hook is simply skipped.
type Hooks struct {
	OnApplicationCommand func(nodeID uint16, endpoint uint8, cmd *command.Command, flags command.EncapFlags)
	OnNonceGetS0          func(nodeID uint16)
	OnNonceGetS2          func(nodeID uint16)
	OnDeviceResetLocally  func(nodeID uint16)
	OnS2DecodeFailure     func(nodeID uint16, err error)

	// OnTransportServiceSegmentRequest fires when the RX reassembly state
	// machine detects a gap, spec.md §4.3 "A missing segment ... provokes
	// a SegmentRequest for that offset." The Host Facade is responsible
	// for scheduling the actual SegmentRequest Transaction.
	OnTransportServiceSegmentRequest func(nodeID uint16, sessionID byte, offset int)
}

// RequestHandler is a per-function-type unsolicited handler, invoked in
// registration order until one returns true, spec.md §4.2.
type RequestHandler func(msg *message.Message) bool

type handlerEntry struct {
	fn   RequestHandler
	once bool
}

// awaiter is one pending wait_for_* registration, spec.md §4.2 "Awaiters
// are insertion-ordered; first match wins; each has its own timeout."
type awaiter struct {
	predicate func(*message.Message) bool
	result    chan *message.Message
}

// Dispatcher is the Receive Dispatcher, spec.md §4.2.
type Dispatcher struct {
	sched    *scheduler.Machine
	msgCodec *message.Codec
	pipeline *encap.Pipeline
	nodes    *node.Registry
	rx       *transportservice.RX
	control  ControlWriter
	hooks    Hooks
	log      logr.Logger

	mu       sync.Mutex
	awaiters []*awaiter
	handlers map[byte][]*handlerEntry
}

// New builds a Dispatcher wired to its collaborators. sched, msgCodec,
// pipeline, nodes and rx are required; control may be nil in tests that
// don't exercise the ACK/NAK reply path.
func New(sched *scheduler.Machine, msgCodec *message.Codec, pipeline *encap.Pipeline, nodes *node.Registry, rx *transportservice.RX, control ControlWriter, hooks Hooks, log logr.Logger) *Dispatcher {
	return &Dispatcher{
		sched:    sched,
		msgCodec: msgCodec,
		pipeline: pipeline,
		nodes:    nodes,
		rx:       rx,
		control:  control,
		hooks:    hooks,
		log:      log,
		handlers: make(map[byte][]*handlerEntry),
	}
}

// RegisterRequestHandler installs an unsolicited handler for a function
// type. Handlers run in registration order; if once is true, a handler
// that returns true self-removes, spec.md §4.2.
func (d *Dispatcher) RegisterRequestHandler(functionType byte, once bool, h RequestHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[functionType] = append(d.handlers[functionType], &handlerEntry{fn: h, once: once})
}

// WaitFor registers a one-shot awaiter matched by predicate, returning a
// channel that receives the matching Message (or is closed on timeout).
// Awaiters are insertion-ordered and first-match-wins, spec.md §4.2.
func (d *Dispatcher) WaitFor(timeout time.Duration, predicate func(*message.Message) bool) <-chan *message.Message {
	a := &awaiter{predicate: predicate, result: make(chan *message.Message, 1)}
	d.mu.Lock()
	d.awaiters = append(d.awaiters, a)
	d.mu.Unlock()

	time.AfterFunc(timeout, func() { d.removeAwaiter(a) })
	return a.result
}

func (d *Dispatcher) removeAwaiter(a *awaiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.awaiters {
		if cur == a {
			d.awaiters = append(d.awaiters[:i], d.awaiters[i+1:]...)
			close(a.result)
			return
		}
	}
}

// HandleFrame is the dispatcher's entry point, fed one decoded framer.Frame
// at a time by the transport's read loop, spec.md §2 "serial -> Framer ->
// Message Codec -> Dispatcher".
func (d *Dispatcher) HandleFrame(f framer.Frame) {
	switch f.Kind {
	case framer.KindACK:
		d.sched.ACK()
		return
	case framer.KindNAK:
		d.sched.NAK()
		return
	case framer.KindCAN:
		d.sched.CAN()
		return
	}

	msg, err := d.msgCodec.DecodeFrame(f)
	if err != nil {
		// CC-level decode error (unimplemented function type): reply ACK,
		// then drop, spec.md §4.2.
		d.ackControl()
		d.log.V(1).Info("dropping frame with no registered decoder", "functionType", f.FunctionType)
		return
	}
	d.HandleMessage(&msg)
}

// HandleFrameDecodeError is called by the transport's read loop when the
// framer itself rejects the bytes (bad checksum or truncated length),
// spec.md §4.2 "Frame-level (bad checksum / length) -> reply NAK."
func (d *Dispatcher) HandleFrameDecodeError(err error) {
	if d.control != nil {
		_ = d.control.WriteControlByte(framer.NAK)
	}
}

func (d *Dispatcher) ackControl() {
	if d.control != nil {
		_ = d.control.WriteControlByte(framer.ACK)
	}
}

// HandleMessage classifies and routes one decoded Message, spec.md §4.2's
// three dispositions.
func (d *Dispatcher) HandleMessage(msg *message.Message) {
	if msg.NodeID != nil {
		d.applyWakeUpOnReceive(*msg.NodeID)
	}

	if d.sched != nil && d.sched.TryCorrelate(msg) {
		return
	}

	if d.tryAwaiters(msg) {
		return
	}

	d.routeUnsolicited(msg)
}

func (d *Dispatcher) tryAwaiters(msg *message.Message) bool {
	d.mu.Lock()
	var matched *awaiter
	var idx int
	for i, a := range d.awaiters {
		if a.predicate(msg) {
			matched = a
			idx = i
			break
		}
	}
	if matched != nil {
		d.awaiters = append(d.awaiters[:idx], d.awaiters[idx+1:]...)
	}
	d.mu.Unlock()

	if matched == nil {
		return false
	}
	matched.result <- msg
	close(matched.result)
	return true
}

// applyWakeUpOnReceive implements spec.md §4.2's "Wake-up on receive":
// traffic from a Dead node marks it Alive (interview resumption is the
// Host Facade's responsibility, signaled by the status transition);
// traffic from an Asleep node marks it Awake and requeues its pending
// transactions at original priority.
func (d *Dispatcher) applyWakeUpOnReceive(nodeID uint16) {
	if d.nodes == nil {
		return
	}
	n := d.nodes.GetOrCreate(nodeID)
	prev := n.GetStatus()
	switch prev {
	case node.StatusDead:
		n.SetStatus(node.StatusAlive)
	case node.StatusAsleep:
		n.SetStatus(node.StatusAwake)
		if d.sched != nil {
			d.sched.Reduce(node.AsleepToAwakeReducer(nodeID))
		}
	}
	n.MarkResponse(time.Now())
}

// routeUnsolicited implements disposition 3 of spec.md §4.2.
func (d *Dispatcher) routeUnsolicited(msg *message.Message) {
	if msg.FunctionType == FuncApplicationCommandHandler || msg.FunctionType == FuncApplicationCommandHandlerBridge {
		d.routeApplicationCommand(msg)
		return
	}

	d.mu.Lock()
	entries := append([]*handlerEntry(nil), d.handlers[msg.FunctionType]...)
	d.mu.Unlock()

	for _, e := range entries {
		if e.fn(msg) {
			if e.once {
				d.removeHandler(msg.FunctionType, e)
			}
			return
		}
	}
}

func (d *Dispatcher) removeHandler(functionType byte, target *handlerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[functionType]
	for i, e := range list {
		if e == target {
			d.handlers[functionType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// routeApplicationCommand decodes the command embedded in an
// ApplicationCommand(Handler)(Bridge) message, special-cases nonce
// requests and DeviceResetLocally, then decapsulates and routes the
// result, spec.md §4.2 and §4.3.
func (d *Dispatcher) routeApplicationCommand(msg *message.Message) {
	if msg.Command == nil || msg.NodeID == nil {
		return
	}
	nodeID := *msg.NodeID
	cmd := msg.Command

	switch {
	case cmd.ClassID == ClassSecurityS0 && cmd.CommandID == CmdS0NonceGet:
		d.ackControl()
		if d.hooks.OnNonceGetS0 != nil {
			d.hooks.OnNonceGetS0(nodeID)
		}
		return
	case cmd.ClassID == ClassSecurityS2 && cmd.CommandID == CmdS2NonceGet:
		d.ackControl()
		if d.hooks.OnNonceGetS2 != nil {
			d.hooks.OnNonceGetS2(nodeID)
		}
		return
	case cmd.ClassID == transportservice.ClassID:
		d.ackControl()
		d.handleTransportService(nodeID, cmd)
		return
	case cmd.ClassID == ClassDeviceResetLocally && cmd.CommandID == CmdDeviceResetLocallyNotify:
		d.ackControl()
		if d.sched != nil {
			d.sched.Reduce(node.RemoveReducer(nodeID))
		}
		if d.nodes != nil {
			d.nodes.Remove(nodeID)
		}
		if d.hooks.OnDeviceResetLocally != nil {
			d.hooks.OnDeviceResetLocally(nodeID)
		}
		return
	}

	inner, flags, err := d.pipeline.Unwrap(cmd)
	if err != nil {
		d.ackControl()
		// Security is tried first among the unwrap layers, so a failure
		// while the outer command is itself a Security2 MessageEncap is an
		// S2 decode error (NoSPAN / CannotDecode), spec.md §4.2.
		if cmd.ClassID == ClassSecurityS2 && d.hooks.OnS2DecodeFailure != nil {
			d.hooks.OnS2DecodeFailure(nodeID, err)
		}
		d.log.V(1).Info("dropping command that failed decapsulation", "node", nodeID, "err", err)
		return
	}

	if inner.ClassID == ClassSupervision && inner.CommandID == CmdSupervisionReport {
		d.routeSupervisionReport(nodeID, inner)
		return
	}

	if d.hooks.OnApplicationCommand != nil {
		d.hooks.OnApplicationCommand(nodeID, cmd.EndpointIndex, inner, flags)
	}
}

// handleTransportService feeds an inbound Transport Service segment
// command into the shared RX reassembly tracker, spec.md §4.3. Header
// layout: [size_hi, size_lo, session_id, data...] for a first segment,
// [size_hi, size_lo, session_id, offset_hi, offset_lo, data...] for a
// subsequent one; fragment size is inferred from the first segment's
// data length, since all but the final segment share it.
func (d *Dispatcher) handleTransportService(nodeID uint16, cmd *command.Command) {
	if d.rx == nil {
		return
	}
	p := cmd.Payload
	switch cmd.CommandID {
	case transportservice.CmdFirstSegment:
		if len(p) < 4 {
			return
		}
		datagramSize := int(p[0])<<8 | int(p[1])
		sessionID := p[2]
		data := p[3:]
		outs := d.rx.FirstSegment(nodeID, sessionID, datagramSize, len(data), data)
		d.handleTransportOutputs(nodeID, sessionID, outs)
	case transportservice.CmdSubsequentSegment:
		if len(p) < 6 {
			return
		}
		sessionID := p[2]
		offset := int(p[3])<<8 | int(p[4])
		data := p[5:]
		outs, err := d.rx.SubsequentSegment(nodeID, sessionID, offset, data)
		if err != nil {
			d.log.V(1).Info("transport service: unexpected segment", "node", nodeID, "session", sessionID)
			return
		}
		d.handleTransportOutputs(nodeID, sessionID, outs)
	default:
		d.log.V(1).Info("transport service: unhandled command", "cmd", cmd.CommandID)
	}
}

// handleTransportOutputs applies the outputs of a Transport Service
// reassembly step: a completed datagram is re-decoded as a Command and
// routed exactly like a directly-received one (spec.md §4.3's design note
// that timers/requests are emitted as outputs rather than acted on
// internally).
func (d *Dispatcher) handleTransportOutputs(nodeID uint16, sessionID byte, outs []transportservice.Output) {
	for _, o := range outs {
		if o.SegmentComplete {
			d.rx.Drop(nodeID, sessionID)
			if len(o.Datagram) >= 2 {
				inner := &command.Command{ClassID: o.Datagram[0], CommandID: o.Datagram[1], NodeID: nodeID, Payload: o.Datagram[2:]}
				unwrapped, flags, err := d.pipeline.Unwrap(inner)
				if err != nil {
					d.log.V(1).Info("dropping reassembled command that failed decapsulation", "node", nodeID, "err", err)
					continue
				}
				if d.hooks.OnApplicationCommand != nil {
					d.hooks.OnApplicationCommand(nodeID, inner.EndpointIndex, unwrapped, flags)
				}
			}
		}
		if o.SegmentRequest != nil && d.hooks.OnTransportServiceSegmentRequest != nil {
			d.hooks.OnTransportServiceSegmentRequest(nodeID, sessionID, *o.SegmentRequest)
		}
	}
}

func (d *Dispatcher) routeSupervisionReport(nodeID uint16, inner *command.Command) {
	if d.nodes == nil || len(inner.Payload) < 3 {
		return
	}
	sessionID := inner.Payload[0] & 0x3F
	moreUpdatesFollow := inner.Payload[0]&0x80 != 0
	status := inner.Payload[1]
	remaining := inner.Payload[2]

	n := d.nodes.GetOrCreate(nodeID)
	if n.HandleSupervisionReport(sessionID, status, remaining, moreUpdatesFollow) {
		return
	}
	if d.hooks.OnApplicationCommand != nil {
		d.hooks.OnApplicationCommand(nodeID, inner.EndpointIndex, inner, inner.Flags)
	}
}
