// Package hostdriver is the Host Facade, spec.md §2: the public entry
// point wiring the Framer, Message Codec, Encapsulation Pipeline, Security
// Managers, Send Scheduler, Receive Dispatcher, Node Registry, and
// Persistence Facade onto one serial/tcp transport. Structured the way
// the teacher exposes Listen/Dial as the package's public surface over an
// internal driver registry (aznet.go).
package hostdriver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/zwavecore/hostdriver/internal/command"
	"github.com/zwavecore/hostdriver/internal/config"
	"github.com/zwavecore/hostdriver/internal/dispatch"
	"github.com/zwavecore/hostdriver/internal/encap"
	"github.com/zwavecore/hostdriver/internal/encap/transportservice"
	"github.com/zwavecore/hostdriver/internal/logging"
	"github.com/zwavecore/hostdriver/internal/message"
	"github.com/zwavecore/hostdriver/internal/metrics"
	"github.com/zwavecore/hostdriver/internal/node"
	"github.com/zwavecore/hostdriver/internal/scheduler"
	"github.com/zwavecore/hostdriver/internal/security/s0"
	"github.com/zwavecore/hostdriver/internal/security/s2"
	"github.com/zwavecore/hostdriver/internal/store"
	"github.com/zwavecore/hostdriver/internal/store/jsonlstore"
	"github.com/zwavecore/hostdriver/internal/transport"

	_ "github.com/zwavecore/hostdriver/internal/transport/serialport"
	_ "github.com/zwavecore/hostdriver/internal/transport/tcpline"
)

// Host is the Z-Wave Host Driver Core facade: one serial connection plus
// its scheduler, dispatcher, node registry, and persistence facade,
// spec.md §2.
type Host struct {
	cfg *config.Config
	log logr.Logger

	transport transport.Transport
	msgCodec  *message.Codec
	cmds      *command.Registry
	pipeline  *encap.Pipeline
	security  *encap.Security
	nodes     *node.Registry
	sched     *scheduler.Machine
	dispatch  *dispatch.Dispatcher
	metrics   metrics.Metrics
	store     *store.Facade

	// cmdHandler is the application layer's callback for decapsulated
	// inbound commands, installed via SetCommandHandler, spec.md §4.2
	// "ApplicationCommand -> the addressed node's command handler."
	cmdHandlerMu sync.RWMutex
	cmdHandler   func(nodeID uint16, endpoint uint8, cmd *command.Command, flags command.EncapFlags)

	// wakeUpSentAt remembers, per node, the LastResponse instant as of
	// the last WakeUpNoMoreInformation send, so wakeUpDebounceLoop sends
	// at most one per sleep cycle rather than once per tick, spec.md §4.5.
	wakeUpMu     sync.Mutex
	wakeUpSentAt map[uint16]time.Time

	schedCancel context.CancelFunc
	readDone    chan error

	ready     atomic.Bool
	destroyed atomic.Bool
	closeOnce sync.Once
}

// Open dials addr (a "tcp://host:port" or bare/"serial://" device path,
// see internal/transport) and runs the startup sequence: soft reset (if
// enabled) then a backed-off GetControllerVersion handshake, spec.md §8
// scenario 1. The returned Host is ready once Open returns nil.
func Open(addr string, opts ...Option) (*Host, error) {
	cfg := config.Apply(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ErrorHandler == nil {
		return nil, ErrNoErrorHandler
	}
	cfg.TransportAddr = addr

	log := logging.New("hostdriver")

	tr, err := transport.Open(cfg.Ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("hostdriver: open transport: %w", err)
	}

	h, err := newHost(cfg, tr, log)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	if err := h.startup(cfg.Ctx); err != nil {
		h.destroyLocked(err)
		return nil, err
	}

	h.ready.Store(true)
	return h, nil
}

func newHost(cfg *config.Config, tr transport.Transport, log logr.Logger) (*Host, error) {
	m := metrics.NewDefault()
	msgCodec := message.NewCodec()
	registerWellKnownCodecs(msgCodec)

	cmds := command.NewRegistry()
	nodes := node.NewRegistry()

	security, err := buildSecurity(cfg)
	if err != nil {
		return nil, err
	}
	pipeline := encap.NewPipeline(encap.NewSupervisionCodec(), encap.NewMultiChannelCodec(), encap.NewCRC16Codec(), security)

	w := &hostWriter{tr: tr, codec: msgCodec, metrics: m}
	sched := scheduler.NewMachine(w, scheduler.Timeouts{
		ACK:              cfg.AckTimeout,
		Response:         cfg.ResponseTimeout,
		SendDataCallback: cfg.SendDataCallbackTimeout,
	}, scheduler.Attempts{
		Controller: cfg.ControllerAttempts,
		SendData:   cfg.SendDataAttempts,
	}, scheduler.NewBackoff(time.Second, 15*time.Second), m, log.WithName("scheduler"))

	h := &Host{
		cfg:          cfg,
		log:          log,
		transport:    tr,
		msgCodec:     msgCodec,
		cmds:         cmds,
		pipeline:     pipeline,
		security:     security,
		nodes:        nodes,
		sched:        sched,
		metrics:      m,
		wakeUpSentAt: make(map[uint16]time.Time),
	}
	sched.SetNodeTimeoutHook(h.onNodeTimeout)

	rx := transportservice.NewRX()
	h.dispatch = dispatch.New(sched, msgCodec, pipeline, nodes, rx, w, h.dispatchHooks(), log.WithName("dispatch"))

	return h, nil
}

// dispatchHooks wires the Receive Dispatcher's unsolicited dispositions to
// their Host-level handlers, spec.md §4.2/§4.3: a peer's NonceGet answers
// with a NonceReport, an S2 decode failure resynchronizes the SPAN
// (deduped so a second failure in a row doesn't enqueue a second
// NonceReport), a decapsulated ApplicationCommand reaches the registered
// command handler, and a Transport Service reassembly gap provokes a
// SegmentRequest.
func (h *Host) dispatchHooks() dispatch.Hooks {
	return dispatch.Hooks{
		OnApplicationCommand:             h.dispatchApplicationCommand,
		OnNonceGetS0:                     h.onNonceGetS0,
		OnNonceGetS2:                     h.onNonceGetS2,
		OnS2DecodeFailure:                h.onS2DecodeFailure,
		OnTransportServiceSegmentRequest: h.onTransportServiceSegmentRequest,
		OnDeviceResetLocally: func(nodeID uint16) {
			h.log.Info("device reset locally", "node", nodeID)
		},
	}
}

// buildSecurity wires S0/S2 managers from whichever network keys are
// configured; an unconfigured key simply leaves that manager nil, and
// encap.Security.Choose never selects a flag with no manager behind it
// (spec.md §4.3 precedence only fires for assigned classes).
func buildSecurity(cfg *config.Config) (*encap.Security, error) {
	var s0mgr *s0.Manager
	if len(cfg.SecurityKeys.S0Legacy) == 16 {
		var err error
		s0mgr, err = s0.NewManager(cfg.SecurityKeys.S0Legacy, cfg.NonceTimeout)
		if err != nil {
			return nil, fmt.Errorf("hostdriver: s0 manager: %w", err)
		}
	}

	classKeys := make(map[s2.Class][16]byte)
	addKey := func(class s2.Class, key []byte) {
		if len(key) == 16 {
			var k [16]byte
			copy(k[:], key)
			classKeys[class] = k
		}
	}
	addKey(s2.ClassS2Unauthenticated, cfg.SecurityKeys.S2Unauthenticated)
	addKey(s2.ClassS2Authenticated, cfg.SecurityKeys.S2Authenticated)
	addKey(s2.ClassS2AccessControl, cfg.SecurityKeys.S2AccessControl)
	s2mgr := s2.NewManager(classKeys)

	return encap.NewSecurity(s0mgr, s2mgr), nil
}

// SetCommandHandler installs the application layer's handler for
// decapsulated, non-security inbound commands, spec.md §4.2
// "ApplicationCommand -> the addressed node's command handler." Safe to
// call at any time; a nil handler simply drops application commands.
func (h *Host) SetCommandHandler(fn func(nodeID uint16, endpoint uint8, cmd *command.Command, flags command.EncapFlags)) {
	h.cmdHandlerMu.Lock()
	defer h.cmdHandlerMu.Unlock()
	h.cmdHandler = fn
}

func (h *Host) dispatchApplicationCommand(nodeID uint16, endpoint uint8, cmd *command.Command, flags command.EncapFlags) {
	h.cmdHandlerMu.RLock()
	fn := h.cmdHandler
	h.cmdHandlerMu.RUnlock()
	if fn != nil {
		fn(nodeID, endpoint, cmd, flags)
	}
}

// onNonceGetS0 answers an inbound Security 0 NonceGet with a NonceReport
// carrying a freshly generated nonce for the requesting peer, spec.md
// §4.2 "NonceGet triggers a nonce reply."
func (h *Host) onNonceGetS0(nodeID uint16) {
	if h.security.S0 == nil {
		return
	}
	n, err := h.security.S0.Nonces.Generate(nodeID)
	if err != nil {
		h.log.V(1).Info("s0 nonce generation failed", "node", nodeID, "err", err)
		return
	}
	cmd := &command.Command{ClassID: dispatch.ClassSecurityS0, CommandID: dispatch.CmdS0NonceReport, NodeID: nodeID, Payload: n.Value[:]}
	h.sendRawCommand(scheduler.PriorityNonce, nodeID, cmd, "", nil)
}

// onNonceGetS2 answers an inbound Security 2 NonceGet with our entropy
// input, starting (or restarting) SPAN resynchronization with this peer,
// spec.md §4.2.
func (h *Host) onNonceGetS2(nodeID uint16) {
	if h.security.S2 == nil {
		return
	}
	ei, err := h.security.S2.BeginLocalEI(nodeID)
	if err != nil {
		h.log.V(1).Info("s2 local EI generation failed", "node", nodeID, "err", err)
		return
	}
	cmd := &command.Command{ClassID: dispatch.ClassSecurityS2, CommandID: dispatch.CmdS2NonceReport, NodeID: nodeID, Payload: ei[:]}
	h.sendRawCommand(scheduler.PriorityNonce, nodeID, cmd, "", nil)
}

// onS2DecodeFailure implements spec.md §8 scenario 4: the first S2 decode
// failure for a peer discards its SPAN (BeginLocalEI restarts the exchange
// with a fresh entropy input) and enqueues a NonceReport carrying that
// input at Nonce priority to resynchronize; a second failure before that
// Report settles is deduped via MarkNonceGetPending rather than enqueuing
// a second one. ResetPeer is deliberately not used here since it would
// also clear the pending flag this call just set.
func (h *Host) onS2DecodeFailure(nodeID uint16, err error) {
	if h.security.S2 == nil {
		return
	}
	h.log.V(1).Info("s2 decode failure", "node", nodeID, "err", err)
	if h.security.S2.MarkNonceGetPending(nodeID) {
		return
	}
	ei, eiErr := h.security.S2.BeginLocalEI(nodeID)
	if eiErr != nil {
		h.security.S2.ClearNonceGetPending(nodeID)
		return
	}
	cmd := &command.Command{ClassID: dispatch.ClassSecurityS2, CommandID: dispatch.CmdS2NonceReport, NodeID: nodeID, Payload: ei[:]}
	h.sendRawCommand(scheduler.PriorityNonce, nodeID, cmd, "", func(error) {
		h.security.S2.ClearNonceGetPending(nodeID)
	})
}

// onTransportServiceSegmentRequest asks a peer to resend a Transport
// Service segment the RX reassembly tracker detected missing, spec.md
// §4.3/§8 scenario 3.
func (h *Host) onTransportServiceSegmentRequest(nodeID uint16, sessionID byte, offset int) {
	payload := []byte{sessionID, byte(offset >> 8), byte(offset)}
	cmd := &command.Command{ClassID: transportservice.ClassID, CommandID: transportservice.CmdSegmentRequest, NodeID: nodeID, Payload: payload}
	h.sendRawCommand(scheduler.PriorityNormal, nodeID, cmd, "", nil)
}

// nodeCanSleep reports whether a node is capable of entering Asleep
// status (battery-powered, Wake Up capable). Only these nodes have their
// SendData Transactions marked to flip status to Asleep on a radio
// timeout, spec.md §4.5.
func (h *Host) nodeCanSleep(nodeID uint16) bool {
	n := h.nodes.Get(nodeID)
	return n != nil && (n.CanSleep || n.SupportsWakeUp)
}

// onNodeTimeout implements spec.md §4.5/§8 scenario 2: a SendData failure
// attributed to an unreachable node marks it Asleep and requeues its
// remaining queued traffic as WakeUp, the reverse of AsleepToAwakeReducer.
func (h *Host) onNodeTimeout(nodeID uint16) {
	n := h.nodes.GetOrCreate(nodeID)
	n.SetStatus(node.StatusAsleep)
	h.sched.Reduce(node.AwakeToAsleepReducer(nodeID))
}

// sendRawCommand fire-and-forgets cmd as a SendData Transaction at
// priority, for host-originated replies the application layer never
// waits on directly (nonce replies, segment requests). onSettle, if
// non-nil, is notified with the transaction's final error once it
// settles.
func (h *Host) sendRawCommand(priority scheduler.Priority, nodeID uint16, cmd *command.Command, tag string, onSettle func(error)) {
	payload, err := h.cmds.Encode(cmd)
	if err != nil {
		h.log.V(1).Info("encode raw command failed", "node", nodeID, "class", cmd.ClassID, "err", err)
		return
	}
	raw := make([]byte, 0, len(payload)+4)
	raw = append(raw, byte(nodeID), byte(len(payload)))
	raw = append(raw, payload...)
	raw = append(raw, txOptionACK, 1) // callback id placeholder, scheduler assigns the real value

	abort := message.Message{FunctionType: funcSendDataAbort, Type: message.TypeRequest}
	t := &scheduler.Transaction{
		Priority: priority,
		Head: &message.Message{
			FunctionType: funcSendData,
			Type:         message.TypeRequest,
			CallbackID:   1,
			NodeID:       &nodeID,
			Command:      cmd,
			RawPayload:   raw,
		},
		Parts:                     responseThenCallbackParts(),
		ResetParts:                responseThenCallbackParts,
		Result:                    scheduler.NewResultPromise(),
		NodeID:                    &nodeID,
		Tag:                       tag,
		IsSendData:                true,
		AbortOnCallbackTimeout:    &abort,
		ChangeNodeStatusOnTimeout: h.nodeCanSleep(nodeID),
	}
	h.sched.Add(t)

	go func() {
		r := t.Result.Wait()
		if onSettle != nil {
			onSettle(r.Err)
		}
		if r.Err != nil {
			h.log.V(1).Info("raw command transaction failed", "node", nodeID, "class", cmd.ClassID, "err", r.Err)
		}
	}()
}

// startup performs spec.md §8 scenario 1: optional soft reset with
// reconnect, then a backed-off controller handshake. On success it starts
// the scheduler loop, the reader goroutine, and the Persistence Facade.
func (h *Host) startup(ctx context.Context) error {
	schedCtx, cancel := context.WithCancel(ctx)
	h.schedCancel = cancel
	go h.sched.Run(schedCtx)
	go h.expireLoop(schedCtx)
	go h.wakeUpDebounceLoop(schedCtx)

	h.readDone = make(chan error, 1)
	go readLoop(h.transport, h.dispatch, h.metrics, h.readDone)

	if h.cfg.EnableSoftReset {
		if err := h.softResetAndReconnect(ctx); err != nil {
			return err
		}
	}

	if err := h.awaitControllerVersion(ctx); err != nil {
		return err
	}

	return h.openStore(0)
}

// expireLoop eagerly rejects queued Transactions whose ExpireAt has
// passed, spec.md §4.1 "Cancellation" / §8 scenario 6: an expiring
// transaction sitting behind a blocked node's queue must settle at its
// deadline rather than only when it eventually reaches the front.
func (h *Host) expireLoop(ctx context.Context) {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sched.Reduce(node.ExpireReducer(time.Now().UnixNano()))
		}
	}
}

// Well-known Wake Up command class identifiers, spec.md §4.5. Per-CC
// payload semantics otherwise stay out of scope (spec.md §1); this one
// command is driven directly by the Host Facade's sleep debounce.
const (
	classWakeUp                byte = 0x84
	cmdWakeUpNoMoreInformation byte = 0x08
)

// wakeUpDebounceLoop implements spec.md §4.5 "after a node's last
// successful response, if no pending messages remain for it, send it a
// WakeUpNoMoreInformation": polled rather than timer-per-node since a
// node's eligibility also depends on its queue draining, which a single
// per-node timer can't observe. At most one NMI is sent per sleep cycle,
// tracked by the node's LastResponse instant as of the last send.
func (h *Host) wakeUpDebounceLoop(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.pollWakeUpCandidates()
		}
	}
}

func (h *Host) pollWakeUpCandidates() {
	now := time.Now()
	for _, n := range h.nodes.All() {
		if !n.ShouldSendWakeUpNoMoreInformation(now) {
			continue
		}
		if h.sched.HasPendingForNode(n.ID) {
			continue
		}
		lastResponse := n.LastResponse()
		h.wakeUpMu.Lock()
		alreadySent := h.wakeUpSentAt[n.ID].Equal(lastResponse)
		if !alreadySent {
			h.wakeUpSentAt[n.ID] = lastResponse
		}
		h.wakeUpMu.Unlock()
		if alreadySent {
			continue
		}
		cmd := &command.Command{ClassID: classWakeUp, CommandID: cmdWakeUpNoMoreInformation, NodeID: n.ID}
		h.sendRawCommand(scheduler.PriorityWakeUp, n.ID, cmd, node.TagWakeUpNoMoreInformation, nil)
	}
}

// softResetAndReconnect sends SoftResetRequest and waits for the
// controller's SerialAPIStarted notification; if it does not arrive within
// timeouts.serialAPIStarted, the transport is redialed up to
// attempts.openSerialPort times (reopenTransport), spec.md §8 scenario 1.
func (h *Host) softResetAndReconnect(ctx context.Context) error {
	started := h.dispatch.WaitFor(h.cfg.SerialAPIStartedTimeout, func(msg *message.Message) bool {
		return msg.FunctionType == funcSerialAPIStarted
	})

	_, _ = h.SendMessage(ctx, message.Message{FunctionType: funcSoftReset, Type: message.TypeRequest})

	select {
	case <-started:
		return nil
	case <-time.After(h.cfg.SerialAPIStartedTimeout):
		return h.reopenTransport(ctx)
	}
}

// reopenTransport redials the transport up to attempts.openSerialPort
// times, spec.md §6 attempts.openSerialPort.
func (h *Host) reopenTransport(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= h.cfg.OpenSerialPortAttempts; attempt++ {
		_ = h.transport.Close()
		tr, err := transport.Open(ctx, h.cfg.TransportAddr)
		if err == nil {
			h.transport = tr
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempt) * 150 * time.Millisecond)
	}
	return fmt.Errorf("%w: reopen transport: %v", ErrFailed, lastErr)
}

// controllerHandshakeBackoff is the bounded backoff schedule for the
// post-reset GetControllerVersionRequest retry, spec.md §8 scenario 1
// "≤ {2,5,10,15} s backoff".
var controllerHandshakeBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second}

func (h *Host) awaitControllerVersion(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < len(controllerHandshakeBackoff); attempt++ {
		_, err := h.SendMessage(ctx, message.Message{FunctionType: funcGetControllerVersion, Type: message.TypeRequest})
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(controllerHandshakeBackoff[attempt]):
		}
	}
	return fmt.Errorf("%w: controller handshake: %v", ErrFailed, lastErr)
}

// openStore opens the Persistence Facade once the controller's home id is
// known, spec.md §6. A homeID of 0 (not yet learned from the controller)
// still opens a usable facade; callers that need home-id-scoped isolation
// should reopen once it's available.
func (h *Host) openStore(homeID uint32) error {
	backend := h.cfg.StoreBackend
	if backend == nil {
		backend = jsonlstore.Backend{Dir: h.cfg.CacheDir, Interval: h.cfg.StorageThrottle.Interval()}
	}
	f, err := store.Open(backend, homeID, h.cfg.LockDirectory, nil)
	if err != nil {
		return fmt.Errorf("hostdriver: open persistence facade: %w", err)
	}
	h.store = f
	return nil
}

// registerWellKnownCodecs installs pass-through decoders for every
// function type the Host Facade drives directly, so the Receive
// Dispatcher's "no decoder registered -> ACK then drop" policy (spec.md
// §4.2) never swallows a Response/callback the scheduler is waiting for.
func registerWellKnownCodecs(c *message.Codec) {
	c.Register(funcGetControllerVersion, passthroughDecoder(false), passthroughEncoder())
	c.Register(funcSoftReset, passthroughDecoder(false), passthroughEncoder())
	c.Register(funcSerialAPIStarted, passthroughDecoder(false), passthroughEncoder())
	c.Register(funcSendData, passthroughDecoder(true), passthroughEncoder())
	c.Register(funcSendDataAbort, passthroughDecoder(false), passthroughEncoder())
}

// passthroughDecoder builds a Decoder that leaves the payload opaque. With
// hasCallback it copies the first payload byte into CallbackID for every
// frame of that function type: in a SendData-family callback Request that
// byte is the callback id; in a Response it is a status byte, which the
// scheduler does not compare against the callback id.
func passthroughDecoder(hasCallback bool) message.Decoder {
	return func(raw []byte) (message.Message, error) {
		m := message.Message{RawPayload: raw}
		if hasCallback && len(raw) > 0 {
			m.CallbackID = raw[0]
		}
		return m, nil
	}
}

// passthroughEncoder sends RawPayload as-is, except that a message with a
// non-zero CallbackID has it written into the last payload byte, where the
// SendData payloads this facade builds carry their callback id.
func passthroughEncoder() message.Encoder {
	return func(m message.Message) ([]byte, error) {
		if m.CallbackID == 0 || len(m.RawPayload) == 0 {
			return m.RawPayload, nil
		}
		raw := append([]byte(nil), m.RawPayload...)
		raw[len(raw)-1] = m.CallbackID
		return raw, nil
	}
}

// singleResponseParts settles on the first Response, for Request/Response
// exchanges that carry no asynchronous callback.
func singleResponseParts() scheduler.PartsFunc {
	return func(last *message.Message) (*message.Message, *scheduler.Result, bool) {
		return nil, &scheduler.Result{Value: last}, true
	}
}

// responseThenCallbackParts waits out the synchronous Response, then
// settles on the asynchronous callback that follows it, spec.md §3.
// Either phase can carry a NOK status byte instead of advancing: a
// Response whose first payload byte is 0 was rejected by the controller
// before transmission even began (ErrResponseNOK); a callback whose
// second payload byte (TransmitStatus) is nonzero failed at the radio
// after transmission (ErrCallbackNOK), spec.md §7.
func responseThenCallbackParts() scheduler.PartsFunc {
	seenResponse := false
	return func(last *message.Message) (*message.Message, *scheduler.Result, bool) {
		if !seenResponse {
			seenResponse = true
			if len(last.RawPayload) > 0 && last.RawPayload[0] == 0 {
				return nil, &scheduler.Result{Err: scheduler.ErrResponseNOK, Value: last}, true
			}
			return nil, nil, false
		}
		if len(last.RawPayload) > 1 && last.RawPayload[1] != 0 {
			return nil, &scheduler.Result{Err: scheduler.ErrCallbackNOK, Value: last}, true
		}
		return nil, &scheduler.Result{Value: last}, true
	}
}

// SendMessage enqueues msg as a Transaction at PriorityNormal and blocks
// until its result settles or ctx is cancelled, spec.md §3/§4.1. A
// non-zero msg.CallbackID marks it as callback-expecting; the scheduler
// overwrites it with the next cycling callback id before sending.
func (h *Host) SendMessage(ctx context.Context, msg message.Message) (*message.Message, error) {
	if h.destroyed.Load() {
		return nil, ErrDestroyed
	}

	parts := singleResponseParts()
	if msg.ExpectsCallback() {
		parts = responseThenCallbackParts()
	}

	t := &scheduler.Transaction{
		Priority: scheduler.PriorityNormal,
		Head:     &msg,
		Parts:    parts,
		Result:   scheduler.NewResultPromise(),
		NodeID:   msg.NodeID,
	}
	if msg.FunctionType == funcSendData {
		t.IsSendData = true
		t.ResetParts = responseThenCallbackParts
		abort := message.Message{FunctionType: funcSendDataAbort, Type: message.TypeRequest}
		t.AbortOnCallbackTimeout = &abort
		if msg.NodeID != nil && h.nodeCanSleep(*msg.NodeID) {
			t.ChangeNodeStatusOnTimeout = true
		}
	}
	h.sched.Add(t)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-t.Result.Done():
		return r.Value, r.Err
	}
}

// SendCommand wraps cmd through the Encapsulation Pipeline for the given
// node, then transmits it as a SendData Request expecting both the
// synchronous TransmitStatus Response and the asynchronous delivery
// callback, spec.md §4.3/§3.
func (h *Host) SendCommand(ctx context.Context, info encap.NodeInfo, cmd *command.Command, req encap.Request) (*message.Message, error) {
	if !h.ready.Load() {
		return nil, ErrNotReady
	}
	req.Command = cmd
	req.Node = info

	wrapped, err := h.pipeline.Wrap(req)
	if err != nil {
		return nil, fmt.Errorf("hostdriver: encapsulate command: %w", err)
	}
	payload, err := h.cmds.Encode(wrapped)
	if err != nil {
		return nil, fmt.Errorf("hostdriver: encode command: %w", err)
	}

	raw := make([]byte, 0, len(payload)+4)
	raw = append(raw, byte(info.NodeID), byte(len(payload)))
	raw = append(raw, payload...)
	raw = append(raw, txOptionACK, 1) // callback id placeholder, scheduler assigns the real value

	nodeID := info.NodeID
	return h.SendMessage(ctx, message.Message{
		FunctionType: funcSendData,
		Type:         message.TypeRequest,
		CallbackID:   1,
		NodeID:       &nodeID,
		Command:      wrapped,
		RawPayload:   raw,
	})
}

// WaitFor registers a one-shot awaiter for an unsolicited Message matching
// predicate, spec.md §4.2.
func (h *Host) WaitFor(timeout time.Duration, predicate func(*message.Message) bool) <-chan *message.Message {
	return h.dispatch.WaitFor(timeout, predicate)
}

// RegisterRequestHandler installs a handler for unsolicited traffic of the
// given function type, spec.md §4.2.
func (h *Host) RegisterRequestHandler(functionType byte, once bool, fn dispatch.RequestHandler) {
	h.dispatch.RegisterRequestHandler(functionType, once, fn)
}

// Nodes returns the Node Session Registry, spec.md §3.
func (h *Host) Nodes() *node.Registry { return h.nodes }

// Statistics returns a snapshot of the driver's counters, spec.md §7's
// supplemented statistics surface.
func (h *Host) Statistics() Statistics {
	return Statistics{
		CommandsTX: h.metrics.GetCommandsTX(),
		CommandsRX: h.metrics.GetCommandsRX(),
		NAKs:       h.metrics.GetNAKCount(),
		CANs:       h.metrics.GetCANCount(),
		BytesSent:  h.metrics.GetBytesSent(),
		BytesRecv:  h.metrics.GetBytesReceived(),
		TimeoutsByKind: [4]int64{
			h.metrics.GetTimeoutCount(metrics.TimeoutACK),
			h.metrics.GetTimeoutCount(metrics.TimeoutResponse),
			h.metrics.GetTimeoutCount(metrics.TimeoutCallback),
			h.metrics.GetTimeoutCount(metrics.TimeoutNode),
		},
	}
}

// Statistics is the read-only counters snapshot returned by Host.Statistics.
type Statistics struct {
	CommandsTX, CommandsRX int64
	NAKs, CANs             int64
	BytesSent, BytesRecv   int64
	// TimeoutsByKind is indexed by metrics.TimeoutKind: ACK, Response,
	// Callback, Node.
	TimeoutsByKind [4]int64
}

// SoftReset pauses the scheduler, sends SoftResetRequest, and waits for
// SerialAPIStarted, spec.md §8's supplemented soft/hard reset distinction.
func (h *Host) SoftReset(ctx context.Context) error {
	if !h.cfg.EnableSoftReset {
		return ErrFeatureDisabled
	}
	if !h.ready.Load() {
		return ErrNotReady
	}
	h.sched.Pause()
	defer h.sched.Unpause()
	return h.softResetAndReconnect(ctx)
}

// HardReset waits up to timeouts.response for the send queue to empty,
// then closes the Persistence Facade and reopens it under home id 0, and
// finishes with a soft reset, spec.md §8's supplemented soft/hard reset
// distinction. The persisted cache contents are not cleared.
func (h *Host) HardReset(ctx context.Context) error {
	if !h.ready.Load() {
		return ErrNotReady
	}
	h.sched.Pause()
	defer h.sched.Unpause()

	deadline := time.Now().Add(h.cfg.ResponseTimeout)
	for h.sched.QueueLen() > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: hard reset: transactions still draining", ErrFailed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if h.store != nil {
		if err := h.store.Close(); err != nil {
			return err
		}
	}
	if err := h.openStore(0); err != nil {
		return err
	}
	return h.softResetAndReconnect(ctx)
}

// Close flushes and closes the Persistence Facade, stops the scheduler and
// reader goroutine, and releases the transport, spec.md §5 "On shutdown
// the cache is flushed and closed before the serial port is released."
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.destroyLocked(nil)
	})
	return err
}

func (h *Host) destroyLocked(cause error) error {
	h.destroyed.Store(true)
	h.ready.Store(false)

	if h.schedCancel != nil {
		h.sched.Shutdown()
		h.schedCancel()
	}

	var firstErr error
	if h.store != nil {
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if cause != nil && firstErr == nil {
		firstErr = cause
	}
	if h.cfg.ErrorHandler != nil && firstErr != nil {
		h.cfg.ErrorHandler(firstErr)
	}
	if h.cfg.Cancel != nil {
		h.cfg.Cancel()
	}
	return firstErr
}
