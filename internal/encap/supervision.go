package encap

import (
	"sync"

	"github.com/google/uuid"
	"github.com/zwavecore/hostdriver/internal/command"
)

// Supervision command class identifiers (Z-Wave public specification).
const (
	ClassSupervision      byte = 0x6C
	CmdSupervisionGet     byte = 0x01
	CmdSupervisionReport  byte = 0x02
)

// SupervisionStatus mirrors the wire status byte of a Supervision Report.
type SupervisionStatus byte

const (
	SupervisionWorking SupervisionStatus = 0x01
	SupervisionFail    SupervisionStatus = 0x02
	SupervisionSuccess SupervisionStatus = 0xFF
)

// SupervisionUpdate is delivered to a session's update callback, per
// spec.md §4.5 "invoked with {status, remainingDuration}".
type SupervisionUpdate struct {
	Status            SupervisionStatus
	RemainingDuration byte
	MoreUpdatesFollow bool
}

// SupervisionCodec applies/strips the Supervision Get wrapper and owns the
// per-node session table keyed by session id, spec.md §3/§4.5.
type SupervisionCodec struct {
	mu       sync.Mutex
	sessions map[uint16]map[byte]func(SupervisionUpdate) // nodeID -> sessionID -> callback
	nextID   map[uint16]byte
}

// NewSupervisionCodec builds an empty Supervision codec.
func NewSupervisionCodec() *SupervisionCodec {
	return &SupervisionCodec{
		sessions: make(map[uint16]map[byte]func(SupervisionUpdate)),
		nextID:   make(map[uint16]byte),
	}
}

func (s *SupervisionCodec) Name() string { return "supervision" }

// Applies per spec.md §4.3: "applied if the command class is a SET-type
// and either the caller requested it or the target is known to support
// Supervision for this CC."
func (s *SupervisionCodec) Applies(req Request) bool {
	return req.IsSetType && (req.RequestSupervision || req.Node.SupportsSupervision)
}

// Wrap allocates a session id and returns a Supervision Get command
// wrapping cmd. It registers no update callback; see RegisterSession.
func (s *SupervisionCodec) Wrap(cmd *command.Command, req Request) (*command.Command, error) {
	sessionID := s.allocateSession(req.Node.NodeID)

	payload := make([]byte, 1+2+len(cmd.Payload))
	payload[0] = sessionID & 0x3F // top bit reserved, next bit status-updates flag
	payload[1] = cmd.ClassID
	payload[2] = cmd.CommandID
	copy(payload[3:], cmd.Payload)

	return &command.Command{
		ClassID:       ClassSupervision,
		CommandID:     CmdSupervisionGet,
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       payload,
		Inner:         cmd,
	}, nil
}

func (s *SupervisionCodec) allocateSession(nodeID uint16) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID[nodeID]
	s.nextID[nodeID] = (id + 1) & 0x3F
	return id
}

// RegisterSession installs the update callback for a newly allocated
// session. Nothing in this module calls it after Wrap; a caller that wants
// updates for a session registers the callback itself.
func (s *SupervisionCodec) RegisterSession(nodeID uint16, sessionID byte, cb func(SupervisionUpdate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[nodeID]
	if !ok {
		m = make(map[byte]func(SupervisionUpdate))
		s.sessions[nodeID] = m
	}
	m[sessionID] = cb
}

// Unwrap strips a Supervision Get wrapper, if present. Supervision Reports
// are not unwrapped here: they are terminal, not nested commands the
// pipeline decapsulates further, and the Receive Dispatcher routes them to
// node.Node.HandleSupervisionReport.
func (s *SupervisionCodec) Unwrap(cmd *command.Command) (*command.Command, command.EncapFlags, bool, error) {
	if cmd.ClassID != ClassSupervision || cmd.CommandID != CmdSupervisionGet {
		return cmd, 0, false, nil
	}
	if len(cmd.Payload) < 3 {
		return cmd, 0, false, nil
	}
	inner := &command.Command{
		ClassID:       cmd.Payload[1],
		CommandID:     cmd.Payload[2],
		NodeID:        cmd.NodeID,
		EndpointIndex: cmd.EndpointIndex,
		Payload:       cmd.Payload[3:],
	}
	return inner, command.FlagSupervision, true, nil
}

// HandleReport dispatches an inbound Supervision Report to the matching
// session, per spec.md §4.5. It returns true if a session was found (and
// thus the report should not also be routed to a node handler).
func (s *SupervisionCodec) HandleReport(nodeID uint16, sessionID byte, update SupervisionUpdate) bool {
	s.mu.Lock()
	cb, ok := s.sessions[nodeID][sessionID]
	if ok && !update.MoreUpdatesFollow {
		delete(s.sessions[nodeID], sessionID)
	}
	s.mu.Unlock()

	if ok && cb != nil {
		cb(update)
	}
	return ok
}

// DecodeSupervisionReport parses a Supervision Report payload.
func DecodeSupervisionReport(payload []byte) (sessionID byte, update SupervisionUpdate, err error) {
	if len(payload) < 3 {
		return 0, SupervisionUpdate{}, errShortPayload
	}
	sessionID = payload[0] & 0x3F
	update.MoreUpdatesFollow = payload[0]&0x80 != 0
	update.Status = SupervisionStatus(payload[1])
	update.RemainingDuration = payload[2]
	return sessionID, update, nil
}

// EncodeSupervisionReport serializes a Supervision Report payload.
func EncodeSupervisionReport(sessionID byte, update SupervisionUpdate) []byte {
	flag := byte(0)
	if update.MoreUpdatesFollow {
		flag = 0x80
	}
	return []byte{flag | (sessionID & 0x3F), byte(update.Status), update.RemainingDuration}
}

// newSessionUUID is used for transport-layer correlation ids that need
// global uniqueness beyond the 6-bit wire session id (e.g. logging
// correlation), grounded on the teacher's uuid.New().String() connID.
func newSessionUUID() string { return uuid.New().String() }
