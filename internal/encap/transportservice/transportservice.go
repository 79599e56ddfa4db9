// Package transportservice implements radio-level fragmentation and
// reassembly for datagrams that exceed the negotiated MTU, per spec.md
// §4.3's "Transport Service (radio-level fragmentation)" and the RX state
// machine described there. Segment headers reuse the teacher's
// length-prefixed framing shape (frame.go) generalized to carry a session
// id and offset.
package transportservice

import (
	"errors"
	"sync"
	"time"
)

// Transport Service command class identifiers.
const (
	ClassID              byte = 0x55
	CmdFirstSegment      byte = 0xC0
	CmdSubsequentSegment byte = 0xE0
	CmdSegmentComplete   byte = 0xE8
	CmdSegmentRequest    byte = 0xC8
	CmdSegmentWait       byte = 0xF0
)

// RequestMissingSegmentTimeout is the "requestMissingSegmentR2" timeout
// named in spec.md §4.3, ~800ms.
const RequestMissingSegmentTimeout = 800 * time.Millisecond

// RXState is the per-(node, session) reassembly state, spec.md §4.3.
type RXState int

const (
	StateInitial RXState = iota
	StateReceiving
	StateAwaitingGap
	StateComplete
	StateFailure
)

var (
	// ErrUnexpectedSegment is returned for a subsequent segment with no
	// matching first segment (no session in progress).
	ErrUnexpectedSegment = errors.New("transportservice: unexpected segment")
	// ErrSessionFailed is returned once a session has entered StateFailure.
	ErrSessionFailed = errors.New("transportservice: session failed")
)

// Output is emitted by NewSession and Session.FeedSubsequent, per the spec's design
// note "Timers are emitted as outputs, not scheduled from within the step,
// so tests can drive time."
type Output struct {
	SegmentRequest  *int  // non-nil: offset to request
	SegmentComplete bool  // the datagram is fully assembled
	Datagram        []byte
}

// Session is one (node, session id) reassembly state machine.
type Session struct {
	NodeID       uint16
	SessionID    byte
	State        RXState
	fragmentSize int
	datagramSize int
	buf          []byte
	received     []bool
	lastActivity time.Time
}

// NewSession starts a session in FirstSegment response to a FirstSegment
// frame: "On FirstSegment reinitialize, compute
// num_segments = ceil(datagram_size / fragment_size)".
func NewSession(nodeID uint16, sessionID byte, datagramSize, fragmentSize int, first []byte) (*Session, []Output) {
	s := &Session{
		NodeID:       nodeID,
		SessionID:    sessionID,
		State:        StateReceiving,
		fragmentSize: fragmentSize,
		datagramSize: datagramSize,
		buf:          make([]byte, datagramSize),
		lastActivity: time.Now(),
	}
	numSegments := (datagramSize + fragmentSize - 1) / fragmentSize
	s.received = make([]bool, numSegments)

	copy(s.buf[:len(first)], first)
	s.received[0] = true

	return s, s.checkComplete()
}

// FeedSubsequent advances the session with a subsequent segment at the
// given byte offset.
func (s *Session) FeedSubsequent(offset int, data []byte) []Output {
	if s.State == StateComplete || s.State == StateFailure {
		return nil
	}
	s.lastActivity = time.Now()
	if offset+len(data) > len(s.buf) {
		s.State = StateFailure
		return nil
	}
	copy(s.buf[offset:], data)
	idx := offset / s.fragmentSize
	if idx >= 0 && idx < len(s.received) {
		s.received[idx] = true
	}
	return s.checkComplete()
}

// checkComplete scans for the first missing segment, emitting a
// SegmentRequest output for it, or a SegmentComplete output if all
// segments have arrived.
func (s *Session) checkComplete() []Output {
	for i, got := range s.received {
		if !got {
			s.State = StateAwaitingGap
			offset := i * s.fragmentSize
			return []Output{{SegmentRequest: &offset}}
		}
	}
	s.State = StateComplete
	return []Output{{SegmentComplete: true, Datagram: s.buf}}
}

// Expired reports whether no activity has occurred within d, the trigger
// for emitting another SegmentRequest per spec.md §4.3.
func (s *Session) Expired(d time.Duration) bool {
	return time.Since(s.lastActivity) > d
}

// RX tracks all in-progress sessions across nodes, implicitly closing a
// prior Complete session when the same (node, session id) recurs, per
// spec.md §4.3 "Receiving the same session id after a prior Complete
// implicitly closes the old session."
type RX struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	nodeID    uint16
	sessionID byte
}

// NewRX builds an empty reassembly tracker.
func NewRX() *RX { return &RX{sessions: make(map[sessionKey]*Session)} }

// FirstSegment starts or restarts a session.
func (r *RX) FirstSegment(nodeID uint16, sessionID byte, datagramSize, fragmentSize int, data []byte) []Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, outs := NewSession(nodeID, sessionID, datagramSize, fragmentSize, data)
	r.sessions[sessionKey{nodeID, sessionID}] = s
	return outs
}

// SubsequentSegment advances an existing session.
func (r *RX) SubsequentSegment(nodeID uint16, sessionID byte, offset int, data []byte) ([]Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey{nodeID, sessionID}]
	if !ok {
		return nil, ErrUnexpectedSegment
	}
	return s.FeedSubsequent(offset, data), nil
}

// Session returns the current session for (node, session id), if any.
func (r *RX) Session(nodeID uint16, sessionID byte) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey{nodeID, sessionID}]
	return s, ok
}

// Drop removes a session, e.g. after it completes or fails.
func (r *RX) Drop(nodeID uint16, sessionID byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey{nodeID, sessionID})
}

// Fragment splits a datagram into (firstPayload, []subsequentFragments)
// sized to fragmentSize, for the TX side building outbound Transport
// Service segments.
func Fragment(datagram []byte, fragmentSize int) (first []byte, rest [][]byte, offsets []int) {
	if len(datagram) <= fragmentSize {
		return datagram, nil, nil
	}
	first = datagram[:fragmentSize]
	for offset := fragmentSize; offset < len(datagram); offset += fragmentSize {
		end := offset + fragmentSize
		if end > len(datagram) {
			end = len(datagram)
		}
		rest = append(rest, datagram[offset:end])
		offsets = append(offsets, offset)
	}
	return first, rest, offsets
}
