package server

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rbradshaw6/reldat/source/protocol"
)

// HandshakePhase is the connection's position in the three-way open.
type HandshakePhase int

const (
	PhaseIdle HandshakePhase = iota
	PhaseSynSentAck
	PhaseEstablished
)

// TeardownPhase is the connection's position in the four-way close.
type TeardownPhase int

const (
	TeardownNone TeardownPhase = iota
	TeardownCloseAcked
	TeardownClosed
)

// Connection holds all per-connection state. It is created on OPEN and
// discarded wholesale on CLOSE completion or max-retransmit abort — there
// is deliberately no reset method that mutates an existing Connection in
// place; the engine just drops the pointer.
type Connection struct {
	ID   string
	Peer *net.UDPAddr

	PeerWindow uint32
	SelfWindow uint32

	Handshake HandshakePhase
	Teardown  TeardownPhase

	nextSeq uint32

	// acked is the set of inbound sequence numbers this side has
	// already ACKed, used to suppress re-buffering a retransmitted
	// DATA packet that arrives after its original has been flushed.
	acked map[uint32]struct{}

	LastReceived time.Time

	RecvBuf *protocol.ReceiveBuffer
	Timers  *protocol.TimerSet

	eodReceived bool
	synackSeq   uint32
	closeSeq    uint32

	Log *logrus.Entry
}

// NewConnection creates the per-connection state for a freshly accepted
// client at addr, with the given negotiated peer window, the server's
// own receive window capacity, and the retransmission bound.
func NewConnection(addr *net.UDPAddr, peerWindow, selfWindow uint32, maxRetransmit int, log *logrus.Entry) *Connection {
	id := uuid.NewString()[:8]
	return &Connection{
		ID:           id,
		Peer:         addr,
		PeerWindow:   peerWindow,
		SelfWindow:   selfWindow,
		Handshake:    PhaseIdle,
		Teardown:     TeardownNone,
		acked:        make(map[uint32]struct{}),
		LastReceived: time.Now(),
		RecvBuf:      protocol.NewReceiveBuffer(int(selfWindow)),
		Timers:       protocol.NewTimerSet(maxRetransmit),
		Log:          log.WithFields(logrus.Fields{"conn": id, "peer": addr.String()}),
	}
}

// allocSeq returns the next strictly monotonic outbound sequence number.
func (c *Connection) allocSeq() uint32 {
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

// markAcked records that seq has been ACKed, for duplicate suppression.
func (c *Connection) markAcked(seq uint32) {
	c.acked[seq] = struct{}{}
}

// wasAcked reports whether seq has already been ACKed.
func (c *Connection) wasAcked(seq uint32) bool {
	_, ok := c.acked[seq]
	return ok
}
