package server

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rbradshaw6/reldat/pkg/metrics"
	"github.com/rbradshaw6/reldat/source/protocol"
)

// EchoFunc transforms data flushed from the receive buffer into the
// bytes echoed back to the client. The protocol engine performs exactly
// this one application-layer transformation; everything else is generic
// transport.
type EchoFunc func([]byte) []byte

// DefaultEcho is the protocol's built-in echo behavior: ASCII uppercase.
func DefaultEcho(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}
	return out
}

// SendFunc transmits raw wire bytes to addr. The engine never touches a
// net.Conn directly so it can be driven by tests without a real socket.
type SendFunc func(addr *net.UDPAddr, data []byte)

// Engine is the connection state machine of §4.5: it owns at most one
// Connection at a time (the protocol has no multi-client concurrency),
// consumes inbound packets, drives the handshake and teardown, and
// dispatches DATA/ACK/EOD/NUDGE to the receive buffer and timer set.
//
// Engine is not safe for concurrent use: the protocol's scheduling model
// is single-threaded cooperative (one loop calling Server.listenTick,
// ResendTick, CheckLiveness in order), so none of its state is guarded by
// a lock.
type Engine struct {
	SelfWindow    uint32
	Timeout       time.Duration
	MaxRetransmit int
	Echo          EchoFunc
	Send          SendFunc
	Metrics       *metrics.Collector
	Log           *logrus.Entry

	conn *Connection
}

// NewEngine builds an engine with the given receive window capacity and
// retransmission policy. send is called for every outbound datagram.
func NewEngine(selfWindow uint32, timeout time.Duration, maxRetransmit int, send SendFunc, log *logrus.Entry) *Engine {
	return &Engine{
		SelfWindow:    selfWindow,
		Timeout:       timeout,
		MaxRetransmit: maxRetransmit,
		Echo:          DefaultEcho,
		Send:          send,
		Log:           log,
	}
}

// Connected reports whether a connection is currently established.
func (e *Engine) Connected() bool {
	return e.conn != nil && e.conn.Handshake == PhaseEstablished
}

// HandlePacket decodes and dispatches one inbound datagram from addr. A
// decode failure (HeaderCorrupted/PayloadCorrupted) bumps the
// integrity-error metric and is returned to the caller, but otherwise
// produces no side effect: the peer's own retransmission recovers it.
func (e *Engine) HandlePacket(addr *net.UDPAddr, data []byte) error {
	pkt, err := protocol.Decode(data)
	if err != nil {
		if e.Metrics != nil {
			e.Metrics.IntegrityError()
		}
		return err
	}
	e.dispatch(addr, pkt)
	return nil
}

func (e *Engine) dispatch(addr *net.UDPAddr, pkt *protocol.Packet) {
	c := e.conn
	if c == nil {
		if pkt.Flags.Has(protocol.FlagOpen) {
			e.handleOpen(addr, pkt)
		}
		return
	}

	c.LastReceived = time.Now()

	switch c.Handshake {
	case PhaseIdle:
		// Unreachable in steady state: a Connection only exists once
		// handleOpen has already advanced it to PhaseSynSentAck.
		return
	case PhaseSynSentAck:
		e.handleHandshakeAck(c, pkt)
		return
	}

	if pkt.Flags.Has(protocol.FlagClose) {
		e.handleClose(c, pkt)
		return
	}

	switch {
	case pkt.Flags.Has(protocol.FlagData):
		e.handleData(c, pkt)
	case pkt.Flags.Has(protocol.FlagEOD):
		e.handleEOD(c, pkt)
	case pkt.Flags.Has(protocol.FlagAck):
		e.handleAck(c, pkt)
	case pkt.Flags.Has(protocol.FlagNudge):
		e.handleNudge(c, pkt)
	}
}

// handleOpen processes an OPEN received in IDLE (no existing
// connection): the payload carries the client's declared window size as
// a decimal string. Any packet arriving in IDLE without OPEN is ignored.
func (e *Engine) handleOpen(addr *net.UDPAddr, pkt *protocol.Packet) {
	peerWindow, err := strconv.ParseUint(string(pkt.Payload), 10, 32)
	if err != nil {
		e.Log.WithError(errors.Wrap(err, "parse OPEN window size")).Warn("rejecting malformed OPEN")
		return
	}

	c := NewConnection(addr, uint32(peerWindow), e.SelfWindow, e.MaxRetransmit, e.Log)
	e.conn = c
	if e.Metrics != nil {
		e.Metrics.ConnectionOpened()
	}
	c.Log.WithField("peer_window", peerWindow).Info("accepted OPEN, sending SYNACK")

	seq := c.allocSeq()
	c.synackSeq = seq
	raw := protocol.Encode([]byte(strconv.FormatUint(uint64(e.SelfWindow), 10)), seq, pkt.Seq, protocol.FlagOpen|protocol.FlagAck)
	e.Send(c.Peer, raw)
	c.Timers.Arm(protocol.SeqKey(seq), raw)
	c.Handshake = PhaseSynSentAck
}

// handleHandshakeAck processes the ACK completing the three-way open.
// Any packet in SYN_SENT_ACK without ACK, or with the wrong ack_num, is
// ignored (idempotent under retransmission of the OPEN or the SYNACK).
func (e *Engine) handleHandshakeAck(c *Connection, pkt *protocol.Packet) {
	if !pkt.Flags.Has(protocol.FlagAck) || pkt.Ack != c.synackSeq {
		return
	}
	c.Timers.Cancel(protocol.SeqKey(c.synackSeq))
	c.RecvBuf.ResetWindowBase(1)
	c.Handshake = PhaseEstablished
	if e.Metrics != nil {
		e.Metrics.HandshakeCompleted()
	}
	c.Log.Info("connection established")
}

func (e *Engine) handleData(c *Connection, pkt *protocol.Packet) {
	duplicate := pkt.Flags.Has(protocol.FlagRetransmit) && c.wasAcked(pkt.Seq)
	if !duplicate {
		c.RecvBuf.Accept(pkt)
		if c.RecvBuf.IsFull() {
			data := c.RecvBuf.Flush()
			e.sendData(c, e.Echo(data))
		}
	}
	c.markAcked(pkt.Seq)
	e.sendAck(c, pkt.Seq, false)
}

func (e *Engine) handleEOD(c *Connection, pkt *protocol.Packet) {
	c.eodReceived = true
	e.sendAck(c, pkt.Seq, true)

	data := c.RecvBuf.Flush()
	e.sendData(c, e.Echo(data))
	c.RecvBuf.ResetWindowBase(0)
}

func (e *Engine) handleAck(c *Connection, pkt *protocol.Packet) {
	if pkt.Flags.Has(protocol.FlagNudge) {
		c.Timers.Cancel(protocol.NudgeKey)
	} else {
		c.Timers.Cancel(protocol.SeqKey(pkt.Ack))
	}

	if c.Timers.IsEmpty() && c.RecvBuf.IsEmpty() && c.eodReceived {
		seq := c.allocSeq()
		raw := protocol.Encode(nil, seq, 0, protocol.FlagEOD)
		e.Send(c.Peer, raw)
		c.Timers.Arm(protocol.SeqKey(seq), raw)
		c.eodReceived = false
	}
}

func (e *Engine) handleNudge(c *Connection, pkt *protocol.Packet) {
	raw := protocol.Encode(nil, 0, 0, protocol.FlagAck|protocol.FlagNudge)
	e.Send(c.Peer, raw)
}

func (e *Engine) handleClose(c *Connection, pkt *protocol.Packet) {
	switch c.Teardown {
	case TeardownNone:
		closeAck := protocol.Encode(nil, 0, pkt.Seq, protocol.FlagClose|protocol.FlagAck)
		e.Send(c.Peer, closeAck)

		seq := c.allocSeq()
		c.closeSeq = seq
		closePkt := protocol.Encode(nil, seq, 0, protocol.FlagClose)
		e.Send(c.Peer, closePkt)
		c.Timers.Arm(protocol.SeqKey(seq), closePkt)
		c.Teardown = TeardownCloseAcked
	case TeardownCloseAcked:
		if pkt.Flags.Has(protocol.FlagAck) {
			c.Timers.Cancel(protocol.SeqKey(c.closeSeq))
			c.Teardown = TeardownClosed
			if e.Metrics != nil {
				e.Metrics.TeardownCompleted()
			}
			c.Log.Info("connection torn down")
			e.conn = nil
		}
	}
}

// sendData packetizes data via PacketStream and transmits and arms a
// timer for each resulting DATA packet, in sequence order.
func (e *Engine) sendData(c *Connection, data []byte) {
	stream := protocol.NewPacketStream(data, c.allocSeq)
	for {
		raw, seq, ok := stream.Next()
		if !ok {
			break
		}
		e.Send(c.Peer, raw)
		c.Timers.Arm(protocol.SeqKey(seq), raw)
	}
}

func (e *Engine) sendAck(c *Connection, ackSeq uint32, eod bool) {
	flags := protocol.FlagAck
	if eod {
		flags |= protocol.FlagEOD
	}
	e.Send(c.Peer, protocol.Encode(nil, 0, ackSeq, flags))
}

// ResendTick scans the active connection's timers and retransmits or
// aborts as directed, including during the handshake (the SYNACK timer).
// It is a no-op when there is no connection.
func (e *Engine) ResendTick() {
	c := e.conn
	if c == nil {
		return
	}

	now := time.Now()
	for _, exp := range c.Timers.Scan(now, e.Timeout) {
		switch exp.Action {
		case protocol.ActionRetransmit:
			retransmitted, err := protocol.MarkRetransmit(exp.Packet)
			if err != nil {
				c.Log.WithError(err).Error("failed to mark packet for retransmit")
				continue
			}
			e.Send(c.Peer, retransmitted)
			if e.Metrics != nil {
				e.Metrics.Retransmit()
			}
		case protocol.ActionAbort:
			c.Log.Warn("max retransmit count reached, assuming client failure")
			if e.Metrics != nil {
				e.Metrics.Abort()
			}
			e.conn = nil
			return
		}
	}

	if e.Metrics != nil && c == e.conn {
		e.Metrics.SetTimersArmed(c.Timers.Count())
	}
}

// CheckLiveness sends a NUDGE if the connection has been idle past the
// timeout and has no timers outstanding already.
func (e *Engine) CheckLiveness() {
	c := e.conn
	if c == nil || c.Handshake != PhaseEstablished {
		return
	}
	if time.Since(c.LastReceived) <= e.Timeout {
		return
	}
	if !c.Timers.IsEmpty() {
		return
	}

	c.Log.Debug("nudging idle client")
	raw := protocol.Encode(nil, 0, 0, protocol.FlagNudge)
	e.Send(c.Peer, raw)
	c.Timers.Arm(protocol.NudgeKey, raw)
}
