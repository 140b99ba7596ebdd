package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/rbradshaw6/reldat/source/protocol"
)

func testEngine(selfWindow uint32) (*Engine, *[][]byte) {
	return testEngineWithTimeout(selfWindow, time.Hour)
}

func testEngineWithTimeout(selfWindow uint32, timeout time.Duration) (*Engine, *[][]byte) {
	sent := &[][]byte{}
	log := logrus.New()
	log.SetOutput(nowhereWriter{})
	entry := log.WithField("test", true)

	e := NewEngine(selfWindow, timeout, 3, func(addr *net.UDPAddr, data []byte) {
		*sent = append(*sent, data)
	}, entry)
	return e, sent
}

type nowhereWriter struct{}

func (nowhereWriter) Write(p []byte) (int, error) { return len(p), nil }

var clientAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

func openPacket(seq uint32, window int) []byte {
	return protocol.Encode([]byte(strconv.Itoa(window)), seq, 0, protocol.FlagOpen)
}

// S1: handshake. OPEN -> SYNACK, then client ACK -> established.
func TestScenarioHandshake(t *testing.T) {
	e, sent := testEngine(3)

	require.NoError(t, e.HandlePacket(clientAddr, openPacket(0, 3)))
	require.Len(t, *sent, 1)

	synack, err := protocol.Decode((*sent)[0])
	require.NoError(t, err)
	require.True(t, synack.Flags.Has(protocol.FlagOpen))
	require.True(t, synack.Flags.Has(protocol.FlagAck))
	require.EqualValues(t, 0, synack.Ack)
	require.False(t, e.Connected())

	ackRaw := protocol.Encode(nil, 1, synack.Seq, protocol.FlagAck)
	require.NoError(t, e.HandlePacket(clientAddr, ackRaw))
	require.True(t, e.Connected())
}

func establish(t *testing.T, e *Engine, sent *[][]byte) {
	t.Helper()
	require.NoError(t, e.HandlePacket(clientAddr, openPacket(0, 3)))
	synack, err := protocol.Decode((*sent)[0])
	require.NoError(t, err)
	*sent = (*sent)[:0]

	ackRaw := protocol.Encode(nil, 1, synack.Seq, protocol.FlagAck)
	require.NoError(t, e.HandlePacket(clientAddr, ackRaw))
	require.True(t, e.Connected())
}

// S2: single packet echo with a one-slot receive window.
func TestScenarioSinglePacketEcho(t *testing.T) {
	e, sent := testEngine(1)
	establish(t, e, sent)

	data := protocol.Encode([]byte("hi"), 1, 0, protocol.FlagData)
	require.NoError(t, e.HandlePacket(clientAddr, data))

	require.Len(t, *sent, 2, "expect an ACK and the echoed DATA")

	var sawAck, sawEcho bool
	for _, raw := range *sent {
		pkt, err := protocol.Decode(raw)
		require.NoError(t, err)
		if pkt.Flags.Has(protocol.FlagData) {
			sawEcho = true
			require.Equal(t, []byte("HI"), pkt.Payload)
		} else if pkt.Flags.Has(protocol.FlagAck) {
			sawAck = true
			require.EqualValues(t, 1, pkt.Ack)
		}
	}
	require.True(t, sawAck)
	require.True(t, sawEcho)
}

// S3: a 3-slot window fills after three DATA packets and flushes as one echo.
func TestScenarioWindowFillEcho(t *testing.T) {
	e, sent := testEngine(3)
	establish(t, e, sent)

	for i, word := range []string{"ab", "cd", "ef"} {
		raw := protocol.Encode([]byte(word), uint32(i+1), 0, protocol.FlagData)
		require.NoError(t, e.HandlePacket(clientAddr, raw))
	}

	var echoed []byte
	var acks int
	for _, raw := range *sent {
		pkt, err := protocol.Decode(raw)
		require.NoError(t, err)
		if pkt.Flags.Has(protocol.FlagData) {
			echoed = pkt.Payload
		}
		if pkt.Flags.Has(protocol.FlagAck) {
			acks++
		}
	}
	require.Equal(t, 3, acks)
	require.Equal(t, []byte("ABCDEF"), echoed)
}

// S4: an unacknowledged packet is resent with the RETRANSMIT flag set.
func TestScenarioRetransmit(t *testing.T) {
	e, sent := testEngineWithTimeout(3, time.Millisecond)
	establish(t, e, sent)
	*sent = (*sent)[:0]

	e.sendData(e.conn, []byte("payload"))
	require.Len(t, *sent, 1)

	time.Sleep(5 * time.Millisecond)
	e.ResendTick()
	require.Len(t, *sent, 2)

	retransmitted, err := protocol.Decode((*sent)[1])
	require.NoError(t, err)
	require.True(t, retransmitted.Flags.Has(protocol.FlagRetransmit))
}

// S5: a client that never ACKs is presumed dead once MaxRetransmit is hit.
func TestScenarioMaxRetransmitAbort(t *testing.T) {
	e, sent := testEngineWithTimeout(3, time.Millisecond)
	establish(t, e, sent)
	require.True(t, e.Connected())

	e.sendData(e.conn, []byte("payload"))

	for i := 0; i <= e.MaxRetransmit; i++ {
		time.Sleep(5 * time.Millisecond)
		e.ResendTick()
	}

	require.Nil(t, e.conn)
}

// S6: a retransmitted duplicate of an already-ACKed DATA packet is not
// re-buffered or re-echoed.
func TestScenarioDuplicateDataSuppressed(t *testing.T) {
	e, sent := testEngine(3)
	establish(t, e, sent)

	first := protocol.Encode([]byte("ab"), 1, 0, protocol.FlagData)
	require.NoError(t, e.HandlePacket(clientAddr, first))
	*sent = (*sent)[:0]

	dup := protocol.Encode([]byte("ab"), 1, 0, protocol.FlagData|protocol.FlagRetransmit)
	require.NoError(t, e.HandlePacket(clientAddr, dup))

	// Only the ACK for the duplicate should have been sent; no second
	// echo, and the buffer must not have re-counted the slot toward full.
	require.Len(t, *sent, 1)
	ack, err := protocol.Decode((*sent)[0])
	require.NoError(t, err)
	require.True(t, ack.Flags.Has(protocol.FlagAck))
	require.False(t, e.conn.RecvBuf.IsFull())
}

func TestDefaultEchoUppercasesASCIIOnly(t *testing.T) {
	require.Equal(t, []byte("HELLO"), DefaultEcho([]byte("hello")))
	require.Equal(t, []byte("HELLO WORLD!"), DefaultEcho([]byte("Hello World!")))
}
