// Package protocol implements the RELDAT wire format: packet framing,
// checksum verification, the packetizing stream, the sliding-window
// receive buffer, and the retransmission timer set. It has no knowledge
// of sockets or the connection state machine — see source/server for that.
package protocol

import (
	"crypto/md5"
	"encoding/binary"
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Wire layout, all integers network byte order (big-endian):
//
//	0   1   flags
//	1   4   sequence number
//	5   4   acknowledgement number
//	9   4   payload length
//	13  16  payload checksum (MD5)
//	29  16  header checksum (MD5 of bytes 0..28)
//	45  ..  payload (0-955 bytes)
const (
	headerChecksumOffset = 29
	HeaderSize           = 45
	MaxPacketSize        = 1000
	MaxPayloadSize       = MaxPacketSize - HeaderSize
)

// Flags is the packet flag bitfield. Flags combine by OR, e.g.
// FlagOpen|FlagAck for a SYNACK.
type Flags byte

const (
	FlagOpen Flags = 1 << iota
	FlagClose
	FlagAck
	FlagRetransmit
	FlagData
	FlagEOD
	FlagNudge
)

// Has reports whether flag is set in f.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Sentinel integrity errors. A received datagram failing either check is
// silently discarded by the caller; these are never used for ordinary
// control flow within the connection engine.
var (
	ErrHeaderCorrupted  = errors.New("reldat: header checksum mismatch")
	ErrPayloadCorrupted = errors.New("reldat: payload checksum mismatch")
)

// Packet is a decoded, checksum-verified datagram.
type Packet struct {
	Flags   Flags
	Seq     uint32
	Ack     uint32
	Payload []byte
}

// Encode builds a wire-ready packet: it computes the payload MD5, packs
// the 29-byte header, MD5s that header, and appends payload last.
func Encode(payload []byte, seq, ack uint32, flags Flags) []byte {
	out := make([]byte, headerChecksumOffset, HeaderSize+len(payload))
	out[0] = byte(flags)
	binary.BigEndian.PutUint32(out[1:5], seq)
	binary.BigEndian.PutUint32(out[5:9], ack)
	binary.BigEndian.PutUint32(out[9:13], uint32(len(payload)))
	payloadSum := md5.Sum(payload)
	copy(out[13:29], payloadSum[:])

	headerSum := md5.Sum(out)
	out = append(out, headerSum[:]...)
	out = append(out, payload...)
	return out
}

// Decode parses and verifies a datagram. The header checksum is checked
// before the payload length is trusted for anything, so a corrupted
// length field cannot cause a read past the datagram before corruption is
// detected.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrHeaderCorrupted
	}

	header := data[0:headerChecksumOffset]
	storedHeaderSum := data[headerChecksumOffset:HeaderSize]
	headerSum := md5.Sum(header)
	if !bytesEqual(headerSum[:], storedHeaderSum) {
		return nil, ErrHeaderCorrupted
	}

	flags := Flags(data[0])
	seq := binary.BigEndian.Uint32(data[1:5])
	ack := binary.BigEndian.Uint32(data[5:9])
	payloadLen := binary.BigEndian.Uint32(data[9:13])
	storedPayloadSum := data[13:29]

	if payloadLen > MaxPayloadSize || HeaderSize+int(payloadLen) > len(data) {
		return nil, ErrPayloadCorrupted
	}

	payload := data[HeaderSize : HeaderSize+int(payloadLen)]
	payloadSum := md5.Sum(payload)
	if !bytesEqual(payloadSum[:], storedPayloadSum) {
		return nil, ErrPayloadCorrupted
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	return &Packet{Flags: flags, Seq: seq, Ack: ack, Payload: cp}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarkRetransmit re-encodes a previously-sent packet with the RETRANSMIT
// bit set. Flipping the flag byte in place would invalidate the header
// checksum, so the packet is decoded and re-built instead; data is
// assumed to be a packet this process itself produced via Encode, so
// decode errors here indicate a programming error, not network
// corruption.
func MarkRetransmit(data []byte) ([]byte, error) {
	pkt, err := Decode(data)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mark retransmit on a packet we sent")
	}
	return Encode(pkt.Payload, pkt.Seq, pkt.Ack, pkt.Flags|FlagRetransmit), nil
}
