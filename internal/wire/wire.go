// Package wire implements the framed UDP packet codec shared by the
// registration and relay protocols: a fixed 4-byte header followed by a
// protocol-specific payload.
package wire

import "errors"

// Version is the wire format version carried in the top nibble of header
// byte 0.
type Version uint8

// V1 is the only supported version.
const V1 Version = 1

// Protocol identifies the top-level packet kind (header byte 1). Values
// outside the named constants are valid and decode successfully; callers
// branch on them with a default/no-op case rather than treating them as
// errors.
type Protocol uint8

const (
	ProtocolService   Protocol = 1
	ProtocolError     Protocol = 2
	ProtocolControl   Protocol = 3
	ProtocolIPv4Turn  Protocol = 4
	ProtocolOtherTurn Protocol = 5
)

// ServiceProtocol is the sub-protocol byte (header byte 2) under
// Protocol.Service.
type ServiceProtocol uint8

const (
	ServiceRegistrationRequest  ServiceProtocol = 1
	ServiceRegistrationResponse ServiceProtocol = 2
	ServiceUpdateDeviceList     ServiceProtocol = 3
)

// ControlProtocol is the sub-protocol byte under Protocol.Control.
type ControlProtocol uint8

const (
	ControlPing ControlProtocol = 1
	ControlPong ControlProtocol = 2
)

// ErrorProtocol is the sub-protocol byte under Protocol.Error.
type ErrorProtocol uint8

const (
	ErrorDisconnect       ErrorProtocol = 1
	ErrorAddressExhausted ErrorProtocol = 2
)

// HeaderLen is the fixed size, in bytes, of the framed header.
const HeaderLen = 4

// DefaultTTL is the TTL value the server stamps on every packet it emits.
const DefaultTTL = 255

// ErrDecode is returned for a truncated header, an unsupported version, or a
// truncated message or turn payload.
var ErrDecode = errors.New("wire: malformed packet")

// Packet is a decoded framed datagram. Raw holds the original bytes
// (header included) so that forwarding code can retransmit a turn packet
// byte-for-byte without re-encoding it.
type Packet struct {
	Version     Version
	Protocol    Protocol
	SubProtocol uint8
	TTL         uint8
	Payload     []byte
	Raw         []byte
}

// Decode parses a framed packet. It fails only on a truncated header or an
// unsupported version; unknown protocol/sub-protocol byte values decode
// successfully so dispatch can ignore them cleanly.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, ErrDecode
	}
	version := Version(buf[0] >> 4)
	if version != V1 {
		return Packet{}, ErrDecode
	}
	return Packet{
		Version:     version,
		Protocol:    Protocol(buf[1]),
		SubProtocol: buf[2],
		TTL:         buf[3],
		Payload:     buf[HeaderLen:],
		Raw:         buf,
	}, nil
}

// Encode serializes a fresh packet with the given protocol, sub-protocol,
// TTL and payload into a newly allocated buffer.
func Encode(protocol Protocol, sub uint8, ttl uint8, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	out[0] = byte(V1) << 4
	out[1] = byte(protocol)
	out[2] = sub
	out[3] = ttl
	copy(out[HeaderLen:], payload)
	return out
}

// EncodeHeaderOnly builds a packet with an empty payload, used by the Error
// protocol's Disconnect and AddressExhausted replies.
func EncodeHeaderOnly(protocol Protocol, sub uint8) []byte {
	return Encode(protocol, sub, DefaultTTL, nil)
}
