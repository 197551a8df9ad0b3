package wire

import "encoding/binary"

// ipv4DestOffset is the byte offset of the destination address field within
// a standard IPv4 header. It is fixed regardless of header options, since
// options are appended after the source/destination address fields.
const ipv4DestOffset = 16

// TurnDestination extracts the destination IPv4 address from a turn
// packet's encapsulated IPv4 header. It parses only as deep as needed to
// pull out the address; the rest of the frame passes through untouched.
func TurnDestination(payload []byte) (uint32, error) {
	if len(payload) < ipv4DestOffset+4 {
		return 0, ErrDecode
	}
	return binary.BigEndian.Uint32(payload[ipv4DestOffset : ipv4DestOffset+4]), nil
}
