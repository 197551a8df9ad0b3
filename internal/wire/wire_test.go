package wire_test

import (
	"testing"

	"github.com/malbeclabs/lanrelay/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("hello")
	buf := wire.Encode(wire.ProtocolControl, byte(wire.ControlPing), 255, payload)
	require.Len(t, buf, wire.HeaderLen+len(payload))

	pkt, err := wire.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.V1, pkt.Version)
	assert.Equal(t, wire.ProtocolControl, pkt.Protocol)
	assert.Equal(t, byte(wire.ControlPing), pkt.SubProtocol)
	assert.Equal(t, uint8(255), pkt.TTL)
	assert.Equal(t, payload, pkt.Payload)
	assert.Equal(t, buf, pkt.Raw)
}

func TestDecode_TruncatedHeader(t *testing.T) {
	t.Parallel()

	_, err := wire.Decode([]byte{0x10, 0x01})
	assert.ErrorIs(t, err, wire.ErrDecode)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	buf := wire.Encode(wire.ProtocolService, 1, 255, nil)
	buf[0] = 0x20 // version 2
	_, err := wire.Decode(buf)
	assert.ErrorIs(t, err, wire.ErrDecode)
}

func TestDecode_UnknownProtocolIsNotAnError(t *testing.T) {
	t.Parallel()

	buf := wire.Encode(wire.Protocol(0xAB), 0xCD, 255, nil)
	pkt, err := wire.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.Protocol(0xAB), pkt.Protocol)
	assert.Equal(t, byte(0xCD), pkt.SubProtocol)
}

func TestEncodeHeaderOnly(t *testing.T) {
	t.Parallel()

	buf := wire.EncodeHeaderOnly(wire.ProtocolError, byte(wire.ErrorDisconnect))
	assert.Len(t, buf, wire.HeaderLen)
	pkt, err := wire.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolError, pkt.Protocol)
	assert.Empty(t, pkt.Payload)
}

func TestRegistrationRequestRoundTrip(t *testing.T) {
	t.Parallel()

	req := wire.RegistrationRequest{Token: "t", MACAddress: "aa:bb", Name: "laptop"}
	got, err := wire.DecodeRegistrationRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRegistrationResponseRoundTrip(t *testing.T) {
	t.Parallel()

	resp := wire.RegistrationResponse{
		PublicIP:       0xC6336407,
		PublicPort:     40000,
		VirtualIP:      0x0A0D0002,
		VirtualNetmask: 0xFFFFFF00,
		VirtualGateway: 0x0A0D0001,
		Epoch:          1,
		DeviceInfoList: []wire.DeviceInfo{
			{VirtualIP: 0x0A0D0003, Name: "B", DeviceStatus: 0},
		},
	}
	got, err := wire.DecodeRegistrationResponse(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestRegistrationResponseRoundTrip_EmptyDeviceList(t *testing.T) {
	t.Parallel()

	resp := wire.RegistrationResponse{Epoch: 1, DeviceInfoList: nil}
	got, err := wire.DecodeRegistrationResponse(resp.Encode())
	require.NoError(t, err)
	assert.Empty(t, got.DeviceInfoList)
}

func TestDeviceListRoundTrip(t *testing.T) {
	t.Parallel()

	list := wire.DeviceList{
		Epoch: 7,
		DeviceInfoList: []wire.DeviceInfo{
			{VirtualIP: 1, Name: "a", DeviceStatus: 0},
			{VirtualIP: 2, Name: "b", DeviceStatus: 1},
		},
	}
	got, err := wire.DecodeDeviceList(list.Encode())
	require.NoError(t, err)
	assert.Equal(t, list, got)
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()

	ping := wire.Ping{Epoch: 42, Nonce: [wire.PingNonceLen]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	got, err := wire.DecodePing(ping.Encode())
	require.NoError(t, err)
	assert.Equal(t, ping, got)
}

func TestEncodePong_EchoesFirst8Bytes(t *testing.T) {
	t.Parallel()

	ping := wire.Ping{Epoch: 1, Nonce: [wire.PingNonceLen]byte{9, 9, 9, 9, 9, 9, 9, 9}}
	pong := wire.EncodePong(ping.Encode())
	assert.Equal(t, ping.Nonce[:], pong)
}

func TestTurnDestination(t *testing.T) {
	t.Parallel()

	header := make([]byte, 20)
	header[0] = 0x45 // version 4, IHL 5
	header[16], header[17], header[18], header[19] = 10, 13, 0, 255

	dest, err := wire.TurnDestination(header)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0A0D00FF), dest)
}

func TestTurnDestination_Truncated(t *testing.T) {
	t.Parallel()

	_, err := wire.TurnDestination(make([]byte, 10))
	assert.ErrorIs(t, err, wire.ErrDecode)
}
