package relay_test

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/lanrelay/internal/directory"
	"github.com/malbeclabs/lanrelay/internal/relay"
	"github.com/malbeclabs/lanrelay/internal/wire"
)

func newTestServer(t *testing.T) (*relay.Server, *directory.Directory) {
	t.Helper()
	dir := directory.NewWithTTLs(directory.Hooks{}, time.Hour, time.Hour, time.Hour, time.Hour)
	dir.Start()
	t.Cleanup(dir.Stop)

	s, err := relay.New(&relay.Config{
		Logger:    slog.Default(),
		Directory: dir,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, dir
}

func newLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func register(t *testing.T, s *relay.Server, conn *net.UDPConn, client *net.UDPConn, token, mac, name string) wire.RegistrationResponse {
	t.Helper()
	req := wire.RegistrationRequest{Token: token, MACAddress: mac, Name: name}
	payload := wire.Encode(wire.ProtocolService, byte(wire.ServiceRegistrationRequest), wire.DefaultTTL, req.Encode())

	clientAddr := client.LocalAddr().(*net.UDPAddr)
	_, err := client.WriteToUDP(payload, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, clientAddr.Port, addr.Port)

	require.NoError(t, s.Handle(conn, addr, append([]byte(nil), buf[:n]...)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolService, pkt.Protocol)
	require.Equal(t, byte(wire.ServiceRegistrationResponse), pkt.SubProtocol)

	resp, err := wire.DecodeRegistrationResponse(pkt.Payload)
	require.NoError(t, err)
	return resp
}

func TestServer_Registration_AllocatesFirstFreeIP(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	client := newLoopback(t)

	resp := register(t, s, conn, client, "tok", "aa:aa", "laptop")
	require.Equal(t, uint32(relay.Gateway+1), resp.VirtualIP)
	require.Equal(t, uint32(relay.Netmask), resp.VirtualNetmask)
	require.Equal(t, uint32(relay.Gateway), resp.VirtualGateway)
	require.Equal(t, uint32(1), resp.Epoch)
	require.Empty(t, resp.DeviceInfoList)
}

func TestServer_Registration_SecondPeerSeesFirst(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	clientA := newLoopback(t)
	clientB := newLoopback(t)

	respA := register(t, s, conn, clientA, "tok", "aa:aa", "laptop")
	respB := register(t, s, conn, clientB, "tok", "bb:bb", "phone")

	require.NotEqual(t, respA.VirtualIP, respB.VirtualIP)
	require.Len(t, respB.DeviceInfoList, 1)
	require.Equal(t, "laptop", respB.DeviceInfoList[0].Name)
	require.Equal(t, uint32(2), respB.Epoch)
}

func TestServer_Registration_AddressExhausted(t *testing.T) {
	t.Parallel()

	dir := directory.NewWithTTLs(directory.Hooks{}, time.Hour, time.Hour, time.Hour, time.Hour)
	dir.Start()
	t.Cleanup(dir.Stop)
	s, err := relay.New(&relay.Config{Logger: slog.Default(), Directory: dir})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	vn := dir.GetOrCreateNetwork("tok")
	vn.Lock()
	for ip := relay.Gateway + 1; ip < relay.Gateway+relay.PoolSize; ip++ {
		vn.Devices[strconv.Itoa(int(ip))] = &directory.DeviceInfo{IP: ip}
	}
	vn.Unlock()

	conn := newLoopback(t)
	client := newLoopback(t)

	req := wire.RegistrationRequest{Token: "tok", MACAddress: "zz:zz", Name: "overflow"}
	payload := wire.Encode(wire.ProtocolService, byte(wire.ServiceRegistrationRequest), wire.DefaultTTL, req.Encode())
	_, err = client.WriteToUDP(payload, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, s.Handle(conn, addr, append([]byte(nil), buf[:n]...)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolError, pkt.Protocol)
	require.Equal(t, byte(wire.ErrorAddressExhausted), pkt.SubProtocol)
}

func TestServer_Ping_UnknownSessionTriggersDisconnect(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	client := newLoopback(t)

	ping := wire.Ping{Epoch: 0}
	payload := wire.Encode(wire.ProtocolControl, byte(wire.ControlPing), wire.DefaultTTL, ping.Encode())
	_, err := client.WriteToUDP(payload, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, s.Handle(conn, addr, append([]byte(nil), buf[:n]...)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = client.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolError, pkt.Protocol)
	require.Equal(t, byte(wire.ErrorDisconnect), pkt.SubProtocol)
}

func TestServer_Ping_StaleEpochSendsDeviceListDelta(t *testing.T) {
	t.Parallel()

	s, dir := newTestServer(t)
	conn := newLoopback(t)
	clientA := newLoopback(t)
	clientB := newLoopback(t)

	register(t, s, conn, clientA, "tok", "aa:aa", "laptop")
	register(t, s, conn, clientB, "tok", "bb:bb", "phone")

	_, ok := dir.Session(clientA.LocalAddr().(*net.UDPAddr))
	require.True(t, ok)

	ping := wire.Ping{Epoch: 0, Nonce: [wire.PingNonceLen]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	payload := wire.Encode(wire.ProtocolControl, byte(wire.ControlPing), wire.DefaultTTL, ping.Encode())
	_, err := clientA.WriteToUDP(payload, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, s.Handle(conn, addr, append([]byte(nil), buf[:n]...)))

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = clientA.ReadFromUDP(buf)
	require.NoError(t, err)
	pongPkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolControl, pongPkt.Protocol)
	require.Equal(t, byte(wire.ControlPong), pongPkt.SubProtocol)
	require.Equal(t, ping.Nonce[:], pongPkt.Payload)

	n, _, err = clientA.ReadFromUDP(buf)
	require.NoError(t, err)
	listPkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolService, listPkt.Protocol)
	require.Equal(t, byte(wire.ServiceUpdateDeviceList), listPkt.SubProtocol)

	list, err := wire.DecodeDeviceList(listPkt.Payload)
	require.NoError(t, err)
	require.Len(t, list.DeviceInfoList, 1)
	require.Equal(t, "phone", list.DeviceInfoList[0].Name)
}

func TestServer_Turn_UnicastForward(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	clientA := newLoopback(t)
	clientB := newLoopback(t)

	respA := register(t, s, conn, clientA, "tok", "aa:aa", "laptop")
	register(t, s, conn, clientB, "tok", "bb:bb", "phone")

	frame := make([]byte, 20)
	frame[0] = 0x45
	ip := respA.VirtualIP
	frame[16] = byte(ip >> 24)
	frame[17] = byte(ip >> 16)
	frame[18] = byte(ip >> 8)
	frame[19] = byte(ip)
	payload := wire.Encode(wire.ProtocolIPv4Turn, 0, wire.DefaultTTL, frame)

	_, err := clientB.WriteToUDP(payload, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.NoError(t, s.Handle(conn, addr, append([]byte(nil), buf[:n]...)))

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err = clientA.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolIPv4Turn, pkt.Protocol)
	require.Equal(t, frame, pkt.Payload)
}

func TestServer_Handle_UndecodablePacketIsDroppedSilently(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	require.NoError(t, s.Handle(conn, addr, []byte{0x01}))
}

func TestServer_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	conn := newLoopback(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, conn)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
