package relay

import (
	"net"

	"github.com/malbeclabs/lanrelay/internal/directory"
	"github.com/malbeclabs/lanrelay/internal/metrics"
	"github.com/malbeclabs/lanrelay/internal/wire"
)

// dispatch routes an authenticated, post-registration packet to its
// protocol-specific handler.
func (s *Server) dispatch(conn PacketConn, addr *net.UDPAddr, pkt wire.Packet, sess directory.Context) error {
	switch pkt.Protocol {
	case wire.ProtocolControl:
		return s.handlePing(conn, addr, pkt, sess)
	case wire.ProtocolIPv4Turn, wire.ProtocolOtherTurn:
		return s.handleTurn(conn, addr, pkt, sess)
	default:
		metrics.PacketsDropped.Inc()
		s.log.Debug("dropping packet with no dispatch route", "protocol", pkt.Protocol, "addr", addr)
		return nil
	}
}

// handlePing answers a control Ping with a Pong, and opportunistically
// follows it with a separate UpdateDeviceList packet carrying the network's
// current device list when the caller's view is stale. The epoch check and
// list build happen under a try-lock: on contention, only the Pong is sent
// and the caller catches the delta on its next Ping.
func (s *Server) handlePing(conn PacketConn, addr *net.UDPAddr, pkt wire.Packet, sess directory.Context) error {
	ping, err := wire.DecodePing(pkt.Payload)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil
	}

	if _, err := conn.WriteToUDP(wire.Encode(wire.ProtocolControl, byte(wire.ControlPong), wire.DefaultTTL, wire.EncodePong(pkt.Payload)), addr); err != nil {
		return err
	}

	vn, ok := s.dir.Network(sess.Token)
	if !ok || !vn.TryLock() {
		return nil
	}
	epoch := vn.Epoch
	var list wire.DeviceList
	if epoch != ping.Epoch {
		list = wire.DeviceList{Epoch: epoch, DeviceInfoList: toWireDeviceList(vn.Snapshot(sess.VirtualIP))}
	}
	vn.Unlock()

	if epoch == ping.Epoch {
		return nil
	}
	_, err = conn.WriteToUDP(wire.Encode(wire.ProtocolService, byte(wire.ServiceUpdateDeviceList), wire.DefaultTTL, list.Encode()), addr)
	return err
}

// handleTurn forwards an encapsulated frame to its destination: a single
// peer for a unicast virtual IP, or every other device in the network for
// the subnet or limited broadcast address.
func (s *Server) handleTurn(conn PacketConn, addr *net.UDPAddr, pkt wire.Packet, sess directory.Context) error {
	dest, err := wire.TurnDestination(pkt.Payload)
	if err != nil {
		metrics.DecodeErrors.Inc()
		return nil
	}

	if dest == SubnetBroadcast || dest == LimitedBroadcast {
		s.forwardBroadcast(conn, sess, pkt)
		return nil
	}

	peerAddr, ok := s.dir.DeviceAddress(sess.Token, dest)
	if !ok {
		metrics.PacketsDropped.Inc()
		return nil
	}
	if _, err := conn.WriteToUDP(pkt.Raw, peerAddr); err != nil {
		return err
	}
	metrics.PacketsForwarded.Inc()
	return nil
}

// forwardBroadcast fans the turn frame out to every other device currently
// registered in the sender's network, submitting each send to the bounded
// worker pool so one slow peer can't stall the others. Like handlePing,
// this is a low-priority path: a contended network lock means we skip the
// fan-out for this packet rather than block the receive loop.
func (s *Server) forwardBroadcast(conn PacketConn, sess directory.Context, pkt wire.Packet) {
	vn, ok := s.dir.Network(sess.Token)
	if !ok || !vn.TryLock() {
		return
	}
	peers := vn.PeerIPs(sess.VirtualIP)
	vn.Unlock()

	for _, ip := range peers {
		peerAddr, ok := s.dir.DeviceAddress(sess.Token, ip)
		if !ok {
			continue
		}
		s.fanout.Submit(func() {
			if _, err := conn.WriteToUDP(pkt.Raw, peerAddr); err != nil {
				s.log.Debug("broadcast forward failed", "addr", peerAddr, "error", err)
				return
			}
			metrics.PacketsForwarded.Inc()
		})
	}
}
