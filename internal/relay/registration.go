package relay

import (
	"net"
	"time"

	"github.com/malbeclabs/lanrelay/internal/directory"
	"github.com/malbeclabs/lanrelay/internal/metrics"
	"github.com/malbeclabs/lanrelay/internal/wire"
)

// handleRegistration implements the registration algorithm: reject IPv6
// sources, obtain-or-create the token's VirtualNetwork, bump its epoch,
// reuse or allocate an (id, ip) for the MAC, snapshot the other devices in
// the network, and insert/refresh the three directory tables atomically
// w.r.t. the network lock before replying.
func (s *Server) handleRegistration(conn PacketConn, addr *net.UDPAddr, pkt wire.Packet) error {
	if addr.IP.To4() == nil {
		s.log.Info("dropping registration from non-IPv4 source", "addr", addr)
		return nil
	}

	req, err := wire.DecodeRegistrationRequest(pkt.Payload)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Debug("malformed registration request", "addr", addr, "error", err)
		return nil
	}

	s.log.Info("registering device", "token", req.Token, "mac", req.MACAddress, "name", req.Name, "addr", addr)

	vn := s.dir.GetOrCreateNetwork(req.Token)

	vn.Lock()
	vn.Epoch++
	epoch := vn.Epoch

	dev, existing := vn.Devices[req.MACAddress]
	var id int64
	var virtualIP uint32
	if existing {
		dev.Status = directory.StatusOnline
		id = dev.ID
		virtualIP = dev.IP
	} else {
		id = time.Now().UnixMilli()
		ip, ok := vn.AllocateIP(Gateway, PoolSize)
		if !ok {
			vn.Unlock()
			metrics.AddressExhausted.Inc()
			s.log.Warn("virtual IP pool exhausted", "token", req.Token)
			_, werr := conn.WriteToUDP(wire.EncodeHeaderOnly(wire.ProtocolError, byte(wire.ErrorAddressExhausted)), addr)
			return werr
		}
		virtualIP = ip
		vn.Devices[req.MACAddress] = &directory.DeviceInfo{
			ID:     id,
			IP:     virtualIP,
			Name:   req.Name,
			Status: directory.StatusOnline,
		}
	}

	others := vn.Snapshot(virtualIP)

	s.dir.TouchMACSession(req.Token, req.MACAddress)
	s.dir.PutDeviceAddress(req.Token, virtualIP, addr)
	s.dir.PutSession(addr, directory.Context{
		Token:     req.Token,
		VirtualIP: virtualIP,
		ID:        id,
		MAC:       req.MACAddress,
	})
	vn.Unlock()

	metrics.NetworkEpoch.WithLabelValues(req.Token).Set(float64(epoch))
	metrics.Registrations.WithLabelValues(newDeviceLabel(!existing)).Inc()

	resp := wire.RegistrationResponse{
		PublicIP:       ipv4ToUint32(addr.IP),
		PublicPort:     uint32(addr.Port),
		VirtualIP:      virtualIP,
		VirtualNetmask: Netmask,
		VirtualGateway: Gateway,
		Epoch:          epoch,
		DeviceInfoList: toWireDeviceList(others),
	}

	payload := wire.Encode(wire.ProtocolService, byte(wire.ServiceRegistrationResponse), wire.DefaultTTL, resp.Encode())
	_, err = conn.WriteToUDP(payload, addr)
	return err
}

func ipv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func newDeviceLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
