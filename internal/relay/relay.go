// Package relay implements the registration and dispatch handlers that sit
// on top of a single UDP socket: registering new peers into a
// directory.Directory, assigning virtual IPs, and forwarding turn frames
// between peers sharing the same token. It is modeled on
// multicast.Listener.Run's receive-loop shape (read-deadline-bounded
// context checks, copy-out-then-handle), adapted from a gRPC fan-out
// relay to a single-socket authenticate-then-relay UDP server.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/malbeclabs/lanrelay/internal/directory"
	"github.com/malbeclabs/lanrelay/internal/metrics"
	"github.com/malbeclabs/lanrelay/internal/wire"
)

const (
	// Gateway is the overlay subnet's reserved gateway address, 10.13.0.1.
	Gateway uint32 = 0x0A0D0001
	// Netmask is the fixed /24 netmask, 255.255.255.0.
	Netmask uint32 = 0xFFFFFF00
	// PoolSize bounds the assignable range to [Gateway+1, Gateway+PoolSize).
	PoolSize uint32 = 128
	// SubnetBroadcast is the subnet-directed broadcast address, 10.13.0.255.
	SubnetBroadcast uint32 = 0x0A0D00FF
	// LimitedBroadcast is the universal IPv4 broadcast address.
	LimitedBroadcast uint32 = 0xFFFFFFFF

	recvBufferSize    = 65536
	readLoopDeadline  = 250 * time.Millisecond
	defaultFanoutSize = 8
)

var (
	// ErrDirectoryRequired is returned by New when no Directory is configured.
	ErrDirectoryRequired = errors.New("relay: directory is required")
)

// PacketConn is the subset of *net.UDPConn the server needs. Satisfied by
// *net.UDPConn; tests can substitute a fake to observe sends without a
// real socket.
type PacketConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Config configures a Server.
type Config struct {
	Logger    *slog.Logger
	Directory *directory.Directory

	// BroadcastFanoutWorkers bounds how many peer sends a single broadcast
	// or directed-broadcast turn frame fans out to concurrently.
	BroadcastFanoutWorkers int
}

// DefaultConfig returns a Config with sensible defaults; callers must still
// supply a Directory.
func DefaultConfig() *Config {
	return &Config{
		Logger:                 slog.Default(),
		BroadcastFanoutWorkers: defaultFanoutSize,
	}
}

// Server authenticates and relays packets received on a single UDP socket.
type Server struct {
	log    *slog.Logger
	dir    *directory.Directory
	fanout pond.Pool
}

// New constructs a Server from cfg.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Directory == nil {
		return nil, ErrDirectoryRequired
	}
	workers := cfg.BroadcastFanoutWorkers
	if workers <= 0 {
		workers = defaultFanoutSize
	}

	return &Server{
		log:    cfg.Logger,
		dir:    cfg.Directory,
		fanout: pond.NewPool(workers),
	}, nil
}

// Close releases the broadcast fan-out worker pool, waiting for
// in-flight sends to finish.
func (s *Server) Close() {
	s.fanout.StopAndWait()
}

// Run drives the single-socket receive loop until ctx is cancelled
// (returning ctx.Err()), conn is closed (returning nil), or a read fails
// with any other non-timeout error (returning that error).
func (s *Server) Run(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readLoopDeadline)); err != nil {
			s.log.Error("failed to set read deadline", "error", err)
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		if err := s.Handle(conn, addr, datagram); err != nil {
			s.log.Error("datagram handling failed", "addr", addr, "error", err)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Handle processes a single datagram. It returns an error only for socket
// send failures (TransientSendFailure in the error design); malformed or
// unauthorized input is logged/replied-to in place and never surfaces as an
// error to the caller.
func (s *Server) Handle(conn PacketConn, addr *net.UDPAddr, datagram []byte) error {
	pkt, err := wire.Decode(datagram)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.log.Debug("dropping undecodable datagram", "addr", addr, "error", err)
		return nil
	}

	if pkt.Protocol == wire.ProtocolService && wire.ServiceProtocol(pkt.SubProtocol) == wire.ServiceRegistrationRequest {
		return s.handleRegistration(conn, addr, pkt)
	}

	sess, ok := s.dir.Session(addr)
	if !ok {
		return s.disconnect(conn, addr)
	}
	if _, ok := s.dir.DeviceAddress(sess.Token, sess.VirtualIP); !ok {
		return s.disconnect(conn, addr)
	}
	if !s.dir.HasMACSession(sess.Token, sess.MAC) {
		return s.disconnect(conn, addr)
	}

	return s.dispatch(conn, addr, pkt, sess)
}

func (s *Server) disconnect(conn PacketConn, addr *net.UDPAddr) error {
	metrics.Disconnects.Inc()
	_, err := conn.WriteToUDP(wire.EncodeHeaderOnly(wire.ProtocolError, byte(wire.ErrorDisconnect)), addr)
	return err
}

func toWireDeviceList(devices []directory.DeviceInfo) []wire.DeviceInfo {
	out := make([]wire.DeviceInfo, len(devices))
	for i, d := range devices {
		out[i] = wire.DeviceInfo{VirtualIP: d.IP, Name: d.Name, DeviceStatus: uint32(d.Status)}
	}
	return out
}
