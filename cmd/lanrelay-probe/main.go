// lanrelay-probe is a diagnostic client that registers with a lanrelayd
// server, pings it, and reports the virtual IP and peer list it gets back.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/lanrelay/internal/wire"
)

func main() {
	server := flag.String("server", "127.0.0.1:4789", "lanrelayd UDP address")
	token := flag.String("token", "", "tenant token")
	mac := flag.String("mac", "", "device MAC address")
	name := flag.String("name", "probe", "device display name")
	pingInterval := flag.Duration("ping-interval", 5*time.Second, "interval between pings, 0 to disable")
	flag.Parse()

	if *token == "" || *mac == "" {
		fmt.Fprintln(os.Stderr, "both --token and --mac are required")
		os.Exit(1)
	}

	addr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve %s: %v\n", *server, err)
		os.Exit(1)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to dial: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	req := wire.RegistrationRequest{Token: *token, MACAddress: *mac, Name: *name}
	payload := wire.Encode(wire.ProtocolService, byte(wire.ServiceRegistrationRequest), wire.DefaultTTL, req.Encode())
	if _, err := conn.Write(payload); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send registration: %v\n", err)
		os.Exit(1)
	}

	buf := make([]byte, 65536)
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set read deadline: %v\n", err)
		os.Exit(1)
	}
	n, err := conn.Read(buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no registration response: %v\n", err)
		os.Exit(1)
	}

	pkt, err := wire.Decode(buf[:n])
	if err != nil {
		fmt.Fprintf(os.Stderr, "malformed response: %v\n", err)
		os.Exit(1)
	}
	if pkt.Protocol == wire.ProtocolError {
		fmt.Fprintf(os.Stderr, "registration rejected: sub-protocol %d\n", pkt.SubProtocol)
		os.Exit(1)
	}

	resp, err := wire.DecodeRegistrationResponse(pkt.Payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "malformed registration response: %v\n", err)
		os.Exit(1)
	}
	printRegistration(resp)

	if *pingInterval <= 0 {
		return
	}
	runPingLoop(conn, resp.Epoch, *pingInterval)
}

func printRegistration(resp wire.RegistrationResponse) {
	fmt.Printf("virtual ip:      %s\n", ipString(resp.VirtualIP))
	fmt.Printf("virtual netmask: %s\n", ipString(resp.VirtualNetmask))
	fmt.Printf("virtual gateway: %s\n", ipString(resp.VirtualGateway))
	fmt.Printf("epoch:           %d\n", resp.Epoch)
	fmt.Printf("peers:           %d\n", len(resp.DeviceInfoList))
	for _, d := range resp.DeviceInfoList {
		fmt.Printf("  - %-20s %s (status=%d)\n", d.Name, ipString(d.VirtualIP), d.DeviceStatus)
	}
}

func runPingLoop(conn *net.UDPConn, epoch uint32, interval time.Duration) {
	buf := make([]byte, 65536)
	var nonce [wire.PingNonceLen]byte
	binary.BigEndian.PutUint64(nonce[:], uint64(time.Now().UnixNano()))

	for range time.Tick(interval) {
		ping := wire.Ping{Epoch: epoch, Nonce: nonce}
		payload := wire.Encode(wire.ProtocolControl, byte(wire.ControlPing), wire.DefaultTTL, ping.Encode())
		if _, err := conn.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "ping send failed: %v\n", err)
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(interval)); err != nil {
			continue
		}
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no pong received: %v\n", err)
			continue
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			continue
		}
		switch {
		case pkt.Protocol == wire.ProtocolControl && wire.ControlProtocol(pkt.SubProtocol) == wire.ControlPong:
			fmt.Println("pong")
		case pkt.Protocol == wire.ProtocolService && wire.ServiceProtocol(pkt.SubProtocol) == wire.ServiceUpdateDeviceList:
			list, err := wire.DecodeDeviceList(pkt.Payload)
			if err != nil {
				continue
			}
			epoch = list.Epoch
			fmt.Printf("device list updated: epoch=%d peers=%d\n", list.Epoch, len(list.DeviceInfoList))
		}
	}
}

func ipString(ip uint32) string {
	return net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)).String()
}
