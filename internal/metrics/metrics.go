// Package metrics declares the Prometheus instrumentation exported by the
// relay server, following the promauto registration style and
// lanrelay_*-prefixed naming used by the teacher's agent metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registrations counts handled RegistrationRequests, labeled by
	// whether the MAC was new to its network ("true") or already present
	// ("false").
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanrelay_registrations_total",
		Help: "Total number of registration requests handled, labeled by new_device.",
	}, []string{"new_device"})

	// AddressExhausted counts registrations rejected because a network's
	// virtual IP pool had no free address.
	AddressExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_address_exhausted_total",
		Help: "Total number of registrations rejected due to virtual IP pool exhaustion.",
	})

	// SessionsExpired counts session-table entries reclaimed by idle TTL
	// expiry.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_sessions_expired_total",
		Help: "Total number of sessions reclaimed by idle TTL expiry.",
	})

	// MACSessionsExpired counts MAC-session entries reclaimed by idle TTL
	// expiry, each removing a device from its network.
	MACSessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_mac_sessions_expired_total",
		Help: "Total number of MAC sessions reclaimed by idle TTL expiry.",
	})

	// Disconnects counts Error/Disconnect replies sent for packets from an
	// address lacking a live session, device-address binding or MAC session.
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_disconnects_total",
		Help: "Total number of disconnect replies sent for unauthorized packets.",
	})

	// PacketsForwarded counts turn frames successfully relayed, unicast or
	// broadcast-fanned-out.
	PacketsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_packets_forwarded_total",
		Help: "Total number of turn frames forwarded to a peer.",
	})

	// PacketsDropped counts packets dropped during dispatch: unicast turn
	// frames whose destination has no device-address binding, and
	// authenticated packets whose protocol has no dispatch route.
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_packets_dropped_total",
		Help: "Total number of packets dropped during dispatch.",
	})

	// DecodeErrors counts datagrams that failed to decode at any protocol
	// layer (header, registration, ping, turn).
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanrelay_decode_errors_total",
		Help: "Total number of datagrams that failed to decode.",
	})

	// NetworkEpoch reports a token's VirtualNetwork epoch as of its latest
	// registration; epoch bumps from cache expiry are not reflected.
	NetworkEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lanrelay_network_epoch",
		Help: "Epoch counter of a token's virtual network as of its latest registration.",
	}, []string{"token"})
)
