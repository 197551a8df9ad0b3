// Package directory implements the multi-tenant, TTL-bounded state that the
// relay server reads and mutates on every datagram: a per-token
// VirtualNetwork (epoch + MAC->device map, held under an exclusive lock),
// and three keyed caches with independent idle lifetimes built on
// github.com/jellydator/ttlcache/v3 — the same TTL-cache library the
// teacher uses for idle-expiring lookups elsewhere in this codebase.
package directory

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DeviceStatus is the reachability state of a peer device.
type DeviceStatus uint8

const (
	StatusOnline  DeviceStatus = 0
	StatusOffline DeviceStatus = 1
)

func (s DeviceStatus) String() string {
	if s == StatusOffline {
		return "offline"
	}
	return "online"
}

// DeviceInfo is the directory's record for a single (token, MAC).
type DeviceInfo struct {
	ID     int64
	IP     uint32
	Name   string
	Status DeviceStatus
}

// Context is the per-session binding recorded at registration time and
// consulted to authorize and route every subsequent packet from the same
// public address without re-parsing registration state.
type Context struct {
	Token     string
	VirtualIP uint32
	ID        int64
	MAC       string
}

// VirtualNetwork is the per-token membership record: an epoch counter and
// a MAC->DeviceInfo map, mutated only while the lock is held.
type VirtualNetwork struct {
	mu sync.Mutex

	Epoch   uint32
	Devices map[string]*DeviceInfo
}

func newVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{Devices: make(map[string]*DeviceInfo)}
}

// Lock acquires the network's exclusive lock.
func (vn *VirtualNetwork) Lock() { vn.mu.Lock() }

// Unlock releases the network's exclusive lock.
func (vn *VirtualNetwork) Unlock() { vn.mu.Unlock() }

// TryLock attempts to acquire the lock without blocking, for the
// low-priority paths (Ping's device-list delta, broadcast fan-out) that
// tolerate skipping on contention.
func (vn *VirtualNetwork) TryLock() bool { return vn.mu.TryLock() }

// AllocateIP returns the lowest free IP in [gateway+1, gateway+poolSize)
// not already held by a device in the network. The caller must hold the
// lock.
func (vn *VirtualNetwork) AllocateIP(gateway, poolSize uint32) (uint32, bool) {
	used := make(map[uint32]struct{}, len(vn.Devices))
	for _, d := range vn.Devices {
		used[d.IP] = struct{}{}
	}
	for ip := gateway + 1; ip < gateway+poolSize; ip++ {
		if _, taken := used[ip]; !taken {
			return ip, true
		}
	}
	return 0, false
}

// Snapshot returns a copy of every device in the network except the one
// whose IP equals excludeIP. The caller must hold the lock.
func (vn *VirtualNetwork) Snapshot(excludeIP uint32) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(vn.Devices))
	for _, d := range vn.Devices {
		if d.IP == excludeIP {
			continue
		}
		out = append(out, *d)
	}
	return out
}

// PeerIPs returns the virtual IP of every device in the network except
// excludeIP. The caller must hold the lock.
func (vn *VirtualNetwork) PeerIPs(excludeIP uint32) []uint32 {
	out := make([]uint32, 0, len(vn.Devices))
	for _, d := range vn.Devices {
		if d.IP != excludeIP {
			out = append(out, d.IP)
		}
	}
	return out
}

// Idle TTLs for the four tables, per the data model.
const (
	macSessionTTL = 7 * 24 * time.Hour
	sessionTTL    = 10 * time.Second
	deviceAddrTTL = 122 * time.Second
	networkTTL    = 7 * 24 * time.Hour
)

type macKey struct {
	Token string
	MAC   string
}

type deviceAddrKey struct {
	Token string
	IP    uint32
}

// Hooks lets callers observe structural mutations triggered by cache
// expiry, primarily for metrics; all fields are optional.
type Hooks struct {
	OnMACSessionExpired    func(token, mac string)
	OnSessionExpired       func(ctx Context, demoted bool)
	OnDeviceAddressExpired func(token string, ip uint32)
}

// Directory owns the three TTL caches and the VirtualNetwork registry.
type Directory struct {
	macSessions *ttlcache.Cache[macKey, struct{}]
	sessions    *ttlcache.Cache[string, Context]
	deviceAddrs *ttlcache.Cache[deviceAddrKey, *net.UDPAddr]
	networks    *ttlcache.Cache[string, *VirtualNetwork]

	hooks Hooks
}

// New builds a Directory with the four tables configured per the data
// model's TTLs and wires the eviction hooks that keep them consistent with
// each other.
func New(hooks Hooks) *Directory {
	return NewWithTTLs(hooks, macSessionTTL, sessionTTL, deviceAddrTTL, networkTTL)
}

// NewWithTTLs builds a Directory with caller-supplied idle TTLs, primarily
// so tests can exercise expiry without waiting out the real 7-day/10s/122s
// defaults.
func NewWithTTLs(hooks Hooks, macTTL, sessTTL, deviceTTL, netTTL time.Duration) *Directory {
	d := &Directory{
		macSessions: ttlcache.New[macKey, struct{}](
			ttlcache.WithTTL[macKey, struct{}](macTTL),
		),
		sessions: ttlcache.New[string, Context](
			ttlcache.WithTTL[string, Context](sessTTL),
		),
		deviceAddrs: ttlcache.New[deviceAddrKey, *net.UDPAddr](
			ttlcache.WithTTL[deviceAddrKey, *net.UDPAddr](deviceTTL),
		),
		networks: ttlcache.New[string, *VirtualNetwork](
			ttlcache.WithTTL[string, *VirtualNetwork](netTTL),
		),
		hooks: hooks,
	}

	d.macSessions.OnEviction(d.onMACSessionEvicted)
	d.sessions.OnEviction(d.onSessionEvicted)
	d.deviceAddrs.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[deviceAddrKey, *net.UDPAddr]) {
		if reason != ttlcache.EvictionReasonExpired || d.hooks.OnDeviceAddressExpired == nil {
			return
		}
		key := item.Key()
		d.hooks.OnDeviceAddressExpired(key.Token, key.IP)
	})

	return d
}

// Start launches the background expiration workers for all four tables.
// Eviction hooks may then fire concurrently with calls into the Directory
// from the receive loop.
func (d *Directory) Start() {
	go d.macSessions.Start()
	go d.sessions.Start()
	go d.deviceAddrs.Start()
	go d.networks.Start()
}

// Stop halts the background expiration workers.
func (d *Directory) Stop() {
	d.macSessions.Stop()
	d.sessions.Stop()
	d.deviceAddrs.Stop()
	d.networks.Stop()
}

func (d *Directory) onMACSessionEvicted(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[macKey, struct{}]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	key := item.Key()
	if vnItem := d.networks.Get(key.Token); vnItem != nil {
		vn := vnItem.Value()
		vn.Lock()
		delete(vn.Devices, key.MAC)
		vn.Epoch++
		vn.Unlock()
	}
	if d.hooks.OnMACSessionExpired != nil {
		d.hooks.OnMACSessionExpired(key.Token, key.MAC)
	}
}

// onSessionEvicted applies the fixed mutation order from the eviction
// reconciler design: VirtualNetwork mutation, then device-address
// invalidation, then epoch bump. This avoids a routing window where an
// Offline device would still receive forwards.
func (d *Directory) onSessionEvicted(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Context]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	c := item.Value()

	vnItem := d.networks.Get(c.Token)
	if vnItem == nil {
		if d.hooks.OnSessionExpired != nil {
			d.hooks.OnSessionExpired(c, false)
		}
		return
	}
	vn := vnItem.Value()

	vn.Lock()
	dev, ok := vn.Devices[c.MAC]
	if ok && dev.ID != c.ID {
		// The device has since been re-bound (re-registered with a new
		// generation id) before this stale session's TTL fired. Demoting
		// it, invalidating its live device-address, or bumping the epoch
		// here would incorrectly downgrade the freshly rebound device.
		vn.Unlock()
		if d.hooks.OnSessionExpired != nil {
			d.hooks.OnSessionExpired(c, false)
		}
		return
	}
	demoted := ok
	if ok {
		dev.Status = StatusOffline
	}
	d.deviceAddrs.Delete(deviceAddrKey{Token: c.Token, IP: c.VirtualIP})
	vn.Epoch++
	vn.Unlock()

	if d.hooks.OnSessionExpired != nil {
		d.hooks.OnSessionExpired(c, demoted)
	}
}

// GetOrCreateNetwork returns the shared VirtualNetwork for token, creating
// it lazily with epoch=0 on first access. The cache, not the caller, owns
// the handle's lifetime.
func (d *Directory) GetOrCreateNetwork(token string) *VirtualNetwork {
	item, _ := d.networks.GetOrSet(token, newVirtualNetwork())
	return item.Value()
}

// Network returns the VirtualNetwork for token without creating one.
func (d *Directory) Network(token string) (*VirtualNetwork, bool) {
	item := d.networks.Get(token)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// TouchMACSession marks (token, mac) as recently active, resetting its
// 7-day idle TTL.
func (d *Directory) TouchMACSession(token, mac string) {
	d.macSessions.Set(macKey{Token: token, MAC: mac}, struct{}{}, ttlcache.DefaultTTL)
}

// HasMACSession reports whether (token, mac) currently has a live session.
func (d *Directory) HasMACSession(token, mac string) bool {
	return d.macSessions.Get(macKey{Token: token, MAC: mac}) != nil
}

// PutSession binds addr to ctx, resetting its 10s idle TTL.
func (d *Directory) PutSession(addr *net.UDPAddr, ctx Context) {
	d.sessions.Set(addr.String(), ctx, ttlcache.DefaultTTL)
}

// Session returns the Context bound to addr, if any.
func (d *Directory) Session(addr *net.UDPAddr) (Context, bool) {
	item := d.sessions.Get(addr.String())
	if item == nil {
		return Context{}, false
	}
	return item.Value(), true
}

// PutDeviceAddress binds (token, ip) to addr, resetting its 122s idle TTL.
func (d *Directory) PutDeviceAddress(token string, ip uint32, addr *net.UDPAddr) {
	d.deviceAddrs.Set(deviceAddrKey{Token: token, IP: ip}, addr, ttlcache.DefaultTTL)
}

// DeviceAddress returns the public address bound to (token, ip), if any.
func (d *Directory) DeviceAddress(token string, ip uint32) (*net.UDPAddr, bool) {
	item := d.deviceAddrs.Get(deviceAddrKey{Token: token, IP: ip})
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// InvalidateDeviceAddress removes the (token, ip) binding immediately.
func (d *Directory) InvalidateDeviceAddress(token string, ip uint32) {
	d.deviceAddrs.Delete(deviceAddrKey{Token: token, IP: ip})
}
