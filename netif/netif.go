// Package netif tracks the IP state of one Wi-Fi interface (station or
// access point) from events on the system loop.
package netif

import (
	"sync"

	"wifihal-go/errcode"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

// Netif is the network interface bound to one device role. Its state is
// written only by loop handlers.
type Netif struct {
	dev  types.DeviceID
	subs []*sysloop.Subscription

	mu   sync.RWMutex
	info types.IPInfo
	up   bool
}

// New subscribes a netif for dev on loop.
func New(loop *sysloop.Loop, dev types.DeviceID) *Netif {
	n := &Netif{dev: dev}
	n.subs = append(n.subs,
		loop.Subscribe(sysloop.IPAcquired, n.onAcquired),
		loop.Subscribe(sysloop.IPLost, n.onLost),
	)
	if dev == types.DeviceStation {
		n.subs = append(n.subs, loop.Subscribe(sysloop.AssociationLost, n.onAssocLost))
	}
	return n
}

func (n *Netif) onAcquired(ev sysloop.Event) {
	p, ok := ev.Payload.(types.IPAcquired)
	if !ok || p.Device != n.dev {
		return
	}
	n.mu.Lock()
	n.info, n.up = p.Info, p.Info.Valid()
	n.mu.Unlock()
}

func (n *Netif) onLost(ev sysloop.Event) {
	if p, ok := ev.Payload.(types.IPLost); ok && p.Device == n.dev {
		n.clear()
	}
}

func (n *Netif) onAssocLost(ev sysloop.Event) {
	if p, ok := ev.Payload.(types.AssociationLost); ok && p.Device == n.dev {
		n.clear()
	}
}

func (n *Netif) clear() {
	n.mu.Lock()
	n.info, n.up = types.IPInfo{}, false
	n.mu.Unlock()
}

func (n *Netif) Device() types.DeviceID { return n.dev }

// IPInfo returns the current address, or NoAddress before one is assigned.
func (n *Netif) IPInfo() (types.IPInfo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.up {
		return types.IPInfo{}, errcode.New(errcode.NoAddress, "netif.ip_info", n.dev.String()+" has no address")
	}
	return n.info, nil
}

// IsUp reports whether an address is assigned.
func (n *Netif) IsUp() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.up
}

// Close detaches from the loop. Idempotent.
func (n *Netif) Close() {
	for _, s := range n.subs {
		s.Unsubscribe()
	}
	n.subs = nil
	n.clear()
}
