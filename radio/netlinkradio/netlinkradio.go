// Package netlinkradio adapts a TinyGo netlink device (wifinina, cyw43439,
// rtl8720dn...) to radio.Transceiver. Netlink devices connect
// synchronously and have no scan, so NetConnect runs on its own goroutine
// and BeginScan is unsupported.
package netlinkradio

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"tinygo.org/x/drivers/netlink"

	"wifihal-go/radio"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

// Link is the part of netlink.Netlinker the adapter uses.
type Link interface {
	NetConnect(params *netlink.ConnectParams) error
	NetDisconnect()
	NetNotify(cb func(netlink.Event))
	GetHardwareAddr() (net.HardwareAddr, error)
}

// EthSender is implemented by links that can send raw Ethernet frames.
type EthSender interface {
	SendEth(pkt []byte) error
}

var (
	ErrNotInitialized = errors.New("netlinkradio: not initialized")
	ErrNotPowered     = errors.New("netlinkradio: not powered")
	ErrNoStation      = errors.New("netlinkradio: no station configuration")
)

type Option func(*Radio)

func WithLogger(l *slog.Logger) Option { return func(r *Radio) { r.log = l } }

// Radio implements radio.Transceiver over a Link.
type Radio struct {
	link Link
	loop *sysloop.Loop
	log  *slog.Logger

	mu        sync.Mutex
	inited    bool
	powered   bool
	mode      types.Mode
	cfg       types.Configuration
	joinGen   uint64
	joining   bool
	connected bool
	leaving   bool
	ssid      string
	staticIP  *types.IPInfo

	wg sync.WaitGroup
}

// New wraps link and registers for its up/down notifications.
func New(link Link, loop *sysloop.Loop, opts ...Option) *Radio {
	r := &Radio{link: link, loop: loop}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "radio.netlink")
	link.NetNotify(r.notify)
	return r
}

// HardwareAddr returns the device MAC address.
func (r *Radio) HardwareAddr() (types.BSSID, error) {
	var b types.BSSID
	hw, err := r.link.GetHardwareAddr()
	if err != nil {
		return b, err
	}
	if len(hw) != len(b) {
		return b, netlink.ErrNotSupported
	}
	copy(b[:], hw)
	return b, nil
}

// post blocks while the loop is full. Never called with mu held.
func (r *Radio) post(kind sysloop.Kind, payload any) {
	if err := r.loop.Post(context.Background(), kind, payload); err != nil {
		r.log.Debug("post dropped", "kind", string(kind), "err", err)
	}
}

// notify runs on the link's goroutine.
func (r *Radio) notify(ev netlink.Event) {
	switch ev {
	case netlink.EventNetUp:
		r.mu.Lock()
		if !r.joining || r.connected {
			r.mu.Unlock()
			return
		}
		r.connected = true
		ssid, ip := r.ssid, r.staticIP
		r.mu.Unlock()
		r.up(ssid, ip)
	case netlink.EventNetDown:
		r.mu.Lock()
		if !r.connected {
			r.mu.Unlock()
			return
		}
		reason := r.dropLocked(types.ReasonBeaconTimeout)
		r.mu.Unlock()
		r.down(reason)
	}
}

func (r *Radio) up(ssid string, ip *types.IPInfo) {
	r.post(sysloop.AssociationSuccess, types.AssociationSuccess{Device: types.DeviceStation, SSID: ssid})
	if ip != nil {
		r.post(sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceStation, Info: *ip})
	}
}

func (r *Radio) down(reason uint16) {
	r.post(sysloop.IPLost, types.IPLost{Device: types.DeviceStation})
	r.post(sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reason})
}

// dropLocked clears the connection and returns the reason to report.
func (r *Radio) dropLocked(reason uint16) uint16 {
	if r.leaving {
		reason = types.ReasonAssocLeave
	}
	r.connected, r.joining, r.leaving = false, false, false
	return reason
}

// reasonOf maps a NetConnect failure to an association reason.
func reasonOf(err error) uint16 {
	switch {
	case errors.Is(err, netlink.ErrConnectTimeout):
		return types.ReasonHandshakeTimeout
	case errors.Is(err, netlink.ErrAuthFailure):
		return types.ReasonAuthFail
	}
	return types.ReasonConnectionFail
}

// -----------------------------------------------------------------------------
// Transceiver
// -----------------------------------------------------------------------------

func (r *Radio) Init() error {
	r.mu.Lock()
	r.inited = true
	r.mu.Unlock()
	return nil
}

// Deinit disconnects and waits for a pending NetConnect to return.
func (r *Radio) Deinit() error {
	_ = r.PowerDown()
	r.mu.Lock()
	r.inited = false
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *Radio) PowerUp(mode types.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inited {
		return ErrNotInitialized
	}
	if mode == types.ModeMixed {
		return netlink.ErrConnectModeNoGood
	}
	r.powered, r.mode = true, mode
	if ap, ok := types.AccessPointOf(r.cfg); ok && mode == types.ModeAccessPoint {
		p, err := radio.AccessPointParams(ap)
		if err != nil {
			r.powered, r.mode = false, types.ModeNone
			return err
		}
		r.wg.Add(1)
		go r.startAP(p, ap.IP.Static)
	}
	return nil
}

func (r *Radio) startAP(p netlink.ConnectParams, ip types.IPInfo) {
	defer r.wg.Done()
	if err := r.link.NetConnect(&p); err != nil {
		r.post(sysloop.RadioFault, types.RadioFault{Reason: "access point start failed", Err: err})
		return
	}
	r.post(sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceAccessPoint, Info: ip})
}

func (r *Radio) PowerDown() error {
	r.mu.Lock()
	if !r.powered {
		r.mu.Unlock()
		return nil
	}
	r.joinGen++
	wasUp := r.connected
	mode := r.mode
	r.connected, r.joining, r.leaving = false, false, false
	r.powered, r.mode = false, types.ModeNone
	r.mu.Unlock()

	r.link.NetDisconnect()
	if wasUp {
		r.post(sysloop.IPLost, types.IPLost{Device: types.DeviceStation})
	}
	if mode == types.ModeAccessPoint {
		r.post(sysloop.IPLost, types.IPLost{Device: types.DeviceAccessPoint})
	}
	return nil
}

func (r *Radio) ApplyConfiguration(cfg types.Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inited {
		return ErrNotInitialized
	}
	if cfg.Mode() == types.ModeMixed {
		return netlink.ErrConnectModeNoGood
	}
	r.cfg = cfg
	return nil
}

func (r *Radio) BeginAssociation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return ErrNotPowered
	}
	sc, ok := types.StationOf(r.cfg)
	if !ok || !r.mode.HasStation() {
		return ErrNoStation
	}
	p, err := radio.ConnectParams(sc)
	if err != nil {
		return err
	}
	r.joinGen++
	r.joining, r.connected, r.leaving = true, false, false
	r.ssid, r.staticIP = sc.SSID, nil
	if sc.IP.Mode == types.IPStatic {
		ip := sc.IP.Static
		r.staticIP = &ip
	}
	r.wg.Add(1)
	go r.connect(r.joinGen, p)
	return nil
}

func (r *Radio) connect(gen uint64, p netlink.ConnectParams) {
	defer r.wg.Done()
	err := r.link.NetConnect(&p)

	r.mu.Lock()
	if gen != r.joinGen {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.joining = false
		r.mu.Unlock()
		r.log.Info("connect failed", "ssid", p.Ssid, "err", err)
		r.post(sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reasonOf(err)})
		return
	}
	if r.connected {
		// EventNetUp already reported it
		r.mu.Unlock()
		return
	}
	r.connected = true
	ssid, ip := r.ssid, r.staticIP
	r.mu.Unlock()
	r.up(ssid, ip)
}

func (r *Radio) EndAssociation() error {
	r.mu.Lock()
	if !r.powered {
		r.mu.Unlock()
		return ErrNotPowered
	}
	r.joinGen++
	r.leaving = true
	r.mu.Unlock()

	r.link.NetDisconnect()

	r.mu.Lock()
	if !r.leaving {
		// EventNetDown already reported it
		r.mu.Unlock()
		return nil
	}
	wasUp := r.connected
	reason := r.dropLocked(types.ReasonAssocLeave)
	r.mu.Unlock()
	if wasUp {
		r.down(reason)
	} else {
		r.post(sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reason})
	}
	return nil
}

func (r *Radio) BeginScan(uint64, types.ScanConfig) error { return netlink.ErrNotSupported }
func (r *Radio) CancelScan() error                { return nil }

func (r *Radio) ScanResults() ([]types.AccessPointInfo, error) { return nil, nil }

// SubmitFrame sends station frames through links that implement EthSender.
func (r *Radio) SubmitFrame(dev types.DeviceID, frame []byte) error {
	es, ok := r.link.(EthSender)
	if !ok || dev != types.DeviceStation {
		return netlink.ErrNotSupported
	}
	r.mu.Lock()
	up := r.connected
	r.mu.Unlock()
	if !up {
		return ErrNotPowered
	}
	err := es.SendEth(frame)
	r.post(sysloop.FrameSent, types.FrameSent{Device: dev, Data: append([]byte(nil), frame...), OK: err == nil})
	return err
}
