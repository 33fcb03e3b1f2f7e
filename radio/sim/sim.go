// Package sim is an in-process radio. It joins configured networks, hands out
// DHCP leases, loops frames back and can be made to fail on demand. The
// daemon uses it when no hardware is attached; tests use it everywhere.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"wifihal-go/errcode"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

// Network is an access point visible to the simulated radio.
type Network struct {
	SSID     string
	BSSID    types.BSSID
	Channel  uint8
	RSSI     int8
	Auth     types.AuthMethod
	Password string
	Hidden   bool
}

// DefaultLease is the address the simulated DHCP server hands to the station.
var DefaultLease = types.IPInfo{
	IP:      netip.AddrFrom4([4]byte{192, 168, 1, 100}),
	Netmask: netip.AddrFrom4([4]byte{255, 255, 255, 0}),
	Gateway: netip.AddrFrom4([4]byte{192, 168, 1, 1}),
}

var (
	ErrNotInitialized = errors.New("sim: not initialized")
	ErrNotPowered     = errors.New("sim: not powered")
	ErrScanBusy       = errors.New("sim: scan in progress")
	ErrNoStation      = errors.New("sim: no station configuration")
	ErrNoRole         = errors.New("sim: device role not active")
)

type Option func(*Radio)

func WithNetworks(n ...Network) Option { return func(r *Radio) { r.networks = append(r.networks, n...) } }
func WithLease(info types.IPInfo) Option {
	return func(r *Radio) { r.lease = info }
}

// WithScanDelay sets how long a scan takes before ScanDone is posted.
func WithScanDelay(d time.Duration) Option { return func(r *Radio) { r.scanDelay = d } }

// WithJoinDelay sets how long association takes.
func WithJoinDelay(d time.Duration) Option { return func(r *Radio) { r.joinDelay = d } }

// WithLoopback echoes every submitted frame back as a received frame.
func WithLoopback() Option { return func(r *Radio) { r.loopback = true } }

// WithCalibration sets the data returned by CalibrationData.
func WithCalibration(b []byte) Option { return func(r *Radio) { r.cal = append([]byte(nil), b...) } }

func WithLogger(l *slog.Logger) Option { return func(r *Radio) { r.log = l } }

type event struct {
	kind    sysloop.Kind
	payload any
}

// Radio implements radio.Transceiver and radio.Calibrator.
type Radio struct {
	loop *sysloop.Loop
	log  *slog.Logger

	networks  []Network
	lease     types.IPInfo
	scanDelay time.Duration
	joinDelay time.Duration
	loopback  bool

	mu       sync.Mutex
	inited   bool
	powered  bool
	mode     types.Mode
	cfg      types.Configuration
	scanning bool
	holdScan  bool
	held      bool
	heldFound []types.AccessPointInfo
	scanID    uint64
	scanGen  uint64
	results  []types.AccessPointInfo
	joinGen  uint64
	joined   bool
	failNext map[string]error
	calls    []string
	cal      []byte
	restored []byte

	pending []event
	kick    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a simulated radio that posts completions on loop.
func New(loop *sysloop.Loop, opts ...Option) *Radio {
	r := &Radio{
		loop:      loop,
		lease:     DefaultLease,
		scanDelay: 10 * time.Millisecond,
		joinDelay: 10 * time.Millisecond,
		failNext:  map[string]error{},
		cal:       []byte("sim-phy-cal-v1"),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("component", "radio.sim")
	return r
}

// -----------------------------------------------------------------------------
// Emitter: completions leave the radio in the order they were raised.
// -----------------------------------------------------------------------------

func (r *Radio) emitter(ctx context.Context, kick <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		for _, ev := range batch {
			if err := r.loop.Post(ctx, ev.kind, ev.payload); err != nil {
				r.log.Debug("post dropped", "kind", string(ev.kind), "err", err)
			}
		}
	}
}

// emit queues events without blocking. Caller holds mu.
func (r *Radio) emit(evs ...event) {
	if r.kick == nil {
		return
	}
	r.pending = append(r.pending, evs...)
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// after runs fn under mu once d has elapsed, unless Deinit ran first.
func (r *Radio) after(d time.Duration, fn func()) {
	ctx := r.ctx
	time.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if ctx.Err() != nil || r.ctx != ctx {
			return
		}
		fn()
	})
}

// call records op and returns an injected failure for it, if any. Caller
// holds mu.
func (r *Radio) call(op string) error {
	r.calls = append(r.calls, op)
	if err, ok := r.failNext[op]; ok {
		delete(r.failNext, op)
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Transceiver
// -----------------------------------------------------------------------------

func (r *Radio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("init"); err != nil {
		return err
	}
	if r.inited {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.kick = make(chan struct{}, 1)
	r.inited = true
	r.wg.Add(1)
	go r.emitter(r.ctx, r.kick)
	return nil
}

func (r *Radio) Deinit() error {
	r.mu.Lock()
	if err := r.call("deinit"); err != nil {
		r.mu.Unlock()
		return err
	}
	if !r.inited {
		r.mu.Unlock()
		return nil
	}
	r.inited, r.powered, r.scanning, r.joined = false, false, false, false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.mu.Lock()
	r.kick, r.pending = nil, nil
	r.mu.Unlock()
	return nil
}

func (r *Radio) PowerUp(mode types.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("power_up"); err != nil {
		return err
	}
	if !r.inited {
		return ErrNotInitialized
	}
	r.powered, r.mode = true, mode
	if ap, ok := types.AccessPointOf(r.cfg); ok && mode.HasAccessPoint() {
		r.emit(event{sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceAccessPoint, Info: ap.IP.Static}})
	}
	r.log.Debug("powered up", "mode", mode.String())
	return nil
}

func (r *Radio) PowerDown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("power_down"); err != nil {
		return err
	}
	if !r.powered {
		return nil
	}
	r.scanning, r.held = false, false
	r.scanGen++
	r.joinGen++
	if r.joined {
		r.joined = false
		r.emit(event{sysloop.IPLost, types.IPLost{Device: types.DeviceStation}})
	}
	if r.mode.HasAccessPoint() {
		r.emit(event{sysloop.IPLost, types.IPLost{Device: types.DeviceAccessPoint}})
	}
	r.powered, r.mode = false, types.ModeNone
	return nil
}

func (r *Radio) ApplyConfiguration(cfg types.Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("apply_config"); err != nil {
		return err
	}
	if !r.inited {
		return ErrNotInitialized
	}
	r.cfg = cfg
	return nil
}

func (r *Radio) BeginAssociation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("begin_assoc"); err != nil {
		return err
	}
	if !r.powered {
		return ErrNotPowered
	}
	sc, ok := types.StationOf(r.cfg)
	if !ok || !r.mode.HasStation() {
		return ErrNoStation
	}
	r.joinGen++
	gen := r.joinGen
	r.after(r.joinDelay, func() {
		if gen != r.joinGen || !r.powered {
			return
		}
		r.join(sc)
	})
	return nil
}

// join completes an association attempt. Caller holds mu.
func (r *Radio) join(sc types.StationConfig) {
	var found *Network
	for i := range r.networks {
		n := &r.networks[i]
		if n.SSID != sc.SSID {
			continue
		}
		if sc.BSSID != nil && *sc.BSSID != n.BSSID {
			continue
		}
		if sc.Channel != 0 && sc.Channel != n.Channel {
			continue
		}
		found = n
		break
	}
	lost := func(reason uint16) {
		r.emit(event{sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reason}})
	}
	switch {
	case found == nil:
		lost(types.ReasonNoAPFound)
		return
	case found.Auth != types.AuthNone && found.Password != sc.Password:
		lost(types.ReasonAuthFail)
		return
	}
	r.joined = true
	r.emit(event{sysloop.AssociationSuccess, types.AssociationSuccess{
		Device: types.DeviceStation, SSID: found.SSID, BSSID: found.BSSID, Channel: found.Channel,
	}})
	info := r.lease
	if sc.IP.Mode == types.IPStatic {
		info = sc.IP.Static
	}
	r.emit(event{sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceStation, Info: info}})
}

func (r *Radio) EndAssociation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("end_assoc"); err != nil {
		return err
	}
	if !r.powered {
		return ErrNotPowered
	}
	r.joinGen++
	if r.joined {
		r.joined = false
		r.emit(event{sysloop.IPLost, types.IPLost{Device: types.DeviceStation}})
	}
	r.emit(event{sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: types.ReasonAssocLeave}})
	return nil
}

func (r *Radio) BeginScan(id uint64, cfg types.ScanConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("begin_scan"); err != nil {
		return err
	}
	if !r.powered {
		return ErrNotPowered
	}
	if r.scanning {
		return ErrScanBusy
	}
	var found []types.AccessPointInfo
	for _, n := range r.networks {
		ap := types.AccessPointInfo{SSID: n.SSID, BSSID: n.BSSID, Channel: n.Channel, SignalStrength: n.RSSI, Auth: n.Auth}
		if n.Hidden {
			ap.SSID = ""
		}
		if cfg.Matches(ap) {
			found = append(found, ap)
		}
	}
	r.scanning, r.scanID = true, id
	r.scanGen++
	gen := r.scanGen
	r.after(r.scanDelay, func() {
		if gen != r.scanGen || !r.scanning {
			return
		}
		if r.holdScan {
			r.held = true
			r.heldFound = found
			return
		}
		r.finishScan(found)
	})
	return nil
}

// finishScan publishes results. Caller holds mu.
func (r *Radio) finishScan(found []types.AccessPointInfo) {
	r.scanning, r.held = false, false
	r.results, r.heldFound = found, nil
	r.emit(event{sysloop.ScanDone, types.ScanDone{ID: r.scanID, Count: len(found)}})
}

func (r *Radio) CancelScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("cancel_scan"); err != nil {
		return err
	}
	r.scanning, r.held = false, false
	r.scanGen++
	return nil
}

func (r *Radio) ScanResults() ([]types.AccessPointInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("scan_results"); err != nil {
		return nil, err
	}
	out := r.results
	r.results = nil
	return out, nil
}

func (r *Radio) SubmitFrame(dev types.DeviceID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("submit_frame"); err != nil {
		return err
	}
	if !r.powered {
		return ErrNotPowered
	}
	if (dev == types.DeviceStation && !r.mode.HasStation()) || (dev == types.DeviceAccessPoint && !r.mode.HasAccessPoint()) {
		return fmt.Errorf("%w: %s", ErrNoRole, dev)
	}
	data := append([]byte(nil), frame...)
	r.emit(event{sysloop.FrameSent, types.FrameSent{Device: dev, Data: data, OK: true}})
	if r.loopback {
		r.emit(event{sysloop.FrameReceived, types.FrameReceived{Device: dev, Data: data}})
	}
	return nil
}

// -----------------------------------------------------------------------------
// Calibrator
// -----------------------------------------------------------------------------

func (r *Radio) CalibrationData() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("cal_read"); err != nil {
		return nil, err
	}
	return append([]byte(nil), r.cal...), nil
}

func (r *Radio) RestoreCalibration(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.call("cal_restore"); err != nil {
		return err
	}
	r.restored = append([]byte(nil), data...)
	return nil
}

// -----------------------------------------------------------------------------
// Test and console hooks
// -----------------------------------------------------------------------------

// FailNext makes the next call of op return err. Ops are named as in Calls.
func (r *Radio) FailNext(op string, err error) {
	r.mu.Lock()
	r.failNext[op] = err
	r.mu.Unlock()
}

// Calls returns the ops invoked so far.
func (r *Radio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// HoldScans keeps scans running until ReleaseScan.
func (r *Radio) HoldScans(hold bool) {
	r.mu.Lock()
	r.holdScan = hold
	r.mu.Unlock()
}

// ReleaseScan completes a held scan. It reports whether one was held.
func (r *Radio) ReleaseScan() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.held || !r.scanning {
		return false
	}
	r.finishScan(r.heldFound)
	return true
}

// Inject delivers frame as if received over the air on dev.
func (r *Radio) Inject(dev types.DeviceID, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.powered {
		return ErrNotPowered
	}
	r.emit(event{sysloop.FrameReceived, types.FrameReceived{Device: dev, Data: append([]byte(nil), frame...)}})
	return nil
}

// Drop simulates the access point going away.
func (r *Radio) Drop(reason uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinGen++
	if r.joined {
		r.joined = false
		r.emit(event{sysloop.IPLost, types.IPLost{Device: types.DeviceStation}})
	}
	r.emit(event{sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reason}})
}

// Fault posts a radio fault and powers the radio down.
func (r *Radio) Fault(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.powered, r.scanning, r.joined = false, false, false
	r.scanGen++
	r.joinGen++
	r.emit(event{sysloop.RadioFault, types.RadioFault{Reason: reason, Err: errcode.New(errcode.RadioFault, "radio.sim", reason)}})
}

// Restored returns the calibration handed to RestoreCalibration.
func (r *Radio) Restored() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.restored...)
}

// Powered reports the power state.
func (r *Radio) Powered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.powered
}

// Networks lists the simulated networks.
func (r *Radio) Networks() []Network {
	return append([]Network(nil), r.networks...)
}
