// Package wifi is the Wi-Fi driver: it owns the radio, runs the connection
// state machine and turns radio events from the system loop into state
// changes and frame callbacks.
//
// API calls are serialised by opMu, which is held across transceiver calls.
// mu guards state, scan buffers and callbacks; it is never held across a
// transceiver call or a user callback. Loop handlers take only mu.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wifihal-go/errcode"
	"wifihal-go/nvs"
	"wifihal-go/radio"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

// RxFunc receives an inbound frame. The slice is owned by the callee.
type RxFunc func(dev types.DeviceID, frame []byte) error

// TxDoneFunc reports the outcome of a submitted frame.
type TxDoneFunc func(dev types.DeviceID, frame []byte, ok bool)

const (
	DefaultScanTimeout = 5 * time.Second
	DefaultFrameQueue  = 32
	DefaultEnqueueWait = 50 * time.Millisecond

	nsConfig  = "wifi"
	keyConfig = "config"
	nsPhy     = "phy"
	keyCal    = "cal_data"
)

type options struct {
	scanTimeout time.Duration
	frameQueue  int
	enqueueWait time.Duration
	log         *slog.Logger
}

type Option func(*options)

// WithScanTimeout bounds a blocking StartScan.
func WithScanTimeout(d time.Duration) Option { return func(o *options) { o.scanTimeout = d } }

// WithFrameQueue sets the number of frame events buffered for callbacks.
func WithFrameQueue(n int) Option { return func(o *options) { o.frameQueue = n } }

// WithEnqueueWait sets how long the loop waits for queue space before a
// frame is dropped.
func WithEnqueueWait(d time.Duration) Option { return func(o *options) { o.enqueueWait = d } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// Stats are driver counters.
type Stats struct {
	FramesRx      uint64 `yaml:"frames_rx"`
	FramesTx      uint64 `yaml:"frames_tx"`
	FramesDropped uint64 `yaml:"frames_dropped"`
	RxErrors      uint64 `yaml:"rx_errors"`
	Scans         uint64 `yaml:"scans"`
	ScanTimeouts  uint64 `yaml:"scan_timeouts"`
	Associations  uint64 `yaml:"associations"`
	Disconnects   uint64 `yaml:"disconnects"`
	LastReason    uint16 `yaml:"last_reason"`
	Faults        uint64 `yaml:"faults"`
}

type frameEvent struct {
	tx   bool
	dev  types.DeviceID
	data []byte
	ok   bool
}

// Driver is the Wi-Fi driver. Create with New, release with Close.
type Driver struct {
	h     *radio.Handle
	t     radio.Transceiver
	owner string
	loop  *sysloop.Loop
	cfgNS *nvs.Namespace
	phyNS *nvs.Namespace
	log   *slog.Logger
	opts  options

	opMu sync.Mutex

	mu       sync.Mutex
	state    types.State
	cfg      types.Configuration // staged
	applied  types.Configuration // running
	dirty    bool
	rx       RxFunc
	txDone   TxDoneFunc
	cbSet    bool
	scanning bool
	scanDone bool
	scanGen  uint64
	scanWait chan error
	results  []types.AccessPointInfo
	fault    error
	closed   bool
	stats    Stats

	frames chan frameEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *sysloop.Subscription

	closeDone chan struct{}
}

// New binds h, initialises the radio and subscribes to loop. part may be
// nil, in which case configuration is not persisted.
func New(h *radio.Handle, loop *sysloop.Loop, part *nvs.Partition, opts ...Option) (*Driver, error) {
	const op = "wifi.new"
	if h == nil || loop == nil {
		return nil, errcode.New(errcode.InvalidConfig, op, "radio handle and event loop required")
	}
	o := options{
		scanTimeout: DefaultScanTimeout,
		frameQueue:  DefaultFrameQueue,
		enqueueWait: DefaultEnqueueWait,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.scanTimeout <= 0 || o.frameQueue <= 0 || o.enqueueWait < 0 {
		return nil, errcode.New(errcode.InvalidConfig, op, "bad driver options")
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	d := &Driver{
		h:     h,
		t:     h.Transceiver(),
		loop:  loop,
		opts:  o,
		log:   o.log.With("component", "wifi"),
		state: types.StateUninitialized,

		closeDone: make(chan struct{}),
	}
	d.owner = fmt.Sprintf("wifi.Driver@%p", d)

	if err := h.Bind(d.owner); err != nil {
		return nil, err
	}
	if err := d.t.Init(); err != nil {
		h.Unbind(d.owner)
		return nil, errcode.Wrap(errcode.RadioFault, op, err)
	}
	if part != nil {
		if err := d.openStorage(part); err != nil {
			d.closeStorage()
			_ = d.t.Deinit()
			h.Unbind(d.owner)
			return nil, err
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.frames = make(chan frameEvent, o.frameQueue)
	d.sub = loop.Subscribe(sysloop.Any, d.onEvent)
	d.wg.Add(1)
	go d.frameWorker()

	d.mu.Lock()
	d.setStateLocked(types.StateStopped)
	d.mu.Unlock()
	d.log.Info("driver ready", "persisted", d.cfgNS != nil, "mode", types.ModeOf(d.cfg).String())
	return d, nil
}

// Close cancels any scan or association, powers the radio down, detaches
// from the loop and releases the radio handle. When Close returns no frame
// callback or loop handler referencing the driver is running or will run.
// A frame callback may call into the driver while Close runs; such calls
// fail with ResourceUnavailable. Close must not be called from a frame
// callback.
func (d *Driver) Close() error {
	d.opMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.opMu.Unlock()
		// a concurrent Close returns once the first one has finished
		<-d.closeDone
		return nil
	}
	d.closed = true
	st, scanning := d.state, d.scanning
	d.finishScanLocked(errcode.New(errcode.ResourceUnavailable, "wifi.start_scan", "driver closed"))
	d.mu.Unlock()

	var errs []error
	if scanning {
		if err := d.t.CancelScan(); err != nil {
			errs = append(errs, errcode.FromDriver("wifi.close", err))
		}
	}
	if st == types.StateConnecting || st == types.StateConnected {
		if err := d.t.EndAssociation(); err != nil {
			errs = append(errs, errcode.FromDriver("wifi.close", err))
		}
	}
	if st.Started() {
		if err := d.t.PowerDown(); err != nil {
			errs = append(errs, errcode.FromDriver("wifi.close", err))
		}
	}
	// closed is set: later operations fail in precheck, so the worker's
	// callbacks can take opMu without waiting on us
	d.opMu.Unlock()

	// handlers blocked on a full frame queue return on cancel
	d.cancel()
	d.sub.Unsubscribe()
	d.wg.Wait()

	if err := d.t.Deinit(); err != nil {
		errs = append(errs, errcode.FromDriver("wifi.close", err))
	}
	d.closeStorage()

	d.mu.Lock()
	d.setStateLocked(types.StateUninitialized)
	d.rx, d.txDone = nil, nil
	d.mu.Unlock()

	d.h.Unbind(d.owner)
	d.h.Release()
	close(d.closeDone)
	d.log.Info("driver closed")
	return errors.Join(errs...)
}

// precheck rejects calls on a closed driver and surfaces a pending radio
// fault once. Caller holds opMu.
func (d *Driver) precheck(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errcode.New(errcode.ResourceUnavailable, op, "driver closed")
	}
	if f := d.fault; f != nil {
		d.fault = nil
		return f
	}
	return nil
}

// setStateLocked moves the state machine and announces the change. Caller
// holds mu.
func (d *Driver) setStateLocked(to types.State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to
	d.log.Debug("state", "from", from.String(), "to", to.String())
	d.loop.TryPost(sysloop.StateChanged, types.StateChanged{From: from, To: to})
}

// finishScanLocked ends the active scan and wakes a blocked StartScan with
// err. Caller holds mu.
func (d *Driver) finishScanLocked(err error) {
	if !d.scanning {
		return
	}
	d.scanning = false
	d.scanGen++
	if d.scanWait != nil {
		d.scanWait <- err
		d.scanWait = nil
	}
}

// -----------------------------------------------------------------------------
// Queries (never touch the radio)
// -----------------------------------------------------------------------------

func (d *Driver) State() types.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) IsStarted() bool { return d.State().Started() }

// IsStaConnected reports whether the station is associated.
func (d *Driver) IsStaConnected() bool { return d.State() == types.StateConnected }

// IsConnected reports whether the driver carries traffic: the station is
// associated, or an access-point-only configuration is running.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == types.StateConnected {
		return true
	}
	return d.state.Started() && types.ModeOf(d.applied) == types.ModeAccessPoint
}

func (d *Driver) IsScanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// Mode is the mode the radio is running in, or ModeNone when stopped.
func (d *Driver) Mode() types.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Started() {
		return types.ModeNone
	}
	return types.ModeOf(d.applied)
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
