// Package wlan composes the Wi-Fi driver and its network interfaces into
// the object applications use.
package wlan

import (
	"context"
	"time"

	"wifihal-go/drivers/wifi"
	"wifihal-go/errcode"
	"wifihal-go/netif"
	"wifihal-go/nvs"
	"wifihal-go/radio"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

// Capabilities lists what the radio behind a WLAN supports.
type Capabilities struct {
	Modes     []types.Mode       `yaml:"modes"`
	Auth      []types.AuthMethod `yaml:"auth"`
	Calibrate bool               `yaml:"calibrate"`
}

// WLAN owns one driver and the station and access point interfaces.
type WLAN struct {
	d    *wifi.Driver
	sta  *netif.Netif
	ap   *netif.Netif
	loop *sysloop.Loop
	cal  bool
}

// New builds the driver on h (claiming it) and the two netifs. part may be
// nil for volatile configuration.
func New(h *radio.Handle, loop *sysloop.Loop, part *nvs.Partition, opts ...wifi.Option) (*WLAN, error) {
	d, err := wifi.New(h, loop, part, opts...)
	if err != nil {
		return nil, err
	}
	_, cal := h.Transceiver().(radio.Calibrator)
	return &WLAN{
		d:    d,
		sta:  netif.New(loop, types.DeviceStation),
		ap:   netif.New(loop, types.DeviceAccessPoint),
		loop: loop,
		cal:  cal,
	}, nil
}

// ---- delegation ----

func (w *WLAN) SetConfiguration(cfg types.Configuration) error { return w.d.SetConfiguration(cfg) }
func (w *WLAN) Configuration() (types.Configuration, bool) { return w.d.Configuration() }
func (w *WLAN) Start() error { return w.d.Start() }
func (w *WLAN) Stop() error { return w.d.Stop() }
func (w *WLAN) Connect() error { return w.d.Connect() }
func (w *WLAN) Disconnect() error { return w.d.Disconnect() }
func (w *WLAN) StartScan(cfg types.ScanConfig, block bool) error { return w.d.StartScan(cfg, block) }
func (w *WLAN) StopScan() error { return w.d.StopScan() }
func (w *WLAN) IsScanDone() (bool, error) { return w.d.IsScanDone() }
func (w *WLAN) ScanResult() ([]types.AccessPointInfo, error) { return w.d.ScanResult() }
func (w *WLAN) IsStarted() bool { return w.d.IsStarted() }
func (w *WLAN) IsConnected() bool { return w.d.IsConnected() }

// Scan runs a blocking active scan on every channel and returns the records.
func (w *WLAN) Scan() ([]types.AccessPointInfo, error) {
	if err := w.d.StartScan(types.ScanConfig{}, true); err != nil {
		return nil, err
	}
	return w.d.ScanResult()
}

// IsUp reports whether the station is connected and has an address.
func (w *WLAN) IsUp() bool { return w.d.IsStaConnected() && w.sta.IsUp() }

// WaitUp blocks until IsUp or ctx ends. It fails fast with InvalidState when
// the driver is not started.
func (w *WLAN) WaitUp(ctx context.Context) error {
	const op = "wlan.wait_up"
	if !w.d.IsStarted() {
		return errcode.New(errcode.InvalidState, op, "driver not started")
	}
	changed := make(chan struct{}, 1)
	poke := func(sysloop.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	subs := []*sysloop.Subscription{
		w.loop.Subscribe(sysloop.IPAcquired, poke),
		w.loop.Subscribe(sysloop.StateChanged, poke),
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	// StateChanged posts can be dropped under load; poll as a backstop
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !w.IsUp() {
		select {
		case <-ctx.Done():
			return errcode.Wrap(errcode.Timeout, op, ctx.Err())
		case <-changed:
		case <-tick.C:
		}
		if !w.d.IsStarted() {
			return errcode.New(errcode.InvalidState, op, "driver stopped")
		}
	}
	return nil
}

// Capabilities reports supported modes and security.
func (w *WLAN) Capabilities() Capabilities {
	return Capabilities{
		Modes: []types.Mode{types.ModeStation, types.ModeAccessPoint, types.ModeMixed},
		Auth: []types.AuthMethod{
			types.AuthNone, types.AuthWEP, types.AuthWPA, types.AuthWPA2Personal,
			types.AuthWPAWPA2Personal, types.AuthWPA3Personal, types.AuthWPA2WPA3Personal,
		},
		Calibrate: w.cal,
	}
}

// StaNetif is the station interface. It is safe for concurrent readers.
func (w *WLAN) StaNetif() *netif.Netif { return w.sta }

// APNetif is the access point interface.
func (w *WLAN) APNetif() *netif.Netif { return w.ap }

// Driver exposes the underlying driver for operations the facade does not
// wrap (callbacks, frame send, stats).
func (w *WLAN) Driver() *wifi.Driver { return w.d }

// Close closes the driver, releasing the radio, then the netifs.
func (w *WLAN) Close() error {
	err := w.d.Close()
	w.sta.Close()
	w.ap.Close()
	return err
}
