// Package radio is the boundary between the Wi-Fi driver and the radio
// firmware. A Transceiver accepts commands synchronously and reports
// completions (association, scan, frames, faults) as events on the system
// event loop, never through return values.
package radio

import (
	"sync"
	"time"

	"tinygo.org/x/drivers/netlink"

	"wifihal-go/errcode"
	"wifihal-go/periph"
	"wifihal-go/types"
)

// Transceiver is the command surface of a radio.
type Transceiver interface {
	Init() error
	Deinit() error

	PowerUp(mode types.Mode) error
	PowerDown() error

	// ApplyConfiguration hands the normalized configuration to the
	// firmware. It takes effect on the next PowerUp or BeginAssociation.
	ApplyConfiguration(cfg types.Configuration) error

	BeginAssociation() error
	EndAssociation() error

	// BeginScan starts scan id; its ScanDone carries the same id.
	BeginScan(id uint64, cfg types.ScanConfig) error
	CancelScan() error
	// ScanResults returns the records of the last completed scan.
	ScanResults() ([]types.AccessPointInfo, error)

	// SubmitFrame queues a raw frame; FrameSent reports the outcome.
	SubmitFrame(dev types.DeviceID, frame []byte) error
}

// Calibrator is implemented by radios whose PHY calibration can be saved
// and restored across power cycles.
type Calibrator interface {
	CalibrationData() ([]byte, error)
	RestoreCalibration(data []byte) error
}

// -----------------------------------------------------------------------------
// Handle: exclusive radio ownership
// -----------------------------------------------------------------------------

// Handle is the process-wide claim on the radio. It is bound to at most one
// driver at a time; Release returns the radio to the pool.
type Handle struct {
	t Transceiver

	mu       sync.Mutex
	owner    string
	released bool
}

const claimOwner = "radio.Handle"

// Take claims the radio and wraps t. It fails with ResourceUnavailable while
// another handle is live.
func Take(t Transceiver) (*Handle, error) {
	if t == nil {
		return nil, errcode.New(errcode.InvalidConfig, "radio.take", "nil transceiver")
	}
	if err := periph.Claim(periph.Radio, claimOwner); err != nil {
		return nil, err
	}
	return &Handle{t: t}, nil
}

func (h *Handle) Transceiver() Transceiver { return h.t }

// Bind marks the handle as used by owner.
func (h *Handle) Bind(owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.released:
		return errcode.New(errcode.ResourceUnavailable, "radio.bind", "handle released")
	case h.owner != "":
		return errcode.New(errcode.ResourceUnavailable, "radio.bind", "radio bound to "+h.owner)
	}
	h.owner = owner
	return nil
}

// Unbind clears the binding if owner holds it.
func (h *Handle) Unbind(owner string) {
	h.mu.Lock()
	if h.owner == owner {
		h.owner = ""
	}
	h.mu.Unlock()
}

// Release unbinds and returns the radio claim. Idempotent.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.owner = ""
	periph.Release(periph.Radio, claimOwner)
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// -----------------------------------------------------------------------------
// netlink mapping
// -----------------------------------------------------------------------------

// DefaultConnectTimeout bounds one association attempt on netlink radios.
const DefaultConnectTimeout = 10 * time.Second

func authType(a types.AuthMethod) (netlink.AuthType, error) {
	switch a {
	case types.AuthNone:
		return netlink.AuthTypeOpen, nil
	case types.AuthWPA:
		return netlink.AuthTypeWPA, nil
	case types.AuthWPA2Personal:
		return netlink.AuthTypeWPA2, nil
	case types.AuthWPAWPA2Personal:
		return netlink.AuthTypeWPA2Mixed, nil
	}
	return 0, netlink.ErrAuthTypeNoGood
}

// ConnectParams maps a station configuration to netlink connect parameters.
// WEP and WPA3 have no netlink equivalent.
func ConnectParams(sc types.StationConfig) (netlink.ConnectParams, error) {
	if sc.SSID == "" {
		return netlink.ConnectParams{}, errcode.Wrap(errcode.InvalidConfig, "radio.connect_params", netlink.ErrMissingSSID)
	}
	at, err := authType(sc.Auth)
	if err != nil {
		return netlink.ConnectParams{}, errcode.Wrap(errcode.InvalidConfig, "radio.connect_params", err)
	}
	return netlink.ConnectParams{
		ConnectMode:    netlink.ConnectModeSTA,
		Ssid:           sc.SSID,
		Passphrase:     sc.Password,
		AuthType:       at,
		Retries:        1,
		ConnectTimeout: DefaultConnectTimeout,
	}, nil
}

// AccessPointParams maps an access point configuration to netlink connect
// parameters in AP mode.
func AccessPointParams(ac types.AccessPointConfig) (netlink.ConnectParams, error) {
	at, err := authType(ac.Auth)
	if err != nil {
		return netlink.ConnectParams{}, errcode.Wrap(errcode.InvalidConfig, "radio.ap_params", err)
	}
	return netlink.ConnectParams{
		ConnectMode: netlink.ConnectModeAP,
		Ssid:        ac.SSID,
		Passphrase:  ac.Password,
		AuthType:    at,
	}, nil
}
