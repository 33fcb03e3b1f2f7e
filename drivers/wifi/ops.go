package wifi

import (
	"wifihal-go/errcode"
	"wifihal-go/types"
)

// SetCallbacks registers the frame callbacks. It may be called once, before
// the first Start.
func (d *Driver) SetCallbacks(rx RxFunc, txDone TxDoneFunc) error {
	const op = "wifi.set_callbacks"
	if rx == nil || txDone == nil {
		return errcode.New(errcode.InvalidConfig, op, "both callbacks required")
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return errcode.New(errcode.ResourceUnavailable, op, "driver closed")
	case d.cbSet:
		return errcode.New(errcode.InvalidState, op, "callbacks already set")
	case d.state != types.StateStopped || d.applied != nil:
		return errcode.New(errcode.InvalidState, op, "driver already started")
	}
	d.rx, d.txDone, d.cbSet = rx, txDone, true
	return nil
}

// SetConfiguration validates cfg, persists it and stages it for the next
// Start or Connect. A storage failure leaves the staged configuration as it
// was.
func (d *Driver) SetConfiguration(cfg types.Configuration) error {
	const op = "wifi.set_configuration"
	cfg = types.Normalize(cfg)
	if err := types.Validate(cfg); err != nil {
		return err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.precheck(op); err != nil {
		return err
	}
	if err := d.persistConfig(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg, d.dirty = cfg, true
	d.mu.Unlock()
	d.log.Info("configuration staged", "mode", cfg.Mode().String())
	return nil
}

// Configuration returns the staged configuration.
func (d *Driver) Configuration() (types.Configuration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.cfg != nil
}

// Start powers the radio up in the configured mode. It is a no-op when the
// driver is already started.
func (d *Driver) Start() error {
	const op = "wifi.start"
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.precheck(op); err != nil {
		return err
	}
	d.mu.Lock()
	st, cfg := d.state, d.cfg
	d.mu.Unlock()
	if st.Started() {
		return nil
	}
	if cfg == nil {
		return errcode.New(errcode.InvalidConfig, op, "no configuration")
	}

	if err := d.t.ApplyConfiguration(cfg); err != nil {
		return errcode.FromDriver(op, err)
	}
	if err := d.t.PowerUp(cfg.Mode()); err != nil {
		return errcode.FromDriver(op, err)
	}
	d.mu.Lock()
	d.applied, d.dirty = cfg, false
	d.setStateLocked(types.StateStarted)
	d.mu.Unlock()

	d.saveCalibration()
	d.log.Info("started", "mode", cfg.Mode().String())
	return nil
}

// Stop tears down any association and scan and powers the radio down. It is
// safe in every state; the driver ends Stopped even if the radio reports an
// error, which is returned.
func (d *Driver) Stop() error {
	const op = "wifi.stop"
	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.mu.Lock()
	if d.closed || d.state == types.StateStopped {
		d.mu.Unlock()
		return nil
	}
	st, scanning := d.state, d.scanning
	d.finishScanLocked(errcode.New(errcode.InvalidState, "wifi.start_scan", "driver stopped"))
	d.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = errcode.FromDriver(op, err)
		}
	}
	if scanning {
		keep(d.t.CancelScan())
	}
	if st == types.StateConnecting || st == types.StateConnected {
		keep(d.t.EndAssociation())
	}
	keep(d.t.PowerDown())

	d.mu.Lock()
	d.setStateLocked(types.StateStopped)
	d.mu.Unlock()
	if first != nil {
		d.log.Warn("stop reported radio error", "err", first)
	}
	return first
}

// Connect begins association. Completion arrives on the loop; the state is
// Connecting until then. Connect while Connecting or Connected is a no-op.
func (d *Driver) Connect() error {
	const op = "wifi.connect"
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.precheck(op); err != nil {
		return err
	}
	d.mu.Lock()
	st, staged, applied, dirty := d.state, d.cfg, d.applied, d.dirty
	switch st {
	case types.StateConnecting, types.StateConnected:
		d.mu.Unlock()
		return nil
	case types.StateStarted:
	default:
		d.mu.Unlock()
		return errcode.New(errcode.InvalidState, op, "driver is "+st.String())
	}
	d.mu.Unlock()

	if dirty {
		if staged.Mode() != applied.Mode() {
			return errcode.New(errcode.InvalidState, op, "mode changed, restart required")
		}
		if err := d.t.ApplyConfiguration(staged); err != nil {
			return errcode.FromDriver(op, err)
		}
		applied = staged
		d.mu.Lock()
		d.applied, d.dirty = staged, false
		d.mu.Unlock()
	}
	if !applied.Mode().HasStation() {
		return errcode.New(errcode.InvalidState, op, "no station role in mode "+applied.Mode().String())
	}

	d.mu.Lock()
	d.setStateLocked(types.StateConnecting)
	d.mu.Unlock()
	if err := d.t.BeginAssociation(); err != nil {
		d.mu.Lock()
		if d.state == types.StateConnecting {
			d.setStateLocked(types.StateStarted)
		}
		d.mu.Unlock()
		return errcode.FromDriver(op, err)
	}
	return nil
}

// Disconnect begins deassociation. The state is Disconnecting until the
// radio reports the association lost.
func (d *Driver) Disconnect() error {
	const op = "wifi.disconnect"
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.precheck(op); err != nil {
		return err
	}
	d.mu.Lock()
	st := d.state
	switch st {
	case types.StateDisconnecting:
		d.mu.Unlock()
		return nil
	case types.StateConnecting, types.StateConnected:
		d.setStateLocked(types.StateDisconnecting)
		d.stats.Disconnects++
	default:
		d.mu.Unlock()
		return errcode.New(errcode.InvalidState, op, "driver is "+st.String())
	}
	d.mu.Unlock()

	if err := d.t.EndAssociation(); err != nil {
		d.mu.Lock()
		if d.state == types.StateDisconnecting {
			d.setStateLocked(st)
		}
		d.mu.Unlock()
		return errcode.FromDriver(op, err)
	}
	return nil
}

// Send submits a raw frame on dev. The station must be connected; the
// access point must be running.
func (d *Driver) Send(dev types.DeviceID, frame []byte) error {
	const op = "wifi.send"
	if len(frame) == 0 {
		return errcode.New(errcode.InvalidConfig, op, "empty frame")
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.precheck(op); err != nil {
		return err
	}
	d.mu.Lock()
	st, mode := d.state, types.ModeOf(d.applied)
	d.mu.Unlock()
	switch dev {
	case types.DeviceStation:
		if st != types.StateConnected {
			return errcode.New(errcode.InvalidState, op, "station not connected")
		}
	case types.DeviceAccessPoint:
		if !st.Started() || !mode.HasAccessPoint() {
			return errcode.New(errcode.InvalidState, op, "access point not running")
		}
	default:
		return errcode.New(errcode.InvalidConfig, op, "unknown device")
	}
	return errcode.FromDriver(op, d.t.SubmitFrame(dev, frame))
}
