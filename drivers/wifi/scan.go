package wifi

import (
	"time"

	"wifihal-go/errcode"
	"wifihal-go/types"
	"wifihal-go/x/timex"
)

// StartScan begins a scan. With block set it waits for completion, bounded
// by the scan timeout; a timed-out scan is cancelled and reported as
// Timeout. Without block it returns once the radio accepted the request and
// ScanDone on the loop signals completion.
func (d *Driver) StartScan(cfg types.ScanConfig, block bool) error {
	const op = "wifi.start_scan"
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.opMu.Lock()
	if err := d.precheck(op); err != nil {
		d.opMu.Unlock()
		return err
	}
	d.mu.Lock()
	if !d.state.Started() {
		st := d.state
		d.mu.Unlock()
		d.opMu.Unlock()
		return errcode.New(errcode.InvalidState, op, "driver is "+st.String())
	}
	if d.scanning {
		d.mu.Unlock()
		d.opMu.Unlock()
		return errcode.New(errcode.InvalidState, op, "scan already active")
	}
	d.scanning, d.scanDone, d.results = true, false, nil
	d.scanGen++
	gen := d.scanGen
	var wait chan error
	if block {
		wait = make(chan error, 1)
		d.scanWait = wait
	}
	d.stats.Scans++
	d.mu.Unlock()

	if err := d.t.BeginScan(gen, cfg.Normalized()); err != nil {
		d.mu.Lock()
		if d.scanGen == gen {
			d.scanWait = nil
			d.finishScanLocked(nil)
		}
		d.mu.Unlock()
		d.opMu.Unlock()
		return errcode.FromDriver(op, err)
	}
	// a blocked scan must not hold up StopScan or Stop
	d.opMu.Unlock()
	if !block {
		return nil
	}

	timer := time.NewTimer(d.opts.scanTimeout)
	defer timex.StopTimer(timer)
	select {
	case err := <-wait:
		return err
	case <-timer.C:
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.mu.Lock()
	live := d.scanning && d.scanGen == gen
	if live {
		d.scanWait = nil
		d.finishScanLocked(nil)
		d.stats.ScanTimeouts++
	}
	d.mu.Unlock()
	if !live {
		// finished while the timer fired
		select {
		case err := <-wait:
			return err
		default:
		}
	} else if err := d.t.CancelScan(); err != nil {
		d.log.Warn("cancel timed-out scan", "err", err)
	}
	return errcode.New(errcode.Timeout, op, "scan did not complete within "+d.opts.scanTimeout.String())
}

// StopScan cancels the active scan, if any. A StartScan blocked on it
// returns InvalidState.
func (d *Driver) StopScan() error {
	const op = "wifi.stop_scan"
	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errcode.New(errcode.ResourceUnavailable, op, "driver closed")
	}
	if !d.scanning {
		d.mu.Unlock()
		return nil
	}
	d.finishScanLocked(errcode.New(errcode.InvalidState, "wifi.start_scan", "scan cancelled"))
	d.mu.Unlock()
	return errcode.FromDriver(op, d.t.CancelScan())
}

// IsScanDone reports whether the last scan completed with results waiting.
func (d *Driver) IsScanDone() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, errcode.New(errcode.ResourceUnavailable, "wifi.is_scan_done", "driver closed")
	}
	return d.scanDone, nil
}

// ScanResult returns the records of the last scan in radio order and clears
// them; a second call returns an empty slice.
func (d *Driver) ScanResult() ([]types.AccessPointInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errcode.New(errcode.ResourceUnavailable, "wifi.scan_result", "driver closed")
	}
	out := d.results
	d.results = nil
	if out == nil {
		out = []types.AccessPointInfo{}
	}
	return out, nil
}
