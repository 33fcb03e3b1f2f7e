package wifi

import (
	"time"

	"wifihal-go/errcode"
	"wifihal-go/sysloop"
	"wifihal-go/types"
	"wifihal-go/x/timex"
)

// onEvent runs on the loop's dispatcher. One handler for every kind keeps the
// radio's posting order, so success/lost pairs are never reordered.
func (d *Driver) onEvent(ev sysloop.Event) {
	switch p := ev.Payload.(type) {
	case types.AssociationSuccess:
		d.onAssociated(p)
	case types.AssociationLost:
		d.onAssociationLost(p)
	case types.ScanDone:
		d.onScanDone(p)
	case types.FrameReceived:
		d.enqueue(frameEvent{dev: p.Device, data: append([]byte(nil), p.Data...)})
	case types.FrameSent:
		d.enqueue(frameEvent{tx: true, dev: p.Device, data: append([]byte(nil), p.Data...), ok: p.OK})
	case types.RadioFault:
		d.onFault(p)
	}
}

func (d *Driver) onAssociated(p types.AssociationSuccess) {
	if p.Device != types.DeviceStation {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != types.StateConnecting {
		// late success after Disconnect or Stop
		return
	}
	d.stats.Associations++
	d.setStateLocked(types.StateConnected)
	d.log.Info("associated", "ssid", p.SSID, "bssid", p.BSSID.String(), "channel", p.Channel)
}

func (d *Driver) onAssociationLost(p types.AssociationLost) {
	if p.Device != types.DeviceStation {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case types.StateConnecting, types.StateConnected, types.StateDisconnecting:
		d.stats.LastReason = p.Reason
		d.setStateLocked(types.StateStarted)
		d.log.Info("association lost", "reason", p.Reason)
	}
}

// onScanDone completes the active scan. A ScanDone for an earlier scan,
// still queued when that scan was stopped and a new one begun, is dropped.
func (d *Driver) onScanDone(p types.ScanDone) {
	d.mu.Lock()
	active, gen := d.scanning, d.scanGen
	d.mu.Unlock()
	if !active || p.ID != gen {
		d.log.Debug("stale scan done ignored", "id", p.ID, "current", gen)
		return
	}
	recs, err := d.t.ScanResults()

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.scanning || d.scanGen != gen {
		return
	}
	if err != nil {
		d.finishScanLocked(errcode.FromDriver("wifi.scan_results", err))
		return
	}
	d.results = recs
	d.scanDone = true
	d.finishScanLocked(nil)
	d.log.Debug("scan done", "count", len(recs), "reported", p.Count)
}

func (d *Driver) onFault(p types.RadioFault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	err := p.Err
	if errcode.Of(err) != errcode.RadioFault {
		err = &errcode.E{C: errcode.RadioFault, Op: "wifi.radio", Msg: p.Reason, Err: p.Err}
	}
	d.fault = err
	d.stats.Faults++
	d.finishScanLocked(err)
	d.setStateLocked(types.StateStopped)
	d.log.Error("radio fault", "reason", p.Reason, "err", p.Err)
}

// -----------------------------------------------------------------------------
// Frame delivery
// -----------------------------------------------------------------------------

// enqueue hands a frame event to the worker, waiting at most enqueueWait for
// space before dropping it.
func (d *Driver) enqueue(fe frameEvent) {
	select {
	case d.frames <- fe:
		return
	default:
	}
	t := time.NewTimer(d.opts.enqueueWait)
	defer timex.StopTimer(t)
	select {
	case d.frames <- fe:
	case <-d.ctx.Done():
	case <-t.C:
		d.mu.Lock()
		d.stats.FramesDropped++
		d.mu.Unlock()
		d.log.Debug("frame dropped, queue full", "dev", fe.dev.String(), "tx", fe.tx)
	}
}

// frameWorker invokes user callbacks in queue order, outside every driver
// lock.
func (d *Driver) frameWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case fe := <-d.frames:
			if d.ctx.Err() != nil {
				return
			}
			d.deliver(fe)
		}
	}
}

func (d *Driver) deliver(fe frameEvent) {
	d.mu.Lock()
	rx, txDone := d.rx, d.txDone
	if fe.tx {
		d.stats.FramesTx++
	} else {
		d.stats.FramesRx++
	}
	d.mu.Unlock()

	if fe.tx {
		if txDone != nil {
			txDone(fe.dev, fe.data, fe.ok)
		}
		return
	}
	if rx == nil {
		return
	}
	if err := rx(fe.dev, fe.data); err != nil {
		d.mu.Lock()
		d.stats.RxErrors++
		d.mu.Unlock()
		d.log.Debug("rx callback failed", "dev", fe.dev.String(), "err", err)
	}
}
