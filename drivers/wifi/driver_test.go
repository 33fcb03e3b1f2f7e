package wifi

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wifihal-go/errcode"
	"wifihal-go/nvs"
	"wifihal-go/radio"
	"wifihal-go/radio/sim"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

var netA = sim.Network{
	SSID:     "net-A",
	BSSID:    types.BSSID{0x02, 0, 0, 0, 0, 0xA1},
	Channel:  6,
	RSSI:     -48,
	Auth:     types.AuthWPA2Personal,
	Password: "secret123",
}

var staA = types.StationConfig{SSID: "net-A", Auth: types.AuthWPA2Personal, Password: "secret123"}

type rig struct {
	loop  *sysloop.Loop
	radio *sim.Radio
	h     *radio.Handle
	mem   *nvs.MemMedium
	part  *nvs.Partition
	d     *Driver
}

func newRig(t *testing.T, simOpts []sim.Option, opts ...Option) *rig {
	t.Helper()
	loop, err := sysloop.New(sysloop.Config{QueueLen: 32})
	if err != nil {
		t.Fatal(err)
	}
	r := &rig{loop: loop, radio: sim.New(loop, simOpts...), mem: nvs.NewMemMedium(8192)}
	if r.h, err = radio.Take(r.radio); err != nil {
		t.Fatal(err)
	}
	if r.part, err = nvs.Take(t.Name(), r.mem); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if r.d != nil {
			_ = r.d.Close()
		}
		r.h.Release()
		_ = r.part.Close()
		loop.Close()
	})
	if r.d, err = New(r.h, loop, r.part, opts...); err != nil {
		t.Fatal(err)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, d *Driver, want types.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return d.State() == want })
}

func connect(t *testing.T, r *rig) {
	t.Helper()
	if err := r.d.SetConfiguration(staA); err != nil {
		t.Fatal(err)
	}
	if err := r.d.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.d.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, r.d, types.StateConnected)
}

func TestConnectDisconnectScenario(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	d := r.d

	if d.State() != types.StateStopped || d.IsStarted() {
		t.Fatalf("initial state = %s", d.State())
	}
	if err := d.SetConfiguration(staA); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if d.State() != types.StateStarted {
		t.Fatalf("after Start = %s", d.State())
	}
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, d, types.StateConnected)
	if !d.IsConnected() || !d.IsStaConnected() {
		t.Fatal("IsConnected = false")
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect while connected should be a no-op: %v", err)
	}

	if err := d.Disconnect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, d, types.StateStarted)
	if d.IsConnected() {
		t.Fatal("IsConnected after disconnect")
	}
	if st := d.Stats(); st.Associations != 1 || st.LastReason != types.ReasonAssocLeave {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStartRules(t *testing.T) {
	r := newRig(t, nil)
	d := r.d

	if err := d.Start(); errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("Start without config err = %v", err)
	}
	if err := d.Connect(); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("Connect while stopped err = %v", err)
	}
	if err := d.Disconnect(); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("Disconnect while stopped err = %v", err)
	}
	_ = d.SetConfiguration(staA)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := countCalls(r.radio, "power_up"); n != 1 {
		t.Fatalf("power_up called %d times", n)
	}
}

func countCalls(r *sim.Radio, op string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func TestConnectNeedsStationRole(t *testing.T) {
	r := newRig(t, nil)
	_ = r.d.SetConfiguration(types.AccessPointConfig{SSID: "hal-ap"})
	_ = r.d.Start()
	if err := r.d.Connect(); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("Connect in AP mode err = %v", err)
	}
	if !r.d.IsConnected() || r.d.IsStaConnected() {
		t.Fatal("running access point should report connected without a station link")
	}
	_ = r.d.Stop()
	if r.d.IsConnected() {
		t.Fatal("stopped access point reports connected")
	}
}

func TestInvalidConfiguration(t *testing.T) {
	r := newRig(t, nil)
	cases := []types.Configuration{
		nil,
		types.StationConfig{},
		types.StationConfig{SSID: "x", Auth: types.AuthWPA2Personal, Password: "short"},
		types.MixedConfig{
			Station:     types.StationConfig{SSID: "a", Channel: 1},
			AccessPoint: types.AccessPointConfig{SSID: "b", Channel: 6},
		},
	}
	for i, c := range cases {
		if err := r.d.SetConfiguration(c); errcode.Of(err) != errcode.InvalidConfig {
			t.Fatalf("case %d err = %v", i, err)
		}
	}
	if _, ok := r.d.Configuration(); ok {
		t.Fatal("invalid configuration staged")
	}
}

func TestFailedAssociationReturnsToStarted(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	d := r.d
	bad := staA
	bad.Password = "wrong-password"
	_ = d.SetConfiguration(bad)
	_ = d.Start()
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, d, types.StateStarted)
	if d.Stats().LastReason != types.ReasonAuthFail {
		t.Fatalf("reason = %d", d.Stats().LastReason)
	}

	r.radio.FailNext("begin_assoc", errors.New("firmware busy"))
	if err := d.Connect(); errcode.Of(err) != errcode.RadioFault {
		t.Fatalf("err = %v; want RadioFault", err)
	}
	if d.State() != types.StateStarted {
		t.Fatalf("state after failed connect = %s", d.State())
	}
}

func TestStopFromConnected(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	connect(t, r)
	if err := r.d.Stop(); err != nil {
		t.Fatal(err)
	}
	if r.d.State() != types.StateStopped || r.radio.Powered() {
		t.Fatalf("state = %s powered = %v", r.d.State(), r.radio.Powered())
	}
	if err := r.d.Stop(); err != nil {
		t.Fatalf("Stop when stopped: %v", err)
	}
	// a late association event must not revive the connection
	_ = r.loop.Post(testContext(t), sysloop.AssociationSuccess, types.AssociationSuccess{Device: types.DeviceStation})
	time.Sleep(20 * time.Millisecond)
	if r.d.State() != types.StateStopped {
		t.Fatalf("state = %s after stray success", r.d.State())
	}
}

func TestBlockingScanNoNetworks(t *testing.T) {
	r := newRig(t, nil)
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()

	if err := r.d.StartScan(types.ScanConfig{}, true); err != nil {
		t.Fatalf("blocking scan: %v", err)
	}
	res, err := r.d.ScanResult()
	if err != nil || res == nil || len(res) != 0 {
		t.Fatalf("result = %#v, %v", res, err)
	}
}

func TestScanResultDrains(t *testing.T) {
	netB := sim.Network{SSID: "net-B", Channel: 11, RSSI: -70}
	r := newRig(t, []sim.Option{sim.WithNetworks(netA, netB)})
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()

	if err := r.d.StartScan(types.ScanConfig{}, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "scan done", func() bool { ok, _ := r.d.IsScanDone(); return ok })
	res, _ := r.d.ScanResult()
	if len(res) != 2 || res[0].SSID != "net-A" || res[1].SSID != "net-B" {
		t.Fatalf("first result = %+v", res)
	}
	res, err := r.d.ScanResult()
	if err != nil || len(res) != 0 {
		t.Fatalf("second result = %+v, %v", res, err)
	}
}

func TestScanRules(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	if err := r.d.StartScan(types.ScanConfig{}, false); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("scan while stopped err = %v", err)
	}
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()
	if err := r.d.StartScan(types.ScanConfig{Channel: 99}, false); errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("bad channel err = %v", err)
	}

	r.radio.HoldScans(true)
	if err := r.d.StartScan(types.ScanConfig{}, false); err != nil {
		t.Fatal(err)
	}
	if err := r.d.StartScan(types.ScanConfig{}, false); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("overlapping scan err = %v", err)
	}
	if err := r.d.StopScan(); err != nil {
		t.Fatal(err)
	}
	if r.d.IsScanning() {
		t.Fatal("still scanning after StopScan")
	}
	if err := r.d.StopScan(); err != nil {
		t.Fatalf("StopScan with no scan: %v", err)
	}
}

func TestStaleScanDoneIgnored(t *testing.T) {
	netB := sim.Network{SSID: "net-B", Channel: 11, RSSI: -70}
	r := newRig(t, []sim.Option{sim.WithNetworks(netA, netB)})
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()
	r.radio.HoldScans(true)

	// park the dispatcher so the first scan's ScanDone stays queued
	gate := make(chan struct{})
	var open sync.Once
	release := func() { open.Do(func() { close(gate) }) }
	t.Cleanup(release)
	r.loop.Subscribe(sysloop.Kind("test.gate"), func(sysloop.Event) { <-gate })
	if err := r.loop.Post(testContext(t), sysloop.Kind("test.gate"), nil); err != nil {
		t.Fatal(err)
	}

	if err := r.d.StartScan(types.ScanConfig{}, false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first scan held", r.radio.ReleaseScan)
	if err := r.d.StopScan(); err != nil {
		t.Fatal(err)
	}
	if err := r.d.StartScan(types.ScanConfig{SSID: "net-B"}, false); err != nil {
		t.Fatal(err)
	}
	release()

	time.Sleep(50 * time.Millisecond)
	if done, _ := r.d.IsScanDone(); done || !r.d.IsScanning() {
		t.Fatal("second scan completed by the first scan's ScanDone")
	}

	waitFor(t, "second scan held", r.radio.ReleaseScan)
	waitFor(t, "scan done", func() bool { ok, _ := r.d.IsScanDone(); return ok })
	res, _ := r.d.ScanResult()
	if len(res) != 1 || res[0].SSID != "net-B" {
		t.Fatalf("result = %+v; want net-B only", res)
	}
}

func TestBlockingScanTimeout(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)}, WithScanTimeout(50*time.Millisecond))
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()
	r.radio.HoldScans(true)

	start := time.Now()
	err := r.d.StartScan(types.ScanConfig{}, true)
	if errcode.Of(err) != errcode.Timeout {
		t.Fatalf("err = %v; want Timeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not honoured")
	}
	if r.d.IsScanning() || countCalls(r.radio, "cancel_scan") == 0 {
		t.Fatal("timed-out scan not cancelled")
	}
	if r.d.Stats().ScanTimeouts != 1 {
		t.Fatalf("stats = %+v", r.d.Stats())
	}
}

func TestStopScanReleasesBlockedScan(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	_ = r.d.SetConfiguration(staA)
	_ = r.d.Start()
	r.radio.HoldScans(true)

	done := make(chan error, 1)
	go func() { done <- r.d.StartScan(types.ScanConfig{}, true) }()
	waitFor(t, "scan active", r.d.IsScanning)
	if err := r.d.StopScan(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if errcode.Of(err) != errcode.InvalidState {
			t.Fatalf("blocked scan err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked scan not released")
	}
}

func TestRadioFault(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	connect(t, r)

	r.radio.Fault("watchdog reset")
	waitState(t, r.d, types.StateStopped)

	if err := r.d.Start(); errcode.Of(err) != errcode.RadioFault {
		t.Fatalf("first call after fault err = %v", err)
	}
	if err := r.d.Start(); err != nil {
		t.Fatalf("fault should surface once: %v", err)
	}
	if r.d.Stats().Faults != 1 {
		t.Fatalf("stats = %+v", r.d.Stats())
	}
}

func TestFramesInOrder(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA), sim.WithLoopback()})
	var (
		mu     sync.Mutex
		rx, tx []byte
	)
	err := r.d.SetCallbacks(
		func(dev types.DeviceID, f []byte) error {
			mu.Lock()
			rx = append(rx, f[0])
			mu.Unlock()
			return nil
		},
		func(dev types.DeviceID, f []byte, ok bool) {
			mu.Lock()
			if ok {
				tx = append(tx, f[0])
			}
			mu.Unlock()
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.d.Send(types.DeviceStation, []byte{0}); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("send while stopped err = %v", err)
	}
	connect(t, r)
	if err := r.d.Send(types.DeviceAccessPoint, []byte{0}); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("ap send in station mode err = %v", err)
	}

	for i := byte(1); i <= 10; i++ {
		if err := r.d.Send(types.DeviceStation, []byte{i}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rx) == 10 && len(tx) == 10
	})
	for i := 0; i < 10; i++ {
		if rx[i] != byte(i+1) || tx[i] != byte(i+1) {
			t.Fatalf("out of order: rx=%v tx=%v", rx, tx)
		}
	}
}

func TestSetCallbacksRules(t *testing.T) {
	r := newRig(t, nil)
	rx := func(types.DeviceID, []byte) error { return nil }
	tx := func(types.DeviceID, []byte, bool) {}

	if err := r.d.SetCallbacks(nil, tx); errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("nil rx err = %v", err)
	}
	if err := r.d.SetCallbacks(rx, tx); err != nil {
		t.Fatal(err)
	}
	if err := r.d.SetCallbacks(rx, tx); errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("second SetCallbacks err = %v", err)
	}

}

func TestSetCallbacksAfterStart(t *testing.T) {
	r := newRig(t, nil)
	_ = r.d.SetConfiguration(types.AccessPointConfig{SSID: "hal-ap"})
	if err := r.d.Start(); err != nil {
		t.Fatal(err)
	}
	err := r.d.SetCallbacks(func(types.DeviceID, []byte) error { return nil }, func(types.DeviceID, []byte, bool) {})
	if errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("SetCallbacks after Start err = %v", err)
	}
	// stopping does not reopen the window
	_ = r.d.Stop()
	err = r.d.SetCallbacks(func(types.DeviceID, []byte) error { return nil }, func(types.DeviceID, []byte, bool) {})
	if errcode.Of(err) != errcode.InvalidState {
		t.Fatalf("SetCallbacks after Stop err = %v", err)
	}
}

func TestNoCallbackAfterClose(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA), sim.WithLoopback()}, WithFrameQueue(4), WithEnqueueWait(time.Millisecond))
	var (
		closed atomic.Bool
		late   atomic.Int32
	)
	cb := func() {
		time.Sleep(100 * time.Microsecond)
		if closed.Load() {
			late.Add(1)
		}
	}
	_ = r.d.SetCallbacks(
		func(types.DeviceID, []byte) error { cb(); return nil },
		func(types.DeviceID, []byte, bool) { cb() },
	)
	connect(t, r)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = r.radio.Inject(types.DeviceStation, []byte{1, 2, 3})
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)

	_ = r.d.Disconnect()
	if err := r.d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	closed.Store(true)
	time.Sleep(30 * time.Millisecond)
	close(stop)
	wg.Wait()

	if n := late.Load(); n != 0 {
		t.Fatalf("%d callbacks ran after Close", n)
	}
	if err := r.d.Start(); errcode.Of(err) != errcode.ResourceUnavailable {
		t.Fatalf("Start after Close err = %v", err)
	}
	if err := r.d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseWhileCallbackCallsDriver(t *testing.T) {
	r := newRig(t, nil)
	entered := make(chan struct{}, 1)
	sendErr := make(chan error, 1)
	_ = r.d.SetCallbacks(
		func(dev types.DeviceID, frame []byte) error {
			select {
			case entered <- struct{}{}:
			default:
				return nil
			}
			time.Sleep(100 * time.Millisecond)
			sendErr <- r.d.Send(types.DeviceAccessPoint, []byte{0xEE})
			return nil
		},
		func(types.DeviceID, []byte, bool) {},
	)
	_ = r.d.SetConfiguration(types.AccessPointConfig{SSID: "hal-ap"})
	if err := r.d.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.radio.Inject(types.DeviceAccessPoint, []byte{1}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("rx callback not invoked")
	}

	closed := make(chan error, 1)
	go func() { closed <- r.d.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a callback calling into the driver")
	}
	if err := <-sendErr; errcode.Of(err) != errcode.ResourceUnavailable {
		t.Fatalf("Send during Close err = %v; want resource_unavailable", err)
	}
}

func TestConcurrentClose(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA)})
	connect(t, r)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.d.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
			if r.d.State() != types.StateUninitialized {
				t.Error("Close returned before teardown finished")
			}
		}()
	}
	wg.Wait()
}

func TestHandleExclusive(t *testing.T) {
	r := newRig(t, nil)
	if _, err := New(r.h, r.loop, nil); errcode.Of(err) != errcode.ResourceUnavailable {
		t.Fatalf("second driver err = %v", err)
	}
	if _, err := radio.Take(sim.New(r.loop)); errcode.Of(err) != errcode.ResourceUnavailable {
		t.Fatalf("second radio claim err = %v", err)
	}
	_ = r.d.Close()
	h, err := radio.Take(sim.New(r.loop))
	if err != nil {
		t.Fatalf("claim after Close: %v", err)
	}
	h.Release()
	if _, err := New(r.h, r.loop, nil); errcode.Of(err) != errcode.ResourceUnavailable {
		t.Fatalf("New on released handle err = %v", err)
	}
}

func TestInitFailure(t *testing.T) {
	loop, _ := sysloop.New(sysloop.Config{QueueLen: 4})
	defer loop.Close()
	s := sim.New(loop)
	s.FailNext("init", errors.New("no firmware"))
	h, err := radio.Take(s)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()
	if _, err := New(h, loop, nil); errcode.Of(err) != errcode.RadioFault {
		t.Fatalf("err = %v; want RadioFault", err)
	}
	d, err := New(h, loop, nil)
	if err != nil {
		t.Fatalf("handle not unbound after failed init: %v", err)
	}
	_ = d.Close()
}

func TestConfigurationPersists(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA), sim.WithCalibration([]byte("phy-cal-42"))})
	mixed := types.MixedConfig{
		Station:     types.StationConfig{SSID: "net-A", Auth: types.AuthWPA2Personal, Password: "secret123", Channel: 6},
		AccessPoint: types.AccessPointConfig{SSID: "hal-ap", Auth: types.AuthWPA2Personal, Password: "ap-secret"},
	}
	if err := r.d.SetConfiguration(mixed); err != nil {
		t.Fatal(err)
	}
	_ = r.d.Start()
	_ = r.d.Close()

	s2 := sim.New(r.loop)
	h, err := radio.Take(s2)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := New(h, r.loop, r.part)
	if err != nil {
		h.Release()
		t.Fatal(err)
	}
	defer d2.Close()

	got, ok := d2.Configuration()
	if !ok {
		t.Fatal("configuration not restored")
	}
	m, isMixed := got.(types.MixedConfig)
	if !isMixed || m.Station.SSID != "net-A" || m.AccessPoint.SSID != "hal-ap" || m.AccessPoint.Channel != 6 {
		t.Fatalf("restored = %+v", got)
	}
	if m.AccessPoint.IP.Static != types.DefaultAPAddress {
		t.Fatalf("ap address = %+v", m.AccessPoint.IP)
	}
	if string(s2.Restored()) != "phy-cal-42" {
		t.Fatalf("calibration restored = %q", s2.Restored())
	}
}

func TestPersistFailureKeepsConfiguration(t *testing.T) {
	r := newRig(t, nil)
	if err := r.d.SetConfiguration(staA); err != nil {
		t.Fatal(err)
	}
	r.mem.FailWrites = true
	next := types.StationConfig{SSID: "net-B"}
	if err := r.d.SetConfiguration(next); errcode.Of(err) != errcode.StorageError {
		t.Fatalf("err = %v; want StorageError", err)
	}
	r.mem.FailWrites = false
	got, _ := r.d.Configuration()
	if sc, _ := types.StationOf(got); sc.SSID != "net-A" {
		t.Fatalf("staged = %+v", got)
	}
}

func TestVolatileWithoutPartition(t *testing.T) {
	loop, _ := sysloop.New(sysloop.Config{QueueLen: 8})
	defer loop.Close()
	h, err := radio.Take(sim.New(loop))
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(h, loop, nil)
	if err != nil {
		h.Release()
		t.Fatal(err)
	}
	if err := d.SetConfiguration(staA); err != nil {
		t.Fatal(err)
	}
	_ = d.Close()
}

// Transitions into Connecting only come from Started via Connect, and into
// Connected only from Connecting, whatever the call sequence.
func TestStateMachineNeverSkipsConnect(t *testing.T) {
	r := newRig(t, []sim.Option{sim.WithNetworks(netA), sim.WithJoinDelay(time.Millisecond)})
	var (
		mu  sync.Mutex
		bad []types.StateChanged
	)
	sub := r.loop.Subscribe(sysloop.StateChanged, func(ev sysloop.Event) {
		sc := ev.Payload.(types.StateChanged)
		ok := true
		switch sc.To {
		case types.StateConnecting:
			ok = sc.From == types.StateStarted
		case types.StateConnected:
			ok = sc.From == types.StateConnecting
		}
		if !ok {
			mu.Lock()
			bad = append(bad, sc)
			mu.Unlock()
		}
	})
	defer sub.Unsubscribe()

	_ = r.d.SetConfiguration(staA)
	rng := rand.New(rand.NewSource(7))
	ops := []func() error{r.d.Start, r.d.Stop, r.d.Connect, r.d.Disconnect}
	for i := 0; i < 300; i++ {
		_ = ops[rng.Intn(len(ops))]()
		if rng.Intn(4) == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(bad) > 0 {
		t.Fatalf("illegal transitions: %+v", bad)
	}
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
