package netlinkradio

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/drivers/netlink"

	"wifihal-go/errcode"
	"wifihal-go/sysloop"
	"wifihal-go/types"
)

type fakeLink struct {
	mu       sync.Mutex
	cb       func(netlink.Event)
	params   []netlink.ConnectParams
	err      error
	notifyUp bool
	sent     [][]byte
	downs    int
}

func (f *fakeLink) NetConnect(p *netlink.ConnectParams) error {
	f.mu.Lock()
	f.params = append(f.params, *p)
	err, up, cb := f.err, f.notifyUp, f.cb
	f.mu.Unlock()
	if err == nil && up && cb != nil {
		cb(netlink.EventNetUp)
	}
	return err
}

func (f *fakeLink) NetDisconnect() {
	f.mu.Lock()
	f.downs++
	f.mu.Unlock()
}

func (f *fakeLink) NetNotify(cb func(netlink.Event)) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeLink) GetHardwareAddr() (net.HardwareAddr, error) {
	return net.HardwareAddr{0x02, 0, 0, 0, 0, 0x42}, nil
}

func (f *fakeLink) SendEth(pkt []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), pkt...))
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) fire(ev netlink.Event) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(ev)
}

var staA = types.StationConfig{SSID: "net-A", Auth: types.AuthWPA2Personal, Password: "secret123"}

func newRig(t *testing.T, f *fakeLink) (*Radio, <-chan sysloop.Event) {
	t.Helper()
	loop, err := sysloop.New(sysloop.Config{QueueLen: 16})
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan sysloop.Event, 64)
	loop.Subscribe(sysloop.Any, func(ev sysloop.Event) { ch <- ev })
	r := New(f, loop)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = r.Deinit()
		loop.Close()
	})
	return r, ch
}

func next(t *testing.T, ch <-chan sysloop.Event, want sysloop.Kind) sysloop.Event {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Kind != want {
			t.Fatalf("event = %s %+v; want %s", ev.Kind, ev.Payload, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", want)
	}
	return sysloop.Event{}
}

func join(t *testing.T, r *Radio, cfg types.StationConfig) {
	t.Helper()
	if err := r.ApplyConfiguration(cfg); err != nil {
		t.Fatal(err)
	}
	if err := r.PowerUp(types.ModeStation); err != nil {
		t.Fatal(err)
	}
	if err := r.BeginAssociation(); err != nil {
		t.Fatal(err)
	}
}

func TestConnectReportsOnce(t *testing.T) {
	for _, notifyUp := range []bool{false, true} {
		f := &fakeLink{notifyUp: notifyUp}
		r, ch := newRig(t, f)
		join(t, r, staA)
		ev := next(t, ch, sysloop.AssociationSuccess).Payload.(types.AssociationSuccess)
		if ev.SSID != "net-A" {
			t.Fatalf("ssid = %q", ev.SSID)
		}
		select {
		case extra := <-ch:
			t.Fatalf("notifyUp=%v: unexpected %s", notifyUp, extra.Kind)
		case <-time.After(20 * time.Millisecond):
		}
		f.mu.Lock()
		p := f.params[0]
		f.mu.Unlock()
		if p.Ssid != "net-A" || p.Passphrase != "secret123" || p.AuthType != netlink.AuthTypeWPA2 || p.ConnectMode != netlink.ConnectModeSTA {
			t.Fatalf("params = %+v", p)
		}
	}
}

func TestStaticAddressOnConnect(t *testing.T) {
	f := &fakeLink{}
	r, ch := newRig(t, f)
	ip := types.IPInfo{
		IP:      netip.MustParseAddr("10.0.0.5"),
		Netmask: netip.MustParseAddr("255.255.255.0"),
		Gateway: netip.MustParseAddr("10.0.0.1"),
	}
	cfg := staA
	cfg.IP = types.IPSettings{Mode: types.IPStatic, Static: ip}
	join(t, r, cfg)
	next(t, ch, sysloop.AssociationSuccess)
	if got := next(t, ch, sysloop.IPAcquired).Payload.(types.IPAcquired).Info; got != ip {
		t.Fatalf("address = %+v", got)
	}
}

func TestConnectFailureReasons(t *testing.T) {
	cases := []struct {
		err  error
		want uint16
	}{
		{netlink.ErrConnectTimeout, types.ReasonHandshakeTimeout},
		{netlink.ErrAuthFailure, types.ReasonAuthFail},
		{netlink.ErrConnectFailed, types.ReasonConnectionFail},
	}
	for _, c := range cases {
		f := &fakeLink{err: c.err}
		r, ch := newRig(t, f)
		join(t, r, staA)
		lost := next(t, ch, sysloop.AssociationLost).Payload.(types.AssociationLost)
		if lost.Reason != c.want {
			t.Errorf("%v: reason = %d; want %d", c.err, lost.Reason, c.want)
		}
	}
}

func TestLinkDownAndLeave(t *testing.T) {
	f := &fakeLink{}
	r, ch := newRig(t, f)
	join(t, r, staA)
	next(t, ch, sysloop.AssociationSuccess)

	f.fire(netlink.EventNetDown)
	next(t, ch, sysloop.IPLost)
	if got := next(t, ch, sysloop.AssociationLost).Payload.(types.AssociationLost).Reason; got != types.ReasonBeaconTimeout {
		t.Fatalf("reason = %d", got)
	}

	if err := r.BeginAssociation(); err != nil {
		t.Fatal(err)
	}
	next(t, ch, sysloop.AssociationSuccess)
	if err := r.EndAssociation(); err != nil {
		t.Fatal(err)
	}
	next(t, ch, sysloop.IPLost)
	if got := next(t, ch, sysloop.AssociationLost).Payload.(types.AssociationLost).Reason; got != types.ReasonAssocLeave {
		t.Fatalf("leave reason = %d", got)
	}
}

func TestUnsupported(t *testing.T) {
	f := &fakeLink{}
	r, _ := newRig(t, f)
	if err := r.BeginScan(1, types.ScanConfig{}); errcode.MapDriverErr(err) != errcode.Unsupported {
		t.Fatalf("scan err = %v", err)
	}
	mixed := types.Normalize(types.MixedConfig{Station: staA, AccessPoint: types.AccessPointConfig{SSID: "ap"}})
	if err := r.ApplyConfiguration(mixed); !errors.Is(err, netlink.ErrConnectModeNoGood) {
		t.Fatalf("mixed err = %v", err)
	}
	if err := r.PowerUp(types.ModeStation); err != nil {
		t.Fatal(err)
	}
	if err := r.SubmitFrame(types.DeviceAccessPoint, []byte{1}); !errors.Is(err, netlink.ErrNotSupported) {
		t.Fatalf("ap frame err = %v", err)
	}
}

func TestSendEth(t *testing.T) {
	f := &fakeLink{}
	r, ch := newRig(t, f)
	join(t, r, staA)
	next(t, ch, sysloop.AssociationSuccess)
	if err := r.SubmitFrame(types.DeviceStation, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if !next(t, ch, sysloop.FrameSent).Payload.(types.FrameSent).OK {
		t.Fatal("frame not reported sent")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) != 1 || f.sent[0][1] != 0xBB {
		t.Fatalf("sent = %x", f.sent)
	}
}

func TestHardwareAddr(t *testing.T) {
	r, _ := newRig(t, &fakeLink{})
	mac, err := r.HardwareAddr()
	if err != nil || mac != (types.BSSID{0x02, 0, 0, 0, 0, 0x42}) {
		t.Fatalf("mac = %s, %v", mac, err)
	}
}
