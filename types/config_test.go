package types

import (
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"tinygo.org/x/drivers/netlink"

	"wifihal-go/errcode"
)

func TestValidate(t *testing.T) {
	static := IPSettings{Mode: IPStatic, Static: IPInfo{
		IP:      netip.MustParseAddr("10.1.0.2"),
		Netmask: netip.MustParseAddr("255.255.0.0"),
	}}
	cases := []struct {
		name string
		cfg  Configuration
		ok   bool
	}{
		{"nil", nil, false},
		{"station", StationConfig{SSID: "net", Auth: AuthWPA2Personal, Password: "12345678"}, true},
		{"open station", StationConfig{SSID: "net"}, true},
		{"open with password", StationConfig{SSID: "net", Password: "12345678"}, false},
		{"missing ssid", StationConfig{Auth: AuthNone}, false},
		{"long ssid", StationConfig{SSID: "0123456789abcdef0123456789abcdefX"}, false},
		{"short passphrase", StationConfig{SSID: "net", Auth: AuthWPA3Personal, Password: "1234567"}, false},
		{"long passphrase", StationConfig{SSID: "net", Auth: AuthWPA, Password: string(make([]byte, 65))}, false},
		{"wep key", StationConfig{SSID: "net", Auth: AuthWEP, Password: "abcde"}, true},
		{"bad wep key", StationConfig{SSID: "net", Auth: AuthWEP, Password: "abcdef"}, false},
		{"unknown auth", StationConfig{SSID: "net", Auth: AuthMethod(42)}, false},
		{"station channel", StationConfig{SSID: "net", Channel: 15}, false},
		{"station static", StationConfig{SSID: "net", IP: static}, true},
		{"ipv6 static", StationConfig{SSID: "net", IP: IPSettings{Mode: IPStatic, Static: IPInfo{
			IP: netip.MustParseAddr("fe80::1"), Netmask: netip.MustParseAddr("255.255.255.0"),
		}}}, false},
		{"ap", Normalize(AccessPointConfig{SSID: "hal"}), true},
		{"ap wep", Normalize(AccessPointConfig{SSID: "hal", Auth: AuthWEP, Password: "abcde"}), false},
		{"ap channel", Normalize(AccessPointConfig{SSID: "hal", Channel: 14}), false},
		{"ap connections", Normalize(AccessPointConfig{SSID: "hal", MaxConnections: 11}), false},
		{"ap dhcp address", AccessPointConfig{SSID: "hal", Channel: 1, IP: IPSettings{Static: DefaultAPAddress}}, false},
		{"mixed", Normalize(MixedConfig{
			Station:     StationConfig{SSID: "up", Channel: 6},
			AccessPoint: AccessPointConfig{SSID: "down"},
		}), true},
		{"mixed channels differ", MixedConfig{
			Station:     StationConfig{SSID: "up", Channel: 6},
			AccessPoint: Normalize(AccessPointConfig{SSID: "down", Channel: 11}).(AccessPointConfig),
		}, false},
	}
	for _, c := range cases {
		err := Validate(c.cfg)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && errcode.Of(err) != errcode.InvalidConfig {
			t.Errorf("%s: err = %v; want invalid_config", c.name, err)
		}
	}
}

func TestValidateCauses(t *testing.T) {
	if err := Validate(StationConfig{}); !errors.Is(err, netlink.ErrMissingSSID) {
		t.Fatalf("err = %v", err)
	}
	if err := Validate(StationConfig{SSID: "n", Auth: AuthWPA2Personal, Password: "x"}); !errors.Is(err, netlink.ErrShortPassphrase) {
		t.Fatalf("err = %v", err)
	}
	if err := Validate(StationConfig{SSID: "n"}); err != nil {
		t.Fatal(err)
	}
}

func TestNormalize(t *testing.T) {
	ap := Normalize(AccessPointConfig{SSID: "hal"}).(AccessPointConfig)
	if ap.Channel != DefaultAPChannel || ap.MaxConnections != DefaultAPMaxConnections {
		t.Fatalf("ap = %+v", ap)
	}
	if ap.IP.Mode != IPStatic || ap.IP.Static != DefaultAPAddress {
		t.Fatalf("ap ip = %+v", ap.IP)
	}

	custom := IPInfo{IP: netip.MustParseAddr("10.9.0.1"), Netmask: netip.MustParseAddr("255.255.255.0")}
	ap = Normalize(AccessPointConfig{SSID: "hal", Channel: 9, IP: IPSettings{Mode: IPStatic, Static: custom}}).(AccessPointConfig)
	if ap.Channel != 9 || ap.IP.Static != custom {
		t.Fatalf("explicit values overwritten: %+v", ap)
	}

	m := Normalize(MixedConfig{
		Station:     StationConfig{SSID: "up", Channel: 11},
		AccessPoint: AccessPointConfig{SSID: "down"},
	}).(MixedConfig)
	if m.AccessPoint.Channel != 11 {
		t.Fatalf("mixed ap channel = %d; want station channel", m.AccessPoint.Channel)
	}

	sta := StationConfig{SSID: "x"}
	if got := Normalize(sta); !reflect.DeepEqual(got, sta) {
		t.Fatalf("station changed: %+v", got)
	}
}

func TestRoleAccessors(t *testing.T) {
	m := MixedConfig{Station: StationConfig{SSID: "up"}, AccessPoint: AccessPointConfig{SSID: "down"}}
	if s, ok := StationOf(m); !ok || s.SSID != "up" {
		t.Fatal("StationOf(mixed)")
	}
	if a, ok := AccessPointOf(m); !ok || a.SSID != "down" {
		t.Fatal("AccessPointOf(mixed)")
	}
	if _, ok := AccessPointOf(StationConfig{}); ok {
		t.Fatal("AccessPointOf(station)")
	}
	if _, ok := StationOf(AccessPointConfig{}); ok {
		t.Fatal("StationOf(ap)")
	}
	if ModeOf(nil) != ModeNone || ModeOf(m) != ModeMixed {
		t.Fatal("ModeOf")
	}
}

func TestStoredRoundTrip(t *testing.T) {
	bssid := BSSID{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	cfgs := []Configuration{
		StationConfig{SSID: "net", BSSID: &bssid, Auth: AuthWPA2Personal, Password: "secret123", Channel: 6},
		Normalize(AccessPointConfig{SSID: "hal", SSIDHidden: true, Auth: AuthWPA2WPA3Personal, Password: "password1"}),
		Normalize(MixedConfig{
			Station: StationConfig{SSID: "up", IP: IPSettings{Mode: IPStatic, Static: IPInfo{
				IP:      netip.MustParseAddr("10.0.0.5"),
				Netmask: netip.MustParseAddr("255.255.255.0"),
				Gateway: netip.MustParseAddr("10.0.0.1"),
			}}},
			AccessPoint: AccessPointConfig{SSID: "down"},
		}),
	}
	for _, cfg := range cfgs {
		got, err := ToStored(cfg).Configuration()
		if err != nil {
			t.Fatalf("%T: %v", cfg, err)
		}
		if !reflect.DeepEqual(got, cfg) {
			t.Errorf("round trip:\n got %#v\nwant %#v", got, cfg)
		}
	}

	if s := ToStored(nil); s.Mode != "none" {
		t.Fatalf("nil stored as %q", s.Mode)
	}
	if cfg, err := (Stored{Mode: "none"}).Configuration(); cfg != nil || err != nil {
		t.Fatalf("none = %v, %v", cfg, err)
	}
}

func TestStoredErrors(t *testing.T) {
	cases := []Stored{
		{Mode: "mesh"},
		{Mode: "sta"},
		{Mode: "ap"},
		{Mode: "sta", Station: &StoredStation{SSID: "x", Auth: "wpa9"}},
		{Mode: "sta", Station: &StoredStation{SSID: "x", BSSID: "zz"}},
		{Mode: "sta", Station: &StoredStation{SSID: "x", IP: StoredIP{Mode: "bootp"}}},
		{Mode: "ap", AccessPoint: &StoredAP{SSID: "x", IP: StoredIP{Mode: "static", Address: "300.1.1.1"}}},
	}
	for _, s := range cases {
		if _, err := s.Configuration(); errcode.Of(err) != errcode.InvalidConfig {
			t.Errorf("%+v: err = %v", s, err)
		}
	}
}
