package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wifihal-go/errcode"
	"wifihal-go/types"
)

const sample = `
log:
  level: debug
radio:
  kind: AT
  serial:
    device: /dev/ttyS3
    parity: e
nvs:
  path: /var/lib/wifihal/nvs.bin
wifi:
  mode: sta
  auto_connect: true
  scan_timeout: 2s
  station:
    ssid: net-A
    auth: wpa2
    password: secret123
sim:
  networks:
    - ssid: net-A
      bssid: "02:00:00:00:00:a1"
      channel: 6
      rssi: -48
      auth: wpa2
      password: secret123
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "wifid.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, sample)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.File != path {
		t.Fatalf("File = %q", cfg.File)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level = %v", cfg.Log.SlogLevel())
	}
	if cfg.Radio.Kind != "at" || cfg.Radio.Serial.Device != "/dev/ttyS3" || cfg.Radio.Serial.Parity != "E" {
		t.Fatalf("radio = %+v", cfg.Radio)
	}
	if cfg.Radio.Serial.BaudRate != 115200 {
		t.Fatalf("baud default lost: %d", cfg.Radio.Serial.BaudRate)
	}
	if cfg.NVS.Partition != "nvs" || cfg.NVS.Size != 16*1024 {
		t.Fatalf("nvs = %+v", cfg.NVS)
	}
	if !cfg.Wifi.AutoConnect || cfg.Wifi.ScanTimeout != 2*time.Second || cfg.Wifi.FrameQueue != 32 {
		t.Fatalf("wifi = %+v", cfg.Wifi)
	}

	wc, err := cfg.Wifi.Configuration()
	if err != nil {
		t.Fatal(err)
	}
	sc, ok := wc.(types.StationConfig)
	if !ok || sc.SSID != "net-A" || sc.Auth != types.AuthWPA2Personal || sc.Password != "secret123" {
		t.Fatalf("configuration = %#v", wc)
	}

	nets, err := cfg.Sim.SimNetworks()
	if err != nil {
		t.Fatal(err)
	}
	if len(nets) != 1 || nets[0].BSSID != (types.BSSID{0x02, 0, 0, 0, 0, 0xA1}) || nets[0].RSSI != -48 || nets[0].Channel != 6 {
		t.Fatalf("networks = %+v", nets)
	}

	port := cfg.Radio.Serial.Port()
	if port.Address != "/dev/ttyS3" || port.BaudRate != 115200 || port.Parity != "E" {
		t.Fatalf("port = %+v", port)
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.Kind != "sim" || cfg.Wifi.Mode != "none" || cfg.Wifi.ScanTimeout != 5*time.Second {
		t.Fatalf("defaults = %+v", cfg)
	}
	wc, err := cfg.Wifi.Configuration()
	if err != nil || wc != nil {
		t.Fatalf("configuration = %v, %v; want none", wc, err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WIFIHAL_RADIO_KIND", "at")
	t.Setenv("WIFIHAL_WIFI_MODE", "sta")
	t.Setenv("WIFIHAL_WIFI_STATION_SSID", "env-net")
	t.Setenv("WIFIHAL_WIFI_STATION_AUTH", "open")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.Kind != "at" {
		t.Fatalf("kind = %q", cfg.Radio.Kind)
	}
	wc, err := cfg.Wifi.Configuration()
	if err != nil {
		t.Fatal(err)
	}
	if sc, ok := wc.(types.StationConfig); !ok || sc.SSID != "env-net" || sc.Auth != types.AuthNone {
		t.Fatalf("configuration = %#v", wc)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing explicit file accepted")
	}
	_, err := Load(writeFile(t, "radio:\n  kind: zigbee\n"))
	if errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("bad kind err = %v", err)
	}
	_, err = Load(writeFile(t, "nvs:\n  size: 0\n"))
	if errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("bad size err = %v", err)
	}
}

func TestInvalidWifiSection(t *testing.T) {
	cfg, err := Load(writeFile(t, "wifi:\n  mode: sta\n  station:\n    ssid: x\n    auth: wpa2\n    password: short\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Wifi.Configuration(); errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("err = %v; want InvalidConfig", err)
	}

	bad := SimNetwork{SSID: "x", Auth: "wpa9"}
	if _, err := bad.Network(); errcode.Of(err) != errcode.InvalidConfig {
		t.Fatalf("sim auth err = %v", err)
	}
}
