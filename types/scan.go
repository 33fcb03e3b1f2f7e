package types

import (
	"time"

	"wifihal-go/errcode"
	"wifihal-go/x/mathx"
)

type ScanKind uint8

const (
	ScanActive ScanKind = iota
	ScanPassive
)

func (k ScanKind) String() string {
	if k == ScanPassive {
		return "passive"
	}
	return "active"
}

// Per-channel dwell bounds.
const (
	DefaultActiveMax = 120 * time.Millisecond
	DefaultPassive   = 360 * time.Millisecond
	MaxDwell         = 1500 * time.Millisecond

	MaxSSIDLen = 32
	MaxChannel = 14
)

// ScanConfig describes one scan request. Zero value scans every channel actively.
type ScanConfig struct {
	BSSID      *BSSID // nil = any
	SSID       string // "" = any
	Channel    uint8  // 0 = all
	Kind       ScanKind
	ActiveMin  time.Duration
	ActiveMax  time.Duration
	Passive    time.Duration
	ShowHidden bool
}

// Validate rejects requests the radio cannot express.
func (c ScanConfig) Validate() error {
	const op = "scan_config"
	if len(c.SSID) > MaxSSIDLen {
		return errcode.New(errcode.InvalidConfig, op, "ssid longer than 32 bytes")
	}
	if c.Channel > MaxChannel {
		return errcode.New(errcode.InvalidConfig, op, "channel out of range")
	}
	if c.Kind != ScanActive && c.Kind != ScanPassive {
		return errcode.New(errcode.InvalidConfig, op, "unknown scan kind")
	}
	if c.ActiveMin < 0 || c.ActiveMax < 0 || c.Passive < 0 {
		return errcode.New(errcode.InvalidConfig, op, "negative dwell time")
	}
	if c.Kind == ScanActive && c.ActiveMax != 0 && c.ActiveMin > c.ActiveMax {
		return errcode.New(errcode.InvalidConfig, op, "active min dwell exceeds max")
	}
	return nil
}

// Normalized fills default dwell times and clamps them to MaxDwell.
func (c ScanConfig) Normalized() ScanConfig {
	switch c.Kind {
	case ScanPassive:
		if c.Passive == 0 {
			c.Passive = DefaultPassive
		}
		c.Passive = mathx.Clamp(c.Passive, time.Millisecond, MaxDwell)
	default:
		if c.ActiveMax == 0 {
			c.ActiveMax = max(DefaultActiveMax, c.ActiveMin)
		}
		c.ActiveMax = mathx.Clamp(c.ActiveMax, time.Millisecond, MaxDwell)
		c.ActiveMin = mathx.Clamp(c.ActiveMin, 0, c.ActiveMax)
	}
	return c
}

// Dwell is the time spent per channel.
func (c ScanConfig) Dwell() time.Duration {
	n := c.Normalized()
	if n.Kind == ScanPassive {
		return n.Passive
	}
	return n.ActiveMax
}

// Matches reports whether ap passes the request's filters.
func (c ScanConfig) Matches(ap AccessPointInfo) bool {
	if c.BSSID != nil && *c.BSSID != ap.BSSID {
		return false
	}
	if c.SSID != "" && c.SSID != ap.SSID {
		return false
	}
	if c.Channel != 0 && c.Channel != ap.Channel {
		return false
	}
	if ap.SSID == "" && !c.ShowHidden {
		return false
	}
	return true
}

// AccessPointInfo is one scan result, in radio-reported order.
type AccessPointInfo struct {
	SSID           string
	BSSID          BSSID
	Channel        uint8
	SignalStrength int8 // dBm
	Auth           AuthMethod
}

// Quality maps signal strength to 0..100 (-100 dBm .. -50 dBm).
func (ap AccessPointInfo) Quality() int {
	q := 2 * (int(ap.SignalStrength) + 100)
	return mathx.Clamp(q, 0, 100)
}
