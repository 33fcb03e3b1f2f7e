package types

import (
	"encoding/hex"
	"errors"
	"net/netip"
	"strings"
)

// ---- Device roles ----

// DeviceID names the logical radio role a frame, event or callback belongs to.
type DeviceID uint8

const (
	DeviceAccessPoint DeviceID = iota
	DeviceStation
)

func (d DeviceID) String() string {
	switch d {
	case DeviceAccessPoint:
		return "ap"
	case DeviceStation:
		return "sta"
	default:
		return "unknown"
	}
}

// ---- Driver state ----

// State is the connection state machine position of a driver.
// Scanning is tracked separately since it can overlap Started and above.
type State uint8

const (
	StateUninitialized State = iota
	StateStopped
	StateStarted
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStopped:
		return "stopped"
	case StateStarted:
		return "started"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Started reports whether the radio is powered in this state.
func (s State) Started() bool { return s >= StateStarted }

// ---- Operating mode ----

type Mode uint8

const (
	ModeNone Mode = iota
	ModeStation
	ModeAccessPoint
	ModeMixed
)

func (m Mode) String() string {
	switch m {
	case ModeStation:
		return "sta"
	case ModeAccessPoint:
		return "ap"
	case ModeMixed:
		return "apsta"
	default:
		return "none"
	}
}

// HasStation reports whether the mode runs a station role.
func (m Mode) HasStation() bool { return m == ModeStation || m == ModeMixed }

// HasAccessPoint reports whether the mode runs an access point role.
func (m Mode) HasAccessPoint() bool { return m == ModeAccessPoint || m == ModeMixed }

// ParseMode accepts "sta", "ap", "apsta" (and a few aliases).
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sta", "station", "client":
		return ModeStation, true
	case "ap", "accesspoint", "access_point":
		return ModeAccessPoint, true
	case "apsta", "mixed":
		return ModeMixed, true
	case "", "none":
		return ModeNone, true
	}
	return ModeNone, false
}

// ---- Security ----

type AuthMethod uint8

const (
	AuthNone AuthMethod = iota
	AuthWEP
	AuthWPA
	AuthWPA2Personal
	AuthWPAWPA2Personal
	AuthWPA3Personal
	AuthWPA2WPA3Personal
)

var authNames = [...]string{"open", "wep", "wpa", "wpa2", "wpa/wpa2", "wpa3", "wpa2/wpa3"}

func (a AuthMethod) String() string {
	if int(a) < len(authNames) {
		return authNames[a]
	}
	return "unknown"
}

// ParseAuthMethod is the inverse of String.
func ParseAuthMethod(s string) (AuthMethod, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" {
		return AuthNone, true
	}
	for i, n := range authNames {
		if n == s {
			return AuthMethod(i), true
		}
	}
	return AuthNone, false
}

// ---- Addresses ----

// BSSID is an access point MAC address.
type BSSID [6]byte

func (b BSSID) String() string {
	var sb strings.Builder
	for i, x := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString([]byte{x}))
	}
	return sb.String()
}

var errBadBSSID = errors.New("bad_bssid")

// ParseBSSID parses "aa:bb:cc:dd:ee:ff" (or '-' separated).
func ParseBSSID(s string) (BSSID, error) {
	var b BSSID
	s = strings.ReplaceAll(s, "-", ":")
	parts := strings.Split(s, ":")
	if len(parts) != len(b) {
		return b, errBadBSSID
	}
	for i, p := range parts {
		if len(p) != 2 {
			return b, errBadBSSID
		}
		v, err := hex.DecodeString(p)
		if err != nil {
			return b, errBadBSSID
		}
		b[i] = v[0]
	}
	return b, nil
}

// IPInfo is the address configuration assigned to an interface.
type IPInfo struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
}

// Valid reports whether an address and netmask are present.
func (i IPInfo) Valid() bool { return i.IP.IsValid() && i.Netmask.IsValid() }
