package types

import (
	"net/netip"

	"tinygo.org/x/drivers/netlink"

	"wifihal-go/errcode"
)

// Configuration is the desired operating mode. It is one of
// StationConfig, AccessPointConfig or MixedConfig.
type Configuration interface {
	Mode() Mode
	isConfiguration()
}

// IPMode selects how an interface obtains its address.
type IPMode uint8

const (
	IPDHCP IPMode = iota
	IPStatic
)

func (m IPMode) String() string {
	if m == IPStatic {
		return "static"
	}
	return "dhcp"
}

// IPSettings is the address assignment policy of one interface.
type IPSettings struct {
	Mode   IPMode
	Static IPInfo // used when Mode == IPStatic
}

type StationConfig struct {
	SSID     string
	BSSID    *BSSID
	Auth     AuthMethod
	Password string
	Channel  uint8 // 0 = any
	IP       IPSettings
}

type AccessPointConfig struct {
	SSID           string
	SSIDHidden     bool
	Channel        uint8 // 0 = DefaultAPChannel
	Auth           AuthMethod
	Password       string
	MaxConnections uint16 // 0 = DefaultAPMaxConnections
	IP             IPSettings
}

type MixedConfig struct {
	Station     StationConfig
	AccessPoint AccessPointConfig
}

func (StationConfig) Mode() Mode     { return ModeStation }
func (AccessPointConfig) Mode() Mode { return ModeAccessPoint }
func (MixedConfig) Mode() Mode       { return ModeMixed }

func (StationConfig) isConfiguration()     {}
func (AccessPointConfig) isConfiguration() {}
func (MixedConfig) isConfiguration()       {}

const (
	DefaultAPChannel        = 1
	DefaultAPMaxConnections = 4
	MaxAPConnections        = 10

	minPassphrase = 8
	maxPassphrase = 64
)

// DefaultAPAddress is the access point interface address when none is configured.
var DefaultAPAddress = IPInfo{
	IP:      netip.AddrFrom4([4]byte{192, 168, 71, 1}),
	Netmask: netip.AddrFrom4([4]byte{255, 255, 255, 0}),
	Gateway: netip.AddrFrom4([4]byte{192, 168, 71, 1}),
}

// StationOf returns the station part of cfg, if any.
func StationOf(cfg Configuration) (StationConfig, bool) {
	switch c := cfg.(type) {
	case StationConfig:
		return c, true
	case MixedConfig:
		return c.Station, true
	}
	return StationConfig{}, false
}

// AccessPointOf returns the access point part of cfg, if any.
func AccessPointOf(cfg Configuration) (AccessPointConfig, bool) {
	switch c := cfg.(type) {
	case AccessPointConfig:
		return c, true
	case MixedConfig:
		return c.AccessPoint, true
	}
	return AccessPointConfig{}, false
}

// ModeOf is cfg.Mode() tolerating nil.
func ModeOf(cfg Configuration) Mode {
	if cfg == nil {
		return ModeNone
	}
	return cfg.Mode()
}

// Normalize fills access point defaults. Station fields are left as given.
func Normalize(cfg Configuration) Configuration {
	switch c := cfg.(type) {
	case AccessPointConfig:
		return c.withDefaults()
	case MixedConfig:
		// both roles share one radio channel
		if c.AccessPoint.Channel == 0 {
			c.AccessPoint.Channel = c.Station.Channel
		}
		c.AccessPoint = c.AccessPoint.withDefaults()
		return c
	}
	return cfg
}

func (c AccessPointConfig) withDefaults() AccessPointConfig {
	if c.Channel == 0 {
		c.Channel = DefaultAPChannel
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultAPMaxConnections
	}
	// an unset policy means the default static address; DHCP with an
	// explicit address stays as given and fails validation
	if !c.IP.Static.IP.IsValid() {
		c.IP = IPSettings{Mode: IPStatic, Static: DefaultAPAddress}
	}
	return c
}

// Validate checks cfg for internal consistency. Unknown variants are rejected.
func Validate(cfg Configuration) error {
	const op = "validate"
	switch c := cfg.(type) {
	case nil:
		return errcode.New(errcode.InvalidConfig, op, "no configuration")
	case StationConfig:
		return c.validate()
	case AccessPointConfig:
		return c.validate()
	case MixedConfig:
		if err := c.Station.validate(); err != nil {
			return err
		}
		if err := c.AccessPoint.validate(); err != nil {
			return err
		}
		if c.Station.Channel != 0 && c.AccessPoint.Channel != 0 && c.Station.Channel != c.AccessPoint.Channel {
			return errcode.New(errcode.InvalidConfig, op, "station and access point channels differ")
		}
		return nil
	default:
		return errcode.New(errcode.InvalidConfig, op, "unknown configuration variant")
	}
}

func (c StationConfig) validate() error {
	const op = "validate_sta"
	if c.SSID == "" {
		return &errcode.E{C: errcode.InvalidConfig, Op: op, Err: netlink.ErrMissingSSID}
	}
	if len(c.SSID) > MaxSSIDLen {
		return errcode.New(errcode.InvalidConfig, op, "ssid longer than 32 bytes")
	}
	if c.Channel > MaxChannel {
		return errcode.New(errcode.InvalidConfig, op, "channel out of range")
	}
	if err := validateSecret(op, c.Auth, c.Password); err != nil {
		return err
	}
	return validateIP(op, c.IP)
}

func (c AccessPointConfig) validate() error {
	const op = "validate_ap"
	if c.SSID == "" {
		return &errcode.E{C: errcode.InvalidConfig, Op: op, Err: netlink.ErrMissingSSID}
	}
	if len(c.SSID) > MaxSSIDLen {
		return errcode.New(errcode.InvalidConfig, op, "ssid longer than 32 bytes")
	}
	if c.Channel > 13 {
		return errcode.New(errcode.InvalidConfig, op, "channel out of range")
	}
	if c.MaxConnections > MaxAPConnections {
		return errcode.New(errcode.InvalidConfig, op, "too many connections")
	}
	if c.Auth == AuthWEP {
		return &errcode.E{C: errcode.InvalidConfig, Op: op, Err: netlink.ErrAuthTypeNoGood}
	}
	if err := validateSecret(op, c.Auth, c.Password); err != nil {
		return err
	}
	if c.IP.Mode != IPStatic && c.IP.Static.IP.IsValid() {
		return errcode.New(errcode.InvalidConfig, op, "access point requires a static address")
	}
	return validateIP(op, c.IP)
}

func validateSecret(op string, auth AuthMethod, pw string) error {
	switch auth {
	case AuthNone:
		if pw != "" {
			return errcode.New(errcode.InvalidConfig, op, "password set for open network")
		}
	case AuthWEP:
		switch len(pw) {
		case 5, 10, 13, 26:
		default:
			return errcode.New(errcode.InvalidConfig, op, "wep key must be 5, 10, 13 or 26 characters")
		}
	case AuthWPA, AuthWPA2Personal, AuthWPAWPA2Personal, AuthWPA3Personal, AuthWPA2WPA3Personal:
		if len(pw) < minPassphrase {
			return &errcode.E{C: errcode.InvalidConfig, Op: op, Err: netlink.ErrShortPassphrase}
		}
		if len(pw) > maxPassphrase {
			return errcode.New(errcode.InvalidConfig, op, "passphrase longer than 64 characters")
		}
	default:
		return &errcode.E{C: errcode.InvalidConfig, Op: op, Err: netlink.ErrAuthTypeNoGood}
	}
	return nil
}

func validateIP(op string, s IPSettings) error {
	switch s.Mode {
	case IPDHCP:
		return nil
	case IPStatic:
		// zero address is filled by Normalize for access points
		if !s.Static.IP.IsValid() {
			return nil
		}
		if !s.Static.IP.Is4() || !s.Static.Netmask.Is4() {
			return errcode.New(errcode.InvalidConfig, op, "static address needs ipv4 address and netmask")
		}
		if s.Static.Gateway.IsValid() && !s.Static.Gateway.Is4() {
			return errcode.New(errcode.InvalidConfig, op, "gateway must be ipv4")
		}
		return nil
	default:
		return errcode.New(errcode.InvalidConfig, op, "unknown ip mode")
	}
}
