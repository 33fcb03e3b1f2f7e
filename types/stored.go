package types

import (
	"fmt"
	"net/netip"

	"wifihal-go/errcode"
)

// Stored is the flat, text-keyed form of a Configuration. It is what the
// driver writes to NVS (as YAML) and what config files decode into.
type Stored struct {
	Mode        string         `yaml:"mode" mapstructure:"mode"`
	Station     *StoredStation `yaml:"station,omitempty" mapstructure:"station"`
	AccessPoint *StoredAP      `yaml:"access_point,omitempty" mapstructure:"access_point"`
}

type StoredIP struct {
	Mode    string `yaml:"mode,omitempty" mapstructure:"mode"`
	Address string `yaml:"address,omitempty" mapstructure:"address"`
	Netmask string `yaml:"netmask,omitempty" mapstructure:"netmask"`
	Gateway string `yaml:"gateway,omitempty" mapstructure:"gateway"`
}

type StoredStation struct {
	SSID     string   `yaml:"ssid" mapstructure:"ssid"`
	BSSID    string   `yaml:"bssid,omitempty" mapstructure:"bssid"`
	Auth     string   `yaml:"auth,omitempty" mapstructure:"auth"`
	Password string   `yaml:"password,omitempty" mapstructure:"password"`
	Channel  uint8    `yaml:"channel,omitempty" mapstructure:"channel"`
	IP       StoredIP `yaml:"ip,omitempty" mapstructure:"ip"`
}

type StoredAP struct {
	SSID           string   `yaml:"ssid" mapstructure:"ssid"`
	Hidden         bool     `yaml:"hidden,omitempty" mapstructure:"hidden"`
	Channel        uint8    `yaml:"channel,omitempty" mapstructure:"channel"`
	Auth           string   `yaml:"auth,omitempty" mapstructure:"auth"`
	Password       string   `yaml:"password,omitempty" mapstructure:"password"`
	MaxConnections uint16   `yaml:"max_connections,omitempty" mapstructure:"max_connections"`
	IP             StoredIP `yaml:"ip,omitempty" mapstructure:"ip"`
}

// ToStored flattens cfg. A nil configuration yields mode "none".
func ToStored(cfg Configuration) Stored {
	switch c := cfg.(type) {
	case StationConfig:
		return Stored{Mode: ModeStation.String(), Station: storeStation(c)}
	case AccessPointConfig:
		return Stored{Mode: ModeAccessPoint.String(), AccessPoint: storeAP(c)}
	case MixedConfig:
		return Stored{Mode: ModeMixed.String(), Station: storeStation(c.Station), AccessPoint: storeAP(c.AccessPoint)}
	}
	return Stored{Mode: ModeNone.String()}
}

func storeIP(s IPSettings) StoredIP {
	out := StoredIP{Mode: s.Mode.String()}
	if s.Static.IP.IsValid() {
		out.Address = s.Static.IP.String()
	}
	if s.Static.Netmask.IsValid() {
		out.Netmask = s.Static.Netmask.String()
	}
	if s.Static.Gateway.IsValid() {
		out.Gateway = s.Static.Gateway.String()
	}
	return out
}

func storeStation(c StationConfig) *StoredStation {
	s := &StoredStation{SSID: c.SSID, Auth: c.Auth.String(), Password: c.Password, Channel: c.Channel, IP: storeIP(c.IP)}
	if c.BSSID != nil {
		s.BSSID = c.BSSID.String()
	}
	return s
}

func storeAP(c AccessPointConfig) *StoredAP {
	return &StoredAP{
		SSID: c.SSID, Hidden: c.SSIDHidden, Channel: c.Channel, Auth: c.Auth.String(),
		Password: c.Password, MaxConnections: c.MaxConnections, IP: storeIP(c.IP),
	}
}

// Configuration rebuilds the typed configuration. It does not validate
// field values beyond parsing; run Validate on the result.
func (s Stored) Configuration() (Configuration, error) {
	const op = "stored_config"
	mode, ok := ParseMode(s.Mode)
	if !ok {
		return nil, errcode.New(errcode.InvalidConfig, op, fmt.Sprintf("unknown mode %q", s.Mode))
	}
	var (
		sta StationConfig
		ap  AccessPointConfig
		err error
	)
	if mode.HasStation() {
		if s.Station == nil {
			return nil, errcode.New(errcode.InvalidConfig, op, "mode "+s.Mode+" needs a station section")
		}
		if sta, err = s.Station.config(); err != nil {
			return nil, err
		}
	}
	if mode.HasAccessPoint() {
		if s.AccessPoint == nil {
			return nil, errcode.New(errcode.InvalidConfig, op, "mode "+s.Mode+" needs an access_point section")
		}
		if ap, err = s.AccessPoint.config(); err != nil {
			return nil, err
		}
	}
	switch mode {
	case ModeStation:
		return sta, nil
	case ModeAccessPoint:
		return ap, nil
	case ModeMixed:
		return MixedConfig{Station: sta, AccessPoint: ap}, nil
	}
	return nil, nil
}

func parseAuth(s string) (AuthMethod, error) {
	if s == "" {
		return AuthNone, nil
	}
	a, ok := ParseAuthMethod(s)
	if !ok {
		return 0, errcode.New(errcode.InvalidConfig, "stored_config", fmt.Sprintf("unknown auth %q", s))
	}
	return a, nil
}

func parseAddr(field, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &errcode.E{C: errcode.InvalidConfig, Op: "stored_config", Msg: field, Err: err}
	}
	return a, nil
}

func (s StoredIP) settings() (IPSettings, error) {
	var out IPSettings
	switch s.Mode {
	case "", "dhcp":
		out.Mode = IPDHCP
	case "static":
		out.Mode = IPStatic
	default:
		return out, errcode.New(errcode.InvalidConfig, "stored_config", fmt.Sprintf("unknown ip mode %q", s.Mode))
	}
	var err error
	if out.Static.IP, err = parseAddr("address", s.Address); err != nil {
		return out, err
	}
	if out.Static.Netmask, err = parseAddr("netmask", s.Netmask); err != nil {
		return out, err
	}
	if out.Static.Gateway, err = parseAddr("gateway", s.Gateway); err != nil {
		return out, err
	}
	return out, nil
}

func (s StoredStation) config() (StationConfig, error) {
	c := StationConfig{SSID: s.SSID, Password: s.Password, Channel: s.Channel}
	var err error
	if c.Auth, err = parseAuth(s.Auth); err != nil {
		return c, err
	}
	if s.BSSID != "" {
		b, err := ParseBSSID(s.BSSID)
		if err != nil {
			return c, &errcode.E{C: errcode.InvalidConfig, Op: "stored_config", Msg: "bssid", Err: err}
		}
		c.BSSID = &b
	}
	c.IP, err = s.IP.settings()
	return c, err
}

func (s StoredAP) config() (AccessPointConfig, error) {
	c := AccessPointConfig{
		SSID: s.SSID, SSIDHidden: s.Hidden, Channel: s.Channel,
		Password: s.Password, MaxConnections: s.MaxConnections,
	}
	var err error
	if c.Auth, err = parseAuth(s.Auth); err != nil {
		return c, err
	}
	c.IP, err = s.IP.settings()
	return c, err
}
