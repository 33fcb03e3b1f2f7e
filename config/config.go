// Package config loads the wifid daemon configuration from a YAML file,
// with WIFIHAL_* environment variables taking precedence.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/grid-x/serial"
	"github.com/spf13/viper"

	"wifihal-go/errcode"
	"wifihal-go/radio/sim"
	"wifihal-go/types"
)

const EnvPrefix = "WIFIHAL"

// Config is the top level configuration.
type Config struct {
	Log   LogConfig   `mapstructure:"log"`
	Radio RadioConfig `mapstructure:"radio"`
	NVS   NVSConfig   `mapstructure:"nvs"`
	Wifi  WifiConfig  `mapstructure:"wifi"`
	Sim   SimConfig   `mapstructure:"sim"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// LogConfig selects level and destination. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"` // debug, info, warn, error
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RadioConfig picks the transceiver: "sim" or "at" (serial coprocessor).
type RadioConfig struct {
	Kind   string       `mapstructure:"kind"`
	Serial SerialConfig `mapstructure:"serial"`
}

type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// NVSConfig locates the storage partition. An empty Path keeps it in memory.
type NVSConfig struct {
	Partition string `mapstructure:"partition"`
	Path      string `mapstructure:"path"`
	Size      int    `mapstructure:"size"`
}

// WifiConfig is the initial Wi-Fi configuration plus driver tuning. A
// configuration already stored in NVS takes precedence over Mode "none".
type WifiConfig struct {
	types.Stored `mapstructure:",squash"`

	AutoStart   bool          `mapstructure:"auto_start"`
	AutoConnect bool          `mapstructure:"auto_connect"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	FrameQueue  int           `mapstructure:"frame_queue"`
}

// SimConfig lists the networks the simulated radio can see.
type SimConfig struct {
	Networks []SimNetwork `mapstructure:"networks"`
}

type SimNetwork struct {
	SSID     string `mapstructure:"ssid"`
	BSSID    string `mapstructure:"bssid"`
	Channel  uint8  `mapstructure:"channel"`
	RSSI     int8   `mapstructure:"rssi"`
	Auth     string `mapstructure:"auth"`
	Password string `mapstructure:"password"`
	Hidden   bool   `mapstructure:"hidden"`
}

// env-only overrides for keys that have no default
var envKeys = []string{
	"wifi.station.ssid",
	"wifi.station.password",
	"wifi.station.auth",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("radio.kind", "sim")
	v.SetDefault("radio.serial.device", "/dev/ttyUSB0")
	v.SetDefault("radio.serial.baud_rate", 115200)
	v.SetDefault("radio.serial.data_bits", 8)
	v.SetDefault("radio.serial.parity", "N")
	v.SetDefault("radio.serial.stop_bits", 1)
	v.SetDefault("radio.serial.timeout", 100*time.Millisecond)

	v.SetDefault("nvs.partition", "nvs")
	v.SetDefault("nvs.path", "")
	v.SetDefault("nvs.size", 16*1024)

	v.SetDefault("wifi.mode", "none")
	v.SetDefault("wifi.auto_start", false)
	v.SetDefault("wifi.auto_connect", false)
	v.SetDefault("wifi.scan_timeout", 5*time.Second)
	v.SetDefault("wifi.frame_queue", 32)
}

// Load reads path, or wifid.yaml from the usual directories when path is
// empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wifid")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/wifihal/")
		v.AddConfigPath("$HOME/.wifihal")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.fixup(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fixup() error {
	const op = "config"
	c.Radio.Kind = strings.ToLower(strings.TrimSpace(c.Radio.Kind))
	switch c.Radio.Kind {
	case "sim", "at":
	default:
		return errcode.New(errcode.InvalidConfig, op, fmt.Sprintf("unknown radio kind %q", c.Radio.Kind))
	}
	c.Radio.Serial.Parity = strings.ToUpper(c.Radio.Serial.Parity)
	if c.NVS.Size <= 0 {
		return errcode.New(errcode.InvalidConfig, op, "nvs.size must be positive")
	}
	if c.Wifi.ScanTimeout <= 0 {
		c.Wifi.ScanTimeout = 5 * time.Second
	}
	return nil
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Port is the serial.Config for the coprocessor line.
func (s SerialConfig) Port() serial.Config {
	return serial.Config{
		Address:  s.Device,
		BaudRate: s.BaudRate,
		DataBits: s.DataBits,
		StopBits: s.StopBits,
		Parity:   s.Parity,
		Timeout:  s.Timeout,
	}
}

// Configuration builds the normalized, validated Wi-Fi configuration.
// Mode "none" yields nil.
func (w WifiConfig) Configuration() (types.Configuration, error) {
	cfg, err := w.Stored.Configuration()
	if err != nil || cfg == nil {
		return nil, err
	}
	cfg = types.Normalize(cfg)
	if err := types.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Network converts n for the simulated radio.
func (n SimNetwork) Network() (sim.Network, error) {
	out := sim.Network{
		SSID: n.SSID, Channel: n.Channel, RSSI: n.RSSI,
		Password: n.Password, Hidden: n.Hidden,
	}
	auth, ok := types.ParseAuthMethod(n.Auth)
	if !ok {
		return out, errcode.New(errcode.InvalidConfig, "config.sim", fmt.Sprintf("unknown auth %q", n.Auth))
	}
	out.Auth = auth
	if n.BSSID != "" {
		b, err := types.ParseBSSID(n.BSSID)
		if err != nil {
			return out, &errcode.E{C: errcode.InvalidConfig, Op: "config.sim", Msg: "bssid " + n.BSSID, Err: err}
		}
		out.BSSID = b
	}
	return out, nil
}

// SimNetworks converts every configured network.
func (s SimConfig) SimNetworks() ([]sim.Network, error) {
	out := make([]sim.Network, 0, len(s.Networks))
	for _, n := range s.Networks {
		nw, err := n.Network()
		if err != nil {
			return nil, err
		}
		out = append(out, nw)
	}
	return out, nil
}
