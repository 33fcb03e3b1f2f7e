package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"

	"wifihal-go/drivers/wifi"
	"wifihal-go/errcode"
	"wifihal-go/nvs"
	"wifihal-go/services/wlan"
	"wifihal-go/types"
)

const upTimeout = 10 * time.Second

var errQuit = errors.New("quit")

const help = `commands:
  status                      driver state, counters, capabilities
  start | stop                power the radio up or down
  scan [ssid]                 blocking scan
  connect <ssid> [password]   join a network (WPA2 when a password is given)
  ap <ssid> [password]        run an access point
  disconnect                  leave the current network
  ip                          interface addresses
  send <sta|ap> <text>        submit a raw frame
  nvs [dump|stats]            storage contents
  quit
`

type console struct {
	w    *wlan.WLAN
	part *nvs.Partition
	out  io.Writer

	rx atomic.Uint64
}

func newConsole(w *wlan.WLAN, part *nvs.Partition, out io.Writer) *console {
	return &console{w: w, part: part, out: out}
}

// onRx and onTxDone are the driver frame callbacks.
func (c *console) onRx(dev types.DeviceID, frame []byte) error {
	c.rx.Add(1)
	slog.Debug("frame received", "dev", dev.String(), "len", len(frame))
	return nil
}

func (c *console) onTxDone(dev types.DeviceID, frame []byte, ok bool) {
	slog.Debug("frame sent", "dev", dev.String(), "len", len(frame), "ok", ok)
}

// run reads commands from in until quit, EOF or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprint(c.out, "> ")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.line(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
			fmt.Fprint(c.out, "> ")
		}
	}
}

func (c *console) line(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	return c.exec(ctx, args[0], args[1:])
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		fmt.Fprint(c.out, help)
		return nil
	case "quit", "exit":
		return errQuit
	case "status":
		return c.status()
	case "start":
		return c.w.Start()
	case "stop":
		return c.w.Stop()
	case "scan":
		return c.scan(args)
	case "connect":
		return c.connect(ctx, args)
	case "ap":
		return c.accessPoint(args)
	case "disconnect":
		return c.w.Disconnect()
	case "ip":
		c.addresses()
		return nil
	case "send":
		return c.send(args)
	case "nvs":
		return c.nvs(args)
	}
	return fmt.Errorf("unknown command %q (try help)", cmd)
}

type statusView struct {
	State     string        `yaml:"state"`
	Mode      string        `yaml:"mode"`
	Connected bool          `yaml:"connected"`
	Up        bool          `yaml:"up"`
	Scanning  bool          `yaml:"scanning"`
	RxSeen    uint64        `yaml:"rx_seen"`
	Stats     wifi.Stats    `yaml:"stats"`
	Modes     []string      `yaml:"modes"`
	Auth      []string      `yaml:"auth"`
	Calibrate bool          `yaml:"calibrate"`
	Stored    *types.Stored `yaml:"configuration,omitempty"`
}

func (c *console) status() error {
	d := c.w.Driver()
	caps := c.w.Capabilities()
	v := statusView{
		State:     d.State().String(),
		Mode:      d.Mode().String(),
		Connected: c.w.IsConnected(),
		Up:        c.w.IsUp(),
		Scanning:  d.IsScanning(),
		RxSeen:    c.rx.Load(),
		Stats:     d.Stats(),
		Calibrate: caps.Calibrate,
	}
	for _, m := range caps.Modes {
		v.Modes = append(v.Modes, m.String())
	}
	for _, a := range caps.Auth {
		v.Auth = append(v.Auth, a.String())
	}
	if cfg, ok := c.w.Configuration(); ok {
		s := types.ToStored(cfg)
		if s.Station != nil {
			s.Station.Password = redact(s.Station.Password)
		}
		if s.AccessPoint != nil {
			s.AccessPoint.Password = redact(s.AccessPoint.Password)
		}
		v.Stored = &s
	}
	return c.yaml(v)
}

func redact(pw string) string {
	if pw == "" {
		return ""
	}
	return "***"
}

func (c *console) yaml(v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.out.Write(b)
	return err
}

func (c *console) scan(args []string) error {
	var recs []types.AccessPointInfo
	var err error
	if len(args) > 0 {
		if err = c.w.StartScan(types.ScanConfig{SSID: args[0]}, true); err == nil {
			recs, err = c.w.ScanResult()
		}
	} else {
		recs, err = c.w.Scan()
	}
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SSID\tBSSID\tCH\tRSSI\tQ\tAUTH")
	for _, ap := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d%%\t%s\n", ap.SSID, ap.BSSID, ap.Channel, ap.SignalStrength, ap.Quality(), ap.Auth)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%d network(s)\n", len(recs))
	return nil
}

// restartInto makes sure the radio runs a mode compatible with cfg after it
// has been staged.
func (c *console) restartInto(cfg types.Configuration) error {
	if err := c.w.SetConfiguration(cfg); err != nil {
		return err
	}
	if c.w.IsStarted() && c.w.Driver().Mode() != cfg.Mode() {
		if err := c.w.Stop(); err != nil {
			return err
		}
	}
	if !c.w.IsStarted() {
		return c.w.Start()
	}
	return nil
}

func (c *console) connect(ctx context.Context, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: connect <ssid> [password]")
	}
	sc := types.StationConfig{SSID: args[0]}
	if len(args) == 2 {
		sc.Auth, sc.Password = types.AuthWPA2Personal, args[1]
	}
	if err := c.restartInto(sc); err != nil {
		return err
	}
	if err := c.w.Connect(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, upTimeout)
	defer cancel()
	if err := c.w.WaitUp(wctx); err != nil {
		return err
	}
	c.addresses()
	return nil
}

func (c *console) accessPoint(args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return errors.New("usage: ap <ssid> [password]")
	}
	ac := types.AccessPointConfig{SSID: args[0]}
	if len(args) == 2 {
		ac.Auth, ac.Password = types.AuthWPA2Personal, args[1]
	}
	// a running access point only picks up new settings on restart
	if c.w.IsStarted() {
		if err := c.w.Stop(); err != nil {
			return err
		}
	}
	return c.restartInto(ac)
}

func (c *console) addresses() {
	for _, n := range []struct {
		name string
		info func() (types.IPInfo, error)
	}{
		{"sta", c.w.StaNetif().IPInfo},
		{"ap", c.w.APNetif().IPInfo},
	} {
		info, err := n.info()
		switch {
		case errcode.Of(err) == errcode.NoAddress:
			fmt.Fprintf(c.out, "%s: no address\n", n.name)
		case err != nil:
			fmt.Fprintf(c.out, "%s: %v\n", n.name, err)
		default:
			fmt.Fprintf(c.out, "%s: %s/%s gw %s\n", n.name, info.IP, info.Netmask, info.Gateway)
		}
	}
}

func (c *console) send(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: send <sta|ap> <text>")
	}
	var dev types.DeviceID
	switch args[0] {
	case "sta":
		dev = types.DeviceStation
	case "ap":
		dev = types.DeviceAccessPoint
	default:
		return fmt.Errorf("unknown interface %q", args[0])
	}
	return c.w.Driver().Send(dev, []byte(strings.Join(args[1:], " ")))
}

func (c *console) nvs(args []string) error {
	what := "dump"
	if len(args) > 0 {
		what = args[0]
	}
	switch what {
	case "dump":
		entries, err := c.part.Entries()
		if err != nil {
			return err
		}
		return c.yaml(entries)
	case "stats":
		return c.yaml(c.part.Stats())
	}
	return fmt.Errorf("unknown nvs command %q", what)
}
