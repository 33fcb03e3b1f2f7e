// Package atlink drives a Wi-Fi coprocessor running ESP-AT style firmware
// over a serial line. Commands are serialised on the wire; unsolicited
// "WIFI ..." lines are turned into events on the system loop.
//
// The AT command set has no raw frame path, so SubmitFrame reports
// netlink.ErrNotSupported.
package atlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/serial"
	"tinygo.org/x/drivers/netlink"

	"wifihal-go/sysloop"
	"wifihal-go/types"
	"wifihal-go/x/timex"
)

const (
	DefaultCommandTimeout = 2 * time.Second
	DefaultJoinTimeout    = 20 * time.Second
	DefaultScanTimeout    = 10 * time.Second
)

var (
	ErrCommandTimeout = errors.New("atlink: command timeout")
	ErrNotInitialized = errors.New("atlink: not initialized")
	ErrNotPowered     = errors.New("atlink: not powered")
	ErrScanBusy       = errors.New("atlink: scan in progress")
	ErrNoStation      = errors.New("atlink: no station configuration")
	ErrLinkLost       = errors.New("atlink: serial link lost")
)

// CommandError is a command the modem answered with ERROR or FAIL.
type CommandError struct {
	Cmd   string
	Final string
	Lines []string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("atlink: %s: %s", e.Cmd, e.Final)
}

type Option func(*Link)

func WithCommandTimeout(d time.Duration) Option { return func(l *Link) { l.cmdTimeout = d } }
func WithJoinTimeout(d time.Duration) Option    { return func(l *Link) { l.joinTimeout = d } }
func WithScanTimeout(d time.Duration) Option    { return func(l *Link) { l.scanTimeout = d } }
func WithLogger(lg *slog.Logger) Option         { return func(l *Link) { l.log = lg } }

type reply struct {
	final string
	lines []string
}

type event struct {
	kind    sysloop.Kind
	payload any
}

// Link implements radio.Transceiver on an AT command channel.
type Link struct {
	rw   io.ReadWriteCloser
	loop *sysloop.Loop
	log  *slog.Logger

	cmdTimeout  time.Duration
	joinTimeout time.Duration
	scanTimeout time.Duration

	// cmdMu keeps one command on the wire.
	cmdMu sync.Mutex

	mu     sync.Mutex
	waiter chan reply
	lines  []string
	stale  int // finals owed to abandoned commands

	inited     bool
	powered    bool
	mode       types.Mode
	cfg        types.Configuration
	joinGen    uint64
	joinCancel context.CancelFunc
	joinSSID   string
	connected  bool
	hasIP      bool
	leaving    bool
	scanGen    uint64
	scanCancel context.CancelFunc
	results    []types.AccessPointInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Open opens the serial port described by cfg and wraps it.
func Open(cfg serial.Config, loop *sysloop.Loop, opts ...Option) (*Link, error) {
	port, err := serial.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Address, err)
	}
	return New(port, loop, opts...), nil
}

// New starts reading rw. The Link owns rw and closes it in Close.
func New(rw io.ReadWriteCloser, loop *sysloop.Loop, opts ...Option) *Link {
	l := &Link{
		rw:          rw,
		loop:        loop,
		cmdTimeout:  DefaultCommandTimeout,
		joinTimeout: DefaultJoinTimeout,
		scanTimeout: DefaultScanTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.log = l.log.With("component", "radio.atlink")
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// Close stops all background work and closes the serial line.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.rw.Close()
		l.wg.Wait()
	})
	return err
}

// -----------------------------------------------------------------------------
// Wire
// -----------------------------------------------------------------------------

func (l *Link) readLoop() {
	defer l.wg.Done()
	sc := bufio.NewScanner(l.rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		l.handleLine(line)
	}
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	inited := l.inited
	l.mu.Unlock()
	if !inited {
		return
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	l.post(event{sysloop.RadioFault, types.RadioFault{Reason: "serial link lost", Err: fmt.Errorf("%w: %v", ErrLinkLost, err)}})
}

func (l *Link) handleLine(line string) {
	switch {
	case line == "OK" || line == "ERROR" || line == "FAIL":
		l.finish(line)
	case strings.HasPrefix(line, "WIFI "):
		l.unsolicited(line)
	case strings.HasPrefix(line, "busy"):
		l.log.Debug("modem busy", "line", line)
	default:
		l.mu.Lock()
		if l.waiter != nil {
			l.lines = append(l.lines, line)
		}
		l.mu.Unlock()
	}
}

func (l *Link) finish(final string) {
	l.mu.Lock()
	if l.stale > 0 {
		l.stale--
		l.lines = nil
		l.mu.Unlock()
		return
	}
	w, lines := l.waiter, l.lines
	l.waiter, l.lines = nil, nil
	l.mu.Unlock()
	if w != nil {
		w <- reply{final: final, lines: lines}
	}
}

// exec sends cmd and waits for its final line.
func (l *Link) exec(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	w := make(chan reply, 1)
	l.mu.Lock()
	l.waiter, l.lines = w, nil
	l.mu.Unlock()

	l.log.Debug("tx", "cmd", cmd)
	if _, err := io.WriteString(l.rw, cmd+"\r\n"); err != nil {
		l.mu.Lock()
		if l.waiter == w {
			l.waiter, l.lines = nil, nil
		}
		l.mu.Unlock()
		return nil, err
	}

	t := time.NewTimer(timeout)
	defer timex.StopTimer(t)
	select {
	case r := <-w:
		if r.final != "OK" {
			return r.lines, &CommandError{Cmd: cmd, Final: r.final, Lines: r.lines}
		}
		return r.lines, nil
	case <-t.C:
		l.abandon(w)
		return nil, fmt.Errorf("%w: %s", ErrCommandTimeout, cmd)
	case <-ctx.Done():
		l.abandon(w)
		return nil, ctx.Err()
	}
}

// abandon stops waiting on w. Its final line, when it comes, is discarded.
func (l *Link) abandon(w chan reply) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.waiter == w {
		l.waiter, l.lines = nil, nil
		l.stale++
	}
}

// post publishes events in order. Never called with mu held: loop handlers
// call back into the Link.
func (l *Link) post(evs ...event) {
	for _, ev := range evs {
		if err := l.loop.Post(l.ctx, ev.kind, ev.payload); err != nil {
			l.log.Debug("post dropped", "kind", string(ev.kind), "err", err)
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Unsolicited lines
// -----------------------------------------------------------------------------

func (l *Link) unsolicited(line string) {
	switch line {
	case "WIFI CONNECTED":
		l.mu.Lock()
		if l.joinCancel == nil || l.connected {
			l.mu.Unlock()
			return
		}
		l.connected = true
		ssid := l.joinSSID
		l.mu.Unlock()
		l.post(event{sysloop.AssociationSuccess, types.AssociationSuccess{Device: types.DeviceStation, SSID: ssid}})
	case "WIFI GOT IP":
		l.mu.Lock()
		ok := l.connected
		l.mu.Unlock()
		if ok {
			l.wg.Add(1)
			go l.queryIP()
		}
	case "WIFI DISCONNECT":
		l.mu.Lock()
		if !l.connected {
			l.mu.Unlock()
			return
		}
		evs := l.dropLocked(types.ReasonBeaconTimeout)
		l.mu.Unlock()
		l.post(evs...)
	}
}

// dropLocked marks the station disconnected and returns the events that
// announce it. A pending leave turns the reason into AssocLeave.
func (l *Link) dropLocked(reason uint16) []event {
	var evs []event
	if l.hasIP {
		evs = append(evs, event{sysloop.IPLost, types.IPLost{Device: types.DeviceStation}})
	}
	if l.leaving {
		reason = types.ReasonAssocLeave
	}
	l.connected, l.hasIP, l.leaving = false, false, false
	return append(evs, event{sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: reason}})
}

func (l *Link) queryIP() {
	defer l.wg.Done()
	lines, err := l.exec(l.ctx, "AT+CIPSTA?", l.cmdTimeout)
	if err != nil {
		l.log.Warn("query station address", "err", err)
		return
	}
	info := parseCIPSTA(lines)
	if !info.Valid() {
		l.log.Warn("station address incomplete", "lines", lines)
		return
	}
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.hasIP = true
	l.mu.Unlock()
	l.post(event{sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceStation, Info: info}})
}

// -----------------------------------------------------------------------------
// Transceiver
// -----------------------------------------------------------------------------

func (l *Link) Init() error {
	l.mu.Lock()
	inited := l.inited
	l.mu.Unlock()
	if inited {
		return nil
	}
	for _, cmd := range []string{"AT", "ATE0"} {
		if _, err := l.exec(l.ctx, cmd, l.cmdTimeout); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.inited = true
	l.mu.Unlock()
	return nil
}

func (l *Link) Deinit() error {
	l.mu.Lock()
	l.stopWorkLocked()
	l.inited, l.powered, l.mode = false, false, types.ModeNone
	l.connected, l.hasIP, l.leaving = false, false, false
	l.mu.Unlock()
	return nil
}

// stopWorkLocked cancels the pending join and scan.
func (l *Link) stopWorkLocked() {
	if l.joinCancel != nil {
		l.joinCancel()
		l.joinCancel = nil
	}
	l.joinGen++
	if l.scanCancel != nil {
		l.scanCancel()
		l.scanCancel = nil
	}
	l.scanGen++
}

func cwmode(m types.Mode) int {
	switch m {
	case types.ModeStation:
		return 1
	case types.ModeAccessPoint:
		return 2
	case types.ModeMixed:
		return 3
	}
	return 0
}

func (l *Link) PowerUp(mode types.Mode) error {
	l.mu.Lock()
	inited, cfg := l.inited, l.cfg
	l.mu.Unlock()
	if !inited {
		return ErrNotInitialized
	}
	if _, err := l.exec(l.ctx, "AT+CWMODE="+strconv.Itoa(cwmode(mode)), l.cmdTimeout); err != nil {
		return err
	}
	var evs []event
	if ap, ok := types.AccessPointOf(cfg); ok && mode.HasAccessPoint() {
		cmd, err := cwsap(ap)
		if err != nil {
			return err
		}
		if _, err := l.exec(l.ctx, cmd, l.cmdTimeout); err != nil {
			return err
		}
		ip := ap.IP.Static
		if _, err := l.exec(l.ctx, addrCmd("AT+CIPAP", ip), l.cmdTimeout); err != nil {
			return err
		}
		evs = append(evs, event{sysloop.IPAcquired, types.IPAcquired{Device: types.DeviceAccessPoint, Info: ip}})
	}
	l.mu.Lock()
	l.powered, l.mode = true, mode
	l.mu.Unlock()
	l.post(evs...)
	return nil
}

func (l *Link) PowerDown() error {
	l.mu.Lock()
	if !l.powered {
		l.mu.Unlock()
		return nil
	}
	l.stopWorkLocked()
	wasConnected := l.connected
	l.leaving = wasConnected
	mode := l.mode
	l.mu.Unlock()

	if wasConnected {
		if _, err := l.exec(l.ctx, "AT+CWQAP", l.cmdTimeout); err != nil {
			l.log.Warn("leave on power down", "err", err)
		}
	}
	_, err := l.exec(l.ctx, "AT+CWMODE=0", l.cmdTimeout)

	var evs []event
	l.mu.Lock()
	if l.hasIP {
		evs = append(evs, event{sysloop.IPLost, types.IPLost{Device: types.DeviceStation}})
	}
	if mode.HasAccessPoint() {
		evs = append(evs, event{sysloop.IPLost, types.IPLost{Device: types.DeviceAccessPoint}})
	}
	l.connected, l.hasIP, l.leaving = false, false, false
	l.powered, l.mode = false, types.ModeNone
	l.mu.Unlock()
	l.post(evs...)
	return err
}

func (l *Link) ApplyConfiguration(cfg types.Configuration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inited {
		return ErrNotInitialized
	}
	l.cfg = cfg
	return nil
}

func (l *Link) BeginAssociation() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.powered {
		return ErrNotPowered
	}
	sc, ok := types.StationOf(l.cfg)
	if !ok || !l.mode.HasStation() {
		return ErrNoStation
	}
	if l.joinCancel != nil {
		l.joinCancel()
	}
	l.joinGen++
	ctx, cancel := context.WithCancel(l.ctx)
	l.joinCancel, l.joinSSID = cancel, sc.SSID
	l.connected, l.hasIP, l.leaving = false, false, false
	l.wg.Add(1)
	go l.join(ctx, l.joinGen, sc)
	return nil
}

func (l *Link) join(ctx context.Context, gen uint64, sc types.StationConfig) {
	defer l.wg.Done()
	var lines []string
	var err error
	if sc.IP.Mode == types.IPStatic {
		_, err = l.exec(ctx, addrCmd("AT+CIPSTA", sc.IP.Static), l.cmdTimeout)
	}
	if err == nil {
		lines, err = l.exec(ctx, cwjap(sc), l.joinTimeout)
	}

	l.mu.Lock()
	if gen != l.joinGen || ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.joinCancel = nil
	var evs []event
	switch {
	case err == nil && !l.connected:
		// firmware that does not print WIFI CONNECTED
		l.connected = true
		evs = append(evs, event{sysloop.AssociationSuccess, types.AssociationSuccess{Device: types.DeviceStation, SSID: sc.SSID}})
	case err != nil && !l.connected:
		evs = append(evs, event{sysloop.AssociationLost, types.AssociationLost{Device: types.DeviceStation, Reason: joinReason(lines, err)}})
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Info("join failed", "ssid", sc.SSID, "err", err)
	}
	l.post(evs...)
}

// joinReason maps the +CWJAP error code to an association reason.
func joinReason(lines []string, err error) uint16 {
	if errors.Is(err, ErrCommandTimeout) {
		return types.ReasonHandshakeTimeout
	}
	for _, ln := range lines {
		v, ok := strings.CutPrefix(ln, "+CWJAP:")
		if !ok {
			continue
		}
		switch strings.TrimSpace(v) {
		case "1":
			return types.ReasonHandshakeTimeout
		case "2":
			return types.ReasonAuthFail
		case "3":
			return types.ReasonNoAPFound
		}
	}
	return types.ReasonConnectionFail
}

func (l *Link) EndAssociation() error {
	l.mu.Lock()
	if !l.powered {
		l.mu.Unlock()
		return ErrNotPowered
	}
	if l.joinCancel != nil {
		l.joinCancel()
		l.joinCancel = nil
	}
	l.joinGen++
	l.leaving = true
	l.mu.Unlock()

	_, err := l.exec(l.ctx, "AT+CWQAP", l.cmdTimeout)

	l.mu.Lock()
	if !l.leaving {
		// WIFI DISCONNECT already reported it
		l.mu.Unlock()
		return err
	}
	evs := l.dropLocked(types.ReasonAssocLeave)
	l.mu.Unlock()
	l.post(evs...)
	return err
}

func (l *Link) BeginScan(id uint64, cfg types.ScanConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.powered {
		return ErrNotPowered
	}
	if l.scanCancel != nil {
		return ErrScanBusy
	}
	l.scanGen++
	ctx, cancel := context.WithCancel(l.ctx)
	l.scanCancel = cancel
	l.results = nil
	l.wg.Add(1)
	go l.scan(ctx, l.scanGen, id, cfg)
	return nil
}

func (l *Link) scan(ctx context.Context, gen, id uint64, cfg types.ScanConfig) {
	defer l.wg.Done()
	lines, err := l.exec(ctx, "AT+CWLAP", l.scanTimeout)

	var found []types.AccessPointInfo
	if err != nil {
		l.log.Warn("scan failed", "err", err)
	} else {
		for _, ln := range lines {
			ap, ok := parseCWLAP(ln)
			if ok && cfg.Matches(ap) {
				found = append(found, ap)
			}
		}
	}

	l.mu.Lock()
	if gen != l.scanGen {
		l.mu.Unlock()
		return
	}
	l.scanCancel = nil
	l.results = found
	l.mu.Unlock()
	l.post(event{sysloop.ScanDone, types.ScanDone{ID: id, Count: len(found)}})
}

func (l *Link) CancelScan() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.scanCancel != nil {
		l.scanCancel()
		l.scanCancel = nil
		l.scanGen++
	}
	return nil
}

func (l *Link) ScanResults() ([]types.AccessPointInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.results
	l.results = nil
	return out, nil
}

func (l *Link) SubmitFrame(types.DeviceID, []byte) error {
	return netlink.ErrNotSupported
}

// -----------------------------------------------------------------------------
// Command encoding and response parsing
// -----------------------------------------------------------------------------

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `,`, `\,`)

func quote(s string) string { return `"` + escaper.Replace(s) + `"` }

func cwjap(sc types.StationConfig) string {
	cmd := "AT+CWJAP=" + quote(sc.SSID) + "," + quote(sc.Password)
	if sc.BSSID != nil {
		cmd += "," + quote(sc.BSSID.String())
	}
	return cmd
}

func ecnOf(a types.AuthMethod) (int, error) {
	switch a {
	case types.AuthNone:
		return 0, nil
	case types.AuthWPA:
		return 2, nil
	case types.AuthWPA2Personal:
		return 3, nil
	case types.AuthWPAWPA2Personal:
		return 4, nil
	}
	return 0, netlink.ErrAuthTypeNoGood
}

func cwsap(ap types.AccessPointConfig) (string, error) {
	ecn, err := ecnOf(ap.Auth)
	if err != nil {
		return "", err
	}
	hidden := 0
	if ap.SSIDHidden {
		hidden = 1
	}
	return fmt.Sprintf("AT+CWSAP=%s,%s,%d,%d,%d,%d",
		quote(ap.SSID), quote(ap.Password), ap.Channel, ecn, ap.MaxConnections, hidden), nil
}

func addrCmd(prefix string, ip types.IPInfo) string {
	return prefix + "=" + quote(ip.IP.String()) + "," + quote(ip.Gateway.String()) + "," + quote(ip.Netmask.String())
}

var ecnAuth = [...]types.AuthMethod{
	types.AuthNone,
	types.AuthWEP,
	types.AuthWPA,
	types.AuthWPA2Personal,
	types.AuthWPAWPA2Personal,
	types.AuthWPA2Personal, // WPA2 enterprise
	types.AuthWPA3Personal,
	types.AuthWPA2WPA3Personal,
}

// parseCWLAP parses `+CWLAP:(<ecn>,"<ssid>",<rssi>,"<mac>",<channel>,...)`.
func parseCWLAP(line string) (types.AccessPointInfo, bool) {
	var ap types.AccessPointInfo
	body, ok := strings.CutPrefix(line, "+CWLAP:")
	if !ok {
		return ap, false
	}
	body = strings.TrimSuffix(strings.TrimPrefix(body, "("), ")")
	f := fields(body)
	if len(f) < 5 {
		return ap, false
	}
	ecn, err := strconv.Atoi(f[0])
	if err != nil {
		return ap, false
	}
	rssi, err := strconv.Atoi(f[2])
	if err != nil {
		return ap, false
	}
	bssid, err := types.ParseBSSID(f[3])
	if err != nil {
		return ap, false
	}
	ch, err := strconv.Atoi(f[4])
	if err != nil || ch < 0 || ch > types.MaxChannel {
		return ap, false
	}
	ap.SSID, ap.BSSID, ap.Channel = f[1], bssid, uint8(ch)
	ap.SignalStrength = int8(max(rssi, -128))
	if ecn >= 0 && ecn < len(ecnAuth) {
		ap.Auth = ecnAuth[ecn]
	}
	return ap, true
}

// fields splits a comma separated AT parameter list. Quotes are removed and
// backslash escapes resolved.
func fields(s string) []string {
	var out []string
	var sb strings.Builder
	inQuote, esc := false, false
	for _, r := range s {
		switch {
		case esc:
			sb.WriteRune(r)
			esc = false
		case r == '\\':
			esc = true
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	return append(out, sb.String())
}

// parseCIPSTA collects the +CIPSTA:ip/gateway/netmask lines.
func parseCIPSTA(lines []string) types.IPInfo {
	var info types.IPInfo
	for _, ln := range lines {
		body, ok := strings.CutPrefix(ln, "+CIPSTA:")
		if !ok {
			continue
		}
		key, val, ok := strings.Cut(body, ":")
		if !ok {
			continue
		}
		addr, err := netip.ParseAddr(strings.Trim(val, `"`))
		if err != nil {
			continue
		}
		switch key {
		case "ip":
			info.IP = addr
		case "gateway":
			info.Gateway = addr
		case "netmask":
			info.Netmask = addr
		}
	}
	return info
}
