// Command wifid runs the Wi-Fi HAL against a simulated radio or an AT
// coprocessor and offers a line console on stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"wifihal-go/config"
	"wifihal-go/drivers/wifi"
	"wifihal-go/nvs"
	"wifihal-go/radio"
	"wifihal-go/radio/atlink"
	"wifihal-go/radio/sim"
	"wifihal-go/services/wlan"
	"wifihal-go/sysloop"
)

func main() {
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		slog.Error("wifid stopped", "err", err)
		os.Exit(1)
	}
}

// setupLogger installs the default slog logger. File output rotates.
func setupLogger(cfg config.LogConfig) func() {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.File == "" || cfg.File == "-" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		return func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(lj, opts)))
	return func() { _ = lj.Close() }
}

func openMedium(cfg config.NVSConfig) (nvs.Medium, error) {
	if cfg.Path == "" {
		return nvs.NewMemMedium(cfg.Size), nil
	}
	return nvs.OpenFileMedium(cfg.Path, int64(cfg.Size))
}

// openRadio builds the configured transceiver. The returned closer releases
// the serial line, if any.
func openRadio(cfg *config.Config, loop *sysloop.Loop) (radio.Transceiver, func() error, error) {
	log := slog.Default()
	switch cfg.Radio.Kind {
	case "at":
		l, err := atlink.Open(cfg.Radio.Serial.Port(), loop, atlink.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	default:
		nets, err := cfg.Sim.SimNetworks()
		if err != nil {
			return nil, nil, err
		}
		return sim.New(loop, sim.WithNetworks(nets...), sim.WithLogger(log)), func() error { return nil }, nil
	}
}

func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sysloop.SetDefaultConfig(sysloop.Config{QueueLen: sysloop.DefaultQueueLen, Logger: slog.Default()})
	loop, err := sysloop.Take()
	if err != nil {
		return err
	}
	defer loop.Close()

	medium, err := openMedium(cfg.NVS)
	if err != nil {
		return fmt.Errorf("open nvs: %w", err)
	}
	part, err := nvs.Take(cfg.NVS.Partition, medium)
	if err != nil {
		_ = medium.Close()
		return err
	}
	defer part.Close()

	t, closeRadio, err := openRadio(cfg, loop)
	if err != nil {
		return err
	}
	defer closeRadio()

	h, err := radio.Take(t)
	if err != nil {
		return err
	}
	defer h.Release()

	w, err := wlan.New(h, loop, part,
		wifi.WithScanTimeout(cfg.Wifi.ScanTimeout),
		wifi.WithFrameQueue(cfg.Wifi.FrameQueue),
		wifi.WithLogger(slog.Default()),
	)
	if err != nil {
		return err
	}
	defer w.Close()

	c := newConsole(w, part, out)
	if err := w.Driver().SetCallbacks(c.onRx, c.onTxDone); err != nil {
		return err
	}
	if err := bringUp(w, cfg.Wifi); err != nil {
		slog.Warn("initial bring-up failed", "err", err)
	}
	slog.Info("wifid ready", "radio", cfg.Radio.Kind, "config", cfg.File)

	err = c.run(ctx, in)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bringUp applies the configured Wi-Fi section unless NVS already holds a
// configuration, then starts and connects as requested.
func bringUp(w *wlan.WLAN, cfg config.WifiConfig) error {
	wc, err := cfg.Configuration()
	if err != nil {
		return err
	}
	if _, stored := w.Configuration(); !stored && wc != nil {
		if err := w.SetConfiguration(wc); err != nil {
			return err
		}
	}
	if _, ok := w.Configuration(); !ok || !cfg.AutoStart {
		return nil
	}
	if err := w.Start(); err != nil {
		return err
	}
	if cfg.AutoConnect && w.Driver().Mode().HasStation() {
		return w.Connect()
	}
	return nil
}
