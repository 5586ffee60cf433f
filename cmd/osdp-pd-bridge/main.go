// Command osdp-pd-bridge runs an OSDP Peripheral Device whose card
// reader event source is a real PC/SC reader: every tap becomes a
// CARDREAD event delivered to the Control Panel over the bus.
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barnettlynn/osdpgo/cmd/internal/serialchannel"
	"github.com/barnettlynn/osdpgo/cmd/osdp-pd-bridge/internal/config"
	"github.com/barnettlynn/osdpgo/pkg/osdp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	dryRun := flag.Bool("dry-run", false, "validate config and exit without opening the bus or reader")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var logger *slog.Logger
	if *logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	slog.SetDefault(logger)
	osdp.SetLogger(logger)

	if *dryRun {
		if _, err := config.LoadWithMode(*configPath, config.ValidationDryRun); err != nil {
			log.Fatalf("config invalid: %v", err)
		}
		logger.Info("config valid")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	identity, err := buildIdentity(cfg.Identity)
	if err != nil {
		log.Fatalf("identity config invalid: %v", err)
	}

	channel, err := serialchannel.Open(serialchannel.Config{
		Device: cfg.Bus.Device,
		Baud:   cfg.Bus.Baud,
		RS485:  cfg.Bus.RS485,
	})
	if err != nil {
		log.Fatalf("open bus: %v", err)
	}
	defer channel.Close()

	reader, err := openCardReader(*cfg.Reader.Index)
	if err != nil {
		log.Fatalf("open PC/SC reader: %v", err)
	}
	defer reader.Close()
	logger.Info("card reader opened", "reader", reader.readerName)

	pdCfg := osdp.PDConfig{
		Address:  byte(*cfg.PD.Address),
		Identity: identity,
		Channel:  channel,
		Logger:   logger,
		CommandCallback: func(c osdp.Command) error {
			logger.Info("command received", "kind", c.Kind)
			return nil
		},
	}
	if cfg.PD.SCBKHexFile != "" {
		scbk, err := osdp.LoadSCBKHexFile(cfg.PD.SCBKHexFile)
		if err != nil {
			log.Fatalf("load SCBK: %v", err)
		}
		pdCfg.SCBK = &scbk
	}
	pd := osdp.NewPD(pdCfg)

	pollMS := 100
	if cfg.Reader.PollMS != nil {
		pollMS = *cfg.Reader.PollMS
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	busTicker := time.NewTicker(5 * time.Millisecond)
	defer busTicker.Stop()
	cardTicker := time.NewTicker(time.Duration(pollMS) * time.Millisecond)
	defer cardTicker.Stop()

	logger.Info("bridge started", "address", *cfg.PD.Address, "device", cfg.Bus.Device)
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		case now := <-busTicker.C:
			if err := pd.Poll(now); err != nil {
				logger.Warn("poll error", "error", err)
			}
		case <-cardTicker.C:
			uid, err := reader.poll()
			if err != nil {
				logger.Warn("card reader poll error", "error", err)
				continue
			}
			if uid == nil {
				continue
			}
			logger.Info("card tapped", "uid", hex.EncodeToString(uid))
			evt := osdp.Event{
				Kind: osdp.EventCardRead,
				CardRead: osdp.CardReadEvent{
					Reader:    0,
					Format:    osdp.CardReadASCII,
					BitLength: len(uid) * 8,
					Data:      uid,
				},
			}
			if err := pd.NotifyEvent(evt); err != nil {
				logger.Warn("NotifyEvent failed", "error", err)
			}
		}
	}
}

func buildIdentity(c config.IdentityConfig) (osdp.Identity, error) {
	var id osdp.Identity
	vendor, err := hex.DecodeString(c.VendorCode)
	if err != nil {
		return id, err
	}
	model, err := hex.DecodeString(c.Model)
	if err != nil {
		return id, err
	}
	version, err := hex.DecodeString(c.Version)
	if err != nil {
		return id, err
	}
	serial, err := hex.DecodeString(c.Serial)
	if err != nil {
		return id, err
	}
	copy(id.VendorCode[:], vendor)
	id.Model = model[0]
	id.Version = version[0]
	copy(id.Serial[:], serial)
	return id, nil
}
