// Command osdp-cp-poll runs an OSDP Control Panel against a real RS-485
// bus, onboarding each configured PD and logging events as they arrive.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/barnettlynn/osdpgo/cmd/internal/serialchannel"
	"github.com/barnettlynn/osdpgo/cmd/osdp-cp-poll/internal/config"
	"github.com/barnettlynn/osdpgo/pkg/osdp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	dryRun := flag.Bool("dry-run", false, "validate config and exit without opening the bus")
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

	channel, err := serialchannel.Open(serialchannel.Config{
		Device: cfg.Bus.Device,
		Baud:   cfg.Bus.Baud,
		RS485:  cfg.Bus.RS485,
	})
	if err != nil {
		log.Fatalf("open bus: %v", err)
	}
	defer channel.Close()

	respTimeout := 200 * time.Millisecond
	if cfg.Poll.ResponseTimeoutMS != nil {
		respTimeout = time.Duration(*cfg.Poll.ResponseTimeoutMS) * time.Millisecond
	}
	offlineThreshold := 5
	if cfg.Poll.OfflineThreshold != nil {
		offlineThreshold = *cfg.Poll.OfflineThreshold
	}

	cp := osdp.NewCP(osdp.CPConfig{
		Channel:          channel,
		ResponseTimeout:  respTimeout,
		OfflineThreshold: offlineThreshold,
		Logger:           logger,
		EventCallback: func(address byte, e osdp.Event) {
			logEvent(logger, address, e)
		},
	})

	for _, pd := range cfg.PDs {
		pdCfg := osdp.CPPDConfig{Address: byte(*pd.Address)}
		if pd.SCBKHexFile != "" {
			scbk, err := osdp.LoadSCBKHexFile(pd.SCBKHexFile)
			if err != nil {
				log.Fatalf("load SCBK for PD %d: %v", *pd.Address, err)
			}
			pdCfg.SCBK = &scbk
		}
		cp.AddPD(pdCfg)
		logger.Info("PD configured", "address", *pd.Address, "secure", pd.SCBKHexFile != "")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	logger.Info("polling started", "device", cfg.Bus.Device, "baud", cfg.Bus.Baud)
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		case now := <-ticker.C:
			if err := cp.Poll(now); err != nil {
				logger.Warn("poll error", "error", err)
			}
		}
	}
}

func logEvent(logger *slog.Logger, address byte, e osdp.Event) {
	switch e.Kind {
	case osdp.EventCardRead:
		logger.Info("card read", "address", address, "reader", e.CardRead.Reader,
			"format", e.CardRead.Format, "bit_length", e.CardRead.BitLength)
	case osdp.EventKeypress:
		logger.Info("keypress", "address", address, "reader", e.Keypress.Reader,
			"digits", len(e.Keypress.Digits))
	case osdp.EventMfgReply:
		logger.Info("manufacturer reply", "address", address,
			"vendor_code", e.MfgReply.VendorCode, "length", len(e.MfgReply.Data))
	default:
		logger.Warn("unknown event kind", "address", address, "kind", e.Kind)
	}
}
