// Command osdp-keyset provisions a new SCBK onto a bus PD: it brings
// the PD up over the default Secure Channel key, lets the operator type
// a replacement key without echoing it, and issues KEYSET once the
// channel is active.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/barnettlynn/osdpgo/cmd/internal/serialchannel"
	"github.com/barnettlynn/osdpgo/cmd/osdp-keyset/internal/config"
	"github.com/barnettlynn/osdpgo/pkg/osdp"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	verbose := flag.Bool("v", false, "enable debug logging")
	generate := flag.Bool("generate", false, "generate a random key instead of prompting for one")
	timeout := flag.Duration("timeout", 10*time.Second, "how long to wait for the PD to come online")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	osdp.SetLogger(logger)

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

	cp := osdp.NewCP(osdp.CPConfig{Channel: channel, Logger: logger})
	for _, addr := range cfg.PDs {
		cp.AddPD(osdp.CPPDConfig{Address: byte(addr), InstallMode: true})
	}

	fmt.Println("Waiting for PDs to come online over the default Secure Channel key...")
	deadline := time.Now().Add(*timeout)
	for {
		now := time.Now()
		if err := cp.Poll(now); err != nil {
			log.Fatalf("poll error: %v", err)
		}
		allOnline := true
		for _, addr := range cfg.PDs {
			if !cp.IsSCActive(byte(addr)) {
				allOnline = false
			}
		}
		if allOnline {
			break
		}
		if now.After(deadline) {
			log.Fatalf("timed out waiting for Secure Channel with configured PDs")
		}
	}
	fmt.Println("All configured PDs are online with Secure Channel active.")

	target := byte(cfg.PDs[0])
	if len(cfg.PDs) > 1 {
		target, err = pickPD(cp, cfg.PDs)
		if err != nil {
			log.Fatalf("select PD: %v", err)
		}
	}

	var newKey [16]byte
	if *generate {
		if _, err := rand.Read(newKey[:]); err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Printf("Generated new SCBK: %s\n", hex.EncodeToString(newKey[:]))
	} else {
		hexKey, err := readMaskedHexKey("Enter new 32-character hex SCBK: ")
		if err != nil {
			log.Fatalf("read key: %v", err)
		}
		decoded, err := hex.DecodeString(hexKey)
		if err != nil || len(decoded) != 16 {
			log.Fatalf("key must be 32 hex characters")
		}
		copy(newKey[:], decoded)
	}

	cmd := osdp.Command{
		Kind: osdp.CmdKeyset,
		Keyset: osdp.KeysetCommand{
			KeyType: 1,
			Key:     newKey,
		},
	}
	if err := cp.SendCommand(target, cmd); err != nil {
		log.Fatalf("SendCommand: %v", err)
	}

	fmt.Printf("KEYSET queued for PD %d, draining bus...\n", target)
	drainDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(drainDeadline) {
		if err := cp.Poll(time.Now()); err != nil {
			log.Fatalf("poll error: %v", err)
		}
	}
	fmt.Println("Done. PD will now authenticate future sessions with the new SCBK.")
}
