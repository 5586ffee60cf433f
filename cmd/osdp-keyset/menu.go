package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/barnettlynn/osdpgo/pkg/osdp"
)

// pickPD lists the configured PD addresses with their Secure Channel
// state and reads a single numbered keypress selecting one. Only PDs
// with an active channel can actually be rekeyed, so the state is
// shown up front rather than discovered after a failed KEYSET.
func pickPD(cp *osdp.CP, addrs []int) (byte, error) {
	fmt.Println("Configured PDs:")
	for i, addr := range addrs {
		state := "secure channel down"
		if cp.IsSCActive(byte(addr)) {
			state = "secure channel active"
		}
		fmt.Printf("  [%d] address %d (%s)\n", i+1, addr, state)
	}
	fmt.Print("Rekey which PD? (1-9, q to abort) ")

	restore, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return 0, fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), restore)

	key := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(key); err != nil {
			return 0, err
		}
		switch {
		case key[0] == 'q' || key[0] == 0x03: // q or Ctrl-C
			fmt.Print("\r\n")
			return 0, fmt.Errorf("aborted")
		case key[0] >= '1' && key[0] <= '9':
			n := int(key[0] - '1')
			if n >= len(addrs) {
				continue
			}
			fmt.Printf("%c\r\n", key[0])
			return byte(addrs[n]), nil
		}
	}
}

// readMaskedHexKey reads a 32-character hex SCBK from stdin without
// echoing it to the terminal.
func readMaskedHexKey(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
