package main

import (
	"bytes"
	"fmt"

	"github.com/ebfe/scard"
)

// cardReader polls a single PC/SC reader for a card UID, tolerating
// "no card present" between taps instead of treating it as a fatal
// error. Repeated reads of the same card produce one event per tap.
type cardReader struct {
	ctx        *scard.Context
	readerName string
	lastUID    []byte
}

func openCardReader(readerIndex int) (*cardReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}
	return &cardReader{ctx: ctx, readerName: readers[readerIndex]}, nil
}

func (r *cardReader) Close() {
	if r == nil || r.ctx == nil {
		return
	}
	_ = r.ctx.Release()
}

// poll returns a freshly read UID if a new card (or a card whose UID
// differs from the last tap) is present, and nil otherwise.
func (r *cardReader) poll() ([]byte, error) {
	card, err := r.ctx.Connect(r.readerName, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		r.lastUID = nil
		return nil, nil
	}
	defer card.Disconnect(scard.LeaveCard)

	uid, err := readUID(card)
	if err != nil {
		r.lastUID = nil
		return nil, nil
	}
	if bytes.Equal(uid, r.lastUID) {
		return nil, nil
	}
	r.lastUID = uid
	return uid, nil
}

// readUID asks the card for its UID with the PC/SC GET DATA command.
// Le=0 ("give me everything") works on most readers; a few insist on
// an explicit 4-byte length, so that is retried before giving up.
func readUID(card *scard.Card) ([]byte, error) {
	apdu := []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
	var lastStatus uint16
	for _, le := range []byte{0x00, 0x04} {
		apdu[4] = le
		resp, err := card.Transmit(apdu)
		if err != nil {
			return nil, fmt.Errorf("transmit GET DATA: %w", err)
		}
		if len(resp) < 2 {
			continue
		}
		uid, sw1, sw2 := resp[:len(resp)-2], resp[len(resp)-2], resp[len(resp)-1]
		lastStatus = uint16(sw1)<<8 | uint16(sw2)
		// 90 00 is ISO success; 91 00 is the DESFire-native equivalent.
		if sw2 != 0x00 || (sw1 != 0x90 && sw1 != 0x91) || len(uid) == 0 {
			continue
		}
		return append([]byte(nil), uid...), nil
	}
	return nil, fmt.Errorf("card refused GET DATA UID (status %04x)", lastStatus)
}
