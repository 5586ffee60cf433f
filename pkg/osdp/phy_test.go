package osdp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	data := []byte{cmdID, 0x00}
	f := encodeFrame(0x05, false, 2, true, nil, data, 0)

	got, consumed, status := decodeFrame(f)
	if status != decodeOK {
		t.Fatalf("decode status = %v, want decodeOK", status)
	}
	if consumed != len(f) {
		t.Fatalf("consumed = %d, want %d", consumed, len(f))
	}
	if got.Address != 0x05 || got.IsReply {
		t.Fatalf("unexpected header: %+v", got)
	}
	if got.Seq != 2 {
		t.Fatalf("seq = %d, want 2", got.Seq)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("data = %x, want %x", got.Data, data)
	}
}

func TestDecodeFrameNeedsMore(t *testing.T) {
	f := encodeFrame(0x05, false, 0, true, nil, []byte{cmdPoll}, 0)
	_, _, status := decodeFrame(f[:len(f)-1])
	if status != decodeNeedMore {
		t.Fatalf("status = %v, want decodeNeedMore", status)
	}
}

func TestDecodeFrameBadSOMSkipsOneByte(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x02}
	_, consumed, status := decodeFrame(buf)
	if status != decodeSkip || consumed != 1 {
		t.Fatalf("status=%v consumed=%d, want decodeSkip/1", status, consumed)
	}
}

func TestDecodeFrameCorruptedCRCIsFormatError(t *testing.T) {
	f := encodeFrame(0x05, false, 0, true, nil, []byte{cmdPoll}, 0)
	f[len(f)-1] ^= 0xFF
	_, _, status := decodeFrame(f)
	if status != decodeFormatError {
		t.Fatalf("status = %v, want decodeFormatError", status)
	}
}

func TestEncodeDecodeFrameWithSCB(t *testing.T) {
	scb := &scBlock{Type: scs11, Data: nil}
	data := append([]byte{cmdChlng}, make([]byte, 8)...)
	f := encodeFrame(0x07, false, 1, true, scb, data, 0)

	got, _, status := decodeFrame(f)
	if status != decodeOK {
		t.Fatalf("status = %v", status)
	}
	if got.SCB == nil || got.SCB.Type != scs11 {
		t.Fatalf("scb not decoded: %+v", got.SCB)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("data = %x, want %x", got.Data, data)
	}
}

func TestEncodeDecodeFrameWithMAC(t *testing.T) {
	data := []byte{replyAck}
	f := encodeFrame(0x07, true, 0, true, &scBlock{Type: scs16}, data, macLen)
	mac := []byte{0xde, 0xad, 0xbe, 0xef}
	f = rewriteMAC(f, true, mac)

	got, _, status := decodeFrame(f)
	if status != decodeOK {
		t.Fatalf("status = %v", status)
	}
	if !bytes.Equal(got.MAC, mac) {
		t.Fatalf("mac = %x, want %x", got.MAC, mac)
	}
	if !bytes.Equal(got.Data, data) {
		t.Fatalf("data = %x, want %x", got.Data, data)
	}
}

func TestEncodeDecodeFrameChecksumMode(t *testing.T) {
	f := encodeFrame(0x01, false, 0, false, nil, []byte{cmdPoll}, 0)
	got, _, status := decodeFrame(f)
	if status != decodeOK {
		t.Fatalf("status = %v", status)
	}
	if got.UseCRC {
		t.Fatalf("expected checksum mode, UseCRC=true")
	}
}
