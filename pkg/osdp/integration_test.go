package osdp

import (
	"bytes"
	"testing"
	"time"
)

// memChannel is an in-memory half of a duplex pipe between a CP and a
// PD sharing process memory, used to drive the FSMs end to end without
// a real serial port.
type memChannel struct {
	txTo   *[]byte
	rxFrom *[]byte
}

func (m *memChannel) Send(b []byte) error {
	*m.txTo = append(*m.txTo, b...)
	return nil
}

func (m *memChannel) Recv(buf []byte) (int, error) {
	n := copy(buf, *m.rxFrom)
	*m.rxFrom = (*m.rxFrom)[n:]
	return n, nil
}

func (m *memChannel) Flush() { *m.rxFrom = nil }

func newLoopback() (cpSide, pdSide *memChannel) {
	cpToPD := []byte{}
	pdToCP := []byte{}
	cpSide = &memChannel{txTo: &cpToPD, rxFrom: &pdToCP}
	pdSide = &memChannel{txTo: &pdToCP, rxFrom: &cpToPD}
	return
}

func runUntilOnline(t *testing.T, cp *CP, pd *PD, addr byte, maxTicks int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < maxTicks; i++ {
		now = now.Add(time.Millisecond)
		if err := pd.Poll(now); err != nil {
			t.Fatalf("pd.Poll: %v", err)
		}
		if err := cp.Poll(now); err != nil {
			t.Fatalf("cp.Poll: %v", err)
		}
		if cp.IsOnline(addr) {
			return
		}
	}
	t.Fatalf("PD never came online after %d ticks", maxTicks)
}

func TestCPPDOnboardingWithoutSecureChannel(t *testing.T) {
	cpChan, pdChan := newLoopback()

	var received []Command
	pd := NewPD(PDConfig{
		Address:  0x05,
		Identity: Identity{VendorCode: [3]byte{0xA1, 0xA2, 0xA3}, Model: 0xB1, Version: 0xC1, Serial: [4]byte{0xD1, 0xD2, 0xD3, 0xD4}},
		Channel:  pdChan,
		CommandCallback: func(c Command) error {
			received = append(received, c)
			return nil
		},
	})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond})
	cp.AddPD(CPPDConfig{Address: 0x05})

	runUntilOnline(t, cp, pd, 0x05, 200)

	if err := cp.SendCommand(0x05, Command{Kind: CmdOutput, Output: OutputCommand{OutputNo: 3, ControlCode: 1}}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	now := time.Now()
	for i := 0; i < 10; i++ {
		now = now.Add(time.Millisecond)
		if err := pd.Poll(now); err != nil {
			t.Fatalf("pd.Poll: %v", err)
		}
		if err := cp.Poll(now); err != nil {
			t.Fatalf("cp.Poll: %v", err)
		}
	}

	if len(received) != 1 {
		t.Fatalf("callback invocations = %d, want 1", len(received))
	}
	if received[0].Output.OutputNo != 3 {
		t.Fatalf("OutputNo = %d, want 3", received[0].Output.OutputNo)
	}
}

func TestCPPDSecureChannelHandshakeAndEvent(t *testing.T) {
	cpChan, pdChan := newLoopback()

	scbk := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	pd := NewPD(PDConfig{
		Address: 0x09,
		SCBK:    &scbk,
		Channel: pdChan,
	})
	var gotEvents []Event
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond, EventCallback: func(addr byte, e Event) {
		gotEvents = append(gotEvents, e)
	}})
	cp.AddPD(CPPDConfig{Address: 0x09, SCBK: &scbk})

	runUntilOnline(t, cp, pd, 0x09, 400)

	if !cp.IsSCActive(0x09) {
		t.Fatalf("expected Secure Channel active after onboarding")
	}
	if !pd.IsSCActive() {
		t.Fatalf("expected PD to report Secure Channel active")
	}

	if err := pd.NotifyEvent(Event{Kind: EventKeypress, Keypress: KeypressEvent{Reader: 1, Digits: []byte{1, 2, 3}}}); err != nil {
		t.Fatalf("NotifyEvent: %v", err)
	}

	now := time.Now()
	for i := 0; i < 10 && len(gotEvents) == 0; i++ {
		now = now.Add(time.Millisecond)
		if err := pd.Poll(now); err != nil {
			t.Fatalf("pd.Poll: %v", err)
		}
		if err := cp.Poll(now); err != nil {
			t.Fatalf("cp.Poll: %v", err)
		}
	}

	if len(gotEvents) != 1 {
		t.Fatalf("events received = %d, want 1", len(gotEvents))
	}
	if gotEvents[0].Kind != EventKeypress || len(gotEvents[0].Keypress.Digits) != 3 {
		t.Fatalf("unexpected event: %+v", gotEvents[0])
	}
}

func runTicks(t *testing.T, cp *CP, pd *PD, start time.Time, ticks int) time.Time {
	t.Helper()
	now := start
	for i := 0; i < ticks; i++ {
		now = now.Add(time.Millisecond)
		if err := pd.Poll(now); err != nil {
			t.Fatalf("pd.Poll: %v", err)
		}
		if err := cp.Poll(now); err != nil {
			t.Fatalf("cp.Poll: %v", err)
		}
	}
	return now
}

func TestStatusMasksTrackOnboarding(t *testing.T) {
	cpChan, pdChan := newLoopback()
	scbk := [16]byte{0xAA}

	pd := NewPD(PDConfig{Address: 0x03, SCBK: &scbk, Channel: pdChan})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond})
	cp.AddPD(CPPDConfig{Address: 0x03, SCBK: &scbk})

	if cp.StatusMask() != 0 || cp.SCStatusMask() != 0 {
		t.Fatalf("masks should start clear, got %x/%x", cp.StatusMask(), cp.SCStatusMask())
	}
	runUntilOnline(t, cp, pd, 0x03, 400)
	if cp.StatusMask() != 1 {
		t.Fatalf("StatusMask = %x, want bit 0 set", cp.StatusMask())
	}
	if cp.SCStatusMask() != 1 {
		t.Fatalf("SCStatusMask = %x, want bit 0 set", cp.SCStatusMask())
	}
}

func TestKeysetRekeyOverSecureChannel(t *testing.T) {
	cpChan, pdChan := newLoopback()
	scbk := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	pd := NewPD(PDConfig{Address: 0x02, SCBK: &scbk, Channel: pdChan})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond})
	cp.AddPD(CPPDConfig{Address: 0x02, SCBK: &scbk})
	runUntilOnline(t, cp, pd, 0x02, 400)

	newKey := [16]byte{0xF0, 0xE1, 0xD2, 0xC3}
	if err := cp.SendCommand(0x02, Command{Kind: CmdKeyset, Keyset: KeysetCommand{KeyType: 1, Key: newKey}}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	runTicks(t, cp, pd, time.Now(), 10)

	if pd.sc.scbk != newKey {
		t.Fatalf("PD SCBK not rekeyed: %x", pd.sc.scbk)
	}
	if cp.pds[0x02].sc.scbk != newKey {
		t.Fatalf("CP SCBK not rekeyed: %x", cp.pds[0x02].sc.scbk)
	}
	if pd.installMode {
		t.Fatalf("install mode should clear after rekey")
	}
}

func TestCardReadEventRoundTrip(t *testing.T) {
	cpChan, pdChan := newLoopback()

	pd := NewPD(PDConfig{Address: 0x06, Channel: pdChan})
	var gotEvents []Event
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond, EventCallback: func(addr byte, e Event) {
		gotEvents = append(gotEvents, e)
	}})
	cp.AddPD(CPPDConfig{Address: 0x06})
	runUntilOnline(t, cp, pd, 0x06, 200)

	raw := Event{Kind: EventCardRead, CardRead: CardReadEvent{
		Reader: 0, Format: CardReadRawWiegand, BitLength: 26, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}}
	ascii := Event{Kind: EventCardRead, CardRead: CardReadEvent{
		Reader: 1, Format: CardReadASCII, Direction: 1, Data: []byte("0412AB"),
	}}
	if err := pd.NotifyEvent(raw); err != nil {
		t.Fatalf("NotifyEvent raw: %v", err)
	}
	if err := pd.NotifyEvent(ascii); err != nil {
		t.Fatalf("NotifyEvent ascii: %v", err)
	}
	now := time.Now()
	for i := 0; i < 20 && len(gotEvents) < 2; i++ {
		now = runTicks(t, cp, pd, now, 1)
	}

	if len(gotEvents) != 2 {
		t.Fatalf("events received = %d, want 2", len(gotEvents))
	}
	got := gotEvents[0].CardRead
	if gotEvents[0].Kind != EventCardRead || got.Format != CardReadRawWiegand ||
		got.BitLength != 26 || !bytes.Equal(got.Data, raw.CardRead.Data) {
		t.Fatalf("raw event mismatch: %+v", got)
	}
	got = gotEvents[1].CardRead
	if got.Format != CardReadASCII || got.Reader != 1 || got.Direction != 1 ||
		!bytes.Equal(got.Data, ascii.CardRead.Data) {
		t.Fatalf("ascii event mismatch: %+v", got)
	}
}

func TestMasterKeyDerivesPerPDSCBK(t *testing.T) {
	cpChan, pdChan := newLoopback()

	master := [16]byte{0xDE, 0xAD, 0xBE, 0xEF, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	identity := Identity{VendorCode: [3]byte{1, 2, 3}, Model: 4, Version: 5, Serial: [4]byte{6, 7, 8, 9}}
	scbk, err := DeriveSCBK(master, identity)
	if err != nil {
		t.Fatalf("DeriveSCBK: %v", err)
	}

	pd := NewPD(PDConfig{Address: 0x0A, Identity: identity, SCBK: &scbk, Channel: pdChan})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond, MasterKey: &master})
	cp.AddPD(CPPDConfig{Address: 0x0A})
	runUntilOnline(t, cp, pd, 0x0A, 400)

	if !cp.IsSCActive(0x0A) || !pd.IsSCActive() {
		t.Fatalf("Secure Channel should come up over the master-key-derived SCBK")
	}
}

func TestInstallModeOnboardsOverDefaultKeyAndRekeys(t *testing.T) {
	cpChan, pdChan := newLoopback()

	pd := NewPD(PDConfig{Address: 0x07, Channel: pdChan})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond})
	cp.AddPD(CPPDConfig{Address: 0x07, InstallMode: true})
	runUntilOnline(t, cp, pd, 0x07, 400)

	if !cp.IsSCActive(0x07) || !pd.IsSCActive() {
		t.Fatalf("Secure Channel should come up over SCBK-D in install mode")
	}
	if !pd.installMode {
		t.Fatalf("PD should still be in install mode before KEYSET")
	}

	newKey := [16]byte{0x42, 0x42}
	if err := cp.SendCommand(0x07, Command{Kind: CmdKeyset, Keyset: KeysetCommand{KeyType: 1, Key: newKey}}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	runTicks(t, cp, pd, time.Now(), 10)

	if pd.installMode || pd.sc.useDefault {
		t.Fatalf("KEYSET should clear install mode and the SCBK-D flag")
	}
	if pd.sc.scbk != newKey {
		t.Fatalf("PD SCBK not provisioned: %x", pd.sc.scbk)
	}
}

func TestKeysetWhileSCInactiveIsRejected(t *testing.T) {
	_, pdChan := newLoopback()
	scbk := [16]byte{0x11}
	pd := NewPD(PDConfig{Address: 0x01, SCBK: &scbk, Channel: pdChan})

	data := append([]byte{cmdKeyset, 1, 16}, make([]byte, 16)...)
	f := encodeFrame(0x01, false, 1, true, nil, data, 0)
	pd.decodeCommand(mustDecode(t, f))

	if pd.pendingReplyID != replyNak || pd.pendingReplyData[0] != NakScCond {
		t.Fatalf("expected NAK(ScCond), got id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}
	if pd.sc.scbk != scbk {
		t.Fatalf("SCBK must not change on rejected KEYSET")
	}
}

func TestTextLengthBoundary(t *testing.T) {
	_, pdChan := newLoopback()
	pd := NewPD(PDConfig{Address: 0x01, Channel: pdChan})

	build := func(n int) frame {
		data := []byte{cmdText, 0, 1, 0, 0, 0, byte(n)}
		data = append(data, make([]byte, n)...)
		return mustDecode(t, encodeFrame(0x01, false, 1, true, nil, data, 0))
	}

	pd.decodeCommand(build(CmdTextMaxLen))
	if pd.pendingReplyID != replyAck {
		t.Fatalf("TEXT at max length rejected: id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}

	pd.decodeCommand(build(CmdTextMaxLen + 1))
	if pd.pendingReplyID != replyNak || pd.pendingReplyData[0] != NakCmdLen {
		t.Fatalf("TEXT over max not NAK(CmdLen): id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}
}

func TestComsetRejectsBadBaudBeforeCallback(t *testing.T) {
	_, pdChan := newLoopback()
	var calls int
	pd := NewPD(PDConfig{Address: 0x01, Channel: pdChan, CommandCallback: func(c Command) error {
		if c.Kind == CmdComset {
			calls++
		}
		return nil
	}})

	bad := uint32(19200)
	data := []byte{cmdComset, 0x10, byte(bad), byte(bad >> 8), byte(bad >> 16), byte(bad >> 24)}
	pd.decodeCommand(mustDecode(t, encodeFrame(0x01, false, 1, true, nil, data, 0)))

	if calls != 0 {
		t.Fatalf("callback ran for invalid baud rate")
	}
	if pd.pendingReplyID != replyNak || pd.pendingReplyData[0] != NakCmdLen {
		t.Fatalf("expected NAK(CmdLen), got id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}
	if pd.address != 0x01 || pd.baudRate != Baud9600 {
		t.Fatalf("COMSET with invalid baud must not change settings: addr=%x baud=%d", pd.address, pd.baudRate)
	}
}

func TestComsetReaddressesPD(t *testing.T) {
	cpChan, pdChan := newLoopback()

	pd := NewPD(PDConfig{Address: 0x05, Channel: pdChan})
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond})
	cp.AddPD(CPPDConfig{Address: 0x05})
	runUntilOnline(t, cp, pd, 0x05, 200)

	if err := cp.SendCommand(0x05, Command{Kind: CmdComset, Comset: ComsetCommand{Address: 0x66, BaudRate: Baud38400}}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	runTicks(t, cp, pd, time.Now(), 10)

	if pd.address != 0x66 || pd.baudRate != Baud38400 {
		t.Fatalf("PD did not adopt new settings: addr=%x baud=%d", pd.address, pd.baudRate)
	}
	if !cp.IsOnline(0x66) {
		t.Fatalf("CP lost track of readdressed PD")
	}
	if cp.IsOnline(0x05) {
		t.Fatalf("old address still registered")
	}
}

func TestMfgReplyRoundTrip(t *testing.T) {
	cpChan, pdChan := newLoopback()

	pd := NewPD(PDConfig{
		Address: 0x04,
		Channel: pdChan,
		MfgCallback: func(m MfgCommand) ([]byte, error) {
			return []byte{0xCA, 0xFE}, nil
		},
	})
	var gotEvents []Event
	cp := NewCP(CPConfig{Channel: cpChan, PollInterval: time.Millisecond, EventCallback: func(addr byte, e Event) {
		gotEvents = append(gotEvents, e)
	}})
	cp.AddPD(CPPDConfig{Address: 0x04})
	runUntilOnline(t, cp, pd, 0x04, 200)

	cmd := Command{Kind: CmdMfg, Mfg: MfgCommand{VendorCode: 0x030201, MfgCommand: 0x42, Data: []byte{1}}}
	if err := cp.SendCommand(0x04, cmd); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	runTicks(t, cp, pd, time.Now(), 10)

	if len(gotEvents) != 1 || gotEvents[0].Kind != EventMfgReply {
		t.Fatalf("expected one MfgReply event, got %+v", gotEvents)
	}
	rep := gotEvents[0].MfgReply
	if rep.VendorCode != 0x030201 || rep.Command != 0x42 || len(rep.Data) != 2 {
		t.Fatalf("unexpected MFGREP: %+v", rep)
	}
}

func TestSequenceMismatchNaksAndDropsSC(t *testing.T) {
	_, pdChan := newLoopback()
	pd := NewPD(PDConfig{Address: 0x01, Channel: pdChan})

	pd.decodeCommand(mustDecode(t, encodeFrame(0x01, false, 1, true, nil, []byte{cmdPoll}, 0)))
	if pd.pendingReplyID != replyAck {
		t.Fatalf("first poll should ack, got %x", pd.pendingReplyID)
	}
	pd.sc.active = true

	// Jump from seq 1 straight to seq 3.
	pd.decodeCommand(mustDecode(t, encodeFrame(0x01, false, 3, true, nil, []byte{cmdPoll}, 0)))
	if pd.pendingReplyID != replyNak || pd.pendingReplyData[0] != NakSeqNum {
		t.Fatalf("expected NAK(SeqNum), got id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}
	if pd.sc.active {
		t.Fatalf("sequence break must clear SC_ACTIVE")
	}
	if pd.lastSeq != 1 {
		t.Fatalf("NAK(SeqNum) must not advance the expected sequence, lastSeq=%d", pd.lastSeq)
	}
}

func TestPDRejectsUnknownCommand(t *testing.T) {
	_, pdChan := newLoopback()
	pd := NewPD(PDConfig{Address: 0x01, Channel: pdChan})

	f := encodeFrame(0x01, false, 0, true, nil, []byte{0x7F}, 0)
	pd.decodeCommand(mustDecode(t, f))
	if pd.pendingReplyID != replyNak || len(pd.pendingReplyData) != 1 || pd.pendingReplyData[0] != NakCmdUnknown {
		t.Fatalf("expected NAK(CmdUnknown), got id=%x data=%x", pd.pendingReplyID, pd.pendingReplyData)
	}
}

func mustDecode(t *testing.T, buf []byte) frame {
	t.Helper()
	f, _, status := decodeFrame(buf)
	if status != decodeOK {
		t.Fatalf("decode failed: %v", status)
	}
	return f
}
