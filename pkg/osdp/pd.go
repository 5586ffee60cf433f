package osdp

import (
	"log/slog"
	"time"
)

type pdState int

const (
	pdStateIdle pdState = iota
	pdStateSendReply
	pdStateErr
)

// PDConfig configures a Peripheral Device context. A nil SCBK starts
// the PD in install mode: it accepts SCBK-D (the well-known default
// key) until a CMD_KEYSET provisions a real key.
type PDConfig struct {
	Address         byte
	Identity        Identity
	Capabilities    []Capability
	SCBK            *[16]byte
	EventQueueSize  int
	ResponseTimeout time.Duration
	Channel         Channel
	CommandCallback func(Command) error

	// MfgCallback, when set, handles CMD_MFG instead of CommandCallback.
	// Returning non-nil data puts a REPLY_MFGREP carrying it on the
	// wire; returning an error produces NAK(RECORD).
	MfgCallback func(MfgCommand) ([]byte, error)

	Logger       *slog.Logger
	SkipSeqCheck bool
}

// PD runs one Peripheral Device's frame decode / command dispatch /
// reply cycle. Poll must be called repeatedly (by the owning process's
// event loop) to advance it; the PD never spawns goroutines of its own.
type PD struct {
	address     byte
	identity    Identity
	caps        []Capability
	channel     Channel
	callback    func(Command) error
	mfgCallback func(MfgCommand) ([]byte, error)
	logger      *slog.Logger

	sc          scState
	installMode bool

	state        pdState
	rxBuf        []byte
	lastByteAt   time.Time
	respTimeout  time.Duration
	skipSeqCheck bool
	haveSeq      bool
	lastSeq      byte

	events *eventQueue

	baudRate int

	pendingReplyID   byte
	pendingReplyData []byte

	// COMSET settings applied only after the REPLY_COM has gone out on
	// the old line parameters.
	pendingComset *ComsetCommand
}

// NewPD builds a PD from cfg, merging the implicit capability entries
// every PD reports.
func NewPD(cfg PDConfig) *PD {
	qsize := cfg.EventQueueSize
	if qsize <= 0 {
		qsize = 8
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	p := &PD{
		address:      cfg.Address,
		identity:     cfg.Identity,
		caps:         mergeImplicitCapabilities(cfg.Capabilities, true),
		channel:      cfg.Channel,
		callback:     cfg.CommandCallback,
		mfgCallback:  cfg.MfgCallback,
		logger:       cfg.Logger,
		respTimeout:  timeout,
		skipSeqCheck: cfg.SkipSeqCheck,
		events:       newEventQueue(qsize),
		baudRate:     Baud9600,
	}
	if p.logger == nil {
		p.logger = logger()
	}
	if cfg.SCBK == nil {
		p.installMode = true
		p.sc.scbk = scbkDefault
		p.sc.useDefault = true
		p.logger.Warn("no SCBK provided, PD accepts SCBK-D until provisioned", "pd", p.address)
	} else {
		p.sc.scbk = *cfg.SCBK
	}
	return p
}

// NotifyEvent enqueues e for delivery on the next POLL. It returns a
// *ResourceError if the event queue is full; the caller decides
// whether to drop the event or retry.
func (p *PD) NotifyEvent(e Event) error {
	return p.events.push(e)
}

// IsSCActive reports whether this PD's Secure Channel is currently armed.
func (p *PD) IsSCActive() bool { return p.sc.active }

// SetCommandCallback replaces the application command handler.
func (p *PD) SetCommandCallback(fn func(Command) error) {
	p.callback = fn
}

// Close tears the PD down: queued events are dropped and any
// half-received frame is discarded. The PD must not be polled again
// afterwards.
func (p *PD) Close() {
	for {
		if _, ok := p.events.pop(); !ok {
			break
		}
	}
	p.sc.active = false
	p.state = pdStateIdle
	p.rxBuf = nil
	p.channel.Flush()
}

// Poll advances the PD state machine by one step. now is used only for
// the inter-byte response timeout.
func (p *PD) Poll(now time.Time) error {
	switch p.state {
	case pdStateIdle:
		return p.pollIdle(now)
	case pdStateSendReply:
		return p.pollSendReply()
	case pdStateErr:
		p.sc.active = false
		p.channel.Flush()
		p.rxBuf = p.rxBuf[:0]
		p.state = pdStateIdle
		return nil
	}
	return nil
}

func (p *PD) pollIdle(now time.Time) error {
	buf := make([]byte, 256)
	n, err := p.channel.Recv(buf)
	if err != nil {
		p.state = pdStateErr
		return &PhyError{Step: "recv", Cause: err}
	}
	if n == 0 {
		if len(p.rxBuf) > 0 && now.Sub(p.lastByteAt) > p.respTimeout {
			p.state = pdStateErr
			return &TimeoutError{Address: int(p.address)}
		}
		return nil
	}
	if len(p.rxBuf) == 0 {
		p.lastByteAt = now
	}
	p.rxBuf = append(p.rxBuf, buf[:n]...)

	f, consumed, status := decodeFrame(p.rxBuf)
	switch status {
	case decodeNeedMore:
		return nil
	case decodeSkip:
		p.rxBuf = p.rxBuf[consumed:]
		return nil
	case decodeFormatError:
		p.rxBuf = p.rxBuf[:0]
		p.channel.Flush()
		p.state = pdStateErr
		return &PhyError{Step: "checksum"}
	}

	p.rxBuf = p.rxBuf[consumed:]
	if f.Address != p.address || f.IsReply {
		return nil
	}
	p.decodeCommand(f)
	p.state = pdStateSendReply
	return nil
}

func (p *PD) pollSendReply() error {
	reply := p.buildReply()
	if err := p.channel.Send(reply); err != nil {
		p.state = pdStateErr
		return &PhyError{Step: "send", Cause: err}
	}
	if cs := p.pendingComset; cs != nil {
		p.logger.Info("comset applied", "pd", p.address, "new_address", cs.Address, "baud", cs.BaudRate)
		p.address, p.baudRate = cs.Address, int(cs.BaudRate)
		p.pendingComset = nil
	}
	p.rxBuf = p.rxBuf[:0]
	p.state = pdStateIdle
	return nil
}

func (p *PD) checkSeq(seq byte) bool {
	if p.skipSeqCheck {
		p.lastSeq = seq
		return true
	}
	// Sequence 0 is reserved for resets: the CP restarts the exchange
	// from scratch, so the PD forgets whatever it last saw.
	if seq == 0 || !p.haveSeq {
		p.haveSeq = true
		p.lastSeq = seq
		return true
	}
	if seq == p.lastSeq || seq == (p.lastSeq+1)%4 {
		p.lastSeq = seq
		return true
	}
	// A mismatch must not advance the counter (NAK(SEQ_NUM) leaves the
	// expected sequence where it was).
	return false
}

func (p *PD) setReply(id byte, data []byte) {
	p.pendingReplyID = id
	p.pendingReplyData = data
}

func (p *PD) setNak(reason byte) {
	p.pendingReplyID = replyNak
	p.pendingReplyData = []byte{reason}
}

func (p *PD) decodeCommand(f frame) {
	if !p.checkSeq(f.Seq) {
		// A sequence break also tears down the session; the CP has to
		// re-challenge before secured traffic resumes.
		p.sc.active = false
		p.logger.Debug("sequence mismatch", "pd", p.address, "seq", f.Seq, "want", (p.lastSeq+1)%4)
		p.setNak(NakSeqNum)
		return
	}
	if len(f.Data) == 0 {
		p.setNak(NakCmdUnknown)
		return
	}
	cmd := f.Data[0]
	data := f.Data[1:]

	if f.SCB != nil && (f.SCB.Type == scs15 || f.SCB.Type == scs17) {
		plain, ok := p.unwrapSecureCommand(f, cmd, data)
		if !ok {
			return
		}
		data = plain
	} else if p.sc.active && cmd != cmdChlng {
		// Once the channel is armed, only secured commands (or a fresh
		// challenge) are acceptable.
		p.setNak(NakScCond)
		return
	}

	switch cmd {
	case cmdPoll:
		if len(data) != cmdPollDataLen {
			p.setNak(NakCmdLen)
			return
		}
		if e, ok := p.events.pop(); ok {
			p.replyEvent(e)
		} else {
			p.setReply(replyAck, nil)
		}
	case cmdLstat:
		if len(data) != cmdLstatDataLen {
			p.setNak(NakCmdLen)
			return
		}
		p.setReply(replyLstatr, []byte{0, 0})
	case cmdIstat:
		if len(data) != cmdIstatDataLen {
			p.setNak(NakCmdLen)
			return
		}
		p.setReply(replyIstatr, []byte{0})
	case cmdOstat:
		if len(data) != cmdOstatDataLen {
			p.setNak(NakCmdLen)
			return
		}
		p.setReply(replyOstatr, []byte{0})
	case cmdRstat:
		if len(data) != cmdRstatDataLen {
			p.setNak(NakCmdLen)
			return
		}
		p.setReply(replyRstatr, []byte{0, 0})
	case cmdID:
		if len(data) != cmdIDDataLen {
			p.setNak(NakCmdLen)
			return
		}
		out := encodeIdentity(p.identity, nil)
		p.setReply(replyPdid, out)
	case cmdCap:
		if len(data) != cmdCapDataLen {
			p.setNak(NakCmdLen)
			return
		}
		out := encodeCapabilities(p.caps, nil)
		p.setReply(replyPdcap, out)
	case cmdOut:
		if len(data) != cmdOutDataLen {
			p.setNak(NakCmdLen)
			return
		}
		c := Command{Kind: CmdOutput, Output: OutputCommand{
			OutputNo:    data[0],
			ControlCode: data[1],
			TimerCount:  uint16(data[2]) | uint16(data[3])<<8,
		}}
		p.dispatch(cmd, c)
	case cmdLed:
		if len(data) != cmdLedDataLen {
			p.setNak(NakCmdLen)
			return
		}
		c := Command{Kind: CmdLED, LED: decodeLEDCommand(data)}
		p.dispatch(cmd, c)
	case cmdBuz:
		if len(data) != cmdBuzDataLen {
			p.setNak(NakCmdLen)
			return
		}
		c := Command{Kind: CmdBuzzer, Buzzer: BuzzerCommand{
			Reader:      data[0],
			ControlCode: data[1],
			OnCount:     data[2],
			OffCount:    data[3],
			RepCount:    data[4],
		}}
		p.dispatch(cmd, c)
	case cmdText:
		if len(data) < cmdTextDataLen || len(data)-cmdTextDataLen > CmdTextMaxLen ||
			int(data[5]) != len(data)-cmdTextDataLen {
			p.setNak(NakCmdLen)
			return
		}
		c := Command{Kind: CmdText, Text: TextCommand{
			Reader:      data[0],
			ControlCode: data[1],
			TempTime:    data[2],
			OffsetRow:   data[3],
			OffsetCol:   data[4],
			Data:        append([]byte(nil), data[6:]...),
		}}
		p.dispatch(cmd, c)
	case cmdComset:
		if len(data) != cmdComsetDataLen {
			p.setNak(NakCmdLen)
			return
		}
		p.decodeComset(data)
	case cmdMfg:
		if len(data) < cmdMfgDataLen || len(data)-cmdMfgDataLen > CmdMfgMaxLen {
			p.setNak(NakCmdLen)
			return
		}
		m := MfgCommand{
			VendorCode: uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16,
			MfgCommand: data[3],
			Data:       append([]byte(nil), data[4:]...),
		}
		p.dispatchMfg(m)
	case cmdKeyset:
		p.decodeKeyset(data)
	case cmdChlng:
		p.decodeChlng(data)
	case cmdScrypt:
		p.decodeScrypt(data)
	default:
		p.setNak(NakCmdUnknown)
	}
}

// unwrapSecureCommand checks a secured command's MAC and, for SCS_17,
// decrypts its payload. The MAC covers the cleartext command byte plus
// the (possibly encrypted) remainder, mirroring buildReply's layout on
// the reply side. On any failure the pending reply is already set.
func (p *PD) unwrapSecureCommand(f frame, cmd byte, data []byte) ([]byte, bool) {
	if !p.sc.active {
		p.setNak(NakScCond)
		return nil, false
	}
	want, err := p.sc.secureMAC(append([]byte{cmd}, data...))
	if err != nil || !constantTimeEqual(want, f.MAC) {
		p.sc.active = false
		p.logger.Debug("secured command MAC mismatch", "pd", p.address, "cmd", cmd)
		p.setNak(NakScCond)
		return nil, false
	}
	if f.SCB.Type == scs15 {
		return data, true
	}
	plain, err := p.sc.decryptPayload(data)
	if err != nil {
		p.sc.active = false
		p.setNak(NakScCond)
		return nil, false
	}
	return unpadISO9797M2(plain), true
}

func decodeLEDCommand(data []byte) LEDCommand {
	return LEDCommand{
		Reader:    data[0],
		LEDNumber: data[1],
		Temporary: LEDColorState{
			ControlCode: data[2], OnCount: data[3], OffCount: data[4],
			OnColor: data[5], OffColor: data[6],
			TimerCount: uint16(data[7]) | uint16(data[8])<<8,
		},
		Permanent: LEDColorState{
			ControlCode: data[9], OnCount: data[10], OffCount: data[11],
			OnColor: data[12], OffColor: data[13],
		},
	}
}

func (p *PD) dispatch(cmd byte, c Command) {
	if p.callback == nil {
		p.setReply(replyAck, nil)
		return
	}
	if err := p.callback(c); err != nil {
		p.logger.Debug("command refused by application", "pd", p.address, "cmd", cmd)
		p.setNak(NakRecord)
		return
	}
	p.setReply(replyAck, nil)
}

// dispatchMfg routes a manufacturer command through MfgCallback when
// one is configured, allowing the application to answer with a
// REPLY_MFGREP of its own; otherwise it behaves like any other
// callback-dispatched command.
func (p *PD) dispatchMfg(m MfgCommand) {
	if p.mfgCallback == nil {
		p.dispatch(cmdMfg, Command{Kind: CmdMfg, Mfg: m})
		return
	}
	rep, err := p.mfgCallback(m)
	if err != nil {
		p.setNak(NakRecord)
		return
	}
	if rep == nil {
		p.setReply(replyAck, nil)
		return
	}
	out := []byte{byte(m.VendorCode), byte(m.VendorCode >> 8), byte(m.VendorCode >> 16), m.MfgCommand}
	p.setReply(replyMfgrep, append(out, rep...))
}

func (p *PD) replyEvent(e Event) {
	switch translateEventToReply(&e) {
	case replyRaw:
		bl := e.CardRead.BitLength
		out := []byte{e.CardRead.Reader, cardFormatByte(e.CardRead.Format), byte(bl), byte(bl >> 8)}
		out = append(out, e.CardRead.Data...)
		p.setReply(replyRaw, out)
	case replyFmt:
		out := append([]byte{e.CardRead.Reader, e.CardRead.Direction, byte(len(e.CardRead.Data))}, e.CardRead.Data...)
		p.setReply(replyFmt, out)
	case replyKeypad:
		out := append([]byte{e.Keypress.Reader, byte(len(e.Keypress.Digits))}, e.Keypress.Digits...)
		p.setReply(replyKeypad, out)
	default:
		p.setReply(replyAck, nil)
	}
}

func (p *PD) decodeComset(data []byte) {
	addr := data[0]
	baud := int(data[1]) | int(data[2])<<8 | int(data[3])<<16 | int(data[4])<<24
	if addr > 0x7E || !validBaudRate(baud) {
		p.setNak(NakCmdLen)
		return
	}
	if p.callback != nil {
		if err := p.callback(Command{Kind: CmdComset, Comset: ComsetCommand{Address: addr, BaudRate: uint32(baud)}}); err != nil {
			p.setNak(NakRecord)
			return
		}
	}
	// The reply carries the settings the command arrived under; the
	// switch happens only after it goes out on the old line parameters
	// (see pollSendReply).
	out := []byte{p.address, byte(p.baudRate), byte(p.baudRate >> 8), byte(p.baudRate >> 16), byte(p.baudRate >> 24)}
	p.setReply(replyCom, out)
	p.pendingComset = &ComsetCommand{Address: addr, BaudRate: uint32(baud)}
}

func (p *PD) decodeKeyset(data []byte) {
	if !p.sc.active {
		p.setNak(NakScCond)
		return
	}
	if len(data) != cmdKeysetDataLen || data[0] != 1 {
		p.setNak(NakCmdLen)
		return
	}
	copy(p.sc.scbk[:], data[2:18])
	p.sc.useDefault = false
	p.installMode = false
	p.logger.Info("SCBK provisioned", "pd", p.address)
	p.setReply(replyAck, nil)
}

func (p *PD) decodeChlng(data []byte) {
	if len(data) != cmdChlngDataLen {
		p.setNak(NakCmdLen)
		return
	}
	var cpRandom [8]byte
	copy(cpRandom[:], data)
	if err := p.sc.beginChallenge(cpRandom); err != nil {
		p.setNak(NakScUnsup)
		return
	}
	uid := clientUID(p.identity)
	out := append([]byte{}, uid[:]...)
	out = append(out, p.sc.pdRandom[:]...)
	out = append(out, p.sc.pdCryptogram[:]...)
	p.setReply(replyCcrypt, out)
}

func (p *PD) decodeScrypt(data []byte) {
	if len(data) != cmdScryptDataLen {
		p.setNak(NakCmdLen)
		return
	}
	var cpCryptogram [16]byte
	copy(cpCryptogram[:], data)
	ok, err := p.sc.verifyAndArm(cpCryptogram)
	if err != nil || !ok {
		p.setNak(NakScCond)
		return
	}
	p.logger.Debug("secure channel active", "pd", p.address)
	p.setReply(replyRmacI, append([]byte{}, p.sc.rmac[:]...))
}

// buildReply serializes the pending reply, upgrading it to a secured
// frame once the Secure Channel is active: every reply after RMAC_I
// gets wrapped automatically, matching the reference PD's behavior of
// never requiring the application to think about SC framing.
func (p *PD) buildReply() []byte {
	seq := p.lastSeq
	if !p.sc.active || p.pendingReplyID == replyCcrypt || p.pendingReplyID == replyRmacI {
		data := append([]byte{p.pendingReplyID}, p.pendingReplyData...)
		var scb *scBlock
		switch p.pendingReplyID {
		case replyCcrypt:
			// The SCB data byte tells the CP whether SCBK-D is in use.
			b := byte(1)
			if p.sc.useDefault {
				b = 0
			}
			scb = &scBlock{Type: scs12, Data: []byte{b}}
		case replyRmacI:
			scb = &scBlock{Type: scs14, Data: []byte{1}}
		}
		return encodeFrame(p.address, true, seq, true, scb, data, 0)
	}

	payload := append([]byte{p.pendingReplyID}, p.pendingReplyData...)
	scbType := scs16
	var enc []byte
	if len(p.pendingReplyData) > 0 {
		scbType = scs18
		encrypted, err := p.sc.encryptPayload(payload[1:])
		if err == nil {
			enc = encrypted
		}
	}
	mac, err := p.sc.secureMAC(append([]byte{payload[0]}, enc...))
	if err != nil {
		mac = make([]byte, macLen)
	}
	data := append([]byte{payload[0]}, enc...)
	scb := &scBlock{Type: scbType}
	f := encodeFrame(p.address, true, seq, true, scb, data, macLen)
	return rewriteMAC(f, true, mac)
}
