package osdp

import (
	"log/slog"
	"time"
)

type cpPDPhase int

const (
	cpInit cpPDPhase = iota
	cpCaps
	cpScChlng
	cpScScrypt
	cpOnline
	cpOffline
)

// CPPDConfig describes one PD the CP context will poll. A nil SCBK
// with InstallMode set onboards the PD over SCBK-D, the well-known
// default key, so a real key can then be provisioned with KEYSET.
type CPPDConfig struct {
	Address          byte
	SCBK             *[16]byte
	InstallMode      bool
	CommandQueueSize int
}

type cpPD struct {
	address byte
	scbk    *[16]byte
	secure  bool
	phase   cpPDPhase

	identity Identity
	caps     []Capability
	uid      [8]byte

	sc       scState
	cpRandom [8]byte

	cmds *commandQueue

	seq               byte
	consecutiveMisses int
	lastPollAt        time.Time

	// In-flight state committed only once the PD acknowledges.
	pendingKeyset *[16]byte
	pendingComset *ComsetCommand
}

// CPConfig configures a Control Panel context.
type CPConfig struct {
	Channel          Channel
	ResponseTimeout  time.Duration
	PollInterval     time.Duration
	OfflineThreshold int

	// MasterKey, when set, derives a per-PD SCBK from the PD's client
	// UID for any PD registered without an explicit key.
	MasterKey *[16]byte

	EventCallback func(address byte, e Event)
	Logger        *slog.Logger
}

// CP runs the bus master side of the protocol: round-robin scheduling
// across its PDs, half-duplex request/reply, and the onboarding FSM
// (identity, capabilities, Secure Channel handshake) each PD passes
// through before it is considered online.
type CP struct {
	channel       Channel
	respTimeout   time.Duration
	pollInterval  time.Duration
	offlineMax    int
	masterKey     *[16]byte
	eventCallback func(address byte, e Event)
	logger        *slog.Logger

	pds   map[byte]*cpPD
	order []byte
	rr    int

	awaiting   bool
	awaitingPD *cpPD
	sentAt     time.Time
	rxBuf      []byte
}

// NewCP builds an idle CP context; call AddPD for each PD on the bus
// before the first Poll.
func NewCP(cfg CPConfig) *CP {
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	offline := cfg.OfflineThreshold
	if offline <= 0 {
		offline = 3
	}
	c := &CP{
		channel:       cfg.Channel,
		respTimeout:   timeout,
		pollInterval:  interval,
		offlineMax:    offline,
		masterKey:     cfg.MasterKey,
		eventCallback: cfg.EventCallback,
		logger:        cfg.Logger,
		pds:           make(map[byte]*cpPD),
	}
	if c.logger == nil {
		c.logger = logger()
	}
	return c
}

// AddPD registers a PD the CP will poll in round-robin order.
func (c *CP) AddPD(cfg CPPDConfig) {
	qsize := cfg.CommandQueueSize
	if qsize <= 0 {
		qsize = 16
	}
	pd := &cpPD{
		address: cfg.Address,
		scbk:    cfg.SCBK,
		secure:  cfg.SCBK != nil || cfg.InstallMode || c.masterKey != nil,
		cmds:    newCommandQueue(qsize),
	}
	if cfg.SCBK != nil {
		pd.sc.scbk = *cfg.SCBK
	} else if cfg.InstallMode {
		pd.sc.scbk = scbkDefault
		pd.sc.useDefault = true
	}
	c.pds[cfg.Address] = pd
	c.order = append(c.order, cfg.Address)
}

// SetEventCallback replaces the function invoked for PD-originated
// events. Passing nil silences event delivery.
func (c *CP) SetEventCallback(fn func(address byte, e Event)) {
	c.eventCallback = fn
}

// Close tears the CP down: queued commands are dropped, every PD is
// marked offline, and any half-received frame is discarded. The CP
// must not be polled again afterwards.
func (c *CP) Close() {
	for _, pd := range c.pds {
		pd.sc.active = false
		pd.phase = cpOffline
		for {
			if _, ok := pd.cmds.pop(); !ok {
				break
			}
		}
	}
	c.awaiting = false
	c.awaitingPD = nil
	c.rxBuf = nil
	c.channel.Flush()
}

// SendCommand enqueues cmd for delivery to the PD at address on a
// future poll. It returns a *ResourceError if that PD's command queue
// is full.
func (c *CP) SendCommand(address byte, cmd Command) error {
	pd, ok := c.pds[address]
	if !ok {
		return &NakError{Address: int(address), Reason: NakCmdUnknown}
	}
	return pd.cmds.push(cmd)
}

// IsOnline reports whether the PD at address has completed onboarding.
func (c *CP) IsOnline(address byte) bool {
	pd, ok := c.pds[address]
	return ok && pd.phase == cpOnline
}

// IsSCActive reports whether the PD at address has an armed Secure Channel.
func (c *CP) IsSCActive(address byte) bool {
	pd, ok := c.pds[address]
	return ok && pd.sc.active
}

// StatusMask returns a bitmask over registration order (bit i set iff
// the i-th PD added via AddPD is ONLINE). Only the first 32 PDs are
// representable; callers polling more than that must use IsOnline.
func (c *CP) StatusMask() uint32 {
	var mask uint32
	for i, addr := range c.order {
		if i >= 32 {
			break
		}
		if c.pds[addr].phase == cpOnline {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// SCStatusMask returns a bitmask over registration order (bit i set iff
// the i-th PD added via AddPD has an armed Secure Channel).
func (c *CP) SCStatusMask() uint32 {
	var mask uint32
	for i, addr := range c.order {
		if i >= 32 {
			break
		}
		if c.pds[addr].sc.active {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// Poll advances the CP by one step: either finishing a pending
// request/reply exchange, or issuing the next scheduled PD's command.
func (c *CP) Poll(now time.Time) error {
	if c.awaiting {
		return c.pollAwaiting(now)
	}
	return c.pollSchedule(now)
}

func (c *CP) pollAwaiting(now time.Time) error {
	buf := make([]byte, 256)
	n, err := c.channel.Recv(buf)
	if err != nil {
		c.failAwaiting()
		return &PhyError{Step: "recv", Cause: err}
	}
	if n == 0 {
		if now.Sub(c.sentAt) > c.respTimeout {
			pd := c.awaitingPD
			c.failAwaiting()
			return &TimeoutError{Address: int(pd.address)}
		}
		return nil
	}
	c.rxBuf = append(c.rxBuf, buf[:n]...)

	f, consumed, status := decodeFrame(c.rxBuf)
	switch status {
	case decodeNeedMore:
		return nil
	case decodeSkip:
		c.rxBuf = c.rxBuf[consumed:]
		return nil
	case decodeFormatError:
		c.rxBuf = c.rxBuf[:0]
		c.failAwaiting()
		return &PhyError{Step: "checksum"}
	}
	c.rxBuf = c.rxBuf[consumed:]

	pd := c.awaitingPD
	c.awaiting = false
	c.awaitingPD = nil
	if f.Address != pd.address || !f.IsReply {
		pd.consecutiveMisses++
		return nil
	}
	if err := unwrapSecureReply(&pd.sc, &f); err != nil {
		pd.sc.active = false
		c.countMiss(pd)
		return err
	}
	// A NAK is counted as a miss in handleReply, so only other replies
	// clear the streak; repeated NAKs accumulate toward offlineMax.
	if len(f.Data) > 0 && f.Data[0] != replyNak {
		pd.consecutiveMisses = 0
	}
	c.handleReply(pd, f)
	return nil
}

// unwrapSecureReply verifies a secured reply's MAC and decrypts its
// payload in place. Replies carrying SCS_16/SCS_18 are produced by
// PD.buildReply once a Secure Channel is active; everything else
// passes through untouched.
func unwrapSecureReply(sc *scState, f *frame) error {
	if f.SCB == nil || len(f.Data) == 0 {
		return nil
	}
	switch f.SCB.Type {
	case scs16, scs18:
	default:
		return nil
	}
	want, err := sc.secureMAC(f.Data)
	if err != nil || !constantTimeEqual(want, f.MAC) {
		return &ScError{Address: int(f.Address)}
	}
	if len(f.Data) == 1 {
		return nil
	}
	plain, err := sc.decryptPayload(f.Data[1:])
	if err != nil {
		return &ScError{Address: int(f.Address)}
	}
	f.Data = append([]byte{f.Data[0]}, unpadISO9797M2(plain)...)
	return nil
}

func (c *CP) failAwaiting() {
	pd := c.awaitingPD
	c.awaiting = false
	c.awaitingPD = nil
	c.rxBuf = c.rxBuf[:0]
	pd.pendingKeyset = nil
	pd.pendingComset = nil
	c.countMiss(pd)
}

func (c *CP) countMiss(pd *cpPD) {
	pd.consecutiveMisses++
	if pd.consecutiveMisses >= c.offlineMax && pd.phase != cpOffline {
		c.logger.Info("pd offline", "pd", pd.address, "misses", pd.consecutiveMisses)
		pd.phase = cpOffline
		pd.sc.active = false
	}
}

func (c *CP) pollSchedule(now time.Time) error {
	if len(c.order) == 0 {
		return nil
	}
	c.rr = (c.rr + 1) % len(c.order)
	pd := c.pds[c.order[c.rr]]

	if pd.phase == cpOffline {
		pd.consecutiveMisses = 0
		pd.phase = cpInit
		pd.seq = 3 // next frame carries sequence 0, the reset value
	}

	cmdData, err := c.buildNextCommand(pd, now)
	if err != nil {
		return err
	}
	if cmdData == nil {
		return nil
	}
	if err := c.channel.Send(cmdData); err != nil {
		pd.consecutiveMisses++
		return &PhyError{Step: "send", Cause: err}
	}
	c.awaiting = true
	c.awaitingPD = pd
	c.sentAt = now
	c.rxBuf = c.rxBuf[:0]
	return nil
}

func (c *CP) buildNextCommand(pd *cpPD, now time.Time) ([]byte, error) {
	switch pd.phase {
	case cpInit:
		pd.seq = (pd.seq + 1) % 4
		return encodeFrame(pd.address, false, pd.seq, true, nil, []byte{cmdID, 0}, 0), nil
	case cpCaps:
		pd.seq = (pd.seq + 1) % 4
		return encodeFrame(pd.address, false, pd.seq, true, nil, []byte{cmdCap, 0}, 0), nil
	case cpScChlng:
		r, err := randomBytes(8)
		if err != nil {
			return nil, err
		}
		copy(pd.cpRandom[:], r)
		pd.seq = (pd.seq + 1) % 4
		data := append([]byte{cmdChlng}, pd.cpRandom[:]...)
		return encodeFrame(pd.address, false, pd.seq, true, &scBlock{Type: scs11, Data: []byte{scbkdIndicator(&pd.sc)}}, data, 0), nil
	case cpScScrypt:
		pd.seq = (pd.seq + 1) % 4
		data := append([]byte{cmdScrypt}, pd.sc.cpCryptogram[:]...)
		return encodeFrame(pd.address, false, pd.seq, true, &scBlock{Type: scs13, Data: []byte{scbkdIndicator(&pd.sc)}}, data, 0), nil
	case cpOnline:
		if next, ok := pd.cmds.pop(); ok {
			pd.seq = (pd.seq + 1) % 4
			pd.lastPollAt = now
			return c.encodeCommand(pd, next), nil
		}
		// Idle PDs are kept alive with POLL on a timer rather than
		// hammered every tick.
		if now.Sub(pd.lastPollAt) < c.pollInterval {
			return nil, nil
		}
		pd.seq = (pd.seq + 1) % 4
		pd.lastPollAt = now
		return c.secureWireCommand(pd, []byte{cmdPoll}), nil
	}
	return nil, nil
}

// secureWireCommand frames an online-phase command, wrapping it in a
// secured SCB once the PD's channel is active: SCS_15 when the command
// has no payload, SCS_17 with an encrypted payload otherwise. The MAC
// covers the cleartext command byte plus the ciphertext, matching what
// the PD verifies in unwrapSecureCommand.
func (c *CP) secureWireCommand(pd *cpPD, data []byte) []byte {
	if !pd.sc.active {
		return encodeFrame(pd.address, false, pd.seq, true, nil, data, 0)
	}
	id, rest := data[0], data[1:]
	scbType := scs15
	var enc []byte
	if len(rest) > 0 {
		scbType = scs17
		if encrypted, err := pd.sc.encryptPayload(rest); err == nil {
			enc = encrypted
		}
	}
	wire := append([]byte{id}, enc...)
	mac, err := pd.sc.secureMAC(wire)
	if err != nil {
		mac = make([]byte, macLen)
	}
	f := encodeFrame(pd.address, false, pd.seq, true, &scBlock{Type: scbType}, wire, macLen)
	return rewriteMAC(f, true, mac)
}

func (c *CP) encodeCommand(pd *cpPD, cmd Command) []byte {
	var data []byte
	switch cmd.Kind {
	case CmdOutput:
		o := cmd.Output
		data = []byte{cmdOut, o.OutputNo, o.ControlCode, byte(o.TimerCount), byte(o.TimerCount >> 8)}
	case CmdLED:
		data = encodeLEDWire(cmd.LED)
	case CmdBuzzer:
		b := cmd.Buzzer
		data = []byte{cmdBuz, b.Reader, b.ControlCode, b.OnCount, b.OffCount, b.RepCount}
	case CmdText:
		t := cmd.Text
		data = append([]byte{cmdText, t.Reader, t.ControlCode, t.TempTime, t.OffsetRow, t.OffsetCol, byte(len(t.Data))}, t.Data...)
	case CmdComset:
		cs := cmd.Comset
		data = []byte{cmdComset, cs.Address, byte(cs.BaudRate), byte(cs.BaudRate >> 8), byte(cs.BaudRate >> 16), byte(cs.BaudRate >> 24)}
		pd.pendingComset = &cs
	case CmdMfg:
		m := cmd.Mfg
		data = append([]byte{cmdMfg, byte(m.VendorCode), byte(m.VendorCode >> 8), byte(m.VendorCode >> 16), m.MfgCommand}, m.Data...)
	case CmdKeyset:
		k := cmd.Keyset
		data = append([]byte{cmdKeyset, k.KeyType, 16}, k.Key[:]...)
		key := k.Key
		pd.pendingKeyset = &key
	}
	return c.secureWireCommand(pd, data)
}

func encodeLEDWire(l LEDCommand) []byte {
	data := []byte{cmdLed, l.Reader, l.LEDNumber}
	t, pm := l.Temporary, l.Permanent
	data = append(data, t.ControlCode, t.OnCount, t.OffCount, t.OnColor, t.OffColor,
		byte(t.TimerCount), byte(t.TimerCount>>8))
	data = append(data, pm.ControlCode, pm.OnCount, pm.OffCount, pm.OnColor, pm.OffColor)
	return data
}

func (c *CP) handleReply(pd *cpPD, f frame) {
	if len(f.Data) == 0 {
		c.countMiss(pd)
		return
	}
	reply := f.Data[0]
	data := f.Data[1:]

	if reply == replyNak {
		reason := byte(0)
		if len(data) > 0 {
			reason = data[0]
		}
		c.logger.Debug("pd nak", "pd", pd.address, "reason", reason)
		pd.pendingKeyset = nil
		pd.pendingComset = nil
		if pd.phase != cpOnline || reason == NakSeqNum || reason == NakScCond {
			// The PD wants the exchange restarted from scratch: either
			// onboarding failed, or an established session was torn
			// down on its side.
			pd.phase = cpInit
			pd.sc.active = false
			pd.seq = 3
		}
		c.countMiss(pd)
		return
	}

	switch pd.phase {
	case cpInit:
		if reply != replyPdid {
			return
		}
		if id, ok := decodeIdentity(data); ok {
			pd.identity = id
		}
		pd.phase = cpCaps
	case cpCaps:
		if reply != replyPdcap {
			return
		}
		pd.caps = decodeCapabilityTable(data)
		if pd.secure {
			pd.phase = cpScChlng
		} else {
			pd.phase = cpOnline
			c.logger.Info("pd online", "pd", pd.address, "secure", false)
		}
	case cpScChlng:
		if reply != replyCcrypt || len(data) < 32 {
			pd.phase = cpOnline
			return
		}
		copy(pd.uid[:], data[0:8])
		if pd.scbk == nil && !pd.sc.useDefault && c.masterKey != nil {
			key, err := deriveSCBK(*c.masterKey, pd.uid)
			if err != nil {
				pd.phase = cpOnline
				return
			}
			pd.sc.scbk = key
		}
		var pdRandom [8]byte
		var pdCryptogram [16]byte
		copy(pdRandom[:], data[8:16])
		copy(pdCryptogram[:], data[16:32])
		sessEnc, sessMac, cpCryptogram, ok, err := cpDeriveAndVerify(pd.sc.scbk, pd.cpRandom, pdRandom, pdCryptogram)
		if err != nil || !ok {
			c.logger.Warn("pd cryptogram rejected", "pd", pd.address)
			pd.phase = cpOnline
			return
		}
		pd.sc.pdRandom = pdRandom
		pd.sc.cpRandom = pd.cpRandom
		pd.sc.sessEnc, pd.sc.sessMac = sessEnc, sessMac
		pd.sc.cpCryptogram = cpCryptogram
		pd.phase = cpScScrypt
	case cpScScrypt:
		if reply != replyRmacI || len(data) < 16 {
			pd.phase = cpOnline
			return
		}
		copy(pd.sc.rmac[:], data[0:16])
		pd.sc.active = true
		pd.phase = cpOnline
		c.logger.Info("pd online", "pd", pd.address, "secure", true)
	case cpOnline:
		c.commitPending(pd, reply)
		c.deliverEvent(pd, reply, data)
	}
}

// commitPending applies state the CP changed on the PD's behalf once
// the PD has confirmed it: a new SCBK after a KEYSET ack, a new bus
// address after a REPLY_COM.
func (c *CP) commitPending(pd *cpPD, reply byte) {
	if pd.pendingKeyset != nil && reply == replyAck {
		pd.sc.scbk = *pd.pendingKeyset
		pd.sc.useDefault = false
		pd.scbk = pd.pendingKeyset
		c.logger.Info("pd rekeyed", "pd", pd.address)
	}
	pd.pendingKeyset = nil

	if pd.pendingComset != nil && reply == replyCom {
		cs := pd.pendingComset
		if cs.Address != pd.address {
			delete(c.pds, pd.address)
			for i, addr := range c.order {
				if addr == pd.address {
					c.order[i] = cs.Address
				}
			}
			c.logger.Info("pd readdressed", "pd", pd.address, "new_address", cs.Address, "baud", cs.BaudRate)
			pd.address = cs.Address
			c.pds[pd.address] = pd
		}
	}
	pd.pendingComset = nil
}

func (c *CP) deliverEvent(pd *cpPD, reply byte, data []byte) {
	if c.eventCallback == nil {
		return
	}
	var e Event
	switch reply {
	case replyRaw:
		if len(data) < 4 {
			return
		}
		format := CardReadRawUnspecified
		if data[1] == 1 {
			format = CardReadRawWiegand
		}
		e = Event{Kind: EventCardRead, CardRead: CardReadEvent{
			Reader: data[0], Format: format,
			BitLength: int(data[2]) | int(data[3])<<8,
			Data:      append([]byte(nil), data[4:]...),
		}}
	case replyFmt:
		if len(data) < 3 {
			return
		}
		e = Event{Kind: EventCardRead, CardRead: CardReadEvent{
			Reader: data[0], Format: CardReadASCII, Direction: data[1],
			Data: append([]byte(nil), data[3:]...),
		}}
	case replyKeypad:
		if len(data) < 2 {
			return
		}
		e = Event{Kind: EventKeypress, Keypress: KeypressEvent{
			Reader: data[0], Digits: append([]byte(nil), data[2:]...),
		}}
	case replyMfgrep:
		if len(data) < 4 {
			return
		}
		e = Event{Kind: EventMfgReply, MfgReply: MfgReplyEvent{
			VendorCode: uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16,
			Command:    data[3],
			Data:       append([]byte(nil), data[4:]...),
		}}
	default:
		return
	}
	c.eventCallback(pd.address, e)
}

func decodeCapabilityTable(data []byte) []Capability {
	var out []Capability
	for i := 0; i+3 <= len(data); i += 3 {
		out = append(out, Capability{
			Function:   CapabilityFunction(data[i]),
			Compliance: data[i+1],
			NumItems:   data[i+2],
		})
	}
	return out
}
