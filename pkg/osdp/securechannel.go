package osdp

// Secure Channel status block type bytes (SCS_xx), carried as the SCB
// type field once a CHLNG/SCRYPT exchange is under way.
const (
	scs11 byte = 0x11 // CHLNG, cleartext
	scs12 byte = 0x12 // CCRYPT reply, cleartext
	scs13 byte = 0x13 // SCRYPT, cleartext
	scs14 byte = 0x14 // RMAC_I reply, cleartext
	scs15 byte = 0x15 // secured command, no data
	scs16 byte = 0x16 // secured reply, no data
	scs17 byte = 0x17 // secured command, with data
	scs18 byte = 0x18 // secured reply, with data
)

const macLen = 4

// scbkDefault is SCBK-D, the well-known install-mode base key a PD
// accepts before a real SCBK has been provisioned via KEYSET.
var scbkDefault = [16]byte{
	0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x3F,
}

// scState holds one PD's Secure Channel material. Zero value is an
// inactive, never-negotiated channel.
type scState struct {
	scbk       [16]byte
	useDefault bool // true while provisioning with SCBK-D

	active bool

	cpRandom [8]byte
	pdRandom [8]byte

	sessEnc [16]byte
	sessMac [16]byte

	pdCryptogram [16]byte
	cpCryptogram [16]byte

	rmac [16]byte // MAC seed from RMAC_I, set once per session
}

func deriveSCKeys(scbk [16]byte, cpRandom, pdRandom [8]byte) (sessEnc, sessMac [16]byte, err error) {
	combined := xorBlock(cpRandom[:], pdRandom[:])
	block := func(label byte) []byte {
		b := make([]byte, 16)
		b[0] = label
		copy(b[1:9], combined)
		return b
	}
	enc, err := aesECBEncrypt(scbk[:], block(0x01))
	if err != nil {
		return sessEnc, sessMac, err
	}
	mac, err := aesECBEncrypt(scbk[:], block(0x02))
	if err != nil {
		return sessEnc, sessMac, err
	}
	copy(sessEnc[:], enc)
	copy(sessMac[:], mac)
	return sessEnc, sessMac, nil
}

// beginChallenge runs the PD side of CMD_CHLNG: records the CP's
// random challenge and derives this session's keys. Any previously
// active channel is dropped, matching the reference behavior of
// clearing SC_ACTIVE as soon as a new CHLNG arrives.
func (s *scState) beginChallenge(cpRandom [8]byte) error {
	s.active = false
	s.cpRandom = cpRandom
	pdRandom, err := randomBytes(8)
	if err != nil {
		return err
	}
	copy(s.pdRandom[:], pdRandom)
	sessEnc, sessMac, err := deriveSCKeys(s.scbk, s.cpRandom, s.pdRandom)
	if err != nil {
		return err
	}
	s.sessEnc, s.sessMac = sessEnc, sessMac

	cryptIn := append(append([]byte{}, s.pdRandom[:]...), s.cpRandom[:]...)
	crypt, err := aesECBEncrypt(s.sessEnc[:], cryptIn)
	if err != nil {
		return err
	}
	copy(s.pdCryptogram[:], crypt)
	return nil
}

// verifyAndArm runs the PD side of CMD_SCRYPT: checks the CP's
// cryptogram against what this PD expects and, on success, activates
// the channel and computes the initial rolling MAC value.
func (s *scState) verifyAndArm(cpCryptogram [16]byte) (bool, error) {
	expect := append(append([]byte{}, s.cpRandom[:]...), s.pdRandom[:]...)
	want, err := aesECBEncrypt(s.sessEnc[:], expect)
	if err != nil {
		return false, err
	}
	ok := constantTimeEqual(want, cpCryptogram[:])
	if !ok {
		return false, nil
	}
	s.cpCryptogram = cpCryptogram
	seed, err := aesECBEncrypt(s.sessMac[:], s.pdCryptogram[:])
	if err != nil {
		return false, err
	}
	copy(s.rmac[:], seed)
	s.active = true
	return true, nil
}

// cpDeriveAndVerify runs the CP side: it derives the session keys from
// scbk and both randoms, checks the PD's cryptogram (from CCRYPT)
// against the expected one, and on success also returns the CP
// cryptogram to send in SCRYPT.
func cpDeriveAndVerify(scbk [16]byte, cpRandom, pdRandom [8]byte, pdCryptogram [16]byte) (sessEnc, sessMac [16]byte, cpCryptogram [16]byte, ok bool, err error) {
	sessEnc, sessMac, err = deriveSCKeys(scbk, cpRandom, pdRandom)
	if err != nil {
		return
	}
	wantIn := append(append([]byte{}, pdRandom[:]...), cpRandom[:]...)
	want, err := aesECBEncrypt(sessEnc[:], wantIn)
	if err != nil {
		return
	}
	ok = constantTimeEqual(want, pdCryptogram[:])
	if !ok {
		return
	}
	cryptIn := append(append([]byte{}, cpRandom[:]...), pdRandom[:]...)
	crypt, err := aesECBEncrypt(sessEnc[:], cryptIn)
	if err != nil {
		return
	}
	copy(cpCryptogram[:], crypt)
	return
}

// deriveSCBK computes a PD's base key from a bus-wide master key and
// that PD's client UID, so a CP can manage a fleet without storing one
// key per device.
func deriveSCBK(master [16]byte, uid [8]byte) ([16]byte, error) {
	var key [16]byte
	block := append(append([]byte{}, uid[:]...), uid[:]...)
	out, err := aesECBEncrypt(master[:], block)
	if err != nil {
		return key, err
	}
	copy(key[:], out)
	return key, nil
}

// DeriveSCBK returns the base key a CP configured with master expects
// a PD with the given identity to hold. Provisioning tooling uses it
// to compute the key a fleet-managed PD should be set up with.
func DeriveSCBK(master [16]byte, id Identity) ([16]byte, error) {
	return deriveSCBK(master, clientUID(id))
}

// scbkdIndicator is the SCB data byte advertising whether the sender
// is negotiating over SCBK-D (0) or a provisioned SCBK (1).
func scbkdIndicator(s *scState) byte {
	if s.useDefault {
		return 0
	}
	return 1
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// secureMAC computes the truncated MAC placed on a secured frame's
// wire tail, under the session MAC key seeded by RMAC_I. Both the CP
// (secured commands) and the PD (secured replies) use it. The seed is
// fixed for the life of the session; it is not chained forward from
// one frame's MAC to the next.
func (s *scState) secureMAC(data []byte) ([]byte, error) {
	full, err := aesCMAC(s.sessMac[:], append(append([]byte{}, s.rmac[:]...), data...))
	if err != nil {
		return nil, err
	}
	return truncateMAC(full, macLen), nil
}

func (s *scState) encryptPayload(data []byte) ([]byte, error) {
	padded := padISO9797M2(data, 16)
	return aesCBCEncrypt(s.sessEnc[:], s.rmac[:16], padded)
}

func (s *scState) decryptPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return aesCBCDecrypt(s.sessEnc[:], s.rmac[:16], data)
}
