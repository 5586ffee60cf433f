package osdp

// CapabilityFunction enumerates the PDCAP function codes a PD reports.
type CapabilityFunction byte

const (
	CapContactStatusMonitoring CapabilityFunction = 1
	CapOutputControl           CapabilityFunction = 2
	CapCardDataFormat          CapabilityFunction = 3
	CapReaderLEDControl        CapabilityFunction = 4
	CapReaderAudibleOutput     CapabilityFunction = 5
	CapReaderTextOutput        CapabilityFunction = 6
	CapTimeKeeping             CapabilityFunction = 7
	CapCheckCharacterSupport   CapabilityFunction = 8
	CapCommunicationSecurity   CapabilityFunction = 9
	CapReceiveBufferSize       CapabilityFunction = 10
)

// Capability is one PDCAP entry: a function code plus its compliance
// level and item count. Applications populate a table of these when
// configuring a PD; the core merges in the two implicit entries every
// PD reports regardless of configuration (below).
type Capability struct {
	Function    CapabilityFunction
	Compliance  byte
	NumItems    byte
}

// mergeImplicitCapabilities appends the capabilities every PD reports
// unconditionally, overwriting any application-supplied entry for the
// same function code. Grounded on the implicit osdp_pd_cap[] table in
// the reference PD implementation: every PD claims check-character
// support, and communication security compliance tracks whether the
// Secure Channel is actually configured.
func mergeImplicitCapabilities(table []Capability, scCapable bool) []Capability {
	out := make([]Capability, 0, len(table)+2)
	for _, c := range table {
		if c.Function == CapCheckCharacterSupport || c.Function == CapCommunicationSecurity {
			continue
		}
		out = append(out, c)
	}
	out = append(out, Capability{Function: CapCheckCharacterSupport, Compliance: 1, NumItems: 1})
	sc := Capability{Function: CapCommunicationSecurity, Compliance: 0, NumItems: 0}
	if scCapable {
		sc.Compliance, sc.NumItems = 1, 1
	}
	out = append(out, sc)
	return out
}

func encodeCapabilities(table []Capability, buf []byte) []byte {
	for _, c := range table {
		buf = append(buf, byte(c.Function), c.Compliance, c.NumItems)
	}
	return buf
}
