package osdp

// Identity is the PD identity block returned in a REPLY_PDID. Field
// order and widths follow the historical wire layout: a 3-byte vendor
// code, 1-byte model and version, a 4-byte serial number, and a 3-byte
// firmware version carried major-first even though the rest of the
// protocol is little-endian (§6.4 "historical" note).
type Identity struct {
	VendorCode [3]byte
	Model      byte
	Version    byte
	Serial     [4]byte
	Firmware   [3]byte // {major, minor, build}
}

func encodeIdentity(id Identity, buf []byte) []byte {
	buf = append(buf, id.VendorCode[0], id.VendorCode[1], id.VendorCode[2])
	buf = append(buf, id.Model, id.Version)
	buf = append(buf, id.Serial[0], id.Serial[1], id.Serial[2], id.Serial[3])
	buf = append(buf, id.Firmware[0], id.Firmware[1], id.Firmware[2])
	return buf
}

// clientUID is the 8-byte PD identifier sent in a CCRYPT reply, built
// from the identity block: two vendor-code bytes, model, version, and
// the serial number.
func clientUID(id Identity) [8]byte {
	return [8]byte{
		id.VendorCode[0], id.VendorCode[1],
		id.Model, id.Version,
		id.Serial[0], id.Serial[1], id.Serial[2], id.Serial[3],
	}
}

func decodeIdentity(b []byte) (Identity, bool) {
	if len(b) < 12 {
		return Identity{}, false
	}
	var id Identity
	copy(id.VendorCode[:], b[0:3])
	id.Model = b[3]
	id.Version = b[4]
	copy(id.Serial[:], b[5:9])
	copy(id.Firmware[:], b[9:12])
	return id, true
}
