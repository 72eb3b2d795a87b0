package msc

// VPD (Vital Product Data) page codes supported by INQUIRY with the EVPD
// bit set.
const (
	VPDPageSupported     = 0x00
	VPDPageSerialNumber  = 0x80
	VPDPageDeviceID      = 0x83
)

// EUI64 is the default 8-byte IEEE identifier embedded in the device
// identification VPD page, matching the Agilack-assigned block used by
// the original firmware's diagnostic builds.
var EUI64 = [8]byte{0x70, 0xB3, 0xD5, 0x4C, 0xE8, 0x01, 0x00, 0x00}

// marshalVPDSupportedPages writes the page-0x00 "supported pages" VPD
// response to buf and returns the number of bytes written.
func marshalVPDSupportedPages(buf []byte) int {
	pages := []byte{VPDPageSupported, VPDPageSerialNumber, VPDPageDeviceID}
	if len(buf) < 4+len(pages) {
		return 0
	}
	buf[0] = DeviceTypeDisk
	buf[1] = VPDPageSupported
	buf[2] = 0
	buf[3] = byte(len(pages))
	copy(buf[4:], pages)
	return 4 + len(pages)
}

// marshalVPDSerialNumber writes the page-0x80 unit serial number VPD
// response to buf.
func marshalVPDSerialNumber(buf []byte, serial string) int {
	n := len(serial)
	if len(buf) < 4+n {
		return 0
	}
	buf[0] = DeviceTypeDisk
	buf[1] = VPDPageSerialNumber
	buf[2] = 0
	buf[3] = byte(n)
	copy(buf[4:], serial)
	return 4 + n
}

// marshalVPDDeviceID writes the page-0x83 device identification VPD
// response (a single binary EUI-64 designation descriptor) to buf.
func marshalVPDDeviceID(buf []byte, eui64 [8]byte) int {
	const descLen = 4 + 8
	if len(buf) < 4+descLen {
		return 0
	}
	buf[0] = DeviceTypeDisk
	buf[1] = VPDPageDeviceID
	buf[2] = 0
	buf[3] = descLen

	desc := buf[4:]
	desc[0] = 0x01 // code set: binary
	desc[1] = 0x02 // association: LUN, identifier type: EUI-64
	desc[2] = 0
	desc[3] = 8
	copy(desc[4:12], eui64[:])

	return 4 + descLen
}
