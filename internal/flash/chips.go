// Package flash drives an SPI-NOR flash chip using the JEDEC command set
// common to the parts used on the cowstick boards (Macronix MX25L-series,
// ISSI IS25LP-series).
package flash

// ChipDescriptor identifies a supported flash part and its geometry.
type ChipDescriptor struct {
	VendorID   uint8
	DeviceID   uint16
	SizeBytes  uint32
	SectorSize uint32
	Name       string
}

// SectorSize4K is the erase granularity supported by every known chip.
const SectorSize4K = 4096

// knownChips lists the parts this driver recognizes by JEDEC ID. Probe
// rejects any other ID with ErrFlashNotDetected.
var knownChips = []ChipDescriptor{
	{VendorID: 0xC2, DeviceID: 0x201A, SizeBytes: 64 << 20, SectorSize: SectorSize4K, Name: "MX25L51245G"},
	{VendorID: 0x9D, DeviceID: 0x6018, SizeBytes: 16 << 20, SectorSize: SectorSize4K, Name: "IS25LP128F"},
}

func lookupChip(vendor uint8, device uint16) (ChipDescriptor, bool) {
	for _, c := range knownChips {
		if c.VendorID == vendor && c.DeviceID == device {
			return c, true
		}
	}
	return ChipDescriptor{}, false
}
