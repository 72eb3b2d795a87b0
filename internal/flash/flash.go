package flash

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/cowlab/cowstick-ums/pkg"
)

// SPI commands, per the JEDEC command set shared by the MX25L and IS25LP
// families.
const (
	cmdReadID     = 0x9F
	cmdRead       = 0x03
	cmdWriteEnable = 0x06
	cmdPageProgram = 0x02
	cmdSectorErase = 0x20
	cmdReadStatus  = 0x05
)

const (
	statusBusy = 1 << 0
	statusErr  = 1 << 5

	maxPageProgramBytes = 256
	busyPollBound        = 100000
)

// Chip drives a single SPI-NOR flash part over a periph.io SPI connection.
// One Chip corresponds to one memory channel in the dongle.
type Chip struct {
	conn spi.Conn
	cs   gpio.PinIO
	desc ChipDescriptor
}

// New wraps an established SPI connection and chip-select line. Call Probe
// before any Read/Write/Erase to populate the chip descriptor.
func New(conn spi.Conn, cs gpio.PinIO) *Chip {
	return &Chip{conn: conn, cs: cs}
}

// Descriptor returns the chip descriptor discovered by the last Probe call.
func (c *Chip) Descriptor() ChipDescriptor {
	return c.desc
}

func (c *Chip) tx(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer c.cs.Out(gpio.High)
	return c.conn.Tx(buf, buf)
}

// Probe issues a JEDEC READ ID (0x9F) and matches the response against the
// known chip table. Vendor bytes 0x00 and 0xFF are treated as "no chip
// present" and return ErrFlashNotDetected, matching the original firmware's
// flash_detect rejection of those two sentinel values. An ID that is not in
// the table also returns ErrFlashNotDetected.
func (c *Chip) Probe(ctx context.Context) (ChipDescriptor, error) {
	buf := make([]byte, 4)
	buf[0] = cmdReadID
	if err := c.tx(ctx, buf); err != nil {
		return ChipDescriptor{}, err
	}

	vendor := buf[1]
	device := uint16(buf[2])<<8 | uint16(buf[3])
	if vendor == 0x00 || vendor == 0xFF {
		return ChipDescriptor{}, pkg.ErrFlashNotDetected
	}

	desc, ok := lookupChip(vendor, device)
	if !ok {
		pkg.LogWarn(pkg.ComponentFlash, "unrecognized flash id",
			"vendor", vendor, "device", device)
		return ChipDescriptor{}, pkg.ErrFlashNotDetected
	}
	c.desc = desc
	pkg.LogInfo(pkg.ComponentFlash, "flash chip detected", "name", desc.Name, "size", desc.SizeBytes)
	return desc, nil
}

// Read reads len(buf) bytes starting at addr into buf.
func (c *Chip) Read(ctx context.Context, addr uint32, buf []byte) error {
	cmd := []byte{cmdRead, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	tx := append(cmd, buf...)
	if err := c.tx(ctx, tx); err != nil {
		return err
	}
	copy(buf, tx[len(cmd):])
	return nil
}

func (c *Chip) writeEnable(ctx context.Context) error {
	return c.tx(ctx, []byte{cmdWriteEnable})
}

func (c *Chip) readStatus(ctx context.Context) (uint8, error) {
	buf := []byte{cmdReadStatus, 0}
	if err := c.tx(ctx, buf); err != nil {
		return 0, err
	}
	return buf[1], nil
}

func (c *Chip) waitReady(ctx context.Context) error {
	for i := 0; i < busyPollBound; i++ {
		status, err := c.readStatus(ctx)
		if err != nil {
			return err
		}
		if status&statusErr != 0 {
			return pkg.ErrFlashProgramFailed
		}
		if status&statusBusy == 0 {
			return nil
		}
	}
	return pkg.ErrFlashBusyTimeout
}

// EraseSector erases the 4 KiB sector containing addr. addr must already be
// sector-aligned; callers needing alignment should go through internal/memnode.
func (c *Chip) EraseSector(ctx context.Context, addr uint32) error {
	if addr&(SectorSize4K-1) != 0 {
		return pkg.ErrSectorAlign
	}
	if err := c.writeEnable(ctx); err != nil {
		return err
	}
	cmd := []byte{cmdSectorErase, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if err := c.tx(ctx, cmd); err != nil {
		return err
	}
	return c.waitReady(ctx)
}

// WritePage programs data starting at addr, chunking into page-program
// operations of at most 256 bytes as the flash's page buffer requires. The
// destination must already be erased; WritePage never erases.
func (c *Chip) WritePage(ctx context.Context, addr uint32, data []byte) error {
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > maxPageProgramBytes {
			n = maxPageProgramBytes
		}
		if err := c.writeEnable(ctx); err != nil {
			return err
		}
		a := addr + uint32(off)
		cmd := []byte{cmdPageProgram, byte(a >> 16), byte(a >> 8), byte(a)}
		if err := c.tx(ctx, append(cmd, data[off:off+n]...)); err != nil {
			return err
		}
		if err := c.waitReady(ctx); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// busyPollInterval is left unused by Chip directly (status polling here is
// unconditional, matching the original firmware's tight loop) but documents
// the pacing a caller driving real hardware over a slow bus may want to add
// between readStatus calls.
const busyPollInterval = 0 * time.Millisecond
