package msc

import (
	"context"
	"sync"

	"github.com/cowlab/cowstick-ums/internal/flash"
	"github.com/cowlab/cowstick-ums/internal/memnode"
	"github.com/cowlab/cowstick-ums/pkg"
)

// sectorSize is the page-cache granularity FlashStorage.Write must respect
// for every node.Read/node.Write round trip, mirroring memnode.Node's own
// erase granularity.
const sectorSize = flash.SectorSize4K

func sectorAlign(addr uint32) uint32 { return addr &^ (sectorSize - 1) }

// blockSize is the logical block size this disk presents to the host.
// It is independent of the flash chip's 4 KiB erase granularity; Read and
// Write below translate LBA-addressed requests into the node's byte-
// addressed, sector-aligned cache protocol.
const blockSize = 512

// FlashStorage implements Storage over a SPI-NOR flash chip fronted by a
// memnode.Node page cache. Capacity is fixed at detection time by the
// probed chip descriptor; a chip that fails to probe leaves the storage
// absent, matching the original firmware's handling of a missing or
// unrecognized flash part.
type FlashStorage struct {
	node *memnode.Node

	mutex      sync.RWMutex
	present    bool
	blockCnt   uint64
	descriptor flash.ChipDescriptor
}

// NewFlashStorage creates flash-backed storage over chip. Detect must be
// called before the storage reports itself present.
func NewFlashStorage(chip *flash.Chip) *FlashStorage {
	return &FlashStorage{node: memnode.New(chip)}
}

// Detect probes the flash chip and, on success, makes the storage present
// with a capacity derived from the chip descriptor.
func (f *FlashStorage) Detect(ctx context.Context) error {
	desc, err := f.node.Detect(ctx)
	if err != nil {
		pkg.LogWarn(pkg.ComponentFlash, "flash detect failed", "error", err)
		return err
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.descriptor = desc
	f.blockCnt = uint64(desc.SizeBytes) / blockSize
	f.present = true

	pkg.LogInfo(pkg.ComponentFlash, "flash detected",
		"name", desc.Name, "size", desc.SizeBytes)
	return nil
}

// BlockSize returns the logical block size.
func (f *FlashStorage) BlockSize() uint32 { return blockSize }

// BlockCount returns the number of logical blocks on the detected chip.
func (f *FlashStorage) BlockCount() uint64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.blockCnt
}

// Read reads blocks starting at lba into buf, byte-addressing straight
// through to the underlying flash (no caching is needed for reads since
// NOR flash reads do not require an erase cycle).
func (f *FlashStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	addr := uint32(lba * blockSize)
	length := blocks * blockSize

	ctx := context.Background()
	if _, err := f.node.Read(ctx, addr, length, buf); err != nil {
		return 0, err
	}
	return blocks, nil
}

// WritePreload warms the page cache for the sectors a following Write will
// touch, so the read-modify-write below doesn't stall reading flash in the
// same call that commits the host's data.
func (f *FlashStorage) WritePreload(lba uint64, blocks uint32) error {
	addr := uint32(lba * blockSize)
	length := blocks * blockSize

	ctx := context.Background()
	for off := uint32(0); off < length; {
		sector := sectorAlign(addr + off)
		chunk := sectorSize - (addr + off - sector)
		if remaining := length - off; chunk > remaining {
			chunk = remaining
		}
		if _, err := f.node.Read(ctx, addr+off, chunk, nil); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// Write writes blocks from buf starting at lba. A write that does not cover
// a whole, sector-aligned 4 KiB page goes through the node's nil-buffer
// cache protocol: the destination sector is loaded, the host's bytes are
// copied into the cached page, and the page is erased and reprogrammed as a
// whole. Programming host bytes directly at a sub-sector offset would skip
// the erase cycle and corrupt whatever else shares that sector, so every
// write below is routed through this path regardless of alignment.
func (f *FlashStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	addr := uint32(lba * blockSize)
	length := blocks * blockSize

	ctx := context.Background()
	var written uint32
	for written < length {
		sector := sectorAlign(addr + written)
		offsetInPage := addr + written - sector
		chunk := sectorSize - offsetInPage
		if remaining := length - written; chunk > remaining {
			chunk = remaining
		}

		cache, err := f.node.Read(ctx, addr+written, chunk, nil)
		if err != nil {
			return written / blockSize, err
		}
		copy(cache, buf[written:written+chunk])
		if err := f.node.Write(ctx, sector, 0, nil); err != nil {
			return written / blockSize, err
		}

		written += chunk
	}
	return blocks, nil
}

// WriteComplete is a no-op: Write above already erases and programs each
// page before returning, so there is no deferred commit step.
func (f *FlashStorage) WriteComplete() error { return nil }

// Sync is a no-op: every Write above already completes its program cycle
// before returning, so there is no pending cache to flush.
func (f *FlashStorage) Sync() error { return nil }

// IsReadOnly always returns false; flash storage is always writable.
func (f *FlashStorage) IsReadOnly() bool { return false }

// IsRemovable always returns false; the flash chip is soldered down.
func (f *FlashStorage) IsRemovable() bool { return false }

// IsPresent reports whether Detect has successfully identified a chip.
func (f *FlashStorage) IsPresent() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.present
}

// Eject is not supported for non-removable flash storage.
func (f *FlashStorage) Eject() error {
	return pkg.ErrInvalidRequest
}

// Descriptor returns the chip descriptor found by the most recent Detect.
func (f *FlashStorage) Descriptor() flash.ChipDescriptor {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.descriptor
}

var _ Storage = (*FlashStorage)(nil)
