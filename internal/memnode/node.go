// Package memnode layers a 4 KiB page cache over an erase-before-write SPI
// flash chip, mirroring the cache_addr/cache_buffer discipline of the
// original firmware's memory nodes.
package memnode

import (
	"context"
	"sync"

	"github.com/cowlab/cowstick-ums/internal/flash"
	"github.com/cowlab/cowstick-ums/pkg"
)

// CacheInvalid marks a Node's cache as holding no sector.
const CacheInvalid uint32 = 0xFFFFFFFF

const (
	pageSize  = flash.SectorSize4K
	pageMask  = pageSize - 1
	alignMask = ^uint32(pageMask)
)

// Node wraps one flash channel with a single 4 KiB read/write-back cache
// line, selected by passing a nil buffer to Read or Write.
type Node struct {
	chip  *flash.Chip
	mutex sync.Mutex

	cacheAddr   uint32
	cacheBuffer [pageSize]byte
}

// New creates a Node over chip with an empty cache.
func New(chip *flash.Chip) *Node {
	return &Node{chip: chip, cacheAddr: CacheInvalid}
}

// Detect probes the underlying flash chip.
func (n *Node) Detect(ctx context.Context) (flash.ChipDescriptor, error) {
	return n.chip.Probe(ctx)
}

// Erase erases the sector-aligned region [addr, addr+length). addr and
// length must both be multiples of the 4 KiB sector size; a misaligned
// request is rejected rather than rounded, matching the original firmware's
// refusal to guess intent.
func (n *Node) Erase(ctx context.Context, addr, length uint32) error {
	if addr&pageMask != 0 || length&pageMask != 0 {
		pkg.LogWarn(pkg.ComponentCache, "erase request misaligned", "addr", addr, "length", length)
		return pkg.ErrSectorAlign
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	for off := uint32(0); off < length; off += pageSize {
		if err := n.chip.EraseSector(ctx, addr+off); err != nil {
			return err
		}
		if n.cacheAddr == addr+off {
			n.cacheAddr = CacheInvalid
		}
	}
	return nil
}

// Read reads len(buf) bytes from addr. When buf is nil, Read instead loads
// the 4 KiB sector containing addr into the node's cache and returns the
// portion of that sector starting at addr, clamped to the cache window —
// the same two-mode contract as the original firmware's mem_read.
func (n *Node) Read(ctx context.Context, addr uint32, length uint32, buf []byte) ([]byte, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if buf != nil {
		if uint32(len(buf)) < length {
			return nil, pkg.ErrBufferTooSmall
		}
		if err := n.chip.Read(ctx, addr, buf[:length]); err != nil {
			return nil, err
		}
		return buf[:length], nil
	}

	sector := addr & alignMask
	if n.cacheAddr != sector {
		if err := n.chip.Read(ctx, sector, n.cacheBuffer[:]); err != nil {
			return nil, err
		}
		n.cacheAddr = sector
	}

	start := addr - sector
	end := uint32(pageSize)
	if start+length < end {
		end = start + length
	}
	return n.cacheBuffer[start:end], nil
}

// Write writes buf to addr. When buf is nil, Write instead erases the
// sector currently held in the cache and programs the entire cache buffer
// back — the caller is expected to have already mutated the slice returned
// by a prior Read(addr, length, nil). When buf is non-nil and addr is
// sector-aligned, Write erases first; otherwise it assumes the destination
// is already erased (the original firmware's direct-write fast path).
func (n *Node) Write(ctx context.Context, addr uint32, length uint32, buf []byte) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if buf != nil {
		if addr&pageMask == 0 {
			if err := n.chip.EraseSector(ctx, addr); err != nil {
				return err
			}
		}
		return n.chip.WritePage(ctx, addr, buf[:length])
	}

	if n.cacheAddr == CacheInvalid {
		return pkg.ErrInvalidState
	}
	if err := n.chip.EraseSector(ctx, n.cacheAddr); err != nil {
		return err
	}
	return n.chip.WritePage(ctx, n.cacheAddr, n.cacheBuffer[:])
}

// CacheAddr returns the sector address currently held in cache, or
// CacheInvalid if the cache is empty.
func (n *Node) CacheAddr() uint32 {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.cacheAddr
}

// InvalidateCache drops any cached sector without writing it back.
func (n *Node) InvalidateCache() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.cacheAddr = CacheInvalid
}
