package msc

import (
	"context"
	"io"

	"github.com/cowlab/cowstick-ums/pkg"
)

// handleSCSICommand dispatches a SCSI command block to the matching
// handler by opcode. The only 16-byte command accepted is SERVICE ACTION
// IN(16) with the READ CAPACITY(16) service action; any other opcode not
// listed below fails with ILLEGAL REQUEST / INVALID COMMAND.
func (m *MSC) handleSCSICommand(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	opcode := cbw.CB[0]

	pkg.LogDebug(pkg.ComponentSCSI, "SCSI command", "opcode", opcode, "lun", cbw.LUN)

	switch opcode {
	case SCSITestUnitReady:
		return m.handleTestUnitReady(cbw)

	case SCSIRequestSense:
		return m.handleRequestSense(ctx, cbw)

	case SCSIInquiry:
		return m.handleInquiry(ctx, cbw)

	case SCSIReadCapacity10:
		return m.handleReadCapacity10(ctx, cbw)

	case SCSIRead10:
		return m.handleRead10(ctx, cbw)

	case SCSIWrite10:
		return m.handleWrite10(ctx, cbw)

	case SCSIModeSense6:
		return m.handleModeSense6(ctx, cbw)

	case SCSIPreventAllowRemoval:
		return m.handlePreventAllowRemoval(cbw)

	case SCSIStartStopUnit:
		return m.handleStartStopUnit(cbw)

	case SCSISynchronizeCache10:
		return m.handleSynchronizeCache10(cbw)

	case SCSIVerify10:
		return m.handleVerify10(cbw)

	case SCSIReadFormatCapacities:
		return m.handleReadFormatCapacities(ctx, cbw)

	case SCSIReadBuffer10:
		return m.handleReadBuffer10(ctx, cbw)

	case SCSIWriteBuffer10:
		return m.handleWriteBuffer10(ctx, cbw)

	case SCSIServiceActionIn16:
		serviceAction := cbw.CB[1] & 0x1F
		if serviceAction == ServiceActionReadCapacity16 {
			return m.handleReadCapacity16(ctx, cbw)
		}
		pkg.LogWarn(pkg.ComponentSCSI, "unsupported service action", "action", serviceAction)
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()

	default:
		pkg.LogWarn(pkg.ComponentSCSI, "unsupported SCSI command", "opcode", opcode)
		m.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return cmdError()
	}
}

func (m *MSC) handleTestUnitReady(cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}
	// No data phase of its own: report zero bytes actually moved so
	// resolvePhase can report the host's full declared length as residue
	// (and stall IN if the host opened a data-in phase it got nothing for).
	return done(0)
}

// handleRequestSense processes REQUEST SENSE. Sense data is sticky: it is
// only cleared here, on a successful response, never on any other command.
func (m *MSC) handleRequestSense(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		allocLength = 18
	}

	resp := NewRequestSenseResponse(m.senseKey, m.asc, m.ascq)
	n := resp.MarshalTo(m.senseBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	if err := m.sendData(ctx, m.senseBuf[:sendLen]); err != nil {
		return cmdError()
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return doneIn(uint32(sendLen))
}

func (m *MSC) handleInquiry(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	allocLength := parseU16BE(cbw.CB[:], 3)
	evpd := cbw.CB[1]&0x01 != 0
	page := cbw.CB[2]

	var n int
	if evpd {
		switch page {
		case VPDPageSupported:
			n = marshalVPDSupportedPages(m.dataBuf[:])
		case VPDPageSerialNumber:
			n = marshalVPDSerialNumber(m.dataBuf[:], "0001")
		case VPDPageDeviceID:
			n = marshalVPDDeviceID(m.dataBuf[:], EUI64)
		default:
			m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return cmdError()
		}
		if n == 0 {
			m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}
	} else {
		if allocLength == 0 {
			return done(0)
		}
		n = m.inquiry.MarshalTo(m.dataBuf[:])
	}

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}
	if err := m.sendData(ctx, m.dataBuf[:sendLen]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(sendLen))
}

func (m *MSC) handleReadCapacity10(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	lastLBA := uint32(blockCount - 1)
	if blockCount > 0xFFFFFFFF {
		lastLBA = 0xFFFFFFFF
	}

	resp := ReadCapacity10Response{LastLBA: lastLBA, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	if err := m.sendData(ctx, m.dataBuf[:n]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(n))
}

func (m *MSC) handleReadCapacity16(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	resp := ReadCapacity16Response{LastLBA: blockCount - 1, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	allocLength := parseU32BE(cbw.CB[:], 10)
	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	if err := m.sendData(ctx, m.dataBuf[:sendLen]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(sendLen))
}

func (m *MSC) handleRead10(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := uint32(parseU16BE(cbw.CB[:], 7))
	blockSize := m.storage.BlockSize()
	transferLength := transferBlocks * blockSize

	if transferLength > cbw.DataTransferLength {
		// Hi/Di: the command needs to send more than the CBW declared the
		// host would accept. Nothing has left the wire yet, so fail the
		// phase instead of writing a data-in stage the host isn't primed
		// to read.
		return phaseError()
	}
	if transferBlocks == 0 {
		return done(0)
	}

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		return cmdError()
	}

	pkg.LogDebug(pkg.ComponentSCSI, "READ(10)", "lba", lba, "blocks", transferBlocks)

	// READ(10) can request up to 65535 blocks, far more than dataBuf holds
	// in one piece, so the data-in phase is moved in bounded chunks. This
	// is still a single BOT data phase for the CBW: the chunking happens
	// below the CSW, which resolvePhase only sees once at the end.
	maxBlocksPerChunk := uint32(len(m.dataBuf)) / blockSize
	var actualLength uint32
	for remaining := transferBlocks; remaining > 0; {
		chunkBlocks := remaining
		if chunkBlocks > maxBlocksPerChunk {
			chunkBlocks = maxBlocksPerChunk
		}
		chunkLen := chunkBlocks * blockSize

		blocksRead, err := m.storage.Read(uint64(lba), chunkBlocks, m.dataBuf[:chunkLen])
		if err != nil {
			pkg.LogWarn(pkg.ComponentSCSI, "read error", "error", err)
			m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}
		readLen := blocksRead * blockSize
		if err := m.sendData(ctx, m.dataBuf[:readLen]); err != nil {
			m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}

		actualLength += readLen
		lba += blocksRead
		remaining -= blocksRead
		if blocksRead < chunkBlocks {
			break
		}
	}
	return doneIn(actualLength)
}

func (m *MSC) handleWrite10(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}
	if m.storage.IsReadOnly() {
		m.setSense(SenseDataProtect, ASCWriteProtected, 0)
		return cmdError()
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := uint32(parseU16BE(cbw.CB[:], 7))
	blockSize := m.storage.BlockSize()
	transferLength := transferBlocks * blockSize

	if transferLength > cbw.DataTransferLength {
		// Ho/Do: the command needs more DATA-OUT than the host declared it
		// would send. Fail the phase rather than blocking receiveData on
		// bytes that will never arrive.
		return phaseError()
	}
	if transferBlocks == 0 {
		return done(0)
	}

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		return cmdError()
	}

	pkg.LogDebug(pkg.ComponentSCSI, "WRITE(10)", "lba", lba, "blocks", transferBlocks)

	if err := m.storage.WritePreload(uint64(lba), transferBlocks); err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "write preload error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}

	maxBlocksPerChunk := uint32(len(m.dataBuf)) / blockSize
	var actualLength uint32
	for remaining := transferBlocks; remaining > 0; {
		chunkBlocks := remaining
		if chunkBlocks > maxBlocksPerChunk {
			chunkBlocks = maxBlocksPerChunk
		}
		chunkLen := chunkBlocks * blockSize

		if err := m.receiveData(ctx, m.dataBuf[:chunkLen]); err != nil {
			m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}

		blocksWritten, err := m.storage.Write(uint64(lba), chunkBlocks, m.dataBuf[:chunkLen])
		if err != nil {
			pkg.LogWarn(pkg.ComponentSCSI, "write error", "error", err)
			m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}

		actualLength += blocksWritten * blockSize
		lba += blocksWritten
		remaining -= blocksWritten
		if blocksWritten < chunkBlocks {
			break
		}
	}

	if err := m.storage.WriteComplete(); err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "write complete error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}

	return doneOut(actualLength)
}

func (m *MSC) handleModeSense6(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		return done(0)
	}

	resp := ModeSense6Response{ModeDataLength: 3}
	if m.storage.IsReadOnly() {
		resp.DeviceParam = 0x80
	}
	n := resp.MarshalTo(m.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}
	if err := m.sendData(ctx, m.dataBuf[:sendLen]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(sendLen))
}

func (m *MSC) handlePreventAllowRemoval(cbw *CommandBlockWrapper) HandlerResult {
	prevent := cbw.CB[4] & 0x01
	pkg.LogDebug(pkg.ComponentSCSI, "PREVENT/ALLOW MEDIUM REMOVAL", "prevent", prevent)
	return done(0)
}

func (m *MSC) handleStartStopUnit(cbw *CommandBlockWrapper) HandlerResult {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	pkg.LogDebug(pkg.ComponentSCSI, "START/STOP UNIT", "start", start, "loej", loej)

	if loej && !start && m.storage.IsRemovable() {
		if err := m.storage.Eject(); err != nil {
			m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
			return cmdError()
		}
	}

	return done(0)
}

func (m *MSC) handleSynchronizeCache10(cbw *CommandBlockWrapper) HandlerResult {
	if err := m.storage.Sync(); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return done(0)
}

func (m *MSC) handleVerify10(cbw *CommandBlockWrapper) HandlerResult {
	return done(0)
}

func (m *MSC) handleReadFormatCapacities(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return cmdError()
	}

	allocLength := parseU16BE(cbw.CB[:], 7)
	if allocLength == 0 {
		return done(0)
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	offset := 0
	header := ReadFormatCapacitiesHeader{CapacityLength: 8}
	offset += header.MarshalTo(m.dataBuf[offset:])

	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(blockCount),
		DescType:    0x02,
		BlockLength: blockSize,
	}
	offset += desc.MarshalTo(m.dataBuf[offset:])

	sendLen := int(allocLength)
	if sendLen > offset {
		sendLen = offset
	}
	if err := m.sendData(ctx, m.dataBuf[:sendLen]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(sendLen))
}

// sendData sends data to the host via bulk IN endpoint.
func (m *MSC) sendData(ctx context.Context, data []byte) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkInEP
	m.mutex.RUnlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	_, err := stack.Write(ctx, ep, data)
	return err
}

// receiveData receives data from the host via bulk OUT endpoint.
func (m *MSC) receiveData(ctx context.Context, buf []byte) error {
	m.mutex.RLock()
	stack := m.stack
	ep := m.bulkOutEP
	m.mutex.RUnlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	totalRead := 0
	for totalRead < len(buf) {
		n, err := stack.Read(ctx, ep, buf[totalRead:])
		if err != nil {
			if err == io.EOF && totalRead > 0 {
				break
			}
			return err
		}
		totalRead += n
		if n == 0 {
			break
		}
	}

	return nil
}
