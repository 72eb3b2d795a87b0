package msc

import (
	"context"

	"github.com/cowlab/cowstick-ums/pkg"
)

// BufferWindow describes one addressable diagnostic memory window exposed
// through READ BUFFER mode 0x02/0x03, mirroring the fixed buffer_id table
// of the original firmware's mem_read/mem_desc (buffer_id 0 and 1 map to
// fixed 64 KiB windows of onboard memory).
type BufferWindow struct {
	Capacity uint32
	Boundary uint8 // offset_boundary reported in the descriptor response
}

// DiagnosticMemory backs the READ BUFFER data (mode 0x02) and descriptor
// (mode 0x03) windows. A dongle build that has no raw diagnostic memory to
// expose can leave this unset; the handlers then report an illegal request
// rather than guessing at a window.
type DiagnosticMemory interface {
	Window(bufferID uint8) (BufferWindow, bool)
	ReadAt(bufferID uint8, offset uint32, buf []byte) error
}

// AppProgrammer performs the microcode-download side effects of WRITE
// BUFFER modes 0x04/0x05 (erase and reprogram an auxiliary application
// image). This is an external collaborator: the internal-flash
// self-programmer and custom-app loader it drives are out of scope for
// this module, which only implements the SCSI-facing protocol and calls
// through to whatever programmer a board build supplies.
type AppProgrammer interface {
	Stop() error
	EraseRegion(ctx context.Context, sizeBytes uint32) error
	WriteAt(ctx context.Context, offset uint32, data []byte) error
}

// SetDiagnosticMemory installs the backing store for READ BUFFER modes
// 0x02/0x03. Pass nil to disable those modes.
func (m *MSC) SetDiagnosticMemory(mem DiagnosticMemory) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.diagMem = mem
}

// SetAppProgrammer installs the collaborator used by WRITE BUFFER modes
// 0x04/0x05. Pass nil to disable microcode download.
func (m *MSC) SetAppProgrammer(p AppProgrammer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.programmer = p
}

// SetPermission sets the diagnostic-command permission mask checked by
// READ BUFFER / WRITE BUFFER.
func (m *MSC) SetPermission(perm Permission) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.permission = perm
}

func cdbMode(cb []byte) uint8     { return cb[1] }
func cdbBufferID(cb []byte) uint8 { return cb[2] }
func cdbOffset24(cb []byte) uint32 {
	return uint32(cb[3])<<16 | uint32(cb[4])<<8 | uint32(cb[5])
}
func cdbLength24(cb []byte) uint32 {
	return uint32(cb[6])<<16 | uint32(cb[7])<<8 | uint32(cb[8])
}

// handleReadBuffer10 processes READ BUFFER (10), dispatching by mode as
// scsi_rw_buffer.c's cmd10_read_buffer does.
func (m *MSC) handleReadBuffer10(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if m.permission&PermReadBuffer == 0 {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	mode := cdbMode(cbw.CB[:])
	switch mode {
	case RWBufferModeData:
		return m.readBufferData(ctx, cbw)
	case RWBufferModeDescriptor:
		return m.readBufferDescriptor(ctx, cbw)
	case RWBufferModeEcho:
		return m.readBufferEcho(ctx, cbw)
	default:
		pkg.LogWarn(pkg.ComponentSCSI, "unsupported READ BUFFER mode", "mode", mode)
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}
}

func (m *MSC) readBufferData(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if m.diagMem == nil {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}
	bufferID := cdbBufferID(cbw.CB[:])
	offset := cdbOffset24(cbw.CB[:])
	length := cdbLength24(cbw.CB[:])

	window, ok := m.diagMem.Window(bufferID)
	if !ok {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}
	if uint64(offset)+uint64(length) > uint64(window.Capacity) || length > uint32(len(m.dataBuf)) {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	if err := m.diagMem.ReadAt(bufferID, offset, m.dataBuf[:length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	if err := m.sendData(ctx, m.dataBuf[:length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(length)
}

func (m *MSC) readBufferDescriptor(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if m.diagMem == nil {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}
	bufferID := cdbBufferID(cbw.CB[:])
	window, ok := m.diagMem.Window(bufferID)
	if !ok {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	buf := m.dataBuf[:4]
	buf[0] = window.Boundary
	buf[1] = byte(window.Capacity >> 16)
	buf[2] = byte(window.Capacity >> 8)
	buf[3] = byte(window.Capacity)

	if err := m.sendData(ctx, buf); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(uint32(len(buf)))
}

func (m *MSC) readBufferEcho(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	offset := cdbOffset24(cbw.CB[:])
	length := cdbLength24(cbw.CB[:])
	if uint64(offset)+uint64(length) > uint64(len(m.echoBuffer)) {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	if err := m.sendData(ctx, m.echoBuffer[offset:offset+length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	return doneIn(length)
}

// handleWriteBuffer10 processes WRITE BUFFER (10).
func (m *MSC) handleWriteBuffer10(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if m.permission&PermWriteBuffer == 0 {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	mode := cdbMode(cbw.CB[:])
	switch mode {
	case RWBufferModeEcho:
		return m.writeBufferEcho(ctx, cbw)
	case RWBufferModeDownload, RWBufferModeDownloadSave:
		return m.writeBufferMicrocode(ctx, cbw)
	default:
		pkg.LogWarn(pkg.ComponentSCSI, "unsupported WRITE BUFFER mode", "mode", mode)
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}
}

func (m *MSC) writeBufferEcho(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	offset := cdbOffset24(cbw.CB[:])
	length := cdbLength24(cbw.CB[:])
	if uint64(offset)+uint64(length) > uint64(len(m.echoBuffer)) {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	if err := m.receiveData(ctx, m.dataBuf[:length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	copy(m.echoBuffer[offset:offset+length], m.dataBuf[:length])
	return doneOut(length)
}

// microcodeMaxBytes bounds a single download, matching the original
// firmware's fixed 64KB application image slot.
const microcodeMaxBytes = MaxTransferSize

// writeBufferMicrocode forwards an application-image download to the
// configured AppProgrammer, one WRITE BUFFER command per chunk. No state is
// kept between commands: each chunk is written at the offset its own CDB
// specifies. A command with offset 0 stops any running application and
// erases the destination region before writing.
func (m *MSC) writeBufferMicrocode(ctx context.Context, cbw *CommandBlockWrapper) HandlerResult {
	if m.programmer == nil {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	offset := cdbOffset24(cbw.CB[:])
	length := cdbLength24(cbw.CB[:])
	total := offset + length
	if total > microcodeMaxBytes {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return cmdError()
	}

	if offset == 0 {
		if err := m.programmer.Stop(); err != nil {
			m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}
		if err := m.programmer.EraseRegion(ctx, microcodeMaxBytes); err != nil {
			m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
			return cmdError()
		}
	}

	if err := m.receiveData(ctx, m.dataBuf[:length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}
	if err := m.programmer.WriteAt(ctx, offset, m.dataBuf[:length]); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return cmdError()
	}

	pkg.LogInfo(pkg.ComponentSCSI, "microcode chunk written", "offset", offset, "length", length)
	return doneOut(length)
}
