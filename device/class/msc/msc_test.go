package msc

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/cowlab/cowstick-ums/device"
	"github.com/cowlab/cowstick-ums/device/hal"
)

// fakeHAL is a minimal hal.DeviceHAL double for driving an MSC class driver
// through a real device.Stack without any USB hardware underneath. Bulk
// endpoint traffic is modeled as a per-address queue of chunks to hand back
// from Read and an accumulated byte slice captured from Write; the control
// endpoint is never exercised by these tests, so its methods are stubs.
type fakeHAL struct {
	mu        sync.Mutex
	readQueue map[uint8][][]byte
	written   map[uint8][]byte
	stalled   map[uint8]bool
}

func newFakeHAL() *fakeHAL {
	return &fakeHAL{
		readQueue: make(map[uint8][][]byte),
		written:   make(map[uint8][]byte),
		stalled:   make(map[uint8]bool),
	}
}

func (f *fakeHAL) queueRead(addr uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readQueue[addr] = append(f.readQueue[addr], append([]byte{}, data...))
}

func (f *fakeHAL) Init(ctx context.Context) error                    { return nil }
func (f *fakeHAL) Start() error                                      { return nil }
func (f *fakeHAL) Stop() error                                       { return nil }
func (f *fakeHAL) SetAddress(address uint8) error                    { return nil }
func (f *fakeHAL) ConfigureEndpoints(eps []hal.EndpointConfig) error { return nil }
func (f *fakeHAL) WriteEP0(ctx context.Context, data []byte) error   { return nil }
func (f *fakeHAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	return 0, nil
}
func (f *fakeHAL) StallEP0() error { return nil }
func (f *fakeHAL) AckEP0() error   { return nil }

// ReadSetup blocks until the context is cancelled: these tests never drive
// class requests through the control endpoint.
func (f *fakeHAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeHAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.readQueue[address]
	if len(q) == 0 {
		return 0, io.EOF
	}
	chunk := q[0]
	f.readQueue[address] = q[1:]
	return copy(buf, chunk), nil
}

func (f *fakeHAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[address] = append(f.written[address], data...)
	return len(data), nil
}

func (f *fakeHAL) Stall(address uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[address] = true
	return nil
}

func (f *fakeHAL) ClearStall(address uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stalled[address] = false
	return nil
}

func (f *fakeHAL) IsConnected() bool                    { return true }
func (f *fakeHAL) GetSpeed() hal.Speed                  { return hal.SpeedHigh }
func (f *fakeHAL) WaitConnect(ctx context.Context) error { return nil }
func (f *fakeHAL) WaitDisconnect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeHAL) writtenBytes(addr uint8) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte{}, f.written[addr]...)
}

func (f *fakeHAL) isStalled(addr uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalled[addr]
}

var _ hal.DeviceHAL = (*fakeHAL)(nil)

const (
	testBulkInAddr  = 0x81
	testBulkOutAddr = 0x02
)

// newTestMSC wires an MSC class driver to a real device.Stack backed by a
// fakeHAL, the same shape stack_test.go uses for the device package itself,
// so processCBW and the sendData/receiveData paths run unmodified.
func newTestMSC(t *testing.T, storage Storage) (*MSC, *fakeHAL) {
	t.Helper()

	dev := device.NewDevice(&device.DeviceDescriptor{MaxPacketSize0: 64})
	config := device.NewConfiguration(1)
	iface := device.NewInterface(&device.InterfaceDescriptor{InterfaceNumber: 0})

	inEP := &device.Endpoint{Address: testBulkInAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64}
	outEP := &device.Endpoint{Address: testBulkOutAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: 64}
	if err := iface.AddEndpoint(inEP); err != nil {
		t.Fatalf("AddEndpoint(in): %v", err)
	}
	if err := iface.AddEndpoint(outEP); err != nil {
		t.Fatalf("AddEndpoint(out): %v", err)
	}
	if err := config.AddInterface(iface); err != nil {
		t.Fatalf("AddInterface: %v", err)
	}
	if err := dev.AddConfiguration(config); err != nil {
		t.Fatalf("AddConfiguration: %v", err)
	}
	dev.Reset()
	dev.SetAddress(1)
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration: %v", err)
	}

	fh := newFakeHAL()
	stack := device.NewStack(dev, fh)

	m := New(storage, "COWLAB  ", "COWSTICK DONGLE ")
	m.SetStack(stack)
	if err := m.Init(iface); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return m, fh
}

// cbwBytes marshals a Command Block Wrapper by hand, the same wire layout
// ParseCBW expects, for tests that drive the transport through processCBW
// instead of calling a handler directly.
func cbwBytes(tag uint32, dataLen uint32, dataIn bool, lun, cdbLen uint8, cb []byte) []byte {
	buf := make([]byte, CBWSize)
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	if dataIn {
		buf[12] = CBWFlagDataIn
	}
	buf[13] = lun
	buf[14] = cdbLen
	copy(buf[15:31], cb)
	return buf
}

func testCBW(dataLen uint32, dataIn bool, cdbLen uint8, cb []byte) *CommandBlockWrapper {
	cbw := &CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                1,
		DataTransferLength: dataLen,
		CBLength:           cdbLen,
	}
	if dataIn {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], cb)
	return cbw
}

func parseCSW(t *testing.T, buf []byte) CommandStatusWrapper {
	t.Helper()
	if len(buf) < CSWSize {
		t.Fatalf("CSW too short: %d bytes", len(buf))
	}
	return CommandStatusWrapper{
		Signature:   binary.LittleEndian.Uint32(buf[0:4]),
		Tag:         binary.LittleEndian.Uint32(buf[4:8]),
		DataResidue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:      buf[12],
	}
}
