// Package main runs the cowstick mass-storage dongle firmware over the
// software FIFO HAL, backed either by an in-memory disk or by a real
// SPI-NOR flash chip reached through an FTDI MPSSE bridge.
//
// Usage:
//
//	go run . [options] /path/to/bus-dir
//
// The bus directory is shared with a host-side USB process for development
// and testing; a board build substitutes a register-level DeviceHAL for the
// FIFO HAL used here.
//
// Options:
//
//	-size N                    Disk size in bytes, used only without -flash (default: 1MB)
//	-flash                     Use a real SPI-NOR chip via an attached FTDI FT232H instead of memory
//	-v                         Enable verbose (debug) logging
//	-json                      Use JSON log format
//	-enum-timeout duration     Parsed but not applied; enumeration waits until cancelled (default: 10s)
//	-transfer-timeout duration Parsed but not applied; data transfers have no timeout (default: 5s)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/cowlab/cowstick-ums/device"
	"github.com/cowlab/cowstick-ums/device/class/msc"
	"github.com/cowlab/cowstick-ums/device/hal/fifo"
	"github.com/cowlab/cowstick-ums/internal/flash"
	"github.com/cowlab/cowstick-ums/pkg"
)

const component = pkg.ComponentMSC

// Cowstick USB identity, matching the INQUIRY vendor/product/revision
// strings and the vendor:product IDs of the diagnostic-enabled dongle.
const (
	vendorID     = 0xC720
	productID    = 0x3608
	vendorStr    = "AGILACK"
	productStr   = "Cowstick-UMS"
	revisionStr  = "dev0"
	serialString = "00000001"
)

func main() {
	diskSize := flag.Uint64("size", 1024*1024, "disk size in bytes (ignored with -flash)")
	useFlash := flag.Bool("flash", false, "use a SPI-NOR chip over an attached FTDI FT232H instead of memory")
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	enumTimeout := flag.Duration("enum-timeout", 10*time.Second, "timeout for enumeration (parsed, not applied)")
	transferTimeout := flag.Duration("transfer-timeout", 5*time.Second, "timeout for data transfers (parsed, not applied)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: cowstickd [options] <bus-dir>")
		os.Exit(1)
	}

	busDir := flag.Arg(0)

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(ctx, *useFlash, *diskSize)
	if err != nil {
		pkg.LogError(component, "failed to open storage", "error", err)
		os.Exit(1)
	}

	pkg.LogInfo(component, "storage ready",
		"blockSize", storage.BlockSize(),
		"blocks", storage.BlockCount())

	disk := msc.New(storage, vendorStr, productStr)
	disk.SetPermission(msc.PermReadBuffer | msc.PermWriteBuffer)

	hal := fifo.New(busDir)

	builder := device.NewDeviceBuilder().
		WithVendorProduct(vendorID, productID).
		WithStrings(vendorStr, productStr, serialString).
		AddConfiguration(1)

	disk.ConfigureDevice(builder, 0x81, 0x02)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(component, "shutting down...")
		cancel()
	}()

	dev, err := builder.Build(ctx)
	if err != nil {
		pkg.LogError(component, "failed to build device", "error", err)
		os.Exit(1)
	}

	if err := disk.AttachToInterface(dev, 1, 0); err != nil {
		pkg.LogError(component, "failed to attach driver", "error", err)
		os.Exit(1)
	}

	stack := device.NewStack(dev, hal)
	disk.SetStack(stack)

	_ = enumTimeout
	_ = transferTimeout

	pkg.LogInfo(component, "starting device stack", "busDir", busDir)

	if err := stack.Start(ctx); err != nil {
		pkg.LogError(component, "failed to start stack", "error", err)
		os.Exit(1)
	}
	defer stack.Stop()

	pkg.LogInfo(component, "waiting for host connection...")
	if err := stack.WaitConnect(ctx); err != nil {
		pkg.LogError(component, "connection wait failed", "error", err)
		os.Exit(1)
	}

	pkg.LogInfo(component, "host connected, running MSC protocol")

	if err := disk.Run(ctx); err != nil && err != context.Canceled {
		pkg.LogError(component, "MSC processing error", "error", err)
		os.Exit(1)
	}

	pkg.LogInfo(component, "device stopped")
}

// openStorage returns a memory-backed disk, or a flash-backed disk probed
// over an FTDI FT232H's MPSSE SPI port when useFlash is set.
func openStorage(ctx context.Context, useFlash bool, diskSize uint64) (msc.Storage, error) {
	if !useFlash {
		return msc.NewMemoryStorage(diskSize, 512), nil
	}

	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	dev, err := openFT232H()
	if err != nil {
		return nil, fmt.Errorf("open FT232H: %w", err)
	}

	port, err := dev.SPI()
	if err != nil {
		return nil, fmt.Errorf("open SPI port: %w", err)
	}

	conn, err := port.Connect(30_000_000, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("connect SPI: %w", err)
	}

	chip := flash.New(conn, dev.D4)
	fs := msc.NewFlashStorage(chip)
	if err := fs.Detect(ctx); err != nil {
		return nil, fmt.Errorf("detect flash: %w", err)
	}
	return fs, nil
}

func openFT232H() (*ftdi.FT232H, error) {
	for _, d := range ftdi.All() {
		if ft, ok := d.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("no FT232H device found")
}
