// Package usb talks to the MP710 over libusb. Every command opens the device,
// claims its interface, sends one control transfer and releases everything again,
// so the dimmer can be unplugged or shared with other tools between commands.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

// USB identity and transfer parameters of the MP710.
const (
	VendorID  gousb.ID = 0x16c0
	ProductID gousb.ID = 0x05df

	configNum     = 1
	interfaceNum  = 0
	altSetting    = 0
	inEndpointNum = 1 // address 0x81

	// class request, interface recipient, host to device
	requestType uint8  = 0x21
	setReport   uint8  = 0x09
	reportValue uint16 = 0x0300

	DefaultTimeout = 100 * time.Millisecond
)

// ErrDeviceNotFound is returned when no device with the MP710 VID/PID is attached.
var ErrDeviceNotFound = errors.New("mp710 device not found")

// Options configures a Transport.
type Options struct {
	Program      device.Program
	ReadResponse bool          // Read the 8-byte status report after every write
	Timeout      time.Duration // Control and interrupt transfer timeout (default: 100ms)
}

// Transport is a device.Executor backed by libusb.
type Transport struct {
	opts Options

	mu  sync.Mutex
	ctx *gousb.Context
}

// Open initializes libusb. The device itself is opened per command.
func Open(opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Transport{opts: opts, ctx: gousb.NewContext()}
}

// Exec implements device.Executor.
func (t *Transport) Exec(ctx context.Context, cmd device.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx == nil {
		return errors.New("usb transport is closed")
	}

	dev, err := t.ctx.OpenDeviceWithVIDPID(VendorID, ProductID)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	if dev == nil {
		return ErrDeviceNotFound
	}
	defer dev.Close()

	// Detach the kernel HID driver while we hold the interface and reattach on release.
	if err := dev.SetAutoDetach(true); err != nil {
		log.Debug().Err(err).Msg("Auto-detach of kernel driver not supported")
	}

	cfg, err := dev.Config(configNum)
	if err != nil {
		if errors.Is(err, gousb.ErrorBusy) {
			log.Warn().Msg("Device is busy")
		}
		return fmt.Errorf("configure device: %w", err)
	}
	defer cfg.Close()

	intf, err := cfg.Interface(interfaceNum, altSetting)
	if err != nil {
		return fmt.Errorf("claim interface: %w", err)
	}
	defer intf.Close()

	frame := device.NewFrame(cmd.ChannelIdx, cmd.Param, t.opts.Program)
	dev.ControlTimeout = t.opts.Timeout
	if _, err := dev.Control(requestType, setReport, reportValue, 0, frame.Bytes()); err != nil {
		return fmt.Errorf("control transfer: %w", err)
	}

	if t.opts.ReadResponse {
		t.readResponse(ctx, intf)
	}

	log.Debug().
		Uint8("channel", cmd.ChannelIdx).
		Uint8("param", cmd.Param).
		Str("frame", frame.String()).
		Msg("Set brightness")
	return nil
}

// readResponse drains the status report. Its content is not interpreted and a
// failed read does not fail the command.
func (t *Transport) readResponse(ctx context.Context, intf *gousb.Interface) {
	ep, err := intf.InEndpoint(inEndpointNum)
	if err != nil {
		log.Debug().Err(err).Msg("No interrupt endpoint")
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	buf := make([]byte, device.FrameSize)
	n, err := ep.ReadContext(readCtx, buf)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read device response")
		return
	}
	log.Trace().Hex("response", buf[:n]).Msg("Device response")
}

// Close releases libusb.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx == nil {
		return nil
	}
	err := t.ctx.Close()
	t.ctx = nil
	return err
}
