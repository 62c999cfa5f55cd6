// Package transport is a thin, synchronous wrapper over google/gousb
// exposing exactly the operations the analyzer driver needs: device
// discovery, control transfers, chunked bulk writes, and a cancellable
// bulk-IN read loop standing in for async transfer submission.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Well-known identity of the analyzer hardware.
const (
	VendorID     = gousb.ID(0x16C0)
	ProductID    = gousb.ID(0x05DC)
	Manufacturer = "tusb.org"
)

const (
	bulkOutEndpoint = 0x01
	bulkInEndpoint  = 0x81
	writeChunkSize  = 4096
	controlTimeout  = 5000 * time.Millisecond
)

// Errors surfaced by the facade. OpenFailed is split from OpenPermission
// so callers can distinguish "nothing there" from "there, but denied".
var (
	ErrNotFound       = errors.New("transport: device not found")
	ErrOpenPermission = errors.New("transport: insufficient permission to open device")
	ErrOpenFailed     = errors.New("transport: failed to open device")
	ErrDescriptor     = errors.New("transport: failed to fetch device descriptor")
	ErrClaimFailed    = errors.New("transport: failed to claim interface")
	ErrResetFailed    = errors.New("transport: reset control transfer failed")
)

// Device is an open handle to one analyzer. All methods are safe to call
// from the goroutine that owns the handle; Close is idempotent.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	iface  *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	bcdUSB uint16
}

// Enumerate returns the serial number of every attached device matching
// (VendorID, ProductID, Manufacturer). A device whose serial cannot be
// read is reported as "XXX".
func Enumerate() ([]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	// OpenDevices returns devices it managed to open even when err != nil
	// for others; only bail if nothing came back at all.
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	var serials []string
	for _, d := range devs {
		man, merr := d.Manufacturer()
		if merr != nil || man != Manufacturer {
			continue
		}
		sn, serr := d.SerialNumber()
		if serr != nil || sn == "" {
			serials = append(serials, "XXX")
			continue
		}
		serials = append(serials, sn)
	}
	return serials, nil
}

// Open claims interface 0 on the device matching (vendor, product,
// manufacturer, serial), detaches a kernel driver if one is attached,
// and issues the vendor reset (request 0x73) required before any other
// protocol exchange. An empty serial matches the first device found.
func Open(serial string) (*Device, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var match *gousb.Device
	for _, d := range devs {
		man, merr := d.Manufacturer()
		if merr != nil || man != Manufacturer {
			d.Close()
			continue
		}
		if serial != "" {
			sn, serr := d.SerialNumber()
			if serr != nil || sn != serial {
				d.Close()
				continue
			}
		}
		if match == nil {
			match = d
		} else {
			d.Close()
		}
	}
	if match == nil {
		ctx.Close()
		return nil, ErrNotFound
	}

	if derr := match.SetAutoDetach(true); derr != nil {
		match.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenPermission, derr)
	}

	cfg, err := match.Config(1)
	if err != nil {
		match.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	iface, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		match.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}

	epOut, err := iface.OutEndpoint(bulkOutEndpoint)
	if err != nil {
		iface.Close()
		cfg.Close()
		match.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrDescriptor, err)
	}
	epIn, err := iface.InEndpoint(bulkInEndpoint)
	if err != nil {
		iface.Close()
		cfg.Close()
		match.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", ErrDescriptor, err)
	}

	match.ControlTimeout = controlTimeout

	d := &Device{
		ctx:    ctx,
		dev:    match,
		cfg:    cfg,
		iface:  iface,
		epOut:  epOut,
		epIn:   epIn,
		bcdUSB: uint16(match.Desc.Spec),
	}

	if _, rerr := d.controlOut(reqReset, 0, 0, nil); rerr != nil {
		d.Close()
		return nil, fmt.Errorf("%w: %v", ErrResetFailed, rerr)
	}
	return d, nil
}

// BcdUSB returns the device's reported USB specification release number.
func (d *Device) BcdUSB() uint16 { return d.bcdUSB }

const (
	reqReset  = 0x73
	reqStart  = 0x74
	reqStatus = 0x75
)

func (d *Device) controlOut(request uint8, value, index uint16, data []byte) (int, error) {
	rt := uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice)
	return d.dev.Control(rt, request, value, index, data)
}

func (d *Device) controlIn(request uint8, value, index uint16, buf []byte) (int, error) {
	rt := uint8(gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice)
	return d.dev.Control(rt, request, value, index, buf)
}

// Reset issues the 0x73 vendor reset request.
func (d *Device) Reset() error {
	_, err := d.controlOut(reqReset, 0, 0, nil)
	return err
}

// Start issues the 0x74 vendor start request.
func (d *Device) Start() error {
	_, err := d.controlOut(reqStart, 0, 0, nil)
	return err
}

// Status reads the 2-byte little-endian device status word (request 0x75).
func (d *Device) Status() (uint16, error) {
	buf := make([]byte, 2)
	n, err := d.controlIn(reqStatus, 0, 0, buf)
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, fmt.Errorf("transport: short status read (%d bytes)", n)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// BulkWrite writes data to the bulk-OUT endpoint in chunks no larger
// than 4096 bytes, returning the total bytes transferred.
func (d *Device) BulkWrite(data []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	total := 0
	for total < len(data) {
		end := total + writeChunkSize
		if end > len(data) {
			end = len(data)
		}
		n, err := d.epOut.WriteContext(ctx, data[total:end])
		total += n
		if err != nil {
			return total, fmt.Errorf("transport: bulk write failed: %w", err)
		}
	}
	return total, nil
}

// BulkRead issues a single blocking bulk-IN read bounded by timeout.
// Used for the config-write echo during open, where exactly one 4-byte
// frame is expected.
func (d *Device) BulkRead(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, fmt.Errorf("transport: bulk read failed: %w", err)
	}
	return n, nil
}

// ReadOutcome classifies the result of one AsyncRead iteration, the
// same distinctions a libusb transfer-completion callback sees.
type ReadOutcome int

const (
	ReadCompleted ReadOutcome = iota
	ReadTimedOut
	ReadCancelled
	ReadError
)

// AsyncRead performs one bulk-IN read into buf bounded by timeout and
// cancellable via ctx. It is the Go analogue of submitting one async
// bulk-IN transfer and waiting for its completion: the caller drives
// the loop (resubmit/stop) itself.
func (d *Device) AsyncRead(ctx context.Context, buf []byte, timeout time.Duration) (int, ReadOutcome, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := d.epIn.ReadContext(rctx, buf)
	if err == nil {
		return n, ReadCompleted, nil
	}
	if ctx.Err() != nil {
		return n, ReadCancelled, ctx.Err()
	}
	if rctx.Err() == context.DeadlineExceeded {
		return n, ReadTimedOut, nil
	}
	return n, ReadError, err
}

// Close releases the interface, config, device, and context in reverse
// order of acquisition. Safe to call multiple times.
func (d *Device) Close() error {
	if d.iface != nil {
		d.iface.Close()
		d.iface = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	return nil
}
