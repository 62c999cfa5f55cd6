package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/UsbPacketViewer/usbpv-api/internal/transport"
)

// Result is the set of exported result codes. ResultOf maps the errors
// returned by Open, Capture, and StopCapture onto it for callers that
// want the numeric code instead of a wrapped error chain.
type Result int

const (
	Success              Result = 0
	ResultDeviceNotFound Result = -1
	ResultDeviceNotOpen  Result = -2
	ResultDeviceStatus   Result = -3
	ResultLoad           Result = -4
	ResultWriteConfig    Result = -5
	ResultEEInit         Result = -6
	ResultThread         Result = -12
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case ResultDeviceNotFound:
		return "device not found"
	case ResultDeviceNotOpen:
		return "device not open"
	case ResultDeviceStatus:
		return "device status error"
	case ResultLoad:
		return "device init failed"
	case ResultWriteConfig:
		return "device config write failed"
	case ResultEEInit:
		return "device context init failed"
	case ResultThread:
		return "capture thread init failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Errors surfaced by the open sequence and capture control, each
// carrying the text of the corresponding Result; ResultOf maps them
// back to the code.
var (
	ErrDeviceNotFound = errors.New(ResultDeviceNotFound.String())
	ErrDeviceNotOpen  = errors.New(ResultDeviceNotOpen.String())
	ErrDeviceStatus   = errors.New(ResultDeviceStatus.String())
	ErrLoad           = errors.New(ResultLoad.String())
	ErrWriteConfig    = errors.New(ResultWriteConfig.String())
)

// ResultOf converts an error from this package into its exported
// result code. Errors that wrap none of the not-found, status, load, or
// config-write sentinels (for example a transport open failure other
// than "not found") collapse into ResultDeviceNotOpen.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrDeviceNotFound):
		return ResultDeviceNotFound
	case errors.Is(err, ErrDeviceStatus):
		return ResultDeviceStatus
	case errors.Is(err, ErrLoad):
		return ResultLoad
	case errors.Is(err, ErrWriteConfig):
		return ResultWriteConfig
	default:
		return ResultDeviceNotOpen
	}
}

// Transport is the slice of the USB facade the controller and capture
// pipeline drive. *transport.Device implements it; tests substitute a
// scripted fake.
type Transport interface {
	Status() (uint16, error)
	Reset() error
	Start() error
	BulkWrite(data []byte, timeout time.Duration) (int, error)
	BulkRead(buf []byte, timeout time.Duration) (int, error)
	AsyncRead(ctx context.Context, buf []byte, timeout time.Duration) (int, transport.ReadOutcome, error)
	BcdUSB() uint16
	Close() error
}

var _ Transport = (*transport.Device)(nil)

// openTransport locates and opens the physical device. A package
// variable so tests can run the open sequence against a fake.
var openTransport = func(serial string) (Transport, error) {
	return transport.Open(serial)
}

const (
	statusRetries       = 3
	statusRetryInterval = 1 * time.Millisecond
	writeTimeout        = 5 * time.Second

	firmwareStatusMask  = 0x0f
	firmwareStatusReady = 3
	openStatusMask      = 0xf0
)

// Config-write register ids.
const (
	registerCaptureSpeed = 8
	registerEventMask    = 31
	registerFilterBase   = 32
)

// initSequence runs the controller handshake on a freshly opened
// transport: poll status with reset retries until the upper nibble
// clears, push the firmware payload, poll until the lower nibble
// reports firmware loaded, start the device, then write the speed,
// event-mask, and filter-bank registers. firmware is the opaque vendor
// payload, delivered verbatim.
func initSequence(dev Transport, opt Options, firmware []byte) error {
	if err := waitStatus(dev, func(s uint16) bool { return s&openStatusMask == 0 }, true); err != nil {
		return err
	}

	if _, err := dev.BulkWrite(firmware, writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	if err := waitStatus(dev, func(s uint16) bool { return s&firmwareStatusMask == firmwareStatusReady }, false); err != nil {
		return err
	}

	if err := dev.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoad, err)
	}

	return writeRegisters(dev, opt)
}

// waitStatus polls the status word until ready reports true, retrying
// up to statusRetries times on a constant 1ms interval and resetting
// the device between attempts when resetOnMiss is set.
func waitStatus(dev Transport, ready func(uint16) bool, resetOnMiss bool) error {
	attempt := 0
	op := func() error {
		attempt++
		status, err := dev.Status()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrDeviceStatus, err))
		}
		if ready(status) {
			return nil
		}
		if attempt >= statusRetries {
			return backoff.Permanent(fmt.Errorf("%w", ErrLoad))
		}
		if resetOnMiss {
			if rerr := dev.Reset(); rerr != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrLoad, rerr))
			}
		}
		return fmt.Errorf("device not ready yet")
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(statusRetryInterval), uint64(statusRetries))
	return backoff.Retry(op, b)
}

// writeRegisters writes the capture-speed register, event-mask
// register, and 8-byte filter bank via the config-write protocol. The
// mask written to the device is the complement of the user-facing
// bitmap.
func writeRegisters(dev Transport, opt Options) error {
	speedVal := byte(0x0c | (opt.Speed & 0x03))
	if err := writeConfig(dev, registerCaptureSpeed, speedVal); err != nil {
		return err
	}
	if err := writeConfig(dev, registerEventMask, opt.EventMask^0xff); err != nil {
		return err
	}
	bank := buildFilterBank(opt)
	for i, v := range bank {
		if err := writeConfig(dev, registerFilterBase+i, v); err != nil {
			return err
		}
	}
	return nil
}

// writeConfig performs one 4-byte config-write exchange: OUT
// [0x55, id, val, checksum] on the bulk endpoint, then the identical
// frame echoed back on bulk-IN. Any mismatch fails the write.
func writeConfig(dev Transport, id int, val byte) error {
	req := [4]byte{0x55, byte(id), val, byte(0x55 + id + int(val))}
	if _, err := dev.BulkWrite(req[:], writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteConfig, err)
	}
	echo := make([]byte, 4)
	n, err := dev.BulkRead(echo, writeTimeout)
	if err != nil || n != 4 {
		return fmt.Errorf("%w: short or failed echo", ErrWriteConfig)
	}
	if echo[0] != req[0] || echo[1] != req[1] || echo[2] != req[2] || echo[3] != req[3] {
		return fmt.Errorf("%w: echo mismatch", ErrWriteConfig)
	}
	return nil
}
