package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UsbPacketViewer/usbpv-api/internal/buffer"
	"github.com/UsbPacketViewer/usbpv-api/internal/clock"
	"github.com/UsbPacketViewer/usbpv-api/internal/frame"
	"github.com/UsbPacketViewer/usbpv-api/internal/queue"
	"github.com/UsbPacketViewer/usbpv-api/internal/sink"
	"github.com/UsbPacketViewer/usbpv-api/internal/transport"
)

// PacketHandler receives one reconstructed packet record. payload is
// only valid for the duration of the call. A negative return is
// reserved for future flow control and currently not acted upon.
type PacketHandler func(sec int64, nsec uint32, payload []byte, status uint32) int

const (
	readTimeout      = 1 * time.Second
	stopWaitRetries  = 3
	closeStopTimeout = 1000 * time.Millisecond
)

type filledBuffer struct {
	data []byte
	len  int
}

// Handle exclusively owns one open analyzer: its USB transport, buffer
// pool, filled-buffer queue, reader/parser goroutines, and parser
// scratch state. Consumers hold only a *Handle.
type Handle struct {
	usb  Transport
	pool *buffer.Pool

	filledQ    *queue.Queue[filledBuffer]
	readerDone *queue.Queue[struct{}]
	parserDone *queue.Queue[struct{}]

	finish atomic.Bool

	parser     *frame.Parser
	readCancel context.CancelFunc
	wg         sync.WaitGroup

	// leftover is the reader's in-flight buffer at exit, released back
	// to the pool once both goroutines have joined (only then is it the
	// oldest outstanding loan, as the FIFO release order requires).
	leftover []byte

	handler PacketHandler
	raw     sink.RawSink
	fast    bool
}

// Open locates the device named by opt.Serial, runs the full controller
// handshake against it, and returns a Handle ready for Capture.
// firmware is the opaque vendor payload pushed during initialization,
// delivered verbatim.
func Open(opt Options, firmware []byte) (*Handle, error) {
	usb, err := openTransport(opt.Serial)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return nil, fmt.Errorf("%w", ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotOpen, err)
	}
	if err := initSequence(usb, opt, firmware); err != nil {
		usb.Close()
		return nil, err
	}
	h := &Handle{
		usb:  usb,
		pool: buffer.New(buffer.DefaultSize, buffer.DefaultCount),
		raw:  sink.Noop,
	}
	// No capture is running yet, so shutdown paths treat the handle as
	// already finished until Capture arms it.
	h.finish.Store(true)
	return h, nil
}

// BcdUSB returns the opened device's reported USB release number.
func (h *Handle) BcdUSB() uint16 {
	if h.usb == nil {
		return 0
	}
	return h.usb.BcdUSB()
}

// SuperSpeedMonitor reports whether the attached analyzer is the
// super-speed (USB 3.x) model, judged from its bcdUSB.
func (h *Handle) SuperSpeedMonitor() bool { return h.BcdUSB() >= 0x300 }

// CaptureOptions configures a capture session.
type CaptureOptions struct {
	Handler PacketHandler
	Sink    sink.RawSink // optional tap receiving every raw buffer; defaults to sink.Noop
	Fast    bool         // bypass wall-clock reconstruction, deliver raw ticks
}

// Capture starts the reader and parser goroutines and issues the
// START_CMD frame. Capture must be called at most once per Handle.
func (h *Handle) Capture(opts CaptureOptions) error {
	if h.usb == nil {
		return fmt.Errorf("%w", ErrDeviceNotOpen)
	}
	if opts.Handler == nil {
		return fmt.Errorf("device: capture requires a packet handler")
	}
	h.handler = opts.Handler
	h.fast = opts.Fast
	if opts.Sink != nil {
		h.raw = opts.Sink
	}

	h.filledQ = queue.New[filledBuffer]()
	h.readerDone = queue.New[struct{}]()
	h.parserDone = queue.New[struct{}]()
	h.parser = h.newParser()
	h.finish.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	h.readCancel = cancel

	h.wg.Add(2)
	go h.readerLoop(ctx)
	go h.parserLoop()

	if _, err := h.usb.BulkWrite(littleEndian32(frame.StartCmd), writeTimeout); err != nil {
		h.finish.Store(true)
		return fmt.Errorf("%w: %v", ErrWriteConfig, err)
	}
	return nil
}

func littleEndian32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// newParser builds the framing parser whose sink runs each packet
// through the timestamp reconstructor (or the fast path) and into the
// consumer callback. Only the parser goroutine invokes the callback,
// so deliveries are serialized in wire order.
func (h *Handle) newParser() *frame.Parser {
	clk := clock.New(time.Now)
	return frame.NewParser(frame.SinkFunc(func(pkt frame.Packet) error {
		var sec int64
		var nsec uint32
		if h.fast {
			sec, nsec = clock.ConvertFast(pkt.Tick)
		} else {
			sec, nsec = clk.Convert(pkt.Tick)
		}
		h.handler(sec, nsec, pkt.Payload, pkt.Status)
		return nil
	}))
}

// readerLoop owns one outstanding bulk-IN read at a time, recycling
// pool buffers and forwarding filled ones to the parser. On exit it
// enqueues the nil sentinel that shuts the parser down and posts its
// done token.
func (h *Handle) readerLoop(ctx context.Context) {
	defer h.wg.Done()

	cur, err := h.pool.Acquire(ctx)
	if err != nil {
		h.finish.Store(true)
		h.filledQ.Enqueue(filledBuffer{})
		h.readerDone.Enqueue(struct{}{})
		return
	}

	for !h.finish.Load() {
		n, outcome, rerr := h.usb.AsyncRead(ctx, cur, readTimeout)
		switch outcome {
		case transport.ReadCompleted:
			if n > 0 {
				h.filledQ.Enqueue(filledBuffer{data: cur, len: n})
				cur = nil
				next, aerr := h.pool.Acquire(ctx)
				if aerr != nil {
					h.finish.Store(true)
					break
				}
				cur = next
			}
			// Zero-length completion: resubmit with the same buffer.
		case transport.ReadTimedOut:
			// Idle bus; resubmit unless a stop is in progress.
		case transport.ReadCancelled:
			h.finish.Store(true)
		case transport.ReadError:
			log.Printf("usbpv: bulk read failed: %v", rerr)
			h.finish.Store(true)
		}
	}

	h.leftover = cur
	h.filledQ.Enqueue(filledBuffer{})
	h.readerDone.Enqueue(struct{}{})
}

// parserLoop dequeues filled buffers and drives the framing state
// machine. A sentinel (nil or zero-length buffer) or a STOP_CMD
// observation both terminate the loop; every real buffer is returned
// to the pool and forwarded verbatim to the raw sink.
func (h *Handle) parserLoop() {
	defer h.wg.Done()

	for {
		msg, ok := h.filledQ.Dequeue()
		if !ok || msg.data == nil || msg.len == 0 {
			h.finish.Store(true)
			break
		}

		err := h.parser.Feed(msg.data[:msg.len])
		h.raw.RecordRaw(msg.data[:msg.len])
		if rerr := h.pool.Release(msg.data); rerr != nil {
			log.Printf("usbpv: %v", rerr)
		}

		if err != nil {
			// Stopped, the normal shutdown path: the device echoed
			// STOP_CMD back on the capture stream.
			h.finish.Store(true)
			break
		}
	}

	h.parserDone.Enqueue(struct{}{})
}

// StopCapture sends STOP_CMD and waits, retrying up to three times
// with the given timeout, for the reader's done token, then once for
// the parser's. A reader that fails to acknowledge is cancelled
// through its context rather than orphaned. StopCapture after shutdown
// is a no-op.
func (h *Handle) StopCapture(timeout time.Duration) error {
	if h.finish.Load() {
		return nil
	}

	h.parser.RequestStop()
	stop := littleEndian32(frame.StopCmd)
	if _, err := h.usb.BulkWrite(stop, writeTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteConfig, err)
	}

	ok := false
	for i := 0; i < stopWaitRetries; i++ {
		if _, ok = h.readerDone.DequeueTimeout(timeout); ok {
			break
		}
		log.Printf("usbpv: reader still running, resending stop (%d left)", stopWaitRetries-1-i)
		h.finish.Store(true)
		if _, err := h.usb.BulkWrite(stop, writeTimeout); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteConfig, err)
		}
	}
	if !ok {
		log.Printf("usbpv: reader did not acknowledge stop, cancelling")
	}
	if h.readCancel != nil {
		h.readCancel()
	}

	if _, ok := h.parserDone.DequeueTimeout(timeout); !ok {
		log.Printf("usbpv: parser did not acknowledge stop")
		h.finish.Store(true)
	}

	h.wg.Wait()
	h.reclaimLeftover()
	return nil
}

// reclaimLeftover returns the reader's parked in-flight buffer to the
// pool. Must only be called after both goroutines have joined.
func (h *Handle) reclaimLeftover() {
	if h.leftover == nil {
		return
	}
	if err := h.pool.Release(h.leftover); err != nil {
		log.Printf("usbpv: %v", err)
	}
	h.leftover = nil
}

// Close stops any in-progress capture, joins both goroutines, and
// releases the USB transport. After Close returns no callback will be
// invoked and no pool buffer remains checked out. Close is idempotent.
func (h *Handle) Close() error {
	err := h.StopCapture(closeStopTimeout)
	if h.readCancel != nil {
		h.readCancel()
	}
	h.wg.Wait()
	h.reclaimLeftover()
	if h.filledQ != nil {
		h.filledQ.Shutdown()
	}
	if h.usb != nil {
		h.usb.Close()
	}
	return err
}
