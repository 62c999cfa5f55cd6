package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UsbPacketViewer/usbpv-api/internal/transport"
)

// fakeTransport scripts the device side of the protocol: status words
// are popped per poll (the last one repeats), 4-byte config frames are
// echoed back (with the value byte flipped when corruptEcho is set),
// and AsyncRead serves buffers
// from the stream channel with a short synthetic timeout. Writing
// STOP_CMD makes the fake echo it onto the capture stream the way the
// hardware does.
type fakeTransport struct {
	mu sync.Mutex

	statuses  []uint16
	statusErr error

	resets int
	starts int
	closed int

	writes      [][]byte
	echoes      [][]byte
	corruptEcho bool

	startErr error
	writeErr error

	stream chan []byte
	bcd    uint16
}

func newFakeTransport(statuses ...uint16) *fakeTransport {
	return &fakeTransport{
		statuses: statuses,
		stream:   make(chan []byte, 64),
		bcd:      0x0210,
	}
}

func (f *fakeTransport) Status() (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return 0, f.statusErr
	}
	if len(f.statuses) == 0 {
		return 0, fmt.Errorf("no scripted status")
	}
	s := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return s, nil
}

func (f *fakeTransport) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeTransport) BulkWrite(data []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	if f.writeErr != nil {
		defer f.mu.Unlock()
		return 0, f.writeErr
	}
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, cp)
	if len(data) == 4 && data[0] == 0x55 && data[1] != 0x01 && data[1] != 0x00 {
		echo := append([]byte(nil), data...)
		if f.corruptEcho {
			echo[2] ^= 0xff
		}
		f.echoes = append(f.echoes, echo)
	}
	stopEcho := len(data) == 4 && data[0] == 0x55 && data[1] == 0x01 && data[2] == 0x00 && data[3] == 0x56
	f.mu.Unlock()
	if stopEcho {
		f.stream <- []byte{0x55, 0x01, 0x00, 0x56}
	}
	return len(data), nil
}

func (f *fakeTransport) BulkRead(buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.echoes) == 0 {
		return 0, fmt.Errorf("no echo pending")
	}
	n := copy(buf, f.echoes[0])
	f.echoes = f.echoes[1:]
	return n, nil
}

func (f *fakeTransport) AsyncRead(ctx context.Context, buf []byte, timeout time.Duration) (int, transport.ReadOutcome, error) {
	select {
	case data, ok := <-f.stream:
		if !ok {
			return 0, transport.ReadError, fmt.Errorf("stream closed")
		}
		n := copy(buf, data)
		return n, transport.ReadCompleted, nil
	case <-ctx.Done():
		return 0, transport.ReadCancelled, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return 0, transport.ReadTimedOut, nil
	}
}

func (f *fakeTransport) BcdUSB() uint16 { return f.bcd }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) configWrites() map[byte]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	regs := make(map[byte]byte)
	for _, w := range f.writes {
		if len(w) == 4 && w[0] == 0x55 {
			regs[w[1]] = w[2]
		}
	}
	return regs
}

func TestInitSequenceHappyPath(t *testing.T) {
	ft := newFakeTransport(0x0003)
	fw := make([]byte, 9000)

	err := initSequence(ft, DefaultOptions("S1"), fw)
	require.NoError(t, err)

	assert.Equal(t, 1, ft.starts, "start request issued once")
	assert.Zero(t, ft.resets, "no reset needed when the first poll is ready")

	regs := ft.configWrites()
	assert.Equal(t, byte(0x0c|SpeedAuto), regs[8], "capture speed register")
	assert.Equal(t, byte(0x00), regs[31], "event mask is written complemented")
	for reg := byte(32); reg < 40; reg++ {
		v, ok := regs[reg]
		assert.True(t, ok, "filter bank register %d written", reg)
		assert.Equal(t, byte(0), v, "default filter bank is all zero")
	}

	var wroteFirmware bool
	for _, w := range ft.writes {
		if len(w) == len(fw) {
			wroteFirmware = true
		}
	}
	assert.True(t, wroteFirmware, "firmware payload pushed over bulk-OUT")
}

func TestInitSequenceResetsOnBusyStatusThenSucceeds(t *testing.T) {
	// Upper nibble set on the first poll forces a reset and a retry.
	ft := newFakeTransport(0x00f3, 0x0003)

	err := initSequence(ft, DefaultOptions(""), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, ft.resets)
}

func TestInitSequenceStatusNeverReadyFailsWithLoad(t *testing.T) {
	ft := newFakeTransport(0x00f0)

	err := initSequence(ft, DefaultOptions(""), nil)
	assert.ErrorIs(t, err, ErrLoad)
	assert.Equal(t, ResultLoad, ResultOf(err))
}

func TestInitSequenceStatusTransferErrorSurfacesAsDeviceStatus(t *testing.T) {
	ft := newFakeTransport()
	ft.statusErr = fmt.Errorf("pipe error")

	err := initSequence(ft, DefaultOptions(""), nil)
	assert.ErrorIs(t, err, ErrDeviceStatus)
	assert.Equal(t, ResultDeviceStatus, ResultOf(err))
}

func TestInitSequenceFirmwareNotLoadedFailsWithLoad(t *testing.T) {
	// First poll ready, but the post-push poll never reports the
	// firmware-loaded nibble.
	ft := newFakeTransport(0x0000)

	err := initSequence(ft, DefaultOptions(""), []byte{1})
	assert.ErrorIs(t, err, ErrLoad)
}

func TestInitSequenceCorruptEchoFailsWithWriteConfig(t *testing.T) {
	ft := newFakeTransport(0x0003)
	ft.corruptEcho = true

	err := initSequence(ft, DefaultOptions(""), nil)
	assert.ErrorIs(t, err, ErrWriteConfig)
	assert.Equal(t, ResultWriteConfig, ResultOf(err))
}

func TestOpenMapsMissingDeviceToDeviceNotFound(t *testing.T) {
	orig := openTransport
	openTransport = func(serial string) (Transport, error) {
		return nil, transport.ErrNotFound
	}
	defer func() { openTransport = orig }()

	_, err := Open(DefaultOptions("anything"), nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, ResultDeviceNotFound, ResultOf(err))
}

func TestOpenClosesTransportWhenInitFails(t *testing.T) {
	ft := newFakeTransport(0x00f0)
	orig := openTransport
	openTransport = func(serial string) (Transport, error) { return ft, nil }
	defer func() { openTransport = orig }()

	_, err := Open(DefaultOptions(""), nil)
	require.Error(t, err)
	assert.Equal(t, 1, ft.closed)
}

func TestResultOfMapsErrorChains(t *testing.T) {
	cases := []struct {
		err  error
		want Result
	}{
		{nil, Success},
		{ErrDeviceNotFound, ResultDeviceNotFound},
		{fmt.Errorf("%w: wrapped", ErrLoad), ResultLoad},
		{fmt.Errorf("%w: wrapped", ErrWriteConfig), ResultWriteConfig},
		{fmt.Errorf("%w: wrapped", ErrDeviceStatus), ResultDeviceStatus},
		{errors.New("anything else"), ResultDeviceNotOpen},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ResultOf(c.err))
	}
}
