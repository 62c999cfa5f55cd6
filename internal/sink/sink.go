// Package sink defines the optional raw-buffer tap that runs alongside
// the packet callback: every filled bulk-IN buffer, unparsed, forwarded
// in arrival order. The sink is an explicit interface installed at
// capture time rather than a process-global hook.
package sink

// RawSink receives every filled bulk-IN buffer verbatim, in arrival
// order, before the framing parser consumes it. Implementations must
// not retain buf beyond the call: it is returned to the buffer pool
// immediately afterward.
type RawSink interface {
	RecordRaw(buf []byte)
}

// RawSinkFunc adapts a function to RawSink.
type RawSinkFunc func([]byte)

func (f RawSinkFunc) RecordRaw(buf []byte) { f(buf) }

// noop is installed when no sink is configured at open time.
type noop struct{}

func (noop) RecordRaw([]byte) {}

// Noop is the default sink when none is configured.
var Noop RawSink = noop{}
