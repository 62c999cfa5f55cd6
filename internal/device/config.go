// Package device implements the analyzer's open handshake and the
// reader/parser capture pipeline that together turn an opened USB
// transport into a stream of timestamped packet records.
package device

import "fmt"

// Speed values accepted in the configuration blob.
const (
	SpeedHigh = 0
	SpeedFull = 1
	SpeedLow  = 2
	SpeedAuto = 3
)

// Event mask bits. The value written to the device is the bitwise
// complement of this user-facing bitmap.
const (
	FlagACK    = 0x01
	FlagISO    = 0x02
	FlagNAK    = 0x04
	FlagStall  = 0x08
	FlagSOF    = 0x10
	FlagPing   = 0x20
	FlagIncomp = 0x40
	FlagError  = 0x80
	FlagAll    = 0xff
)

const maxFilterSlots = 4

// unusedFilterByte marks an absent addr/ep entry in the configuration
// blob.
const unusedFilterByte = 0xff

// FilterEntry is one (address, endpoint) accept/reject rule slot.
type FilterEntry struct {
	Addr     int // -1 if unset
	Endpoint int // -1 if unset
}

// Options is the parsed form of the open-options blob: "serial\0"
// followed by positional speed/mask/accept/filter bytes, all optional
// after the serial.
type Options struct {
	Serial     string
	Speed      int
	EventMask  byte
	AcceptMode int
	Filters    [maxFilterSlots]FilterEntry
}

// DefaultOptions returns the documented defaults: auto speed, all
// events unmasked, accept-matching mode, no filter entries.
func DefaultOptions(serial string) Options {
	opt := Options{Serial: serial, Speed: SpeedAuto, EventMask: FlagAll, AcceptMode: 1}
	for i := range opt.Filters {
		opt.Filters[i] = FilterEntry{Addr: -1, Endpoint: -1}
	}
	return opt
}

// ParseOptions decodes the binary configuration blob: "serial\0" then
// up to speed, event_mask, accept_mode, and 4 (addr, ep) pairs. Missing
// trailing bytes take the documented defaults; bytes beyond the last
// recognized field are ignored. Maximum recommended length is 128 bytes,
// but ParseOptions accepts any length and simply stops at the blob end.
func ParseOptions(blob []byte) (Options, error) {
	nul := -1
	for i, b := range blob {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return Options{}, fmt.Errorf("device: option blob missing NUL-terminated serial")
	}

	opt := DefaultOptions(string(blob[:nul]))
	idx := nul + 1

	if idx < len(blob) {
		opt.Speed = int(blob[idx])
		idx++
	}
	if idx < len(blob) {
		opt.EventMask = blob[idx]
		idx++
	}
	if idx < len(blob) {
		if blob[idx] != 0 {
			opt.AcceptMode = 1
		} else {
			opt.AcceptMode = 0
		}
		idx++
	}
	for i := 0; i < maxFilterSlots; i++ {
		if idx < len(blob) {
			opt.Filters[i].Addr = filterByte(blob[idx])
			idx++
		}
		if idx < len(blob) {
			opt.Filters[i].Endpoint = filterByte(blob[idx])
			idx++
		}
	}
	return opt, nil
}

// filterByte interprets a raw filter byte: 0xff means "unused" (-1),
// anything else is the literal value (further range-checked by the
// filter bank builder).
func filterByte(b byte) int {
	if b == unusedFilterByte {
		return -1
	}
	return int(b)
}
