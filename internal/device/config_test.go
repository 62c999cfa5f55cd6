package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsRequiresNULTerminatedSerial(t *testing.T) {
	_, err := ParseOptions([]byte("no-nul-here"))
	assert.Error(t, err)
}

func TestParseOptionsAppliesDefaultsPastSerial(t *testing.T) {
	blob := append([]byte("ABC123"), 0)
	opt, err := ParseOptions(blob)
	require.NoError(t, err)

	assert.Equal(t, "ABC123", opt.Serial)
	assert.Equal(t, SpeedAuto, opt.Speed)
	assert.Equal(t, byte(FlagAll), opt.EventMask)
	assert.Equal(t, 1, opt.AcceptMode)
	for _, f := range opt.Filters {
		assert.Equal(t, -1, f.Addr)
		assert.Equal(t, -1, f.Endpoint)
	}
}

func TestParseOptionsOverridesSpeedAndMask(t *testing.T) {
	blob := []byte{'X', 0, byte(SpeedLow), 0x0f}
	opt, err := ParseOptions(blob)
	require.NoError(t, err)

	assert.Equal(t, "X", opt.Serial)
	assert.Equal(t, SpeedLow, opt.Speed)
	assert.Equal(t, byte(0x0f), opt.EventMask)
	assert.Equal(t, 1, opt.AcceptMode, "accept mode untouched by a truncated blob keeps its default")
}

func TestParseOptionsReadsFilterSlots(t *testing.T) {
	blob := []byte{
		'Y', 0,
		byte(SpeedAuto), byte(FlagAll), 1,
		5, 2, // slot 0: addr=5, ep=2
		0xff, 0xff, // slot 1: unused
		10, 0xff, // slot 2: addr=10, ep unused
		0xff, 3, // slot 3: addr unused, ep=3
	}
	opt, err := ParseOptions(blob)
	require.NoError(t, err)

	assert.Equal(t, FilterEntry{Addr: 5, Endpoint: 2}, opt.Filters[0])
	assert.Equal(t, FilterEntry{Addr: -1, Endpoint: -1}, opt.Filters[1])
	assert.Equal(t, FilterEntry{Addr: 10, Endpoint: -1}, opt.Filters[2])
	assert.Equal(t, FilterEntry{Addr: -1, Endpoint: 3}, opt.Filters[3])
}

func TestDefaultOptionsMatchesDocumentedDefaults(t *testing.T) {
	opt := DefaultOptions("S1")
	assert.Equal(t, "S1", opt.Serial)
	assert.Equal(t, SpeedAuto, opt.Speed)
	assert.Equal(t, byte(FlagAll), opt.EventMask)
	assert.Equal(t, 1, opt.AcceptMode)
}
