package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFilterBankAllAcceptWhenNoFiltersSet(t *testing.T) {
	opt := DefaultOptions("")
	opt.AcceptMode = 1
	bank := buildFilterBank(opt)
	assert.Equal(t, [8]byte{0, 0, 0, 0, 0, 0, 0, 0}, bank)
}

func TestBuildFilterBankRejectModeSetsSlotZeroAcceptBit(t *testing.T) {
	opt := DefaultOptions("")
	opt.AcceptMode = 0
	bank := buildFilterBank(opt)
	assert.NotEqual(t, byte(0), bank[1], "slot 0's accept bit (bit 13, high byte) should be set in reject mode with no filters")
}

func TestBuildFilterBankEncodesValidSlot(t *testing.T) {
	opt := DefaultOptions("")
	opt.Filters[0] = FilterEntry{Addr: 5, Endpoint: 2}
	opt.AcceptMode = 1
	bank := buildFilterBank(opt)

	lo, hi := bank[0], bank[1]
	v := uint16(lo) | uint16(hi)<<8
	assert.Equal(t, uint16(5), v&0x7f, "addr bits")
	assert.NotZero(t, v&(1<<7), "addr_valid")
	assert.Equal(t, uint16(2), (v>>8)&0x0f, "ep bits")
	assert.NotZero(t, v&(1<<15), "ep_valid")
	assert.NotZero(t, v&(1<<14), "valid")
	assert.NotZero(t, v&(1<<13), "accept")
}

func TestBuildFilterBankUnsetSlotsStayInvalidWhenOneSlotValid(t *testing.T) {
	opt := DefaultOptions("")
	opt.Filters[0] = FilterEntry{Addr: 1, Endpoint: -1}
	bank := buildFilterBank(opt)

	lo, hi := bank[2], bank[3] // slot 1: no addr/ep given (only the shared accept bit may be set)
	v := uint16(lo) | uint16(hi)<<8
	assert.Zero(t, v&(1<<7), "addr_valid")
	assert.Zero(t, v&(1<<15), "ep_valid")
	assert.Zero(t, v&(1<<14), "valid")
}
