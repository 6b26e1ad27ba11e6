package rpcgw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSuggestedBlockRange(t *testing.T) {
	from, to, ok := parseSuggestedBlockRange(
		"Query returned more than 20000 results. Try with this block range [0x7dfd25, 0x7e0fcc].")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x7dfd25), from)
	assert.Equal(t, uint64(0x7e0fcc), to)
}

func TestParseSuggestedBlockRange_NoMatch(t *testing.T) {
	_, _, ok := parseSuggestedBlockRange("internal error")
	assert.False(t, ok)
}

func TestParseSuggestedBlockRange_Empty(t *testing.T) {
	_, _, ok := parseSuggestedBlockRange("")
	assert.False(t, ok)
}
