package main

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHandlers_Known(t *testing.T) {
	handlers, err := buildHandlers(map[string]string{"usdc_transfers": "erc20"})
	require.NoError(t, err)
	require.Contains(t, handlers, "usdc_transfers")
	assert.NotNil(t, handlers["usdc_transfers"])
}

func TestBuildHandlers_Unknown(t *testing.T) {
	_, err := buildHandlers(map[string]string{"usdc_transfers": "does-not-exist"})
	assert.Error(t, err)
}

func TestListHandlerNames_Sorted(t *testing.T) {
	names := listHandlerNames()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "erc20")
	assert.True(t, sort.StringsAreSorted(names))
}
