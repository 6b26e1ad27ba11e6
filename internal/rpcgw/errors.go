package rpcgw

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/chainweave/indexor/internal/common"
)

var tooManyResultsRe = regexp.MustCompile(`Query returned more than \d+ results`)

// isTooManyResultsError checks whether err is an RPC "too many results"
// application error (a rpc.DataError whose ErrorData carries the message).
func isTooManyResultsError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		errData := fmt.Sprintf("%v", dataErr.ErrorData())
		return tooManyResultsRe.MatchString(errData), errData
	}

	return false, ""
}

var suggestedRangeRe = regexp.MustCompile(`\[(0x[0-9a-fA-F]+),\s*(0x[0-9a-fA-F]+)\]`)

// parseSuggestedBlockRange extracts the block range a server suggests in a
// "too many results" error, e.g. "... Try with this block range
// [0x7dfd25, 0x7e0fcc]."
func parseSuggestedBlockRange(errMsg string) (fromBlock, toBlock uint64, ok bool) {
	if errMsg == "" {
		return 0, 0, false
	}

	matches := suggestedRangeRe.FindStringSubmatch(errMsg)
	const expectedMatches = 3
	if len(matches) != expectedMatches {
		return 0, 0, false
	}

	from, err1 := common.ParseUint64orHex(&matches[1])
	to, err2 := common.ParseUint64orHex(&matches[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}

	return from, to, true
}
