package dispatcher

import (
	"fmt"
	"math/big"
	"reflect"
	"slices"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainweave/indexor/internal/sourceresolver"
	"github.com/chainweave/indexor/pkg/chain"
)

// decodeLog resolves a cached log's event by its topic0 selector against the
// source's ABI and unpacks indexed and non-indexed arguments into a single
// named map. ok is false when the source's Filter excludes the matched
// event, in which case the log is skipped rather than dispatched.
func decodeLog(resolved sourceresolver.ResolvedSource, l chain.CachedLog) (eventName string, args map[string]any, ok bool, err error) {
	if l.Topic0 == nil {
		return "", nil, false, fmt.Errorf("dispatcher: log at block %d index %d has no topic0", l.BlockNumber, l.LogIndex)
	}

	event, err := resolved.ABI.EventByID(*l.Topic0)
	if err != nil {
		return "", nil, false, fmt.Errorf("dispatcher: event not found for topic %s: %w", l.Topic0.Hex(), err)
	}

	if len(resolved.Filter) > 0 && !slices.Contains(resolved.Filter, event.RawName) {
		return event.RawName, nil, false, nil
	}

	topics := []common.Hash{*l.Topic0}
	for _, t := range []*common.Hash{l.Topic1, l.Topic2, l.Topic3} {
		if t != nil {
			topics = append(topics, *t)
		}
	}

	raw := make(map[string]any)

	var indexed gethabi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if err := gethabi.ParseTopicsIntoMap(raw, indexed, topics[1:]); err != nil {
			return event.RawName, nil, false, fmt.Errorf("dispatcher: parse indexed args for %s: %w", event.RawName, err)
		}
	}

	var nonIndexed gethabi.Arguments
	for _, input := range event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(raw, l.Data); err != nil {
			return event.RawName, nil, false, fmt.Errorf("dispatcher: unpack data for %s: %w", event.RawName, err)
		}
	}

	return event.RawName, serializeArgs(raw), true, nil
}

// serializeArgs normalizes decoded ABI values to the representations the
// spec's argument model promises: addresses as lowercase hex, dynamic and
// fixed-size byte arrays as hex strings, integers left as arbitrary-
// precision big.Int, everything else passed through unchanged.
func serializeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = serializeValue(v)
	}
	return out
}

func serializeValue(v any) any {
	switch x := v.(type) {
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return strings.ToLower(x.Hex())
	case []byte:
		return common.Bytes2Hex(x)
	case *big.Int:
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = serializeValue(item)
		}
		return out
	case map[string]any:
		return serializeArgs(x)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return common.Bytes2Hex(buf)
		}
		return x
	}
}
