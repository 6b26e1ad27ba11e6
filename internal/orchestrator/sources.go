package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/config"
	"github.com/chainweave/indexor/pkg/handler"
)

// buildSources turns every configured contract into a chain.Source, loading
// its ABI from disk and, for factory sources, resolving the configured
// creation-event parameter to a FactoryLocation once up front.
func buildSources(cfg *config.Config) (map[string]*chain.Source, error) {
	sources := make(map[string]*chain.Source, len(cfg.Contracts))

	for name, cc := range cfg.Contracts {
		if _, ok := cfg.Networks[cc.Network]; !ok {
			return nil, fmt.Errorf("orchestrator: source %q references unknown network %q", name, cc.Network)
		}

		parsedABI, err := loadABI(cc.ABI)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load ABI for source %q: %w", name, err)
		}

		src := &chain.Source{
			Name:          name,
			Network:       cc.Network,
			ABI:           parsedABI,
			Filter:        cc.Filter,
			StartBlock:    cc.StartBlock,
			EndBlock:      cc.EndBlock,
			MaxBlockRange: cc.MaxBlockRange,
		}

		switch {
		case cc.Factory != nil && len(cc.Address) > 0:
			return nil, fmt.Errorf("orchestrator: source %q sets both address and factory", name)
		case cc.Factory != nil:
			if err := applyFactory(src, parsedABI, cc.Factory); err != nil {
				return nil, fmt.Errorf("orchestrator: source %q: %w", name, err)
			}
		case len(cc.Address) > 0:
			src.Kind = chain.SourceStatic
			for _, a := range cc.Address {
				src.Addresses = append(src.Addresses, common.HexToAddress(a))
			}
			if selectors := eventSelectors(parsedABI, cc.Filter); len(selectors) > 0 {
				src.Topics = [][]common.Hash{selectors}
			}
		default:
			return nil, fmt.Errorf("orchestrator: source %q sets neither address nor factory", name)
		}

		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("orchestrator: %w", err)
		}
		sources[name] = src
	}

	return sources, nil
}

// loadABI reads and parses a contract ABI JSON file.
func loadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, err
	}
	parsed, err := abi.JSON(strings.NewReader(string(data)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse ABI json: %w", err)
	}
	return parsed, nil
}

// eventSelectors returns the topic0 alternatives for the named events, or
// nil when filter is empty (meaning every event in the ABI matches).
func eventSelectors(parsedABI abi.ABI, filter []string) []common.Hash {
	if len(filter) == 0 {
		return nil
	}
	selectors := make([]common.Hash, 0, len(filter))
	for _, name := range filter {
		if event, ok := parsedABI.Events[name]; ok {
			selectors = append(selectors, event.ID)
		}
	}
	return selectors
}

// applyFactory fills in a factory source's parent/creation-event/location
// fields, resolving the configured parameter name to its extraction
// location once: an indexed topic position, or a byte offset into the
// non-indexed data region (spec "Factory parameter resolution").
func applyFactory(src *chain.Source, parsedABI abi.ABI, fc *config.FactoryConfig) error {
	event, ok := findEventBySig(parsedABI, fc.Event)
	if !ok {
		return fmt.Errorf("factory event %q not found in ABI", fc.Event)
	}

	loc, err := resolveFactoryLocation(event, fc.Parameter)
	if err != nil {
		return err
	}

	src.Kind = chain.SourceFactory
	src.FactoryParent = common.HexToAddress(fc.Address)
	src.FactoryCreationEvent = event.ID
	src.FactoryLocation = loc
	src.FactoryEvents = eventSelectors(parsedABI, src.Filter)
	return nil
}

// findEventBySig looks up an ABI event by its canonical signature, e.g.
// "PoolCreated(address,address,uint24,int24,address)".
func findEventBySig(parsedABI abi.ABI, sig string) (abi.Event, bool) {
	for _, event := range parsedABI.Events {
		if event.Sig == sig {
			return event, true
		}
	}
	return abi.Event{}, false
}

// resolveFactoryLocation finds paramName among event's inputs and computes
// where the child address lives: a 1-based indexed topic position (topic 0
// is always the event selector), or a byte offset into the non-indexed
// data region equal to the head size of every preceding non-indexed input
// (32 bytes each; the parameter itself must not be dynamic).
func resolveFactoryLocation(event abi.Event, paramName string) (chain.FactoryLocation, error) {
	indexedPos := 0
	dataOffset := 0

	for _, input := range event.Inputs {
		if input.Indexed {
			indexedPos++
			if input.Name == paramName {
				return chain.FactoryLocation{TopicIndex: indexedPos}, nil
			}
			continue
		}
		if input.Name == paramName {
			if isDynamicType(input.Type) {
				return chain.FactoryLocation{}, fmt.Errorf("factory parameter %q must not be a dynamic type", paramName)
			}
			return chain.FactoryLocation{DataOffset: dataOffset}, nil
		}
		dataOffset += 32
	}

	return chain.FactoryLocation{}, fmt.Errorf("factory parameter %q not found among event inputs", paramName)
}

func isDynamicType(t abi.Type) bool {
	switch t.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy:
		return true
	case abi.ArrayTy:
		return isDynamicType(*t.Elem)
	default:
		return false
	}
}

// contractInfos builds the handler.ContractInfo map exposed as
// context.contracts.<Name> from the resolved sources.
func contractInfos(sources map[string]*chain.Source) map[string]handler.ContractInfo {
	out := make(map[string]handler.ContractInfo, len(sources))
	for name, src := range sources {
		info := handler.ContractInfo{
			ABI:        src.ABI,
			StartBlock: src.StartBlock,
			EndBlock:   src.EndBlock,
		}
		if src.Kind == chain.SourceStatic && len(src.Addresses) == 1 {
			addr := src.Addresses[0]
			info.Address = &addr
		}
		out[name] = info
	}
	return out
}
