package sourceresolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainweave/indexor/pkg/chain"
)

// staticFingerprint hashes (sorted addresses, topics, abi event selectors)
// into a stable identifier for a static source's synced intervals.
func staticFingerprint(src *chain.Source) string {
	addrs := make([]string, len(src.Addresses))
	for i, a := range src.Addresses {
		addrs[i] = strings.ToLower(a.Hex())
	}
	sort.Strings(addrs)

	var b strings.Builder
	b.WriteString("static|")
	b.WriteString(strings.Join(addrs, ","))
	b.WriteString("|")
	b.WriteString(topicsKey(src.Topics))
	b.WriteString("|")
	b.WriteString(eventSelectorsKey(src))

	return hashString(b.String())
}

// factoryFingerprint hashes (parent address, creation event selector, child
// location, child event selectors) plus the materialized child set version.
// A version bump invalidates only intervals beyond the new members'
// discovery block; see factoryState.versions.
func factoryFingerprint(src *chain.Source, version int) string {
	var b strings.Builder
	b.WriteString("factory|")
	b.WriteString(strings.ToLower(src.FactoryParent.Hex()))
	b.WriteString("|")
	b.WriteString(src.FactoryCreationEvent.Hex())
	b.WriteString("|")
	fmt.Fprintf(&b, "topic%d:offset%d", src.FactoryLocation.TopicIndex, src.FactoryLocation.DataOffset)
	b.WriteString("|")
	b.WriteString(eventSelectorsKey(src))
	fmt.Fprintf(&b, "|v%d", version)

	return hashString(b.String())
}

func topicsKey(topics [][]common.Hash) string {
	rows := make([]string, len(topics))
	for i, row := range topics {
		hexes := make([]string, len(row))
		for j, h := range row {
			hexes[j] = h.Hex()
		}
		sort.Strings(hexes)
		rows[i] = strings.Join(hexes, ",")
	}
	return strings.Join(rows, ";")
}

func eventSelectorsKey(src *chain.Source) string {
	var selectors []string
	if src.Kind == chain.SourceFactory {
		hexes := make([]string, len(src.FactoryEvents))
		for i, h := range src.FactoryEvents {
			hexes[i] = h.Hex()
		}
		selectors = hexes
	} else {
		for _, event := range src.ABI.Events {
			if len(src.Filter) > 0 && !contains(src.Filter, event.Name) {
				continue
			}
			selectors = append(selectors, event.ID.Hex())
		}
	}
	sort.Strings(selectors)
	return strings.Join(selectors, ",")
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func hashString(s string) string {
	return common.Bytes2Hex(crypto.Keccak256([]byte(s)))
}
