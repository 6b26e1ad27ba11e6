package main

import (
	"fmt"
	"sort"

	"github.com/chainweave/indexor/examples/indexers/erc20"
	"github.com/chainweave/indexor/pkg/handler"
)

// handlerFactories maps the name a contracts[*].handler field names in
// configuration to a constructor for the handler it should bind to. Adding
// a new reference handler under examples/indexers means registering it
// here under the name operators will reference from their config file.
var handlerFactories = map[string]func() handler.Handler{
	"erc20": func() handler.Handler { return erc20.New() },
}

// buildHandlers resolves every contracts[*].handler name against
// handlerFactories, keyed by contract source name the same way
// orchestrator.Config.Handlers expects.
func buildHandlers(contractHandlerNames map[string]string) (map[string]handler.Handler, error) {
	handlers := make(map[string]handler.Handler, len(contractHandlerNames))
	for sourceName, handlerName := range contractHandlerNames {
		factory, ok := handlerFactories[handlerName]
		if !ok {
			return nil, fmt.Errorf("no handler registered under name %q (source %q)", handlerName, sourceName)
		}
		handlers[sourceName] = factory()
	}
	return handlers, nil
}

// listHandlerNames returns the registered handler names in sorted order.
func listHandlerNames() []string {
	names := make([]string, 0, len(handlerFactories))
	for name := range handlerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
