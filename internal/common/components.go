package common

const (
	ComponentRPCGateway      = "rpc-gateway"
	ComponentCacheStore      = "cache-store"
	ComponentSourceResolver  = "source-resolver"
	ComponentHistorical      = "historical-fetcher"
	ComponentLiveFollower    = "live-follower"
	ComponentEventStream     = "event-stream"
	ComponentDispatcher      = "dispatcher"
	ComponentOrchestrator    = "orchestrator"
	ComponentMaintenance     = "maintenance"
	ComponentAPI             = "api"
	ComponentCLI             = "cli"
)

var AllComponents = map[string]struct{}{
	ComponentRPCGateway:     {},
	ComponentCacheStore:     {},
	ComponentSourceResolver: {},
	ComponentHistorical:     {},
	ComponentLiveFollower:   {},
	ComponentEventStream:    {},
	ComponentDispatcher:     {},
	ComponentOrchestrator:   {},
	ComponentMaintenance:    {},
	ComponentAPI:            {},
	ComponentCLI:            {},
}
