package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainweave/indexor/pkg/chain"
	"github.com/chainweave/indexor/pkg/config"
)

const factoryABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"token0","type":"address"},
		{"indexed":true,"name":"token1","type":"address"},
		{"indexed":false,"name":"fee","type":"uint24"},
		{"indexed":false,"name":"tickSpacing","type":"int24"},
		{"indexed":false,"name":"pool","type":"address"}
	],"name":"PoolCreated","type":"event"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}
	],"name":"Transfer","type":"event"}
]`

func writeABI(t *testing.T, json string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "abi.json")
	require.NoError(t, os.WriteFile(path, []byte(json), 0o600))
	return path
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Networks: map[string]config.NetworkConfig{
			"mainnet": {ChainID: 1},
		},
		Contracts: map[string]config.ContractConfig{},
	}
}

func TestBuildSources_StaticWithFilter(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Contracts["usdc"] = config.ContractConfig{
		Network:    "mainnet",
		ABI:        writeABI(t, factoryABIJSON),
		Address:    []string{"0xAbC0000000000000000000000000000000AbC0"},
		Filter:     []string{"Transfer"},
		StartBlock: 100,
	}

	sources, err := buildSources(cfg)
	require.NoError(t, err)

	src := sources["usdc"]
	require.NotNil(t, src)
	assert.Equal(t, chain.SourceStatic, src.Kind)
	assert.Len(t, src.Addresses, 1)
	require.Len(t, src.Topics, 1)
	assert.Len(t, src.Topics[0], 1)
	assert.Equal(t, src.ABI.Events["Transfer"].ID, src.Topics[0][0])
}

func TestBuildSources_StaticWithoutFilterHasNoTopics(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Contracts["usdc"] = config.ContractConfig{
		Network: "mainnet",
		ABI:     writeABI(t, factoryABIJSON),
		Address: []string{"0xAbC0000000000000000000000000000000AbC0"},
	}

	sources, err := buildSources(cfg)
	require.NoError(t, err)
	assert.Nil(t, sources["usdc"].Topics)
}

func TestBuildSources_FactoryIndexedParameter(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Contracts["pools"] = config.ContractConfig{
		Network: "mainnet",
		ABI:     writeABI(t, factoryABIJSON),
		Factory: &config.FactoryConfig{
			Address:   "0xFacFacFacFacFacFacFacFacFacFacFacFacFac0",
			Event:     "PoolCreated(address,address,uint24,int24,address)",
			Parameter: "token1",
		},
	}

	sources, err := buildSources(cfg)
	require.NoError(t, err)

	src := sources["pools"]
	require.NotNil(t, src)
	assert.Equal(t, chain.SourceFactory, src.Kind)
	assert.Equal(t, 2, src.FactoryLocation.TopicIndex)
	assert.Equal(t, 0, src.FactoryLocation.DataOffset)
}

func TestBuildSources_FactoryDataParameter(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Contracts["pools"] = config.ContractConfig{
		Network: "mainnet",
		ABI:     writeABI(t, factoryABIJSON),
		Factory: &config.FactoryConfig{
			Address:   "0xFacFacFacFacFacFacFacFacFacFacFacFacFac0",
			Event:     "PoolCreated(address,address,uint24,int24,address)",
			Parameter: "pool",
		},
	}

	sources, err := buildSources(cfg)
	require.NoError(t, err)

	src := sources["pools"]
	require.NotNil(t, src)
	assert.Equal(t, 0, src.FactoryLocation.TopicIndex)
	assert.Equal(t, 64, src.FactoryLocation.DataOffset) // fee, tickSpacing: 32 bytes each
}

func TestBuildSources_FactoryDynamicParameterRejected(t *testing.T) {
	cfg := baseConfig(t)
	abiJSON := `[{"anonymous":false,"inputs":[
		{"indexed":true,"name":"creator","type":"address"},
		{"indexed":false,"name":"label","type":"string"}
	],"name":"Created","type":"event"}]`
	cfg.Contracts["registry"] = config.ContractConfig{
		Network: "mainnet",
		ABI:     writeABI(t, abiJSON),
		Factory: &config.FactoryConfig{
			Address:   "0xFacFacFacFacFacFacFacFacFacFacFacFacFac0",
			Event:     "Created(address,string)",
			Parameter: "label",
		},
	}

	_, err := buildSources(cfg)
	require.Error(t, err)
}

func TestBuildSources_UnknownNetworkRejected(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Contracts["usdc"] = config.ContractConfig{
		Network: "not-configured",
		ABI:     writeABI(t, factoryABIJSON),
		Address: []string{"0xAbC0000000000000000000000000000000AbC0"},
	}

	_, err := buildSources(cfg)
	require.Error(t, err)
}
