package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Networks: map[string]NetworkConfig{
			"mainnet": {ChainID: 1, Transport: []string{"https://rpc.example/mainnet"}},
		},
		Contracts: map[string]ContractConfig{
			"usdc": {
				Network: "mainnet",
				ABI:     "./abi/erc20.json",
				Address: []string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
				Handler: "erc20",
			},
		},
		Database: DatabaseConfig{Kind: "sqlite", Filename: "./data/cache.sqlite"},
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, "sqlite", cfg.Database.Kind)
	assert.NotZero(t, cfg.Options.MaxHealthcheckDuration.Duration)
}

func TestConfig_Validate_Valid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_NoNetworks(t *testing.T) {
	cfg := validConfig()
	cfg.Networks = nil
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_NetworkMissingTransport(t *testing.T) {
	cfg := validConfig()
	cfg.Networks["mainnet"] = NetworkConfig{ChainID: 1}
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_NoContracts(t *testing.T) {
	cfg := validConfig()
	cfg.Contracts = nil
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_ContractUnknownNetwork(t *testing.T) {
	cfg := validConfig()
	contract := cfg.Contracts["usdc"]
	contract.Network = "nowhere"
	cfg.Contracts["usdc"] = contract
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_ContractMissingHandler(t *testing.T) {
	cfg := validConfig()
	contract := cfg.Contracts["usdc"]
	contract.Handler = ""
	cfg.Contracts["usdc"] = contract
	assert.ErrorContains(t, cfg.Validate(), "handler is required")
}

func TestConfig_Validate_ContractBothAddressAndFactory(t *testing.T) {
	cfg := validConfig()
	contract := cfg.Contracts["usdc"]
	contract.Factory = &FactoryConfig{Address: "0x1", Event: "PoolCreated(address)", Parameter: "pool"}
	cfg.Contracts["usdc"] = contract
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_ContractNeitherAddressNorFactory(t *testing.T) {
	cfg := validConfig()
	contract := cfg.Contracts["usdc"]
	contract.Address = nil
	cfg.Contracts["usdc"] = contract
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_EndBlockBeforeStartBlock(t *testing.T) {
	cfg := validConfig()
	contract := cfg.Contracts["usdc"]
	contract.StartBlock = 100
	end := uint64(50)
	contract.EndBlock = &end
	cfg.Contracts["usdc"] = contract
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_SqliteRequiresFilename(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Filename = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_PostgresRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Database = DatabaseConfig{Kind: "postgres", ConnectionString: "postgres://localhost"}
	assert.Error(t, cfg.Validate())
}

func TestAPIConfig_ApplyDefaults(t *testing.T) {
	api := &APIConfig{}
	api.ApplyDefaults()

	assert.Equal(t, ":8080", api.ListenAddress)
	assert.NotZero(t, api.ReadTimeout.Duration)
	assert.NotZero(t, api.WriteTimeout.Duration)
	assert.NotZero(t, api.IdleTimeout.Duration)
}
