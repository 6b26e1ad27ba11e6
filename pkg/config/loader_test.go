package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
networks:
  mainnet:
    chain_id: 1
    transport: ["https://rpc.example/mainnet"]
contracts:
  usdc:
    network: mainnet
    abi: ./abi/erc20.json
    address: ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
    handler: erc20
database:
  kind: sqlite
  filename: ./data/cache.sqlite
`

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", minimalYAML)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cfg.Networks["mainnet"].ChainID)
	assert.Equal(t, "erc20", cfg.Contracts["usdc"].Handler)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFile_InvalidConfigFailsValidation(t *testing.T) {
	path := writeConfigFile(t, "config.yaml", "networks: {}\n")
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFile_JSON(t *testing.T) {
	const jsonContent = `{
		"networks": {"mainnet": {"chain_id": 1, "transport": ["https://rpc.example/mainnet"]}},
		"contracts": {"usdc": {"network": "mainnet", "abi": "./abi/erc20.json", "address": ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"], "handler": "erc20"}},
		"database": {"kind": "sqlite", "filename": "./data/cache.sqlite"}
	}`
	path := writeConfigFile(t, "config.json", jsonContent)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "erc20", cfg.Contracts["usdc"].Handler)
}

func TestLoadFromFile_TOML(t *testing.T) {
	const tomlContent = `
[networks.mainnet]
chain_id = 1
transport = ["https://rpc.example/mainnet"]

[contracts.usdc]
network = "mainnet"
abi = "./abi/erc20.json"
address = ["0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"]
handler = "erc20"

[database]
kind = "sqlite"
filename = "./data/cache.sqlite"
`
	path := writeConfigFile(t, "config.toml", tomlContent)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "erc20", cfg.Contracts["usdc"].Handler)
}
