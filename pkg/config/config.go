// Package config loads and validates the engine's configuration: one entry
// per network, one entry per contract source (static or factory), the cache
// store backend, logging, metrics, maintenance, and operational options.
package config

import (
	"fmt"
	"slices"
	"time"

	"github.com/chainweave/indexor/internal/common"
	"github.com/chainweave/indexor/internal/logger"
)

// Config is the complete, validated configuration for one engine process.
type Config struct {
	// Networks maps a stable network name to its connection and scheduling
	// parameters.
	Networks map[string]NetworkConfig `yaml:"networks" json:"networks" toml:"networks"`

	// Contracts maps a stable source name to its event source definition.
	Contracts map[string]ContractConfig `yaml:"contracts" json:"contracts" toml:"contracts"`

	// Database configures the cache store backend.
	Database DatabaseConfig `yaml:"database" json:"database" toml:"database"`

	// Options holds miscellaneous operational knobs.
	Options OptionsConfig `yaml:"options,omitempty" json:"options,omitempty" toml:"options,omitempty"`

	// RetentionPolicy bounds cache store growth.
	RetentionPolicy *RetentionPolicyConfig `yaml:"retention_policy,omitempty" json:"retention_policy,omitempty" toml:"retention_policy,omitempty"` //nolint:lll

	// Maintenance configures background cache store housekeeping.
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty" json:"maintenance,omitempty" toml:"maintenance,omitempty"`

	// Logging configures structured logging.
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" toml:"logging,omitempty"`

	// Metrics configures Prometheus metrics exposition.
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty" toml:"metrics,omitempty"`

	// API configures the health/readiness/metrics HTTP surface.
	API *APIConfig `yaml:"api,omitempty" json:"api,omitempty" toml:"api,omitempty"`
}

// NetworkConfig describes one chain the engine syncs against.
type NetworkConfig struct {
	// ChainID is the network's chain id.
	ChainID uint64 `yaml:"chain_id" json:"chain_id" toml:"chain_id"`

	// Transport lists RPC endpoints in fallback priority order. Each entry
	// is a URL; "http://", "https://", "ws://", and "wss://" schemes are
	// supported.
	Transport []string `yaml:"transport" json:"transport" toml:"transport"`

	// PollingInterval is how often the live follower polls for new heads
	// when no push subscription is available.
	PollingInterval common.Duration `yaml:"polling_interval,omitempty" json:"polling_interval,omitempty" toml:"polling_interval,omitempty"` //nolint:lll

	// MaxHistoricalTaskConcurrency bounds concurrent outstanding RPC calls
	// for this network, shared by the historical fetcher and live follower.
	MaxHistoricalTaskConcurrency int `yaml:"max_historical_task_concurrency,omitempty" json:"max_historical_task_concurrency,omitempty" toml:"max_historical_task_concurrency,omitempty"` //nolint:lll

	// DefaultMaxBlockRange is the default ceiling on blocks per eth_getLogs
	// call, overridable per source.
	DefaultMaxBlockRange uint64 `yaml:"default_max_block_range,omitempty" json:"default_max_block_range,omitempty" toml:"default_max_block_range,omitempty"` //nolint:lll

	// FinalityBlockCount is the depth behind tip considered immutable.
	FinalityBlockCount uint64 `yaml:"finality_block_count,omitempty" json:"finality_block_count,omitempty" toml:"finality_block_count,omitempty"` //nolint:lll

	// Retry configures RPC retry behavior for this network.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty" toml:"retry,omitempty"`
}

// ApplyDefaults fills in unset scheduling parameters.
func (n *NetworkConfig) ApplyDefaults() {
	if n.PollingInterval.Duration == 0 {
		n.PollingInterval = common.NewDuration(4 * time.Second)
	}
	if n.MaxHistoricalTaskConcurrency == 0 {
		n.MaxHistoricalTaskConcurrency = 10
	}
	if n.DefaultMaxBlockRange == 0 {
		n.DefaultMaxBlockRange = 5000
	}
	if n.FinalityBlockCount == 0 {
		n.FinalityBlockCount = 64
	}
	if n.Retry != nil {
		n.Retry.ApplyDefaults()
	}
}

// RetryConfig configures RPC Gateway retry behavior with exponential
// backoff and jitter.
type RetryConfig struct {
	MaxAttempts       int             `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
	InitialBackoff    common.Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff        common.Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default retry parameters.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = common.NewDuration(30 * time.Second) //nolint:mnd
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// FactoryConfig points at the creation event whose logs mint child
// addresses for a factory-kind contract source.
type FactoryConfig struct {
	// Address is the factory contract's address.
	Address string `yaml:"address" json:"address" toml:"address"`

	// Event is the creation event signature, e.g. "PoolCreated(address,address,uint24,int24,address)".
	Event string `yaml:"event" json:"event" toml:"event"`

	// Parameter is the ABI parameter name holding the child address.
	Parameter string `yaml:"parameter" json:"parameter" toml:"parameter"`
}

// ContractConfig describes one event source: either a static set of
// addresses, or a factory that mints addresses at runtime.
type ContractConfig struct {
	// Network is the name of the NetworkConfig this source binds to.
	Network string `yaml:"network" json:"network" toml:"network"`

	// ABI is a path to the contract ABI JSON file.
	ABI string `yaml:"abi" json:"abi" toml:"abi"`

	// Address is one or more static addresses. Mutually exclusive with Factory.
	Address []string `yaml:"address,omitempty" json:"address,omitempty" toml:"address,omitempty"`

	// Factory configures a factory-derived source. Mutually exclusive with Address.
	Factory *FactoryConfig `yaml:"factory,omitempty" json:"factory,omitempty" toml:"factory,omitempty"`

	// Filter restricts decoding to these event names; empty means all
	// events in the ABI.
	Filter []string `yaml:"filter,omitempty" json:"filter,omitempty" toml:"filter,omitempty"`

	// Handler names the handler registered under this key in the running
	// process's handler registry. Every contract source must resolve to
	// one; there is no cache-only mode.
	Handler string `yaml:"handler" json:"handler" toml:"handler"`

	// StartBlock is the first block to index.
	StartBlock uint64 `yaml:"start_block,omitempty" json:"start_block,omitempty" toml:"start_block,omitempty"`

	// EndBlock bounds the source's range; unset follows the chain tip.
	EndBlock *uint64 `yaml:"end_block,omitempty" json:"end_block,omitempty" toml:"end_block,omitempty"`

	// MaxBlockRange overrides the network default for this source.
	MaxBlockRange uint64 `yaml:"max_block_range,omitempty" json:"max_block_range,omitempty" toml:"max_block_range,omitempty"`
}

// DatabaseConfig selects and configures the cache store backend.
type DatabaseConfig struct {
	// Kind selects the backend. Only "sqlite" is implemented; Validate
	// rejects "postgres" with a "not yet implemented" error and any other
	// value as unknown.
	Kind string `yaml:"kind" json:"kind" toml:"kind"`

	// Filename is the SQLite database file path, used when Kind == "sqlite".
	Filename string `yaml:"filename,omitempty" json:"filename,omitempty" toml:"filename,omitempty"`

	// ConnectionString is the postgres DSN, used when Kind == "postgres".
	ConnectionString string `yaml:"connection_string,omitempty" json:"connection_string,omitempty" toml:"connection_string,omitempty"` //nolint:lll

	// JournalMode sets the SQLite journal mode.
	JournalMode string `yaml:"journal_mode,omitempty" json:"journal_mode,omitempty" toml:"journal_mode,omitempty"`

	// Synchronous sets the SQLite synchronization level.
	Synchronous string `yaml:"synchronous,omitempty" json:"synchronous,omitempty" toml:"synchronous,omitempty"`

	// BusyTimeout is the SQLite busy timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout,omitempty" json:"busy_timeout,omitempty" toml:"busy_timeout,omitempty"`

	// CacheSize is the SQLite page cache size (negative = KB, positive = pages).
	CacheSize int `yaml:"cache_size,omitempty" json:"cache_size,omitempty" toml:"cache_size,omitempty"`

	// MaxOpenConnections bounds the connection pool.
	MaxOpenConnections int `yaml:"max_open_connections,omitempty" json:"max_open_connections,omitempty" toml:"max_open_connections,omitempty"` //nolint:lll

	// MaxIdleConnections bounds idle pool connections.
	MaxIdleConnections int `yaml:"max_idle_connections,omitempty" json:"max_idle_connections,omitempty" toml:"max_idle_connections,omitempty"` //nolint:lll

	// EnableForeignKeys enables foreign key constraint enforcement.
	EnableForeignKeys bool `yaml:"enable_foreign_keys,omitempty" json:"enable_foreign_keys,omitempty" toml:"enable_foreign_keys,omitempty"`
}

// ApplyDefaults fills in unset database parameters.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.Kind == "" {
		d.Kind = "sqlite"
	}
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
}

// RetentionPolicyConfig bounds cache store growth.
type RetentionPolicyConfig struct {
	MaxDBSizeMB uint64 `yaml:"max_db_size_mb,omitempty" json:"max_db_size_mb,omitempty" toml:"max_db_size_mb,omitempty"`
	MaxBlocks   uint64 `yaml:"max_blocks,omitempty" json:"max_blocks,omitempty" toml:"max_blocks,omitempty"`
}

// IsEnabled reports whether a retention bound is configured.
func (r *RetentionPolicyConfig) IsEnabled() bool {
	return r != nil && (r.MaxDBSizeMB > 0 || r.MaxBlocks > 0)
}

// MaintenanceConfig configures background cache store housekeeping.
type MaintenanceConfig struct {
	Enabled           bool            `yaml:"enabled" json:"enabled" toml:"enabled"`
	CheckInterval     common.Duration `yaml:"check_interval" json:"check_interval" toml:"check_interval"`
	VacuumOnStartup   bool            `yaml:"vacuum_on_startup" json:"vacuum_on_startup" toml:"vacuum_on_startup"`
	WALCheckpointMode string          `yaml:"wal_checkpoint_mode" json:"wal_checkpoint_mode" toml:"wal_checkpoint_mode"`
}

// ApplyDefaults fills in unset maintenance parameters.
func (m *MaintenanceConfig) ApplyDefaults() {
	if m.CheckInterval.Duration == 0 {
		m.CheckInterval = common.NewDuration(30 * time.Minute) //nolint:mnd
	}
	if m.WALCheckpointMode == "" {
		m.WALCheckpointMode = "TRUNCATE"
	}
}

// Validate checks the maintenance configuration.
func (m *MaintenanceConfig) Validate() error {
	if m.WALCheckpointMode != "" {
		validModes := []string{"PASSIVE", "FULL", "RESTART", "TRUNCATE"}
		if !slices.Contains(validModes, m.WALCheckpointMode) {
			return fmt.Errorf("maintenance.wal_checkpoint_mode: must be one of: PASSIVE, FULL, RESTART, TRUNCATE")
		}
	}
	return nil
}

// LoggingConfig configures structured logging with per-component overrides.
type LoggingConfig struct {
	DefaultLevel string            `yaml:"default_level" json:"default_level" toml:"default_level"`
	Development  bool              `yaml:"development" json:"development" toml:"development"`
	ComponentLevels map[string]string `yaml:"component_levels,omitempty" json:"component_levels,omitempty" toml:"component_levels,omitempty"` //nolint:lll
}

// ApplyDefaults fills in unset logging parameters.
func (l *LoggingConfig) ApplyDefaults() {
	if l.DefaultLevel == "" {
		l.DefaultLevel = "info"
	}
	if l.ComponentLevels == nil {
		l.ComponentLevels = make(map[string]string)
	}
}

// Validate checks the logging configuration against the known level and
// component name sets.
func (l *LoggingConfig) Validate() error {
	if l.DefaultLevel != "" {
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(l.DefaultLevel)]; !valid {
			return fmt.Errorf("logging.default_level: must be one of: debug, info, warn, error")
		}
	}
	for component, level := range l.ComponentLevels {
		if _, validComponent := common.AllComponents[common.ToLowerWithTrim(component)]; !validComponent {
			return fmt.Errorf("logging.component_levels: unknown component '%s'", component)
		}
		if _, valid := logger.ValidLogLevels[common.ToLowerWithTrim(level)]; !valid {
			return fmt.Errorf("logging.component_levels[%s]: must be one of: debug, info, warn, error", component)
		}
	}
	return nil
}

// GetComponentLevel returns the effective log level for a component,
// falling back to DefaultLevel.
func (l *LoggingConfig) GetComponentLevel(component string) string {
	if level, ok := l.ComponentLevels[component]; ok {
		return level
	}
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// GetDefaultLevel returns the default log level.
func (l *LoggingConfig) GetDefaultLevel() string {
	return common.ToLowerWithTrim(l.DefaultLevel)
}

// IsDevelopment reports whether development-mode logging is enabled.
func (l *LoggingConfig) IsDevelopment() bool {
	return l.Development
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`
	Path          string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults fills in unset metrics parameters.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// Validate checks the metrics configuration.
func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.ListenAddress == "" {
			return fmt.Errorf("metrics.listen_address is required when metrics are enabled")
		}
		if m.Path == "" || m.Path[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'")
		}
	}
	return nil
}

// CORSConfig configures cross-origin access to the health/readiness/metrics
// HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled" toml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" toml:"allowed_origins,omitempty"` //nolint:lll
}

// APIConfig configures the health/readiness/metrics HTTP surface.
type APIConfig struct {
	Enabled       bool            `yaml:"enabled" json:"enabled" toml:"enabled"`
	ListenAddress string          `yaml:"listen_address" json:"listen_address" toml:"listen_address"`
	CORS          CORSConfig      `yaml:"cors,omitempty" json:"cors,omitempty" toml:"cors,omitempty"`
	ReadTimeout   common.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" toml:"read_timeout,omitempty"`
	WriteTimeout  common.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" toml:"write_timeout,omitempty"` //nolint:lll
	IdleTimeout   common.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
}

// ApplyDefaults fills in unset API parameters.
func (a *APIConfig) ApplyDefaults() {
	if a.ListenAddress == "" {
		a.ListenAddress = ":8080"
	}
	if a.ReadTimeout.Duration == 0 {
		a.ReadTimeout = common.NewDuration(10 * time.Second)
	}
	if a.WriteTimeout.Duration == 0 {
		a.WriteTimeout = common.NewDuration(10 * time.Second)
	}
	if a.IdleTimeout.Duration == 0 {
		a.IdleTimeout = common.NewDuration(60 * time.Second)
	}
}

// OptionsConfig holds miscellaneous operational knobs.
type OptionsConfig struct {
	// MaxHealthcheckDuration is the maximum tip-minus-dispatched lag, per
	// network, for the orchestrator to report healthy.
	MaxHealthcheckDuration common.Duration `yaml:"max_healthcheck_duration,omitempty" json:"max_healthcheck_duration,omitempty" toml:"max_healthcheck_duration,omitempty"` //nolint:lll
}

// ApplyDefaults fills in unset option parameters.
func (o *OptionsConfig) ApplyDefaults() {
	if o.MaxHealthcheckDuration.Duration == 0 {
		o.MaxHealthcheckDuration = common.NewDuration(5 * time.Minute)
	}
}

// ApplyDefaults fills in every unset optional field across the configuration
// tree, following the teacher's defaults-then-validate convention.
func (c *Config) ApplyDefaults() {
	for name, n := range c.Networks {
		n.ApplyDefaults()
		c.Networks[name] = n
	}

	c.Database.ApplyDefaults()
	c.Options.ApplyDefaults()

	if c.Maintenance != nil {
		c.Maintenance.ApplyDefaults()
	}
	if c.Logging != nil {
		c.Logging.ApplyDefaults()
	}
	if c.Metrics != nil {
		c.Metrics.ApplyDefaults()
	}
	if c.API != nil {
		c.API.ApplyDefaults()
	}
}

// Validate checks every invariant the engine depends on before startup.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	for name, n := range c.Networks {
		if len(n.Transport) == 0 {
			return fmt.Errorf("networks[%s]: transport is required", name)
		}
		if n.ChainID == 0 {
			return fmt.Errorf("networks[%s]: chain_id is required", name)
		}
	}

	if len(c.Contracts) == 0 {
		return fmt.Errorf("at least one contract source must be configured")
	}
	for name, contract := range c.Contracts {
		if _, ok := c.Networks[contract.Network]; !ok {
			return fmt.Errorf("contracts[%s]: unknown network '%s'", name, contract.Network)
		}
		if contract.ABI == "" {
			return fmt.Errorf("contracts[%s]: abi is required", name)
		}
		if contract.Handler == "" {
			return fmt.Errorf("contracts[%s]: handler is required", name)
		}
		hasAddress := len(contract.Address) > 0
		hasFactory := contract.Factory != nil
		if hasAddress == hasFactory {
			return fmt.Errorf("contracts[%s]: exactly one of address or factory must be set", name)
		}
		if hasFactory {
			if contract.Factory.Address == "" || contract.Factory.Event == "" || contract.Factory.Parameter == "" {
				return fmt.Errorf("contracts[%s]: factory.address, factory.event, and factory.parameter are all required", name)
			}
		}
		if contract.EndBlock != nil && *contract.EndBlock < contract.StartBlock {
			return fmt.Errorf("contracts[%s]: end_block is before start_block", name)
		}
	}

	switch c.Database.Kind {
	case "sqlite":
		if c.Database.Filename == "" {
			return fmt.Errorf("database.filename is required when kind is 'sqlite'")
		}
		if c.Database.JournalMode != "" && !slices.Contains(
			[]string{"WAL", "DELETE", "TRUNCATE", "PERSIST", "MEMORY"}, c.Database.JournalMode) {
			return fmt.Errorf("database.journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
		}
		if c.Database.Synchronous != "" && !slices.Contains(
			[]string{"FULL", "NORMAL", "OFF"}, c.Database.Synchronous) {
			return fmt.Errorf("database.synchronous must be one of: FULL, NORMAL, OFF")
		}
	case "postgres":
		return fmt.Errorf("database.kind 'postgres' is not yet implemented; use 'sqlite'")
	default:
		return fmt.Errorf("database.kind must be one of: sqlite, postgres")
	}

	if c.Maintenance != nil {
		if err := c.Maintenance.Validate(); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return err
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}
