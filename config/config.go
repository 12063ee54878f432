package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cellchain/cellchain/libs/log"
)

const (
	// DBBackendGoLevelDB stores data on disk with goleveldb.
	DBBackendGoLevelDB = "goleveldb"
	// DBBackendMemDB keeps data in memory, for tests and throwaway nodes.
	DBBackendMemDB = "memdb"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultCellchainDir = ".cellchain"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"
	defaultCellFileName   = "cell.toml"
	defaultNodeKeyName    = "node_key.json"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultCellFilePath   = filepath.Join(defaultConfigDir, defaultCellFileName)
	defaultNodeKeyPath    = filepath.Join(defaultConfigDir, defaultNodeKeyName)
)

// Config defines the top level configuration for a cellchain node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	RPC             *RPCConfig             `mapstructure:"rpc"`
	P2P             *P2PConfig             `mapstructure:"p2p"`
	ChainSync       *ChainSyncConfig       `mapstructure:"chain_sync"`
	Commit          *CommitConfig          `mapstructure:"commit"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a cellchain node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		RPC:             DefaultRPCConfig(),
		P2P:             DefaultP2PConfig(),
		ChainSync:       DefaultChainSyncConfig(),
		Commit:          DefaultCommitConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		RPC:             TestRPCConfig(),
		P2P:             TestP2PConfig(),
		ChainSync:       TestChainSyncConfig(),
		Commit:          TestCommitConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [rpc] section: %w", err)
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	if err := cfg.ChainSync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [chain_sync] section: %w", err)
	}
	if err := cfg.Commit.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [commit] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a cellchain node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Path to the TOML file describing the members of the cell
	Cell string `mapstructure:"cell_file"`

	// A JSON file containing the private key to use for p2p authenticated
	// encryption and for signing operations and blocks
	NodeKey string `mapstructure:"node_key_file"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a cellchain node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		Cell:      defaultCellFilePath,
		NodeKey:   defaultNodeKeyPath,
		DBBackend: DBBackendGoLevelDB,
		DBPath:    defaultDataDir,
		LogLevel:  log.LogLevelInfo,
		LogFormat: log.LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing a cellchain node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "test-node"
	cfg.DBBackend = DBBackendMemDB
	cfg.LogLevel = log.LogLevelDebug
	return cfg
}

// CellFile returns the full path to the cell.toml file
func (cfg BaseConfig) CellFile() string {
	return rootify(cfg.Cell, cfg.RootDir)
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.DBBackend {
	case DBBackendGoLevelDB, DBBackendMemDB:
	default:
		return fmt.Errorf("unsupported db_backend %q", cfg.DBBackend)
	}
	return nil
}

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig defines the configuration options for the node's HTTP API
type RPCConfig struct {
	// TCP address for the RPC server to listen on. Empty disables the server.
	ListenAddress string `mapstructure:"laddr"`

	// A list of origins a cross-domain request can be executed from.
	// If the special '*' value is present in the list, all origins will be allowed.
	// An origin may contain a wildcard (*) to replace 0 or more characters (i.e.: http://*.domain.com).
	// Only one wildcard can be used per origin.
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	// A list of methods the client is allowed to use with cross-domain requests.
	CORSAllowedMethods []string `mapstructure:"cors_allowed_methods"`

	// A list of non simple headers the client is allowed to use with cross-domain requests.
	CORSAllowedHeaders []string `mapstructure:"cors_allowed_headers"`

	// Maximum number of simultaneous connections.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Maximum size of request body, in bytes
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// DefaultRPCConfig returns a default configuration for the RPC server
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress:      "tcp://127.0.0.1:26657",
		CORSAllowedOrigins: []string{},
		CORSAllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		CORSAllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With"},
		MaxOpenConnections: 900,
		MaxBodyBytes:       int64(1000000), // 1MB
	}
}

// TestRPCConfig returns a configuration for testing the RPC server
func TestRPCConfig() *RPCConfig {
	cfg := DefaultRPCConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:36657"
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *RPCConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	if cfg.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes can't be negative")
	}
	return nil
}

// IsCorsEnabled returns true if cross-origin resource sharing is enabled.
func (cfg *RPCConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer transport
type P2PConfig struct {
	// Address to listen for incoming websocket connections
	ListenAddress string `mapstructure:"laddr"`

	// Time to wait before redialing a disconnected peer
	DialInterval time.Duration `mapstructure:"dial_interval"`

	// Time allowed to write a message to a peer
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// Maximum size of a message received from a peer, in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size"`

	// Number of outgoing messages buffered per peer before they are dropped
	SendQueueSize int `mapstructure:"send_queue_size"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:  "tcp://0.0.0.0:26656",
		DialInterval:   3 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 * 1024 * 1024, // 16MB
		SendQueueSize:  1024,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:36656"
	cfg.DialInterval = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.DialInterval <= 0 {
		return errors.New("dial_interval must be positive")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("write_timeout must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("send_queue_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ChainSyncConfig

// ChainSyncConfig defines how the node discovers peers' chains and downloads
// missing blocks.
type ChainSyncConfig struct {
	// Maximum height difference between the leader's last known block and
	// the last block in common with it before a synchronized node looks for
	// a new leader
	MaxLeaderCommonBlockHeightDelta uint64 `mapstructure:"max_leader_common_block_height_delta"`

	// Maximum size of the blocks sent in a single response. At least one
	// block is always sent.
	BlocksMaxSendSize uint64 `mapstructure:"blocks_max_send_size"`

	// Minimum time between two requests to the same peer
	RequestInterval time.Duration `mapstructure:"request_interval"`

	// Time after which an unanswered request is considered lost. Doubled
	// after each consecutive failure.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Upper bound of the request timeout backoff
	RequestMaxInterval time.Duration `mapstructure:"request_max_interval"`

	// Time after which a peer that didn't answer a headers request is no
	// longer considered synchronized
	MetadataSyncFreshness time.Duration `mapstructure:"metadata_sync_freshness"`

	// Number of blocks at the beginning of a large headers range sent as is
	HeadersSyncBeginCount uint64 `mapstructure:"headers_sync_begin_count"`

	// Number of blocks at the end of a large headers range sent as is
	HeadersSyncEndCount uint64 `mapstructure:"headers_sync_end_count"`

	// Number of evenly spaced blocks sampled from the middle of a large
	// headers range
	HeadersSyncSampledCount uint64 `mapstructure:"headers_sync_sampled_count"`
}

// DefaultChainSyncConfig returns a default configuration for chain synchronization
func DefaultChainSyncConfig() *ChainSyncConfig {
	return &ChainSyncConfig{
		MaxLeaderCommonBlockHeightDelta: 5,
		BlocksMaxSendSize:               50 * 1024 * 1024, // 50MB
		RequestInterval:                 2 * time.Second,
		RequestTimeout:                  5 * time.Second,
		RequestMaxInterval:              time.Minute,
		MetadataSyncFreshness:           10 * time.Second,
		HeadersSyncBeginCount:           5,
		HeadersSyncEndCount:             5,
		HeadersSyncSampledCount:         10,
	}
}

// TestChainSyncConfig returns a configuration for testing chain synchronization
func TestChainSyncConfig() *ChainSyncConfig {
	cfg := DefaultChainSyncConfig()
	cfg.BlocksMaxSendSize = 1024 * 1024
	cfg.RequestInterval = 100 * time.Millisecond
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.RequestMaxInterval = 5 * time.Second
	cfg.MetadataSyncFreshness = 2 * time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ChainSyncConfig) ValidateBasic() error {
	if cfg.BlocksMaxSendSize == 0 {
		return errors.New("blocks_max_send_size must be positive")
	}
	if cfg.RequestInterval <= 0 {
		return errors.New("request_interval must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.RequestMaxInterval < cfg.RequestTimeout {
		return errors.New("request_max_interval can't be less than request_timeout")
	}
	if cfg.MetadataSyncFreshness <= 0 {
		return errors.New("metadata_sync_freshness must be positive")
	}
	if cfg.HeadersSyncBeginCount == 0 || cfg.HeadersSyncEndCount == 0 {
		return errors.New("headers_sync_begin_count and headers_sync_end_count must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// CommitConfig

// CommitConfig defines how blocks are proposed, signed and committed, and
// how long pending operations are kept.
type CommitConfig struct {
	// How often the synchronizer and the commit manager run
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// Maximum time between two blocks. Also the length of a proposing turn.
	CommitMaximumInterval time.Duration `mapstructure:"commit_maximum_interval"`

	// Number of uncommitted entries that triggers a proposal before the
	// maximum interval has elapsed
	CommitMaximumPendingStoreCount int `mapstructure:"commit_maximum_pending_store_count"`

	// Number of blocks after which the operations of a committed or refused
	// proposal are removed from the pending store
	OperationsCleanupAfterBlockDepth uint64 `mapstructure:"operations_cleanup_after_block_depth"`

	// Age after which a proposal that didn't reach a quorum is abandoned
	BlockProposalTimeout time.Duration `mapstructure:"block_proposal_timeout"`
}

// DefaultCommitConfig returns a default configuration for the commit manager
func DefaultCommitConfig() *CommitConfig {
	return &CommitConfig{
		TickInterval:                     100 * time.Millisecond,
		CommitMaximumInterval:            2 * time.Second,
		CommitMaximumPendingStoreCount:   50,
		OperationsCleanupAfterBlockDepth: 6,
		BlockProposalTimeout:             7 * time.Second,
	}
}

// TestCommitConfig returns a configuration for testing the commit manager
func TestCommitConfig() *CommitConfig {
	cfg := DefaultCommitConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.CommitMaximumInterval = 500 * time.Millisecond
	cfg.BlockProposalTimeout = 2 * time.Second
	cfg.OperationsCleanupAfterBlockDepth = 2
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *CommitConfig) ValidateBasic() error {
	if cfg.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if cfg.CommitMaximumInterval <= 0 {
		return errors.New("commit_maximum_interval must be positive")
	}
	if cfg.CommitMaximumPendingStoreCount <= 0 {
		return errors.New("commit_maximum_pending_store_count must be positive")
	}
	if cfg.OperationsCleanupAfterBlockDepth == 0 {
		return errors.New("operations_cleanup_after_block_depth must be positive")
	}
	if cfg.BlockProposalTimeout <= 0 {
		return errors.New("block_proposal_timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "cellchain",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr is required when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
