package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	ccos "github.com/cellchain/cellchain/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := ccos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// the config.toml of rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return ccos.WriteFileAtomic(path, buffer.Bytes(), 0644)
}

// WriteDefaultConfigFileIfNone writes the default config.toml unless one exists.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !ccos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/cellchain/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.cellchain" by default, but could be changed via $CCHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Path to the TOML file listing the nodes of the cell
cell_file = "{{ js .BaseConfig.Cell }}"

# Path to the JSON file containing the private key of this node
node_key_file = "{{ js .BaseConfig.NodeKey }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | warn | error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###       RPC Server Configuration Options          ###
#######################################################
[rpc]

# TCP address for the RPC server to listen on. Empty disables the server.
laddr = "{{ .RPC.ListenAddress }}"

# A list of origins a cross-domain request can be executed from
# Default value '[]' disables cors support
# Use '["*"]' to allow any origin
cors_allowed_origins = [{{ range .RPC.CORSAllowedOrigins }}{{ printf "%q, " . }}{{end}}]

# A list of methods the client is allowed to use with cross-domain requests
cors_allowed_methods = [{{ range .RPC.CORSAllowedMethods }}{{ printf "%q, " . }}{{end}}]

# A list of non simple headers the client is allowed to use with cross-domain requests
cors_allowed_headers = [{{ range .RPC.CORSAllowedHeaders }}{{ printf "%q, " . }}{{end}}]

# Maximum number of simultaneous connections.
# 0 - unlimited.
max_open_connections = {{ .RPC.MaxOpenConnections }}

# Maximum size of request body, in bytes
max_body_bytes = {{ .RPC.MaxBodyBytes }}

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Time to wait before redialing a disconnected peer
dial_interval = "{{ .P2P.DialInterval }}"

# Time allowed to write a message to a peer
write_timeout = "{{ .P2P.WriteTimeout }}"

# Maximum size of a message received from a peer, in bytes
max_message_size = {{ .P2P.MaxMessageSize }}

# Number of outgoing messages buffered per peer
send_queue_size = {{ .P2P.SendQueueSize }}

#######################################################
###        Chain Sync Configuration Options         ###
#######################################################
[chain_sync]

# Height difference between the leader's last known block and the last block
# in common with it after which a synchronized node elects a new leader
max_leader_common_block_height_delta = {{ .ChainSync.MaxLeaderCommonBlockHeightDelta }}

# Maximum size of the blocks sent in one response. At least one block is always sent.
blocks_max_send_size = {{ .ChainSync.BlocksMaxSendSize }}

# Minimum time between two requests to the same peer
request_interval = "{{ .ChainSync.RequestInterval }}"

# Time after which an unanswered request is sent again. Doubled after each
# consecutive failure, up to request_max_interval.
request_timeout = "{{ .ChainSync.RequestTimeout }}"
request_max_interval = "{{ .ChainSync.RequestMaxInterval }}"

# Time after which a silent peer is no longer considered synchronized
metadata_sync_freshness = "{{ .ChainSync.MetadataSyncFreshness }}"

# Large headers ranges are answered with the first and last blocks of the
# range plus evenly spaced samples of the middle
headers_sync_begin_count = {{ .ChainSync.HeadersSyncBeginCount }}
headers_sync_end_count = {{ .ChainSync.HeadersSyncEndCount }}
headers_sync_sampled_count = {{ .ChainSync.HeadersSyncSampledCount }}

#######################################################
###          Commit Configuration Options           ###
#######################################################
[commit]

# How often the synchronizer and the commit manager run
tick_interval = "{{ .Commit.TickInterval }}"

# Maximum time between two blocks, also the length of a proposing turn
commit_maximum_interval = "{{ .Commit.CommitMaximumInterval }}"

# Number of uncommitted entries that triggers an early proposal
commit_maximum_pending_store_count = {{ .Commit.CommitMaximumPendingStoreCount }}

# Depth after which committed or refused operations leave the pending store
operations_cleanup_after_block_depth = {{ .Commit.OperationsCleanupAfterBlockDepth }}

# Age after which a proposal that didn't reach a quorum is abandoned
block_proposal_timeout = "{{ .Commit.BlockProposalTimeout }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory under dir holding a default
// config file, and returns a test configuration rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under dir
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	// Write default config file if missing.
	if err := WriteDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = strings.ReplaceAll(testName, "-", "_")
	return config, nil
}
