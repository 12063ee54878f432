// Package node assembles a cellchain node from its configuration: stores,
// synchronizer, commit manager, engine, transport, RPC and metrics servers.
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/chainsync"
	"github.com/cellchain/cellchain/internal/commit"
	"github.com/cellchain/cellchain/internal/engine"
	"github.com/cellchain/cellchain/internal/p2p"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/rpc"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
)

// Node is the highest level interface to a full cellchain node.
// It includes all configuration information and running services.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config

	cell         *types.Cell
	chainDB      dbm.DB
	pendingDB    dbm.DB
	chain        *store.BlockStore
	pendingStore *pending.DBStore

	transport     p2p.Transport
	engine        *engine.Engine
	rpcServer     *rpc.Server // nil when the rpc listen address is empty
	prometheusSrv *http.Server
}

// transportFactory builds the transport of a node once its cell and metrics
// are known.
type transportFactory func(logger log.Logger, cfg *config.P2PConfig, cell *types.Cell, metrics *p2p.Metrics) p2p.Transport

func newWSTransport(logger log.Logger, cfg *config.P2PConfig, cell *types.Cell, metrics *p2p.Metrics) p2p.Transport {
	return p2p.NewWSTransport(logger, cfg, cell, metrics)
}

// New returns a node reading its key and cell files and its databases from
// the locations given by cfg.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := types.LoadNodeKey(cfg.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load node key %s: %w", cfg.NodeKeyFile(), err)
	}
	cellFile, err := types.LoadCellFile(cfg.CellFile())
	if err != nil {
		return nil, err
	}
	cell, err := cellFile.Cell(nodeKey)
	if err != nil {
		return nil, fmt.Errorf("invalid cell file %s: %w", cfg.CellFile(), err)
	}
	return makeNode(cfg, logger, cell, config.DefaultDBProvider, newWSTransport)
}

func makeNode(
	cfg *config.Config,
	logger log.Logger,
	cell *types.Cell,
	dbProvider config.DBProvider,
	makeTransport transportFactory,
) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	chainDB, pendingDB, err := initDBs(cfg, dbProvider)
	if err != nil {
		return nil, err
	}
	closeDBs := func() {
		_ = chainDB.Close()
		_ = pendingDB.Close()
	}

	chain := store.NewBlockStore(chainDB)
	if err := initChain(chain, cell); err != nil {
		closeDBs()
		return nil, err
	}
	pendingStore := pending.NewDBStore(pendingDB)

	syncMetrics, commitMetrics, p2pMetrics := defaultMetricsProvider(cfg.Instrumentation)(cell.ID())
	c := clock.New()

	broadcaster := pending.NewBroadcaster(logger, cell, pendingStore)
	synchronizer := chainsync.NewSynchronizer(logger, cfg.ChainSync, cell, chain, c, syncMetrics)
	manager := commit.NewManager(logger, cfg.Commit, cell, chain, pendingStore, broadcaster, c, commitMetrics)
	transport := makeTransport(logger, cfg.P2P, cell, p2pMetrics)
	eng := engine.NewEngine(logger, cfg.Commit, cell, chain, broadcaster, synchronizer, manager, transport, c)

	n := &Node{
		logger:       logger,
		config:       cfg,
		cell:         cell,
		chainDB:      chainDB,
		pendingDB:    pendingDB,
		chain:        chain,
		pendingStore: pendingStore,
		transport:    transport,
		engine:       eng,
	}
	if cfg.RPC.ListenAddress != "" {
		n.rpcServer = rpc.NewServer(logger, cfg.RPC, &rpc.Environment{
			Engine:       eng,
			Chain:        chain,
			PendingStore: pendingStore,
		})
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the Node. It implements service.Service.
func (n *Node) OnStart(ctx context.Context) error {
	n.logger.Info("starting node",
		"moniker", n.config.Moniker,
		"node", n.cell.LocalNodeID(),
		"cell", n.cell.ID(),
		"chain_node", n.cell.IsChainNode(n.cell.LocalNodeID()),
	)

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if err := n.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	if err := n.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if n.rpcServer != nil {
		if err := n.rpcServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start rpc server: %w", err)
		}
	}
	return nil
}

// OnStop stops the Node. It implements service.Service.
func (n *Node) OnStop() {
	n.logger.Info("stopping node")

	services := []service.Service{n.engine, n.transport}
	if n.rpcServer != nil {
		services = append([]service.Service{n.rpcServer}, services...)
	}
	for _, s := range services {
		// services started with the node context may already be stopping
		err := s.Stop()
		if err != nil && !errors.Is(err, service.ErrAlreadyStopped) && !errors.Is(err, service.ErrNotStarted) {
			n.logger.Error("error stopping service", "service", s.String(), "err", err)
		}
	}

	if n.prometheusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout:
			n.logger.Error("prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.chainDB.Close(); err != nil {
		n.logger.Error("problem closing chain db", "err", err)
	}
	if err := n.pendingDB.Close(); err != nil {
		n.logger.Error("problem closing pending db", "err", err)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.RPC.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// Cell returns the membership the node runs with.
func (n *Node) Cell() *types.Cell { return n.cell }

// Engine returns the node's engine.
func (n *Node) Engine() *engine.Engine { return n.engine }

// ChainStore returns the node's chain.
func (n *Node) ChainStore() store.ChainStore { return n.chain }

// PendingStore returns the node's pending operations.
func (n *Node) PendingStore() pending.Store { return n.pendingStore }

// RPCServer returns the RPC server, nil if disabled.
func (n *Node) RPCServer() *rpc.Server { return n.rpcServer }

//------------------------------------------------------------------------------

func initDBs(cfg *config.Config, dbProvider config.DBProvider) (chainDB, pendingDB dbm.DB, err error) {
	chainDB, err = dbProvider(&config.DBContext{ID: "chain", Config: cfg})
	if err != nil {
		return nil, nil, err
	}
	pendingDB, err = dbProvider(&config.DBContext{ID: "pending", Config: cfg})
	if err != nil {
		_ = chainDB.Close()
		return nil, nil, err
	}
	return chainDB, pendingDB, nil
}

// initChain writes the genesis block of the cell in an empty chain. Genesis
// only depends on the cell ID, every node of the cell writes the same one.
func initChain(chain *store.BlockStore, cell *types.Cell) error {
	last, err := chain.GetLastBlock()
	if err != nil {
		return err
	}
	if last != nil {
		genesis, err := chain.GetBlock(0)
		if err != nil {
			return err
		}
		if !bytes.Equal(genesis.Hash(), types.NewGenesisBlock(cell.ID()).Hash()) {
			return fmt.Errorf("chain was initialized for another cell than %s", cell.ID())
		}
		return nil
	}
	return chain.InitChain(cell.ID())
}

// metricsProvider returns the metrics used by the services of a node.
type metricsProvider func(cellID string) (*chainsync.Metrics, *commit.Metrics, *p2p.Metrics)

// defaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func(cellID string) (*chainsync.Metrics, *commit.Metrics, *p2p.Metrics) {
		if cfg.Prometheus {
			return chainsync.PrometheusMetrics(cfg.Namespace, "cell_id", cellID),
				commit.PrometheusMetrics(cfg.Namespace, "cell_id", cellID),
				p2p.PrometheusMetrics(cfg.Namespace, "cell_id", cellID)
		}
		return chainsync.NopMetrics(), commit.NopMetrics(), p2p.NopMetrics()
	}
}

// NewDefault constructs a node service from the files and databases found
// under the home directory of cfg.
func NewDefault(cfg *config.Config, logger log.Logger) (service.Service, error) {
	n, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}
