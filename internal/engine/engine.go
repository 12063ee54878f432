// Package engine drives a node: it ticks the chain synchronizer and the commit
// manager, routes the envelopes received from peers to them and sends what
// they produce.
//
// Every step runs on a single goroutine, the synchronizer and the commit
// manager are never called concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/chainsync"
	"github.com/cellchain/cellchain/internal/commit"
	"github.com/cellchain/cellchain/internal/p2p"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
)

// ErrEmptyEntry is returned when submitting an entry without data.
var ErrEmptyEntry = errors.New("entry data is empty")

// Status is a snapshot of the engine state, taken after every tick.
type Status struct {
	NodeID     types.NodeID
	CellID     string
	SyncStatus chainsync.Status
	Leader     types.NodeID
	// nil until the chain is initialized
	LastBlock *types.BlockMetadata
	LastTick  time.Time
	// last fatal error reported by a tick, cleared by a clean tick
	LastError string
}

type submission struct {
	data   []byte
	result chan submissionResult
}

type submissionResult struct {
	op  *types.Operation
	err error
}

// Engine is the service running the sync and commit protocols of a node.
type Engine struct {
	service.BaseService
	logger log.Logger
	cfg    *config.CommitConfig

	cell         *types.Cell
	chain        store.ChainStore
	broadcaster  *pending.Broadcaster
	synchronizer *chainsync.Synchronizer
	manager      *commit.Manager
	transport    p2p.Transport
	clock        *clock.Clock

	submissions chan submission
	done        chan struct{}

	mtx    sync.RWMutex
	status Status
}

// NewEngine returns an engine over already built components. The transport
// is not started nor stopped by the engine.
func NewEngine(
	logger log.Logger,
	cfg *config.CommitConfig,
	cell *types.Cell,
	chain store.ChainStore,
	broadcaster *pending.Broadcaster,
	synchronizer *chainsync.Synchronizer,
	manager *commit.Manager,
	transport p2p.Transport,
	c *clock.Clock,
) *Engine {
	e := &Engine{
		logger:       logger.With("module", "engine"),
		cfg:          cfg,
		cell:         cell,
		chain:        chain,
		broadcaster:  broadcaster,
		synchronizer: synchronizer,
		manager:      manager,
		transport:    transport,
		clock:        c,
		submissions:  make(chan submission),
		done:         make(chan struct{}),
		status: Status{
			NodeID: cell.LocalNodeID(),
			CellID: cell.ID(),
		},
	}
	e.BaseService = *service.NewBaseService(logger, "Engine", e)
	return e
}

// OnStart implements service.Service.
func (e *Engine) OnStart(ctx context.Context) error {
	last, err := e.chain.GetLastBlock()
	if err != nil {
		return err
	}
	if last != nil {
		e.logger.Info("starting engine", "offset", last.Offset(), "height", last.Height())
	} else {
		e.logger.Info("starting engine with an empty chain")
	}
	go e.run(ctx)
	return nil
}

// OnStop waits for the routine to return.
func (e *Engine) OnStop() {
	<-e.done
}

// Status returns the last snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mtx.RLock()
	defer e.mtx.RUnlock()
	return e.status
}

// SubmitEntry creates an entry signed by the local node and hands it to the
// pending store for replication. The entry is committed by a later block.
func (e *Engine) SubmitEntry(ctx context.Context, data []byte) (*types.Operation, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEntry
	}
	sub := submission{data: data, result: make(chan submissionResult, 1)}

	select {
	case e.submissions <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, errors.New("engine is stopped")
	}

	select {
	case res := <-sub.result:
		return res.op, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := e.clock.Ticker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.tick(ctx)

		case env := <-e.transport.Receive():
			e.handleEnvelope(ctx, env)

		case sub := <-e.submissions:
			op, err := e.submitEntry(ctx, sub.data)
			sub.result <- submissionResult{op: op, err: err}
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	sc := types.NewSyncContext()
	var tickErr error

	if err := e.synchronizer.Tick(sc); err != nil {
		tickErr = err
		e.logger.Error("chain synchronization failed", "err", err, "fatal", chainsync.IsFatal(err))
	}

	if tickErr == nil && e.synchronizer.Status() == chainsync.StatusSynchronized {
		if err := e.manager.Tick(sc); err != nil {
			tickErr = err
			if errors.Is(err, commit.ErrOutOfSync) {
				e.logger.Info("local chain is out of sync, restarting synchronization", "err", err)
				e.synchronizer.Reset()
			} else {
				e.logger.Error("commit failed", "err", err, "fatal", commit.IsFatal(err))
			}
		}
	}

	e.flush(ctx, sc)
	e.updateStatus(tickErr)
}

func (e *Engine) handleEnvelope(ctx context.Context, env types.Envelope) {
	if env.To != e.cell.LocalNodeID() {
		e.logger.Debug("dropping envelope for another node", "to", env.To)
		return
	}
	if _, ok := e.cell.Node(env.From); !ok {
		e.logger.Info("dropping envelope from unknown node", "from", env.From)
		return
	}

	sc := types.NewSyncContext()
	var err error
	switch msg := env.Message.(type) {
	case *types.SyncRequest:
		err = e.synchronizer.HandleSyncRequest(sc, env.From, msg)
	case *types.SyncResponse:
		err = e.synchronizer.HandleSyncResponse(sc, env.From, msg)
	case *types.PendingOperations:
		stored := e.broadcaster.HandlePendingOperations(env.From, msg)
		e.logger.Debug("received pending operations", "from", env.From,
			"count", len(msg.Operations), "stored", stored)
	default:
		err = fmt.Errorf("unknown message type %T", msg)
	}
	if err != nil {
		e.logger.Info("failed to handle envelope", "from", env.From, "err", err)
	}

	e.flush(ctx, sc)
}

func (e *Engine) submitEntry(ctx context.Context, data []byte) (*types.Operation, error) {
	local := e.cell.LocalNodeID()
	id := types.OperationID(e.clock.ConsistentTimestamp(e.cell.NodeSeed(local)))
	op := types.NewEntryOperation(id, local, data)
	if err := op.Sign(e.cell.Key()); err != nil {
		return nil, err
	}

	sc := types.NewSyncContext()
	if err := e.broadcaster.HandleNewOperation(sc, op); err != nil {
		return nil, err
	}
	e.flush(ctx, sc)
	return op, nil
}

// flush sends the messages and operations of sc, and logs its events.
func (e *Engine) flush(ctx context.Context, sc *types.SyncContext) {
	if sc.IsEmpty() {
		return
	}
	if err := p2p.SendAll(ctx, e.transport, e.cell, sc); err != nil {
		// peers being down is expected, the protocols retry
		e.logger.Debug("failed to send", "err", err)
	}
	for _, event := range sc.Events {
		switch event.Type {
		case types.EventNewChainBlock:
			e.logger.Info("new chain block", "offset", event.Offset)
		case types.EventChainDiverged:
			e.logger.Error("local chain diverged from the cell", "offset", event.Offset)
		case types.EventNewPendingOperation:
			e.logger.Debug("new pending operation", "operation", event.Offset)
		}
	}
}

func (e *Engine) updateStatus(tickErr error) {
	var lastMeta *types.BlockMetadata
	last, err := e.chain.GetLastBlock()
	if err != nil {
		e.logger.Error("failed to read last block", "err", err)
	} else if last != nil {
		meta := types.NewBlockMetadata(last)
		lastMeta = &meta
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.status.SyncStatus = e.synchronizer.Status()
	e.status.Leader = e.synchronizer.Leader()
	e.status.LastBlock = lastMeta
	e.status.LastTick = e.clock.Now()
	e.status.LastError = ""
	if tickErr != nil {
		e.status.LastError = tickErr.Error()
	}
}
