package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
)

// MemoryNetwork is an in-memory "network" that uses buffered Go channels to
// communicate between transports. It is primarily meant for testing, but
// also serves single-process cells started by the testnet command.
type MemoryNetwork struct {
	logger     log.Logger
	bufferSize int

	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network. bufferSize is the size of
// the inbound channel of every transport.
func NewMemoryNetwork(logger log.Logger, bufferSize int) *MemoryNetwork {
	return &MemoryNetwork{
		bufferSize: bufferSize,
		logger:     logger,
		transports: make(map[types.NodeID]*MemoryTransport),
	}
}

// CreateTransport creates a new memory transport endpoint with the given node
// ID. It replaces any previous transport with the same ID.
func (n *MemoryNetwork) CreateTransport(nodeID types.NodeID) *MemoryTransport {
	t := &MemoryTransport{
		logger:  n.logger.With("local", nodeID),
		network: n,
		nodeID:  nodeID,
		inbound: make(chan types.Envelope, n.bufferSize),
	}
	t.BaseService = *service.NewBaseService(t.logger, "MemoryTransport", t)

	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.transports[nodeID] = t
	return t
}

// GetTransport looks up a transport in the network, returning nil if not found.
func (n *MemoryNetwork) GetTransport(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// RemoveTransport removes a transport from the network. Envelopes sent to it
// afterwards fail with ErrUnknownPeer.
func (n *MemoryNetwork) RemoveTransport(id types.NodeID) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.transports, id)
}

// Size returns the number of transports in the network.
func (n *MemoryNetwork) Size() int {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return len(n.transports)
}

// MemoryTransport is a Transport over a MemoryNetwork. Envelopes go through
// the wire codec like on a real network.
type MemoryTransport struct {
	service.BaseService
	logger  log.Logger
	network *MemoryNetwork
	nodeID  types.NodeID

	mtx     sync.RWMutex
	ctx     context.Context
	inbound chan types.Envelope
}

var _ Transport = (*MemoryTransport)(nil)

// OnStart implements service.Service.
func (t *MemoryTransport) OnStart(ctx context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.ctx = ctx
	return nil
}

// OnStop implements service.Service.
func (t *MemoryTransport) OnStop() {
	t.network.RemoveTransport(t.nodeID)
}

// Receive implements Transport.
func (t *MemoryTransport) Receive() <-chan types.Envelope {
	return t.inbound
}

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, env types.Envelope) error {
	if !t.IsRunning() {
		return ErrTransportClosed
	}
	if env.From != t.nodeID {
		return fmt.Errorf("envelope from %s sent by %s", env.From, t.nodeID)
	}
	peer := t.network.GetTransport(env.To)
	if peer == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
	}

	bz, err := env.Encode()
	if err != nil {
		return err
	}
	return peer.deliver(ctx, bz)
}

func (t *MemoryTransport) deliver(ctx context.Context, bz []byte) error {
	env, err := types.DecodeEnvelope(bz)
	if err != nil {
		return err
	}

	t.mtx.RLock()
	peerCtx := t.ctx
	t.mtx.RUnlock()
	if peerCtx == nil {
		return fmt.Errorf("%w: %s is not started", ErrUnknownPeer, t.nodeID)
	}

	select {
	case t.inbound <- env:
		return nil
	case <-peerCtx.Done():
		return fmt.Errorf("%w: %s", ErrTransportClosed, t.nodeID)
	case <-ctx.Done():
		return ctx.Err()
	default:
		t.logger.Debug("dropping envelope", "from", env.From, "reason", "inbound buffer full")
		return fmt.Errorf("%w: %s", ErrQueueFull, t.nodeID)
	}
}
