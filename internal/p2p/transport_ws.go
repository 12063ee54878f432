package p2p

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
	"github.com/cellchain/cellchain/version"
)

const (
	wsEndpoint = "/p2p"

	headerProtocol  = "X-P2P-Protocol"
	headerCellID    = "X-Cell-Id"
	headerNodeID    = "X-Node-Id"
	headerSignature = "X-Node-Signature"
)

// WSTransport is a Transport over websocket connections.
//
// Every node dials each of its peers and only writes on the connections it
// dialed. Connections accepted from peers are only read from. A dialer
// proves its identity by signing the (cell, dialer, listener) triple in the
// upgrade request headers.
type WSTransport struct {
	service.BaseService
	logger  log.Logger
	cfg     *config.P2PConfig
	cell    *types.Cell
	metrics *Metrics

	inbound  chan types.Envelope
	queues   map[types.NodeID]chan []byte
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mtx      sync.Mutex
	stopping bool
	server   *http.Server
	listener net.Listener
	tasks    *taskgroup.Group
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a websocket transport for the local node of cell.
func NewWSTransport(logger log.Logger, cfg *config.P2PConfig, cell *types.Cell, metrics *Metrics) *WSTransport {
	t := &WSTransport{
		logger:  logger.With("module", "p2p"),
		cfg:     cfg,
		cell:    cell,
		metrics: metrics,
		inbound: make(chan types.Envelope, cfg.SendQueueSize),
		queues:  make(map[types.NodeID]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.WriteTimeout,
		},
	}
	for _, node := range cell.Nodes() {
		if node.ID != cell.LocalNodeID() {
			t.queues[node.ID] = make(chan []byte, cfg.SendQueueSize)
		}
	}
	t.BaseService = *service.NewBaseService(logger, "WSTransport", t)
	return t
}

// OnStart listens for peers and starts a writer per peer.
func (t *WSTransport) OnStart(ctx context.Context) error {
	ln, err := net.Listen("tcp", hostPort(t.cfg.ListenAddress))
	if err != nil {
		return fmt.Errorf("p2p listen on %s: %w", t.cfg.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		t.handleUpgrade(ctx, w, r)
	})

	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.listener = ln
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.cfg.WriteTimeout,
	}
	t.tasks = taskgroup.New(nil)

	t.tasks.Go(func() error {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("p2p server stopped", "err", err)
		}
		return nil
	})
	for _, node := range t.cell.Nodes() {
		queue, ok := t.queues[node.ID]
		if !ok {
			continue
		}
		node := node
		t.tasks.Go(func() error {
			t.writeRoutine(ctx, node, queue)
			return nil
		})
	}

	t.logger.Info("p2p listening", "addr", ln.Addr().String())
	return nil
}

// OnStop closes the listener and waits for every connection to be closed.
func (t *WSTransport) OnStop() {
	t.mtx.Lock()
	t.stopping = true
	server := t.server
	t.mtx.Unlock()

	if err := server.Close(); err != nil {
		t.logger.Error("error closing p2p server", "err", err)
	}
	if err := t.tasks.Wait(); err != nil {
		t.logger.Error("p2p task failed", "err", err)
	}
}

// Addr returns the address the transport listens on, nil if not started.
func (t *WSTransport) Addr() net.Addr {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Receive implements Transport.
func (t *WSTransport) Receive() <-chan types.Envelope {
	return t.inbound
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, env types.Envelope) error {
	if !t.IsRunning() {
		return ErrTransportClosed
	}
	queue, ok := t.queues[env.To]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
	}
	bz, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case queue <- bz:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		t.metrics.MessagesDropped.With("peer_id", string(env.To)).Add(1)
		return fmt.Errorf("%w: %s", ErrQueueFull, env.To)
	}
}

// go routine: dials peer and writes its queue, redialing after failures.
func (t *WSTransport) writeRoutine(ctx context.Context, peer types.CellNode, queue <-chan []byte) {
	logger := t.logger.With("peer", peer.ID)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		conn, err := t.dial(ctx, peer)
		if err != nil {
			logger.Debug("failed to dial peer", "addr", peer.Address, "err", err)
			timer.Reset(t.cfg.DialInterval)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				continue
			}
		}

		logger.Debug("connected to peer", "addr", peer.Address)
		t.metrics.Peers.Add(1)
		err = t.writeConn(ctx, peer, conn, queue)
		t.metrics.Peers.Add(-1)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Info("lost connection to peer", "err", err)
	}
}

func (t *WSTransport) writeConn(ctx context.Context, peer types.CellNode, conn *websocket.Conn, queue <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(t.cfg.WriteTimeout))
			return ctx.Err()

		case bz := <-queue:
			if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, bz); err != nil {
				t.metrics.MessagesDropped.With("peer_id", string(peer.ID)).Add(1)
				return err
			}
			t.metrics.MessagesSent.With("peer_id", string(peer.ID)).Add(1)
			t.metrics.BytesSent.With("peer_id", string(peer.ID)).Add(float64(len(bz)))
		}
	}
}

func (t *WSTransport) dial(ctx context.Context, peer types.CellNode) (*websocket.Conn, error) {
	if peer.Address == "" {
		return nil, fmt.Errorf("peer %s has no address", peer.ID)
	}
	local := t.cell.LocalNodeID()
	header := http.Header{}
	header.Set(headerProtocol, strconv.FormatUint(version.P2PProtocol.Uint64(), 10))
	header.Set(headerCellID, t.cell.ID())
	header.Set(headerNodeID, string(local))
	header.Set(headerSignature, hex.EncodeToString(t.cell.Key().Sign(handshakeBytes(t.cell.ID(), local, peer.ID))))

	url := "ws://" + hostPort(peer.Address) + wsEndpoint
	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (t *WSTransport) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	peer, err := t.authenticate(r.Header)
	if err != nil {
		t.logger.Info("rejecting p2p connection", "remote", r.RemoteAddr, "err", err)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.stopping {
		http.Error(w, ErrTransportClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		t.logger.Info("failed to upgrade p2p connection", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	done := make(chan struct{})
	t.tasks.Go(func() error {
		defer close(done)
		t.readRoutine(ctx, peer, conn)
		return nil
	})
	t.tasks.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		return conn.Close()
	})
}

func (t *WSTransport) authenticate(header http.Header) (types.NodeID, error) {
	if p := header.Get(headerProtocol); p != strconv.FormatUint(version.P2PProtocol.Uint64(), 10) {
		return "", fmt.Errorf("unsupported p2p protocol %q", p)
	}
	if cellID := header.Get(headerCellID); cellID != t.cell.ID() {
		return "", fmt.Errorf("peer belongs to cell %q", cellID)
	}
	id, err := types.NewNodeID(header.Get(headerNodeID))
	if err != nil {
		return "", err
	}
	node, ok := t.cell.Node(id)
	if !ok || id == t.cell.LocalNodeID() {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	sig, err := hex.DecodeString(header.Get(headerSignature))
	if err != nil {
		return "", fmt.Errorf("malformed signature: %w", err)
	}
	if !types.VerifySignature(node.PublicKey, handshakeBytes(t.cell.ID(), id, t.cell.LocalNodeID()), sig) {
		return "", fmt.Errorf("invalid handshake signature from %s", id)
	}
	return id, nil
}

// go routine: reads envelopes from a connection accepted from peer.
func (t *WSTransport) readRoutine(ctx context.Context, peer types.NodeID, conn *websocket.Conn) {
	logger := t.logger.With("peer", peer)
	local := t.cell.LocalNodeID()
	for {
		_, bz, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("peer connection closed", "err", err)
			}
			return
		}
		t.metrics.MessagesReceived.With("peer_id", string(peer)).Add(1)
		t.metrics.BytesReceived.With("peer_id", string(peer)).Add(float64(len(bz)))

		env, err := types.DecodeEnvelope(bz)
		if err != nil {
			logger.Info("dropping malformed envelope", "err", err)
			continue
		}
		if env.From != peer || env.To != local {
			logger.Info("dropping misaddressed envelope", "from", env.From, "to", env.To)
			continue
		}

		select {
		case t.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

func handshakeBytes(cellID string, from, to types.NodeID) []byte {
	return []byte(cellID + "/" + string(from) + "/" + string(to))
}
