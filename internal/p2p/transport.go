// Package p2p carries envelopes between the nodes of a cell.
//
// A Transport is a service: it is started before use, delivers inbound
// envelopes on the channel returned by Receive, and queues outbound
// envelopes with Send. Delivery is best effort. Envelopes are dropped when a
// peer is unreachable or its queue is full, the sync and commit protocols
// retry on their own.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
)

var (
	// ErrUnknownPeer is returned when sending to a node outside of the cell.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrQueueFull is returned when a peer's outbound queue can't take more
	// envelopes.
	ErrQueueFull = errors.New("peer queue is full")

	// ErrTransportClosed is returned when sending on a stopped transport.
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport exchanges envelopes with the other nodes of a cell.
type Transport interface {
	service.Service

	// Send queues an envelope for env.To. It doesn't wait for the envelope
	// to reach the peer.
	Send(ctx context.Context, env types.Envelope) error

	// Receive returns the channel inbound envelopes are delivered on.
	Receive() <-chan types.Envelope
}

// SendAll queues the messages a tick produced, and pushes its new
// operations to every chain peer. Send failures are collected, a failure
// for one peer doesn't prevent sending to the others.
func SendAll(ctx context.Context, t Transport, cell *types.Cell, sc *types.SyncContext) error {
	var errs []string
	from := cell.LocalNodeID()

	for _, msg := range sc.Messages {
		env := types.Envelope{From: from, To: msg.To, Message: msg.Message}
		if err := t.Send(ctx, env); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", msg.To, err))
		}
	}

	if len(sc.Operations) > 0 {
		msg := &types.PendingOperations{Operations: sc.Operations}
		for _, peer := range cell.PeerChainNodes() {
			env := types.Envelope{From: from, To: peer.ID, Message: msg}
			if err := t.Send(ctx, env); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", peer.ID, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to send %d envelopes: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// hostPort strips the optional tcp:// scheme of an address.
func hostPort(address string) string {
	return strings.TrimPrefix(address, "tcp://")
}
