package types

// EventType identifies an Event.
type EventType uint8

const (
	// EventNewChainBlock is emitted when a block is appended to the local chain.
	EventNewChainBlock EventType = iota + 1
	// EventNewPendingOperation is emitted when a local operation enters the
	// pending store.
	EventNewPendingOperation
	// EventChainDiverged is emitted when the local chain cannot be reconciled
	// with a quorum of the cell.
	EventChainDiverged
)

func (t EventType) String() string {
	switch t {
	case EventNewChainBlock:
		return "new_chain_block"
	case EventNewPendingOperation:
		return "new_pending_operation"
	case EventChainDiverged:
		return "chain_diverged"
	default:
		return "unknown"
	}
}

// Event is something the sync and commit components report to the rest of
// the node. Offset is the block offset for chain events and the operation ID
// for pending events.
type Event struct {
	Type   EventType
	Offset uint64
}

// OutMessage is a message waiting to be sent to a peer.
type OutMessage struct {
	To      NodeID
	Message Message
}

// SyncContext collects what a tick produces: messages for peers, local
// operations to replicate and events. It is handed to the transport once the
// tick completes.
type SyncContext struct {
	Messages   []OutMessage
	Operations []*Operation
	Events     []Event
}

// NewSyncContext returns an empty context.
func NewSyncContext() *SyncContext {
	return &SyncContext{}
}

// PushRequest queues a request for the given peer.
func (sc *SyncContext) PushRequest(to NodeID, req *SyncRequest) {
	sc.Messages = append(sc.Messages, OutMessage{To: to, Message: req})
}

// PushResponse queues a response for the given peer.
func (sc *SyncContext) PushResponse(to NodeID, resp *SyncResponse) {
	sc.Messages = append(sc.Messages, OutMessage{To: to, Message: resp})
}

// PushOperation queues an operation for replication to chain peers.
func (sc *SyncContext) PushOperation(op *Operation) {
	sc.Operations = append(sc.Operations, op)
	sc.PushEvent(EventNewPendingOperation, uint64(op.ID))
}

// PushEvent records an event.
func (sc *SyncContext) PushEvent(t EventType, offset uint64) {
	sc.Events = append(sc.Events, Event{Type: t, Offset: offset})
}

// IsEmpty is true when the tick produced nothing.
func (sc *SyncContext) IsEmpty() bool {
	return len(sc.Messages) == 0 && len(sc.Operations) == 0 && len(sc.Events) == 0
}
