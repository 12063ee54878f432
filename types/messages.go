package types

import (
	"fmt"
)

// RequestedDetails selects what a SyncRequest asks for.
type RequestedDetails uint8

const (
	RequestedHeaders RequestedDetails = iota + 1
	RequestedBlocks
)

func (d RequestedDetails) String() string {
	switch d {
	case RequestedHeaders:
		return "headers"
	case RequestedBlocks:
		return "blocks"
	default:
		return "unknown"
	}
}

// Message is implemented by everything that travels in an Envelope.
type Message interface {
	messageType() messageType
	encode(enc *encoder)
}

type messageType uint8

const (
	messageTypeSyncRequest messageType = iota + 1
	messageTypeSyncResponse
	messageTypePendingOperations
)

// SyncRequest asks a peer for the metadata or the blocks of the offsets range
// [FromOffset, ToOffset]. A zero ToOffset leaves the range open.
type SyncRequest struct {
	FromOffset       uint64
	ToOffset         uint64
	RequestedDetails RequestedDetails
}

// SyncResponse answers a SyncRequest. Headers is set for a headers request,
// Blocks holds encoded blocks for a blocks request.
type SyncResponse struct {
	FromOffset uint64
	ToOffset   uint64
	Details    RequestedDetails
	Headers    []BlockMetadata
	Blocks     [][]byte
}

// PendingOperations pushes newly created pending operations to a peer.
type PendingOperations struct {
	Operations []*Operation
}

func (*SyncRequest) messageType() messageType       { return messageTypeSyncRequest }
func (*SyncResponse) messageType() messageType      { return messageTypeSyncResponse }
func (*PendingOperations) messageType() messageType { return messageTypePendingOperations }

func (m *SyncRequest) encode(enc *encoder) {
	enc.uvarint(m.FromOffset)
	enc.uvarint(m.ToOffset)
	enc.uvarint(uint64(m.RequestedDetails))
}

func (m *SyncResponse) encode(enc *encoder) {
	enc.uvarint(m.FromOffset)
	enc.uvarint(m.ToOffset)
	enc.uvarint(uint64(m.Details))
	enc.uvarint(uint64(len(m.Headers)))
	for _, h := range m.Headers {
		encodeBlockMetadata(enc, h)
	}
	enc.uvarint(uint64(len(m.Blocks)))
	for _, b := range m.Blocks {
		enc.bytes(b)
	}
}

func (m *PendingOperations) encode(enc *encoder) {
	enc.uvarint(uint64(len(m.Operations)))
	for _, op := range m.Operations {
		bz, err := op.Encode()
		if err != nil {
			enc.err = err
			return
		}
		enc.bytes(bz)
	}
}

func (m *SyncResponse) String() string {
	return fmt.Sprintf("SyncResponse{%v [%d,%d] headers:%d blocks:%d}",
		m.Details, m.FromOffset, m.ToOffset, len(m.Headers), len(m.Blocks))
}

func (m *SyncRequest) String() string {
	return fmt.Sprintf("SyncRequest{%v [%d,%d]}", m.RequestedDetails, m.FromOffset, m.ToOffset)
}

// Envelope addresses a message between two nodes of a cell.
type Envelope struct {
	From    NodeID
	To      NodeID
	Message Message
}

// Encode returns the wire representation of the envelope.
func (e Envelope) Encode() ([]byte, error) {
	if e.Message == nil {
		return nil, fmt.Errorf("envelope from %s has no message", e.From)
	}
	enc := newEncoder()
	enc.string(string(e.From))
	enc.string(string(e.To))
	enc.uvarint(uint64(e.Message.messageType()))
	e.Message.encode(enc)
	return enc.result()
}

// DecodeEnvelope is the inverse of Envelope.Encode.
func DecodeEnvelope(bz []byte) (Envelope, error) {
	dec := newDecoder(bz)
	env := Envelope{
		From: NodeID(dec.string()),
		To:   NodeID(dec.string()),
	}
	switch t := messageType(dec.uvarint()); t {
	case messageTypeSyncRequest:
		env.Message = &SyncRequest{
			FromOffset:       dec.uvarint(),
			ToOffset:         dec.uvarint(),
			RequestedDetails: RequestedDetails(dec.uvarint()),
		}

	case messageTypeSyncResponse:
		resp := &SyncResponse{
			FromOffset: dec.uvarint(),
			ToOffset:   dec.uvarint(),
			Details:    RequestedDetails(dec.uvarint()),
		}
		for i, n := 0, dec.count(); i < n && dec.err == nil; i++ {
			resp.Headers = append(resp.Headers, decodeBlockMetadata(dec))
		}
		for i, n := 0, dec.count(); i < n && dec.err == nil; i++ {
			resp.Blocks = append(resp.Blocks, dec.bytes())
		}
		env.Message = resp

	case messageTypePendingOperations:
		msg := &PendingOperations{}
		for i, n := 0, dec.count(); i < n && dec.err == nil; i++ {
			bz := dec.bytes()
			if dec.err != nil {
				break
			}
			op, err := DecodeOperation(bz)
			if err != nil {
				return Envelope{}, err
			}
			msg.Operations = append(msg.Operations, op)
		}
		env.Message = msg

	default:
		if dec.err == nil {
			return Envelope{}, fmt.Errorf("unknown message type %d", t)
		}
	}

	if dec.err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", dec.err)
	}
	return env, nil
}
