package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// maxNonceSize is the largest nonce accepted from a peer.
	maxNonceSize = 1024
	// maxMsgSize bounds every request and response body.
	maxMsgSize = 16 * 1024
)

const (
	// ProtocolVersion is the current RPC protocol version.
	ProtocolVersion = "1.0.0"

	// ComplexityProtocolID serves the current complexity.
	ComplexityProtocolID = "/hyperchain/complexity/" + ProtocolVersion

	// SubmitProtocolID accepts solved nonces.
	SubmitProtocolID = "/hyperchain/submit/" + ProtocolVersion
)

// MessageType identifies the type of RPC message.
type MessageType uint8

const (
	MsgTypeComplexityReq  MessageType = 1
	MsgTypeComplexityResp MessageType = 2
	MsgTypeSubmitReq      MessageType = 3
	MsgTypeSubmitResp     MessageType = 4
)

// ComplexityReq asks for the current complexity.
type ComplexityReq struct {
	Type MessageType `cbor:"1,keyasint"`
}

// ComplexityResp carries the current complexity.
type ComplexityResp struct {
	Type       MessageType `cbor:"1,keyasint"`
	Complexity uint32      `cbor:"2,keyasint"`
}

// SubmitReq submits a solved nonce.
type SubmitReq struct {
	Type  MessageType `cbor:"1,keyasint"`
	Nonce []byte      `cbor:"2,keyasint"`
}

// BlockRef identifies an appended block.
type BlockRef struct {
	Index uint64 `cbor:"1,keyasint"`
}

// SubmitResp reports the outcome of a submission. Accepted=false is the
// wire form of a rejection and carries no block.
type SubmitResp struct {
	Type              MessageType `cbor:"1,keyasint"`
	Accepted          bool        `cbor:"2,keyasint"`
	Block             *BlockRef   `cbor:"3,keyasint,omitempty"`
	ComplexityChanged bool        `cbor:"4,keyasint"`
}

// Encode serializes a message to CBOR.
func Encode(msg interface{}) ([]byte, error) {
	return cbor.Marshal(msg)
}

// DecodeComplexityReq decodes a CBOR-encoded ComplexityReq.
func DecodeComplexityReq(data []byte) (*ComplexityReq, error) {
	var msg ComplexityReq
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgTypeComplexityReq {
		return nil, fmt.Errorf("unexpected message type %d", msg.Type)
	}
	return &msg, nil
}

// DecodeComplexityResp decodes a CBOR-encoded ComplexityResp.
func DecodeComplexityResp(data []byte) (*ComplexityResp, error) {
	var msg ComplexityResp
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgTypeComplexityResp {
		return nil, fmt.Errorf("unexpected message type %d", msg.Type)
	}
	if msg.Complexity < 1 {
		return nil, fmt.Errorf("complexity out of range: %d", msg.Complexity)
	}
	return &msg, nil
}

// DecodeSubmitReq decodes a CBOR-encoded SubmitReq.
func DecodeSubmitReq(data []byte) (*SubmitReq, error) {
	var msg SubmitReq
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgTypeSubmitReq {
		return nil, fmt.Errorf("unexpected message type %d", msg.Type)
	}
	if len(msg.Nonce) == 0 {
		return nil, fmt.Errorf("empty nonce")
	}
	if len(msg.Nonce) > maxNonceSize {
		return nil, fmt.Errorf("nonce too large: %d bytes", len(msg.Nonce))
	}
	return &msg, nil
}

// DecodeSubmitResp decodes a CBOR-encoded SubmitResp.
func DecodeSubmitResp(data []byte) (*SubmitResp, error) {
	var msg SubmitResp
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgTypeSubmitResp {
		return nil, fmt.Errorf("unexpected message type %d", msg.Type)
	}
	if msg.Accepted && msg.Block == nil {
		return nil, fmt.Errorf("accepted submission without block")
	}
	return &msg, nil
}
