package rpc

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// SubmitResult is an accepted submission as seen by the miner.
type SubmitResult struct {
	BlockIndex        uint64
	ComplexityChanged bool
}

// Client issues requests to one server peer. Each request opens a fresh
// stream, so a client survives the underlying connection being replaced.
type Client struct {
	host    host.Host
	server  peer.ID
	timeout time.Duration
}

// NewClient creates a client for server. Any addresses in server are added
// to the peerstore so streams can dial it.
func NewClient(h host.Host, server peer.AddrInfo) *Client {
	if len(server.Addrs) > 0 {
		h.Peerstore().AddAddrs(server.ID, server.Addrs, peerstore.PermanentAddrTTL)
	}
	return &Client{
		host:    h,
		server:  server.ID,
		timeout: streamTimeout,
	}
}

// Server returns the peer ID requests are sent to.
func (c *Client) Server() peer.ID {
	return c.server
}

// Complexity asks the server for its current complexity.
func (c *Client) Complexity(ctx context.Context) (uint32, error) {
	data, err := c.request(ctx, ComplexityProtocolID, &ComplexityReq{Type: MsgTypeComplexityReq})
	if err != nil {
		return 0, err
	}

	resp, err := DecodeComplexityResp(data)
	if err != nil {
		return 0, fmt.Errorf("decode complexity response: %w: %w", ErrBadResponse, err)
	}
	return resp.Complexity, nil
}

// Submit sends a solved nonce. A nil result with a nil error means the
// server rejected the nonce.
func (c *Client) Submit(ctx context.Context, nonce []byte) (*SubmitResult, error) {
	data, err := c.request(ctx, SubmitProtocolID, &SubmitReq{Type: MsgTypeSubmitReq, Nonce: nonce})
	if err != nil {
		return nil, err
	}

	resp, err := DecodeSubmitResp(data)
	if err != nil {
		return nil, fmt.Errorf("decode submit response: %w: %w", ErrBadResponse, err)
	}
	if !resp.Accepted {
		return nil, nil
	}
	return &SubmitResult{
		BlockIndex:        resp.Block.Index,
		ComplexityChanged: resp.ComplexityChanged,
	}, nil
}

// request writes req on a new stream for proto and reads the whole response.
func (c *Client) request(ctx context.Context, proto string, req interface{}) ([]byte, error) {
	data, err := Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	stream, err := c.host.NewStream(ctx, c.server, protocol.ID(proto))
	if err != nil {
		return nil, transportError(ctx, "open stream", err)
	}
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(c.timeout))

	if _, err := stream.Write(data); err != nil {
		stream.Reset()
		return nil, transportError(ctx, "write request", err)
	}
	if err := stream.CloseWrite(); err != nil {
		stream.Reset()
		return nil, transportError(ctx, "close write", err)
	}

	data, err = io.ReadAll(io.LimitReader(stream, maxMsgSize))
	if err != nil {
		stream.Reset()
		return nil, transportError(ctx, "read response", err)
	}
	if len(data) == 0 {
		return nil, transportError(ctx, "read response", io.ErrUnexpectedEOF)
	}

	return data, nil
}
