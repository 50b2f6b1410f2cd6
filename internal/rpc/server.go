package rpc

import (
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"go.uber.org/zap"
)

const streamTimeout = 30 * time.Second

// ComplexityHandler returns the current complexity.
type ComplexityHandler func() uint32

// SubmitHandler handles a nonce submitted by the peer whose raw public key is
// remoteKey. A nil response means the submission was rejected. An error
// aborts the stream without a response.
type SubmitHandler func(remoteKey []byte, req *SubmitReq) (*SubmitResp, error)

// Server answers complexity and submit requests, one request per stream.
type Server struct {
	host              host.Host
	logger            *zap.Logger
	complexityHandler ComplexityHandler
	submitHandler     SubmitHandler
}

// NewServer registers the complexity and submit protocols on h.
func NewServer(h host.Host, complexityHandler ComplexityHandler, submitHandler SubmitHandler, logger *zap.Logger) *Server {
	s := &Server{
		host:              h,
		logger:            logger,
		complexityHandler: complexityHandler,
		submitHandler:     submitHandler,
	}

	h.SetStreamHandler(protocol.ID(ComplexityProtocolID), s.handleComplexityStream)
	h.SetStreamHandler(protocol.ID(SubmitProtocolID), s.handleSubmitStream)

	return s
}

// Close unregisters the stream handlers.
func (s *Server) Close() {
	s.host.RemoveStreamHandler(protocol.ID(ComplexityProtocolID))
	s.host.RemoveStreamHandler(protocol.ID(SubmitProtocolID))
}

func (s *Server) handleComplexityStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	data, err := io.ReadAll(io.LimitReader(stream, maxMsgSize))
	if err != nil {
		s.logger.Debug("complexity read error", zap.Error(err))
		stream.Reset()
		return
	}

	if _, err := DecodeComplexityReq(data); err != nil {
		s.logger.Debug("invalid complexity request", zap.Error(err))
		stream.Reset()
		return
	}

	s.writeResponse(stream, &ComplexityResp{
		Type:       MsgTypeComplexityResp,
		Complexity: s.complexityHandler(),
	})
}

func (s *Server) handleSubmitStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(streamTimeout))

	remoteKey, err := stream.Conn().RemotePublicKey().Raw()
	if err != nil {
		s.logger.Debug("unreadable remote key", zap.Error(err))
		stream.Reset()
		return
	}

	data, err := io.ReadAll(io.LimitReader(stream, maxMsgSize))
	if err != nil {
		s.logger.Debug("submit read error", zap.Error(err))
		stream.Reset()
		return
	}

	req, err := DecodeSubmitReq(data)
	if err != nil {
		s.logger.Debug("invalid submit request", zap.Error(err))
		stream.Reset()
		return
	}

	resp, err := s.submitHandler(remoteKey, req)
	if err != nil {
		stream.Reset()
		return
	}
	if resp == nil {
		resp = &SubmitResp{}
	}
	resp.Type = MsgTypeSubmitResp

	s.writeResponse(stream, resp)
}

func (s *Server) writeResponse(stream network.Stream, resp interface{}) {
	data, err := Encode(resp)
	if err != nil {
		s.logger.Error("encode response", zap.Error(err))
		stream.Reset()
		return
	}
	if _, err := stream.Write(data); err != nil {
		s.logger.Debug("write response", zap.Error(err))
		stream.Reset()
	}
}
