// File: server/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"

	"github.com/momentics/policyd/protocol"
	"github.com/momentics/policyd/transport"
)

// dispatch runs on the reader goroutine. The worker takes its own reference
// so the descriptor survives a reader-side close while the verdict is being
// computed.
func (s *Server) dispatch(c *transport.Connection, req *protocol.Request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing {
		return ErrServerClosed
	}
	if err := c.Ref("worker"); err != nil {
		return err
	}
	s.inflight.Add(1)
	s.active.Add(1)
	if err := s.pool.Submit(func() { s.process(c, req) }); err != nil {
		s.active.Add(-1)
		s.inflight.Done()
		_ = c.Unref("worker")
		return err
	}
	return nil
}

// process evaluates one request on a worker and writes the verdict back.
func (s *Server) process(c *transport.Connection, req *protocol.Request) {
	defer s.inflight.Done()
	defer s.active.Add(-1)
	defer func() { _ = c.Unref("worker") }()
	// the peer goes back to the read set even if a handler chain blew up
	defer func() {
		if err := s.reader.Rewatch(c); err != nil && !errors.Is(err, ErrReaderStopped) {
			c.Logger().Warn().Err(err).Msg("rewatch failed")
		}
	}()

	res := s.registry.Dispatch(context.Background(), c, req, c.ListenerPort())
	if err := c.WriteVerdict(res.Verdict, res.Message); err != nil {
		c.Logger().Warn().Err(err).Str("request_id", req.ID).Msg("verdict not delivered")
		c.Shutdown()
		return
	}
	s.served.Add(1)
	if s.metrics != nil {
		s.metrics.RequestServed(res.Verdict)
	}
	c.Logger().Debug().
		Str("request_id", req.ID).
		Str("verdict", res.Verdict.String()).
		Str("handler", res.Handler).
		Int("faults", res.Faults).
		Dur("elapsed", res.Elapsed).
		Msg("request answered")
}

func (s *Server) opened(c *transport.Connection) {
	c.SetWriteTimeout(s.cfg.WriteTimeout)
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		c.OnRelease(func(*transport.Connection) { s.metrics.ConnectionClosed() })
	}
}

func (s *Server) refused(*transport.Connection) {
	if s.metrics != nil {
		s.metrics.ConnectionRefused()
	}
}

func (s *Server) violation(_ *transport.Connection, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, protocol.ErrLineTooLong):
		s.metrics.ProtocolViolation("line_too_long")
	case errors.Is(err, protocol.ErrMalformedLine):
		s.metrics.ProtocolViolation("malformed_line")
	default:
		s.metrics.ProtocolViolation("other")
	}
}
