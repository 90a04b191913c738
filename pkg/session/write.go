package session

import (
	"context"

	"github.com/bft-labs/rttbridge/pkg/log"
)

type writeRequest struct {
	ctx     context.Context
	channel int
	data    []byte
	result  chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// Send writes data to a down channel. The write is carried out by the
// poll loop so the transport keeps a single user.
func (s *Session) Send(ctx context.Context, channel int, data []byte) (int, error) {
	if !s.lifecycle.State().Active() {
		return 0, ErrNotStreaming
	}
	req := writeRequest{ctx: ctx, channel: channel, data: data, result: make(chan writeResult, 1)}
	done := s.Done()

	select {
	case s.writes <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		return 0, ErrNotStreaming
	}

	select {
	case r := <-req.result:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *Session) write(req writeRequest) (int, error) {
	if !s.lifecycle.State().Active() {
		return 0, ErrNotStreaming
	}
	n, err := s.transport.Write(req.ctx, req.channel, req.data)
	if err == nil {
		return n, nil
	}
	if transient(err) {
		s.logger.Warn("down channel write incomplete",
			log.Int("channel", req.channel),
			log.Int("written", n),
			log.Int("size", len(req.data)),
			log.Err(err),
		)
	}
	return n, err
}
