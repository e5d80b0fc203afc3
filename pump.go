package rpcendpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// errTransportClosed is the cause FailAllOutbound is given when the pump
// shuts down cleanly on EOF; outbound Request calls already in flight would
// otherwise hang forever since no response can ever arrive.
var errTransportClosed = errors.New("transport closed")

// MessagePump drives a FrameReader, feeding every decoded Message to a
// RemoteEndpoint until the stream ends or a transport error occurs. It is
// the only piece that owns the blocking read loop; everything downstream of
// Consume runs on its own goroutine so the pump is never stalled by a slow
// handler.
type MessagePump struct {
	reader   *FrameReader
	endpoint *RemoteEndpoint
	logger   *slog.Logger
}

// NewMessagePump builds a pump reading frames from reader and dispatching
// them to endpoint.
func NewMessagePump(reader *FrameReader, endpoint *RemoteEndpoint, logger *slog.Logger) *MessagePump {
	return &MessagePump{reader: reader, endpoint: endpoint, logger: logger}
}

func (p *MessagePump) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Run blocks, reading frames until the stream ends or ctx is cancelled. A
// clean EOF returns nil; any other transport failure returns the error. In
// both cases every still-pending outbound request is failed before Run
// returns, so no Request call is left blocked on a connection that is gone.
func (p *MessagePump) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return p.readLoop(gctx)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, io.EOF) {
		p.endpoint.FailAllOutbound(err)
		return err
	}
	p.endpoint.FailAllOutbound(errTransportClosed)
	return nil
}

func (p *MessagePump) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := p.reader.ReadMessage()
		if err != nil {
			var frameErr *FrameParseError
			if errors.As(err, &frameErr) {
				p.log().Warn("malformed frame, resynchronizing", "err", frameErr)
				if werr := p.endpoint.out.Consume(ErrorMessage{ID: nil, Error: *NewParseError(frameErr.Error())}); werr != nil {
					p.log().Warn("failed to report parse error to peer", "err", werr)
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}

		p.endpoint.Consume(msg)
	}
}
