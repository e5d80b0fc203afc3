package rpcendpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessagePump_DeliversMessagesAndReturnsNilOnEOF(t *testing.T) {
	requestMethod := NewRequestMethod("request", DescribeType(""), DescribeType(""))
	registry := NewMethodRegistry(requestMethod)

	seen := make(chan string, 1)
	local := LocalEndpointFuncs{
		RequestFunc: func(ctx context.Context, method string, params []json.RawMessage) (any, error) {
			seen <- method
			return "success", nil
		},
	}

	var wireOut bytes.Buffer
	endpoint := NewRemoteEndpoint(registry, local, MessageConsumerFunc(func(msg Message) error {
		return NewFrameWriter(&wireOut).Consume(msg)
	}))
	defer endpoint.Close()

	var wireIn bytes.Buffer
	params := ArrayParams([]json.RawMessage{json.RawMessage(`"myparam"`)})
	require.NoError(t, NewFrameWriter(&wireIn).Consume(RequestMessage{ID: NumberID(1), Method: "request", Params: &params}))

	pump := NewMessagePump(NewFrameReader(&wireIn), endpoint, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- pump.Run(context.Background()) }()

	select {
	case method := <-seen:
		require.Equal(t, "request", method)
	case <-time.After(2 * time.Second):
		t.Fatal("local handler was never invoked")
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return after EOF")
	}
}

func TestMessagePump_FailsAllOutboundOnTransportError(t *testing.T) {
	requestMethod := NewRequestMethod("request", DescribeType(""), DescribeType(""))
	registry := NewMethodRegistry(requestMethod)
	endpoint := NewRemoteEndpoint(registry, nil, newCaptureConsumer())
	defer endpoint.Close()

	resultErrCh := make(chan error, 1)
	go func() {
		_, err := endpoint.Request(context.Background(), "request", "x")
		resultErrCh <- err
	}()

	// Give Request a moment to register itself as pending before the pump fails.
	time.Sleep(20 * time.Millisecond)

	boom := errors.New("boom: socket reset")
	pump := NewMessagePump(NewFrameReader(&failingReader{err: boom}), endpoint, nil)
	err := pump.Run(context.Background())
	require.ErrorIs(t, err, boom)

	select {
	case reqErr := <-resultErrCh:
		require.Error(t, reqErr)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Request was never failed by the pump")
	}
}

type failingReader struct{ err error }

func (f *failingReader) Read(p []byte) (int, error) {
	return 0, f.err
}

var _ io.Reader = (*failingReader)(nil)
