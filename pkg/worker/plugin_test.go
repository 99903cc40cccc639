package worker

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/queue"
)

type stubProcessor struct {
	domain queue.Domain
}

func (s *stubProcessor) Domain() queue.Domain { return s.domain }

func (s *stubProcessor) Process(_ context.Context, task *queue.Task) (map[string]any, error) {
	return map[string]any{"echo": task.Action}, nil
}

// dialedProcessorRPC wires a processorRPCServer and processorRPCClient
// together over an in-memory net.Pipe, the same net/rpc machinery
// LoadPluginProcessor uses over a subprocess's stdio, without spawning one.
func dialedProcessorRPC(t *testing.T, impl Processor) *processorRPCClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", &processorRPCServer{impl: impl}))
	go server.ServeConn(serverConn)

	client := rpc.NewClient(clientConn)
	t.Cleanup(func() { _ = client.Close() })
	return &processorRPCClient{client: client}
}

func TestProcessorRPCRoundTrip(t *testing.T) {
	rpcClient := dialedProcessorRPC(t, &stubProcessor{domain: queue.DomainBackend})

	data, err := rpcClient.process(context.Background(), &queue.Task{ID: "t-1", Action: "implement"})
	require.NoError(t, err)
	require.Equal(t, "implement", data["echo"])
}

func TestProcessorRPCPropagatesProcessError(t *testing.T) {
	failing := &failingProcessor{}
	rpcClient := dialedProcessorRPC(t, failing)

	_, err := rpcClient.process(context.Background(), &queue.Task{ID: "t-2"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

type failingProcessor struct{}

func (failingProcessor) Domain() queue.Domain { return queue.DomainBackend }
func (failingProcessor) Process(context.Context, *queue.Task) (map[string]any, error) {
	return nil, errors.New("boom")
}

func TestPluginProcessorWrapsDomain(t *testing.T) {
	p := &pluginProcessor{domain: queue.DomainQA, rpc: dialedProcessorRPC(t, &stubProcessor{domain: queue.DomainQA})}
	require.Equal(t, queue.DomainQA, p.Domain())
}
