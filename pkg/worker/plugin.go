// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/queue"
)

// PluginHandshake is the magic-cookie handshake a subprocess worker plugin
// must echo before go-plugin will dispense it. It guards against accidentally
// executing an unrelated binary as a worker.
var PluginHandshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WAVE_WORKER_PLUGIN",
	MagicCookieValue: "wave_worker_plugin_v1",
}

const pluginKey = "processor"

// PluginProcessRequest/PluginProcessResponse are the net/rpc payloads
// exchanged with a subprocess worker. They are exported because net/rpc only
// registers methods whose argument types are exported. Payload and Data
// values must stick to gob-encodable primitives (string, bool, float64,
// []string, nested maps of the same) since they cross the wire without a
// registered concrete type.
type PluginProcessRequest struct {
	Task *queue.Task
}

type PluginProcessResponse struct {
	Data map[string]any
}

// ProcessorPlugin adapts a Processor to go-plugin's net/rpc plugin contract.
// Construct it with Impl set in the plugin subprocess (to serve); the host
// side uses a zero-value ProcessorPlugin only to obtain the dispensed RPC
// stub.
type ProcessorPlugin struct {
	Impl Processor
}

// Server returns the RPC receiver go-plugin registers for subprocess calls.
func (p *ProcessorPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &processorRPCServer{impl: p.Impl}, nil
}

// Client returns the stub the host process calls through.
func (p *ProcessorPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &processorRPCClient{client: c}, nil
}

type processorRPCServer struct {
	impl Processor
}

// Process is the exported net/rpc method name ("Plugin.Process") dispatched
// by the host's processorRPCClient.
func (s *processorRPCServer) Process(req PluginProcessRequest, resp *PluginProcessResponse) error {
	data, err := s.impl.Process(context.Background(), req.Task)
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

type processorRPCClient struct {
	client *rpc.Client
}

func (c *processorRPCClient) process(ctx context.Context, task *queue.Task) (map[string]any, error) {
	var resp PluginProcessResponse
	call := c.client.Go("Plugin.Process", PluginProcessRequest{Task: task}, &resp, nil)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-call.Done:
		if r.Error != nil {
			return nil, r.Error
		}
		return resp.Data, nil
	}
}

// pluginProcessor wraps a dispensed processorRPCClient with the static domain
// it was loaded for and the plugin.Client that owns the subprocess, so Worker
// can treat it exactly like an in-process Processor.
type pluginProcessor struct {
	domain queue.Domain
	rpc    *processorRPCClient
	host   *plugin.Client
}

func (p *pluginProcessor) Domain() queue.Domain { return p.domain }

func (p *pluginProcessor) Process(ctx context.Context, task *queue.Task) (map[string]any, error) {
	return p.rpc.process(ctx, task)
}

// Close kills the subprocess. Callers that loaded a plugin processor must
// call Close when the worker serving it shuts down.
func (p *pluginProcessor) Close() error {
	p.host.Kill()
	return nil
}

// LoadPluginProcessor spawns cmdPath as a subprocess worker plugin handling
// domain, handshakes over PluginHandshake, and dispenses its Processor stub.
// The returned Processor also implements io.Closer; callers must Close it to
// terminate the subprocess once the worker using it stops.
func LoadPluginProcessor(domain queue.Domain, cmdPath string, args ...string) (Processor, error) {
	host := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  PluginHandshake,
		Plugins:          map[string]plugin.Plugin{pluginKey: &ProcessorPlugin{}},
		Cmd:              exec.Command(cmdPath, args...),
		Logger:           logger.HCLog("worker-plugin-" + string(domain)),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := host.Client()
	if err != nil {
		host.Kill()
		return nil, fmt.Errorf("plugin handshake with %s: %w", cmdPath, err)
	}
	raw, err := rpcClient.Dispense(pluginKey)
	if err != nil {
		host.Kill()
		return nil, fmt.Errorf("dispense processor plugin from %s: %w", cmdPath, err)
	}
	stub, ok := raw.(*processorRPCClient)
	if !ok {
		host.Kill()
		return nil, fmt.Errorf("%s does not serve a processor plugin", cmdPath)
	}
	return &pluginProcessor{domain: domain, rpc: stub, host: host}, nil
}

// ServeProcessorPlugin blocks, serving impl as a subprocess worker plugin
// over PluginHandshake. An externally-built worker binary calls this from
// its main func instead of linking against the orchestrator:
//
//	func main() { worker.ServeProcessorPlugin(&myDomainProcessor{}) }
func ServeProcessorPlugin(impl Processor) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: PluginHandshake,
		Plugins:         map[string]plugin.Plugin{pluginKey: &ProcessorPlugin{Impl: impl}},
	})
}
