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
	"fmt"
	"sync"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/kadirpekel/wave/pkg/queue"
)

// Endpoint is one worker process's address, advertised under a domain.
type Endpoint struct {
	ID      string
	Domain  queue.Domain
	Address string
}

// Registry resolves a domain to its currently live worker endpoints. A fleet
// deployment typically scales one Worker per domain per host; Registry is
// how a dispatcher finds where a subprocess-hosted one is actually running.
type Registry interface {
	Endpoints(domain queue.Domain) ([]Endpoint, error)
}

// StaticRegistry is a fixed, in-memory domain->endpoints table. It's the
// fallback used when no Consul address is configured: endpoints are whatever
// was wired in at startup, never added to or removed from at runtime.
type StaticRegistry struct {
	mu        sync.RWMutex
	endpoints map[queue.Domain][]Endpoint
}

// NewStaticRegistry returns an empty StaticRegistry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{endpoints: make(map[queue.Domain][]Endpoint)}
}

// Add registers e under its domain.
func (r *StaticRegistry) Add(e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[e.Domain] = append(r.endpoints[e.Domain], e)
}

// Endpoints returns a copy of domain's registered endpoints.
func (r *StaticRegistry) Endpoints(domain queue.Domain) ([]Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Endpoint(nil), r.endpoints[domain]...), nil
}

// ConsulRegistry discovers and advertises worker endpoints through Consul's
// service catalog: one Consul service per domain, named serviceName(domain).
type ConsulRegistry struct {
	client *consulapi.Client
}

// NewConsulRegistry dials addr (falling back to Consul's own default
// discovery, usually CONSUL_HTTP_ADDR or 127.0.0.1:8500, when addr is empty).
func NewConsulRegistry(addr string) (*ConsulRegistry, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulRegistry{client: client}, nil
}

func serviceName(domain queue.Domain) string {
	return "wave-worker-" + string(domain)
}

// Register advertises e, passing health checks through Consul's TTL
// mechanism; callers must call Heartbeat on the same cadence as the TTL or
// Consul will deregister e as critical.
func (c *ConsulRegistry) Register(e Endpoint) error {
	return c.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      e.ID,
		Name:    serviceName(e.Domain),
		Address: e.Address,
		Check: &consulapi.AgentServiceCheck{
			TTL:                            "30s",
			DeregisterCriticalServiceAfter: "2m",
		},
	})
}

// Heartbeat marks id's TTL check passing, keeping its registration alive.
func (c *ConsulRegistry) Heartbeat(id string) error {
	return c.client.Agent().PassTTL("service:"+id, "")
}

// Deregister removes id from Consul's catalog.
func (c *ConsulRegistry) Deregister(id string) error {
	return c.client.Agent().ServiceDeregister(id)
}

// Endpoints queries Consul for domain's passing service instances.
func (c *ConsulRegistry) Endpoints(domain queue.Domain) ([]Endpoint, error) {
	services, _, err := c.client.Health().Service(serviceName(domain), "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("consul health query for %s: %w", domain, err)
	}
	out := make([]Endpoint, 0, len(services))
	for _, s := range services {
		out = append(out, Endpoint{
			ID:      s.Service.ID,
			Domain:  domain,
			Address: fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port),
		})
	}
	return out, nil
}
