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

package pubsub

import "fmt"

// GlobalSystemChannel is the one cross-project stream name.
const GlobalSystemChannel = "wave:system:global"

// ChannelManager derives project-scoped stream names (C1).
type ChannelManager struct {
	project string
}

// NewChannelManager returns a ChannelManager namespaced to project.
func NewChannelManager(project string) *ChannelManager {
	return &ChannelManager{project: project}
}

// Signals returns the project's general signal stream.
func (c *ChannelManager) Signals() string {
	return fmt.Sprintf("wave:signals:%s", c.project)
}

// Agent returns the per-agent stream for agentID.
func (c *ChannelManager) Agent(agentID string) string {
	return fmt.Sprintf("wave:agent:%s:%s", c.project, agentID)
}

// Gate returns the per-gate stream for gateName.
func (c *ChannelManager) Gate(gateName string) string {
	return fmt.Sprintf("wave:gate:%s:%s", c.project, gateName)
}

// System returns the project-scoped system stream.
func (c *ChannelManager) System() string {
	return fmt.Sprintf("wave:system:%s", c.project)
}

// DLQ returns the project's dead-letter stream.
func (c *ChannelManager) DLQ() string {
	return fmt.Sprintf("wave:dlq:%s", c.project)
}

// Global returns the single cross-project system channel.
func (c *ChannelManager) Global() string {
	return GlobalSystemChannel
}
