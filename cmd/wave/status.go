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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// StatusCmd prints every story execution recorded against a session.
type StatusCmd struct {
	SessionID string `required:"" help:"Session identifier to report on."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	executions, err := sys.checkpoints.Storage().ListStoryExecutionsBySession(ctx, c.SessionID)
	if err != nil {
		return fmt.Errorf("list story executions: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(executions)
}

// StopCmd trips the process-wide emergency stop for the configured
// deployment. Since the emergency stop state is shared via the stop file
// and, when configured, ZooKeeper, this halts every process watching the
// same configuration.
type StopCmd struct {
	Reason string `help:"Reason recorded against the emergency stop event." default:"stopped via CLI"`
}

func (c *StopCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	if err := sys.estop.Trigger(ctx, c.Reason, "cli"); err != nil {
		return fmt.Errorf("trigger emergency stop: %w", err)
	}
	fmt.Println("emergency stop triggered")
	return nil
}
