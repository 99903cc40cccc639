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

	"github.com/kadirpekel/wave/pkg/supervisor"
)

// RunCmd drives one story through the gate sequence from the command line,
// without starting the HTTP interface.
type RunCmd struct {
	StoryID      string  `required:"" help:"Story identifier."`
	StoryTitle   string  `help:"Human-readable story title."`
	ProjectPath  string  `required:"" help:"Path to the target project checkout."`
	Requirements string  `help:"Free-form requirements text passed to the safety checker and worker."`
	Domain       string  `required:"" help:"Domain queue to dispatch work through (e.g. backend, frontend)."`
	Agent        string  `help:"Agent identifier recorded on the story execution."`
	WaveNumber   int     `help:"Wave number this story belongs to."`
	TokenLimit   int     `help:"Token budget for this story."`
	CostLimit    float64 `help:"USD cost budget for this story."`
}

func (c *RunCmd) Run(cli *CLI) error {
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

	req := supervisor.StartRequest{
		StoryID:      c.StoryID,
		StoryTitle:   c.StoryTitle,
		ProjectPath:  c.ProjectPath,
		Requirements: c.Requirements,
		Domain:       c.Domain,
		Agent:        c.Agent,
		WaveNumber:   c.WaveNumber,
		TokenLimit:   c.TokenLimit,
		CostLimit:    c.CostLimit,
	}

	se, runErr := sys.supervisor.Run(ctx, req)
	if se != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(se)
	}
	if runErr != nil {
		return fmt.Errorf("run story: %w", runErr)
	}
	return nil
}
