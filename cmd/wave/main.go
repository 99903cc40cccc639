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

// Command wave is the CLI for the multi-agent development orchestrator.
//
// Usage:
//
//	wave serve --config wave.yaml
//	wave run --config wave.yaml --story-id story-1 --project-path . --domain backend --agent be-1
//	wave status --config wave.yaml --session-id sess-1
//	wave stop --config wave.yaml --reason "manual stop"
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/waveconfig"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the supervisor and its HTTP interface."`
	Run     RunCmd     `cmd:"" help:"Run a single story to completion or its first manual gate."`
	Status  StatusCmd  `cmd:"" help:"Show a session's recorded story executions."`
	Stop    StopCmd    `cmd:"" help:"Trip the emergency stop."`
	Schema  SchemaCmd  `cmd:"" help:"Print the JSON Schema for a start-session request."`

	Config string `short:"c" help:"Path to wave.yaml." type:"path" default:"wave.yaml"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("wave %s\n", version)
	return nil
}

func loadConfig(path string) (*waveconfig.Config, error) {
	loader, err := waveconfig.NewLoader(path)
	if err != nil {
		return nil, err
	}
	return loader.Load(context.Background())
}

func main() {
	_ = waveconfig.LoadDotEnv()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("wave"),
		kong.Description("Wave - multi-agent software development orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(os.Getenv("WAVE_LOG_LEVEL"))
	if err != nil {
		level, _ = logger.ParseLevel("info")
	}
	logger.Init(level, os.Stderr, "simple")

	err = kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
