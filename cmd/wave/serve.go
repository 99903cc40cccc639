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
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/wave/pkg/waveapi"
	"github.com/kadirpekel/wave/pkg/waveconfig"
)

// ServeCmd starts the supervisor's HTTP interface and, if --watch is set,
// reloads its configuration on change.
type ServeCmd struct {
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	// Wiring (checkpoint store, queue, Redis connection) is built once at
	// startup; a detected change only confirms the file still parses and
	// validates, it does not live-rewire the running components.
	loader, err := waveconfig.NewLoader(cli.Config, waveconfig.WithOnChange(func(*waveconfig.Config) {
		slog.Warn("config file changed; restart wave to apply it")
	}))
	if err != nil {
		return err
	}
	defer loader.Close()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	sys, err := buildSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	srv := waveapi.New(cfg.Server.Addr(), sys.supervisor, sys.checkpoints,
		waveapi.WithEmergencyStop(sys.estop),
		waveapi.WithMetrics(sys.metrics),
	)

	slog.Info("wave supervisor starting", "addr", srv.Addr(), "project", cfg.Project)
	return srv.Start(ctx)
}
