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

package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/registry"
)

// Executor runs one gate's check: an auto-executable gate must have a
// registered Validator; any other gate resolves to a pending
// manual-approval result naming its owner.
type Executor struct {
	configs    map[ID]Config
	validators *registry.BaseRegistry[Validator]
	log        *logger.Logger
}

// NewExecutor returns an Executor over configs (DefaultConfigs if nil) with
// no validators registered yet.
func NewExecutor(configs map[ID]Config) *Executor {
	if configs == nil {
		configs = DefaultConfigs
	}
	return &Executor{
		configs:    configs,
		validators: registry.NewBaseRegistry[Validator]("gate validator"),
		log:        logger.Get().WithComponent("gate.executor"),
	}
}

// RegisterValidator attaches an auto-executor for one gate.
func (e *Executor) RegisterValidator(v Validator) error {
	return e.validators.Register(string(v.Gate()), v)
}

// Config returns the configuration for a gate.
func (e *Executor) Config(id ID) (Config, bool) {
	cfg, ok := e.configs[id]
	return cfg, ok
}

// Execute runs gate id against input, dispatching to a registered
// Validator when the gate is auto-executable, and returning a pending
// manual-approval Result otherwise. An auto-executable gate with no
// registered Validator is a configuration error.
func (e *Executor) Execute(ctx context.Context, id ID, input map[string]any) (*Result, error) {
	cfg, ok := e.configs[id]
	if !ok {
		return nil, fmt.Errorf("gate: unknown gate %q", id)
	}

	if cfg.AutoExecutable {
		validator, found := e.validators.Get(string(id))
		if !found {
			return nil, fmt.Errorf("gate: %q is auto-executable but has no registered validator (have: %v)", id, e.validators.Names())
		}
		result, err := e.runValidator(ctx, validator, input)
		if err != nil {
			return &Result{Gate: id, Status: StatusFailed, ErrorMessage: err.Error(), EvaluatedAt: time.Now().UTC()}, nil
		}
		result.EvaluatedAt = time.Now().UTC()
		e.log.Info("gate evaluated", "gate", id, "status", result.Status)
		return result, nil
	}

	e.log.Info("gate requires manual approval", "gate", id, "owner", cfg.Owner)
	return &Result{
		Gate:        id,
		Status:      StatusPending,
		EvaluatedAt: time.Now().UTC(),
		Metadata:    map[string]any{"message": fmt.Sprintf("manual approval required from %s", cfg.Owner)},
	}, nil
}

// runValidator isolates a Validator's panic (a malformed third-party
// validator implementation must not crash the story execution engine) by
// converting it into a FAILED result.
func (e *Executor) runValidator(ctx context.Context, v Validator, input map[string]any) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()
	return v.Validate(ctx, input)
}
