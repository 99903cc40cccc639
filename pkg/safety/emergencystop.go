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

package safety

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/pubsub"
)

// EmergencyStopFileEnv overrides the default stop-file path.
const EmergencyStopFileEnv = "WAVE_EMERGENCY_STOP_FILE"

// DefaultEmergencyStopFile is the marker file whose mere existence halts
// every worker, checked before each blocking call.
const DefaultEmergencyStopFile = ".claude/EMERGENCY-STOP"

// ZKHostsEnv, when set to a comma-separated host list, turns on the
// ZooKeeper ephemeral-node mirror of the emergency stop latch so a
// multi-process deployment observes the stop without relying solely on the
// Redis broadcast. Unset, the latch degrades to Redis+file only.
const ZKHostsEnv = "WAVE_ZK_HOSTS"

const zkEmergencyPath = "/wave/emergency-stop"

// ErrEmergencyStop is returned by any blocking call made while the latch is
// tripped. Reason names why.
type ErrEmergencyStop struct {
	Reason string
}

func (e *ErrEmergencyStop) Error() string {
	if e.Reason == "" {
		return "emergency stop activated"
	}
	return "emergency stop activated: " + e.Reason
}

// Event records one trigger/clear cycle of the latch.
type Event struct {
	TriggeredAt time.Time
	Reason      string
	Source      string // "file", "redis", "api", "safety"
	ClearedAt   time.Time
}

// EmergencyStop is the process-wide latch. All state is held on the value
// receiver's fields guarded by mu rather than package-level globals, so a
// test can construct an isolated instance; a single shared instance is
// still normally threaded through the orchestrator to give it process-wide
// reach.
type EmergencyStop struct {
	mu        sync.RWMutex
	active    bool
	reason    string
	event     *Event
	history   []Event
	stopFile  string
	publisher *pubsub.Publisher
	zkConn    *zk.Conn
	callbacks []func(reason string)
	log       *logger.Logger
}

// New returns an EmergencyStop latch. publisher may be nil (no broadcast).
// If ZKHostsEnv is set, a ZooKeeper connection is dialed eagerly; dial
// failure is logged and the latch continues file+Redis only.
func New(publisher *pubsub.Publisher) *EmergencyStop {
	stopFile := os.Getenv(EmergencyStopFileEnv)
	if stopFile == "" {
		stopFile = DefaultEmergencyStopFile
	}
	es := &EmergencyStop{
		stopFile:  stopFile,
		publisher: publisher,
		log:       logger.Get().WithComponent("safety.emergencystop"),
	}
	if hosts := os.Getenv(ZKHostsEnv); hosts != "" {
		conn, _, err := zk.Connect(strings.Split(hosts, ","), 10*time.Second)
		if err != nil {
			es.log.Warn("failed to connect to zookeeper, emergency stop degraded to file+redis", "error", err)
		} else {
			es.zkConn = conn
		}
	}
	return es
}

// Check reports whether the latch is active, consulting the in-process
// flag first and the marker file second so a stop created by an external
// process (or a human) is observed without a restart.
func (es *EmergencyStop) Check() bool {
	es.mu.RLock()
	active := es.active
	es.mu.RUnlock()
	if active {
		return true
	}
	return es.checkFile()
}

func (es *EmergencyStop) checkFile() bool {
	content, err := os.ReadFile(es.stopFile)
	if err != nil {
		return false
	}
	es.mu.Lock()
	alreadyActive := es.active
	if !alreadyActive {
		reason := strings.TrimSpace(string(content))
		if reason == "" {
			reason = "file trigger"
		}
		es.activateLocked(reason, "file")
	}
	es.mu.Unlock()
	return true
}

// Trigger activates the latch, writes the marker file, broadcasts over
// pubsub, and mirrors to ZooKeeper when configured.
func (es *EmergencyStop) Trigger(ctx context.Context, reason, source string) error {
	es.mu.Lock()
	es.activateLocked(reason, source)
	es.mu.Unlock()

	if err := es.writeStopFile(reason); err != nil {
		es.log.Warn("failed to write emergency stop file", "error", err)
	}
	es.broadcast(ctx, "HALT", reason)
	es.mirrorZK(reason)
	es.log.Warn("emergency stop triggered", "reason", reason, "source", source)
	return nil
}

func (es *EmergencyStop) activateLocked(reason, source string) {
	es.active = true
	es.reason = reason
	es.event = &Event{TriggeredAt: time.Now().UTC(), Reason: reason, Source: source}
	callbacks := append([]func(string){}, es.callbacks...)
	go func() {
		for _, cb := range callbacks {
			cb(reason)
		}
	}()
}

func (es *EmergencyStop) writeStopFile(reason string) error {
	if err := os.MkdirAll(filepath.Dir(es.stopFile), 0o750); err != nil {
		return err
	}
	return os.WriteFile(es.stopFile, []byte(reason+"\ntriggered: "+time.Now().UTC().Format(time.RFC3339)), 0o640)
}

// Clear releases the latch: this should only be called after verifying it
// is safe to resume. The trigger/clear history entry is preserved.
func (es *EmergencyStop) Clear(ctx context.Context) error {
	es.mu.Lock()
	if es.event != nil {
		es.event.ClearedAt = time.Now().UTC()
		es.history = append(es.history, *es.event)
	}
	es.active = false
	es.reason = ""
	es.event = nil
	es.mu.Unlock()

	if err := os.Remove(es.stopFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		es.log.Warn("failed to remove emergency stop file", "error", err)
	}
	es.broadcast(ctx, "RESUME", "")
	if es.zkConn != nil {
		_ = es.zkConn.Delete(zkEmergencyPath, -1)
	}
	es.log.Info("emergency stop cleared")
	return nil
}

func (es *EmergencyStop) broadcast(ctx context.Context, action, reason string) {
	if es.publisher == nil {
		return
	}
	if _, err := es.publisher.Publish(ctx, pubsub.EventSystemEmergencyStop, map[string]any{
		"action": action, "reason": reason,
	}, ""); err != nil {
		es.log.Warn("failed to broadcast emergency stop", "action", action, "error", err)
	}
}

func (es *EmergencyStop) mirrorZK(reason string) {
	if es.zkConn == nil {
		return
	}
	acl := zk.WorldACL(zk.PermAll)
	_, err := es.zkConn.Create(zkEmergencyPath, []byte(reason), zk.FlagEphemeral, acl)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		es.log.Warn("failed to mirror emergency stop to zookeeper", "error", err)
	}
}

// Reason returns the active trigger reason, or "" if not active.
func (es *EmergencyStop) Reason() string {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.reason
}

// Status summarizes the current latch state.
type Status struct {
	Active      bool
	Reason      string
	TriggeredAt time.Time
	Source      string
	FileExists  bool
}

// Status reports the current latch state plus stop-file presence; past
// trigger/clear cycles come from History.
func (es *EmergencyStop) Status() Status {
	es.mu.RLock()
	defer es.mu.RUnlock()
	s := Status{Active: es.active, Reason: es.reason}
	if es.event != nil {
		s.TriggeredAt = es.event.TriggeredAt
		s.Source = es.event.Source
	}
	_, err := os.Stat(es.stopFile)
	s.FileExists = err == nil
	return s
}

// History returns every completed trigger/clear cycle, oldest first.
func (es *EmergencyStop) History() []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return append([]Event{}, es.history...)
}

// RegisterCallback adds a function invoked with the trigger reason on every
// Trigger call (even one made while the latch is already active) and when
// Check first sees the stop file. The callbacks run one after another on a
// single background goroutine.
func (es *EmergencyStop) RegisterCallback(cb func(reason string)) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.callbacks = append(es.callbacks, cb)
}

// Close releases the ZooKeeper connection, if one was opened.
func (es *EmergencyStop) Close() {
	if es.zkConn != nil {
		es.zkConn.Close()
	}
}
