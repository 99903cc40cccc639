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

package waveapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/supervisor"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSchema serves the JSON Schema for a start-session request body, so
// external callers can validate a start-session payload before sending it.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&supervisor.StartRequest{})
	schema.ID = "https://wave.dev/schemas/start-request.json"
	schema.Title = "Wave Start Request Schema"
	schema.Description = "Request body accepted by POST /sessions to start one story's run"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(schema); err != nil {
		s.log.Error("failed to encode schema", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate schema")
	}
}

// handleStartSession runs one story to completion, or to its first manual
// approval gate, and returns the resulting story execution. The run is
// synchronous: callers that want async behavior should call it from a
// goroutine on their side and poll GET /sessions/{id}/status.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req supervisor.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.StoryID == "" {
		writeError(w, http.StatusBadRequest, "story_id is required")
		return
	}

	se, err := s.supervisor.Run(r.Context(), req)
	if se == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, se)
}

// handleSessionStatus lists every story execution recorded against a
// session.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	executions, err := s.checkpoints.Storage().ListStoryExecutionsBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if executions == nil {
		executions = []*checkpoint.StoryExecution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// handleStoryStatus returns a single story execution's current state.
func (s *Server) handleStoryStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	storyID := chi.URLParam(r, "storyID")

	se, err := s.checkpoints.Storage().GetStoryExecution(r.Context(), sessionID, storyID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, se)
}

// handleRecoverSession applies a recovery strategy to every story in a
// session that is not complete or cancelled, returning which stories recovered and which didn't.
func (s *Server) handleRecoverSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body struct {
		Strategy checkpoint.RecoveryStrategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	result, err := s.checkpoints.RecoverSession(r.Context(), sessionID, body.Strategy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleStop trips the emergency stop, halting every in-flight and future
// story run until cleared. The stop is process-wide, not scoped to one
// session, matching safety.EmergencyStop's own scope.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.estop == nil {
		writeError(w, http.StatusServiceUnavailable, "emergency stop is not configured")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.estop.Trigger(r.Context(), "stopped via HTTP API", "session:"+sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
