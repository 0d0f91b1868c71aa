package main

import (
	"encoding/json"
	"net/http"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/engine"
	"github.com/theuselessai/pipelit/flow/trigger"
)

// dispatchHandler accepts inbound events and routes them through the trigger
// resolver. POST {"source": "...", "payload": {...}, "user_profile_id": n}.
func dispatchHandler(resolver *trigger.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Source        string         `json:"source"`
			Payload       map[string]any `json:"payload"`
			UserProfileID *int64         `json:"user_profile_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		execID, err := resolver.Dispatch(r.Context(), trigger.Event{
			Source:        req.Source,
			Payload:       req.Payload,
			UserProfileID: req.UserProfileID,
		})
		if err != nil {
			if flow.ErrorCode(err) == flow.CodeTriggerNotMatched {
				writeJSON(w, http.StatusAccepted, map[string]any{"matched": false})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matched": true, "execution_id": execID})
	}
}

// resumeHandler resumes a suspended execution, either by pending-task ticket
// or by execution id. POST {"task_id": "...", "input": ...} or
// {"execution_id": "...", "input": ...}.
func resumeHandler(orch *engine.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			TaskID      string `json:"task_id"`
			ExecutionID string `json:"execution_id"`
			Input       any    `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case req.TaskID != "":
			err = orch.ResumePendingTask(r.Context(), req.TaskID, req.Input)
		case req.ExecutionID != "":
			err = orch.ResumeExecution(r.Context(), req.ExecutionID, req.Input, "")
		default:
			http.Error(w, "task_id or execution_id required", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
	}
}

// cancelHandler cancels an execution and its descendants.
// POST {"execution_id": "..."}.
func cancelHandler(orch *engine.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExecutionID == "" {
			http.Error(w, "execution_id required", http.StatusBadRequest)
			return
		}
		if err := orch.CancelExecution(r.Context(), req.ExecutionID); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
