package web

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/qraft-dev/qraft/internal/logger"
	"github.com/qraft-dev/qraft/internal/queue"
	"github.com/qraft-dev/qraft/internal/session"
)

// promptBody is the legacy immediate-dispatch request.
type promptBody struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Options   struct {
		ProjectPath string `json:"projectPath"`
		WorktreeID  string `json:"worktreeId"`
		AIAgent     string `json:"aiAgent"`
		ModelVendor string `json:"modelVendor"`
	} `json:"options"`
}

// submitBody is the queued-submission request.
type submitBody struct {
	Message        string `json:"message"`
	SessionID      string `json:"session_id"`
	RunImmediately bool   `json:"run_immediately"`
	ProjectPath    string `json:"project_path"`
	WorktreeID     string `json:"worktree_id"`
	AIAgent        string `json:"ai_agent"`
	ModelVendor    string `json:"model_vendor"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body promptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.manager.Submit(r.Context(), queue.PromptRequest{
		Message:     body.Message,
		SessionID:   body.SessionID,
		ProjectPath: body.Options.ProjectPath,
		WorktreeID:  body.Options.WorktreeID,
		Agent:       body.Options.AIAgent,
		ModelVendor: body.Options.ModelVendor,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.manager.SubmitPrompt(r.Context(), queue.PromptRequest{
		Message:        body.Message,
		SessionID:      body.SessionID,
		RunImmediately: body.RunImmediately,
		ProjectPath:    body.ProjectPath,
		WorktreeID:     body.WorktreeID,
		Agent:          body.AIAgent,
		ModelVendor:    body.ModelVendor,
	})
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := s.manager.Status()
	if status.RunningSessionIDs == nil {
		status.RunningSessionIDs = []string{}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sessions := s.manager.Registry().List()
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if id == "hidden" {
		s.handleHiddenSessions(w, r)
		return
	}

	sess, ok := s.manager.Registry().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHiddenSessions(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	seen := make(map[string]bool)

	if s.store != nil {
		stored, err := s.store.ListHidden()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, id := range stored {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for _, sess := range s.manager.Registry().List() {
		if sess.Hidden && !seen[sess.ID] {
			ids = append(ids, sess.ID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionIds": ids})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
	})
}

func (s *Server) handlePromptQueue(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	prompts := s.manager.ListPrompts(r.URL.Query().Get("worktree_id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts})
}

func (s *Server) handleCancelPrompt(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.manager.CancelPrompt(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"promptId": id,
	})
}

func (s *Server) handleSetHidden(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	// Strict field check: the value must be a JSON boolean, not a
	// truthy string.
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "hidden is required and must be a boolean")
		return
	}
	raw, ok := fields["hidden"]
	if !ok {
		writeError(w, http.StatusBadRequest, "hidden is required and must be a boolean")
		return
	}
	var hidden bool
	if err := json.Unmarshal(raw, &hidden); err != nil {
		writeError(w, http.StatusBadRequest, "hidden is required and must be a boolean")
		return
	}

	s.manager.Registry().SetHidden(id, hidden)
	if s.store != nil {
		if err := s.store.SetHidden(id, hidden); err != nil {
			logger.Error("Failed to persist hidden flag for %s: %v", id, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"hidden":    hidden,
	})
}
