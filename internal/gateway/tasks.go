package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/loomworks/loom/internal/supervisor"
	"github.com/loomworks/loom/pkg/models"
)

// maxUploadBytes bounds a workspace file upload.
const maxUploadBytes = 32 << 20

func (s *Server) requireSupervisor(w http.ResponseWriter) bool {
	if s.sup == nil {
		s.respondError(w, http.StatusServiceUnavailable, "task supervisor is not configured")
		return false
	}
	return true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	includeFinished := r.URL.Query().Get("include_finished") == "true"

	tasks, err := s.sup.List(r.Context(), user.ID, includeFinished)
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

type createTaskRequest struct {
	Prompt         string `json:"prompt"`
	Mode           string `json:"mode"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := s.requestUser(r)
	task, err := s.sup.Run(r.Context(), supervisor.StartTaskRequest{
		OwnerUserID:    user.ID,
		Prompt:         req.Prompt,
		Mode:           models.TaskMode(req.Mode),
		TimeoutSeconds: req.TimeoutSeconds,
		Origin:         models.PlatformContext{Platform: "api", Channel: user.ID},
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	task, err := s.sup.Task(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	task, err := s.sup.Cancel(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

type continueTaskRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

func (s *Server) handleContinueTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	var req continueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := s.requestUser(r)
	child, err := s.sup.Continue(r.Context(), r.PathValue("id"), user.ID, req.Prompt, models.TaskMode(req.Mode))
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, child)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	task, err := s.sup.Task(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		s.taskError(w, err)
		return
	}

	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	lines, next, err := s.sup.Logs().Tail(task.ID, offset, limit)
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"task_id":     task.ID,
		"lines":       lines,
		"next_offset": next,
	})
}

func (s *Server) handleBrowseWorkspace(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	user := s.requestUser(r)
	entries, err := s.sup.BrowseWorkspace(r.Context(), r.PathValue("id"), user.ID, r.URL.Query().Get("path"))
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReadWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	rel := r.URL.Query().Get("path")
	if rel == "" {
		s.respondError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	user := s.requestUser(r)
	data, err := s.sup.ReadWorkspaceFile(r.Context(), r.PathValue("id"), user.ID, rel)
	if err != nil {
		s.taskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWorkspaceUpload(w http.ResponseWriter, r *http.Request) {
	if !s.requireSupervisor(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	rel := r.FormValue("path")
	if rel == "" {
		rel = header.Filename
	}
	if rel == "" {
		s.respondError(w, http.StatusBadRequest, "upload path is required")
		return
	}

	user := s.requestUser(r)
	n, err := s.sup.WriteWorkspaceFile(r.Context(), r.PathValue("id"), user.ID, rel, io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.taskError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]any{"path": rel, "bytes": n})
}
