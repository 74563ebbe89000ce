package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/task"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeValid decodes the request body into v and runs struct validation.
func decodeValid(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return validate.Struct(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// -----------------------------------------------------------------------------
// Task handlers
// -----------------------------------------------------------------------------

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	t := &task.Task{
		TaskType:       req.TaskType,
		Description:    req.Description,
		RepoURL:        req.RepoURL,
		BranchName:     req.BranchName,
		BaseBranch:     req.BaseBranch,
		Model:          req.Model,
		MaxFixAttempts: req.MaxFixAttempts,
	}

	created, err := s.orch.Submit(r.Context(), t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}

	tasks, err := s.orch.List(status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Retry(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.orch.SubmitAnswers(r.Context(), id, req.Answers); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleResolvePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.orch.ResolvePlanReview(r.Context(), id, inbox.PlanAction(req.Action), req.Feedback); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleStartImplementation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.StartImplementation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleApproveReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.ApproveReview(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.taskResponse(w, id)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	tail := queryInt(r, "tail", 0)
	logs, err := s.orch.FetchLogs(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// taskResponse returns the task's post-operation state. An operation can
// succeed and then lose the task to a concurrent delete; surface that as 404.
func (s *Server) taskResponse(w http.ResponseWriter, id string) {
	t, err := s.orch.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// -----------------------------------------------------------------------------
// Inbox handlers
// -----------------------------------------------------------------------------

func (s *Server) handleListInbox(w http.ResponseWriter, r *http.Request) {
	status := inbox.ItemStatus(r.URL.Query().Get("status"))
	taskID := r.URL.Query().Get("task")

	items, err := s.queue.List(status, taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	unread, err := s.queue.UnreadCount()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items,
		"count":        len(items),
		"unread_count": unread,
	})
}

func (s *Server) handleRespondItem(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	id := r.PathValue("id")
	if err := s.queue.Respond(r.Context(), id, req.Response); err != nil {
		writeDomainError(w, err)
		return
	}

	item, err := s.queue.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.MarkRead(id); err != nil {
		writeDomainError(w, err)
		return
	}

	item, err := s.queue.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
