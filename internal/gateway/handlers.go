package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/activity-sync/internal/activity"
	"github.com/basket/activity-sync/internal/apperr"
	"github.com/basket/activity-sync/internal/listener"
	"github.com/basket/activity-sync/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// recordMutationDuration reports how long a single Activity repository call
// took, regardless of outcome; start is taken immediately before the call.
func (s *Server) recordMutationDuration(ctx context.Context, start time.Time) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.MutationDuration.Record(ctx, time.Since(start).Seconds())
}

func writeAppError(w http.ResponseWriter, err error) {
	e := apperr.Classify(err)
	writeJSON(w, e.HTTPStatus, map[string]string{"error": e.Message})
}

type taskResponse struct {
	Task wire.Task `json:"task"`
	User *wire.User `json:"user,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.cfg.PrometheusHandler.ServeHTTP(w, r)
}

// handleIdentity returns the authenticated caller's resolved identity.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	username, _ := id.Claims["username"].(string)
	email, _ := id.Claims["email"].(string)
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":  id.UserID,
		"username": username,
		"email":    email,
	})
}

// handleBulkSnapshot serves GET /v1/tasks/bulk.
func (s *Server) handleBulkSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	snap, err := s.cfg.Activity.BulkSnapshot(r.Context(), id.OrgID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type createTaskRequest struct {
	Project struct {
		GitHubRepositoryID int64  `json:"github_repository_id"`
		Owner              string `json:"owner"`
		Name               string `json:"name"`
	} `json:"project"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	AssigneeUserID string `json:"assignee_user_id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAppError(w, apperr.PayloadTooLarge("malformed request body"))
		return
	}
	if err := validateCreateTaskBody(body); err != nil {
		writeAppError(w, apperr.PayloadTooLarge("request body failed schema validation: "+err.Error()))
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeAppError(w, apperr.PayloadTooLarge("malformed request body"))
		return
	}
	mutationStart := time.Now()
	task, ev, err := s.cfg.Activity.Create(r.Context(), activity.CreateInput{
		Org:                id.OrgID,
		ActingUserID:       id.UserID,
		GitHubRepositoryID: req.Project.GitHubRepositoryID,
		Owner:              req.Project.Owner,
		RepoName:           req.Project.Name,
		Title:              req.Title,
		Description:        req.Description,
		AssigneeUserID:     req.AssigneeUserID,
	})
	s.recordMutationDuration(r.Context(), mutationStart)
	if err != nil {
		s.recordAudit("task.created", id.OrgID, "", id.UserID, err)
		writeAppError(w, err)
		return
	}
	s.recordAudit("task.created", id.OrgID, task.ID, id.UserID, nil)
	s.publish(r.Context(), ev)
	writeJSON(w, http.StatusCreated, taskResponse{Task: task})
}

type updateTaskRequest struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Status      *wire.TaskStatus `json:"status,omitempty"`
	Version     *int64           `json:"version,omitempty"`
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	taskID := r.PathValue("id")
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.PayloadTooLarge("malformed request body"))
		return
	}
	existing, err := s.cfg.Activity.FindByID(r.Context(), id.OrgID, taskID)
	if err != nil {
		s.recordAudit("task.updated", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	if existing.AssigneeUserID != id.UserID {
		err := apperr.Forbidden("acting user is not the task assignee")
		s.recordAudit("task.updated", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	mutationStart := time.Now()
	task, ev, err := s.cfg.Activity.Update(r.Context(), activity.UpdateInput{
		Org:             id.OrgID,
		TaskID:          taskID,
		ActingUserID:    id.UserID,
		Title:           req.Title,
		Description:     req.Description,
		Status:          req.Status,
		ExpectedVersion: req.Version,
	})
	s.recordMutationDuration(r.Context(), mutationStart)
	if err != nil {
		s.recordAudit("task.updated", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	s.recordAudit("task.updated", id.OrgID, taskID, id.UserID, nil)
	s.publish(r.Context(), ev)
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

type assignTaskRequest struct {
	NewAssigneeUserID      string `json:"new_assignee_user_id,omitempty"`
	PreviousAssigneeUserID *string `json:"previous_assignee_user_id,omitempty"`
	Version                *int64 `json:"version,omitempty"`
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	taskID := r.PathValue("id")
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperr.PayloadTooLarge("malformed request body"))
		return
	}
	newAssignee := req.NewAssigneeUserID
	if newAssignee == "" {
		newAssignee = id.UserID
	}
	existing, err := s.cfg.Activity.FindByID(r.Context(), id.OrgID, taskID)
	if err != nil {
		s.recordAudit("task.reassigned", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	if existing.AssigneeUserID != id.UserID {
		err := apperr.Forbidden("acting user is not the task assignee")
		s.recordAudit("task.reassigned", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	mutationStart := time.Now()
	task, ev, err := s.cfg.Activity.Assign(r.Context(), activity.AssignInput{
		Org:                    id.OrgID,
		TaskID:                 taskID,
		ActingUserID:           id.UserID,
		NewAssigneeUserID:      newAssignee,
		PreviousAssigneeUserID: req.PreviousAssigneeUserID,
		ExpectedVersion:        req.Version,
	})
	s.recordMutationDuration(r.Context(), mutationStart)
	if err != nil {
		s.recordAudit("task.reassigned", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	s.recordAudit("task.reassigned", id.OrgID, taskID, id.UserID, nil)
	s.publish(r.Context(), ev)
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

type deleteTaskRequest struct {
	Version *int64 `json:"version,omitempty"`
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	taskID := r.PathValue("id")
	var req deleteTaskRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	existing, err := s.cfg.Activity.FindByID(r.Context(), id.OrgID, taskID)
	if err != nil {
		s.recordAudit("task.deleted", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	if existing.AssigneeUserID != id.UserID {
		err := apperr.Forbidden("acting user is not the task assignee")
		s.recordAudit("task.deleted", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	mutationStart := time.Now()
	task, ev, err := s.cfg.Activity.Delete(r.Context(), activity.DeleteInput{
		Org:             id.OrgID,
		TaskID:          taskID,
		ActingUserID:    id.UserID,
		ExpectedVersion: req.Version,
	})
	s.recordMutationDuration(r.Context(), mutationStart)
	if err != nil {
		s.recordAudit("task.deleted", id.OrgID, taskID, id.UserID, err)
		writeAppError(w, err)
		return
	}
	s.recordAudit("task.deleted", id.OrgID, taskID, id.UserID, nil)
	s.publish(r.Context(), ev)
	writeJSON(w, http.StatusOK, taskResponse{Task: task})
}

func (s *Server) handleActivitySince(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeAppError(w, apperr.PayloadTooLarge("invalid after parameter"))
			return
		}
		after = n
	}
	limit := s.cfg.ActivityDefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.cfg.Activity.FetchSince(r.Context(), id.OrgID, after, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": events})
}

func (s *Server) handleGitHubToken(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeAppError(w, apperr.Auth("missing identity"))
		return
	}
	if s.cfg.GHExchanger == nil {
		writeAppError(w, apperr.NotLinked("github integration not configured"))
		return
	}
	tok, err := s.cfg.GHExchanger.Token(r.Context(), id.OrgID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt,
		"scopes":       tok.Scopes,
	})
}

// publish hands a just-committed activity event to this instance's local
// broker immediately (so this instance's own WS subscribers see it with no
// round trip), then issues a pg_notify so every other replica's listener
// picks it up and republishes it to their own broker. A NOTIFY failure is
// logged, not returned: the row is already durably committed, and the
// listener's own periodic catch-up (via FetchSince) covers the gap for any
// client that missed the broadcast.
func (s *Server) publish(ctx context.Context, ev wire.ActivityEvent) {
	if s.cfg.Broker != nil {
		s.cfg.Broker.Publish(ev)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActivityEventsTotal.Add(ctx, 1)
	}
	if s.cfg.Pool == nil {
		return
	}
	if err := listener.Publish(ctx, s.cfg.Pool, s.cfg.ActivityChannel, ev); err != nil {
		logger := s.cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("gateway: notify other replicas of activity", "org", ev.Org, "seq", ev.Seq, "error", err)
	}
}

// recordAudit records a mutation decision to the audit sink, classifying err
// into the taxonomy's decision labels.
func (s *Server) recordAudit(eventType, org, taskID, actingUser string, err error) {
	decision := "accepted"
	reason := ""
	if err != nil {
		e := apperr.Classify(err)
		switch e.Code {
		case apperr.CodeConflict:
			decision = "conflict"
		case apperr.CodeForbidden:
			decision = "forbidden"
		case apperr.CodeNotFound:
			decision = "not_found"
		default:
			decision = "error"
		}
		reason = e.Message
	}
	if decision == "conflict" && s.cfg.Metrics != nil {
		s.cfg.Metrics.MutationConflictTotal.Add(context.Background(), 1)
	}
	if s.cfg.AuditRecord != nil {
		s.cfg.AuditRecord(decision, org, taskID, actingUser, eventType, reason)
	}
}

