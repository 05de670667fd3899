package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"conductor/internal/ports"
)

type createSessionRequest struct {
	DeviceDescriptor string `json:"deviceDescriptor" binding:"required"`
}

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BadRequest", "deviceDescriptor is required")
		return
	}

	sess, err := s.sessions.Issue(c.Request.Context(), req.DeviceDescriptor)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, sessionResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt})
}

type createTaskRequest struct {
	Kind  string          `json:"kind" binding:"required"`
	Input json.RawMessage `json:"input"`
}

type taskResponse struct {
	TaskID        string           `json:"taskId"`
	Kind          string           `json:"kind"`
	Status        ports.TaskStatus `json:"status"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Error         *ports.TaskError `json:"error,omitempty"`
	EstimatedCost float64          `json:"estimatedCost"`
	ActualCost    float64          `json:"actualCost,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

func toTaskResponse(task *ports.Task) taskResponse {
	return taskResponse{
		TaskID:        task.ID,
		Kind:          task.Kind,
		Status:        task.Status,
		Result:        task.Result,
		Error:         task.Error,
		EstimatedCost: task.EstimatedCost,
		ActualCost:    task.ActualCost,
		CreatedAt:     task.CreatedAt,
		CompletedAt:   task.CompletedAt,
	}
}

// handleCreateTask accepts a submission and returns the queued record with
// its cost estimate. Execution is asynchronous; the caller watches the
// realtime channel or polls.
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BadRequest", "kind is required")
		return
	}

	task, err := s.executor.Submit(c.Request.Context(), req.Kind, req.Input, sessionID(c))
	if err != nil {
		respondError(c, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	respondOK(c, http.StatusAccepted, toTaskResponse(task))
}

func (s *Server) handleListTasks(c *gin.Context) {
	tasks, err := s.ledger.ListBySession(c.Request.Context(), sessionID(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	out := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, toTaskResponse(task))
	}
	respondOK(c, http.StatusOK, out)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if task.OwnerSession != sessionID(c) {
		respondError(c, http.StatusForbidden, "Forbidden", "task belongs to another session")
		return
	}
	respondOK(c, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleCancelTask(c *gin.Context) {
	task, err := s.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if task.OwnerSession != sessionID(c) {
		respondError(c, http.StatusForbidden, "Forbidden", "task belongs to another session")
		return
	}

	if err := s.ledger.Cancel(c.Request.Context(), task.ID); err != nil {
		respondDomainError(c, err)
		return
	}
	cancelled, err := s.ledger.Get(c.Request.Context(), task.ID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	respondOK(c, http.StatusOK, toTaskResponse(cancelled))
}

type serviceResponse struct {
	Name            string    `json:"name"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

func (s *Server) handleListServices(c *gin.Context) {
	endpoints := s.registry.Snapshot()
	out := make([]serviceResponse, 0, len(endpoints))
	for _, endpoint := range endpoints {
		out = append(out, serviceResponse{
			Name:            endpoint.Name,
			Healthy:         endpoint.Healthy,
			LastHealthCheck: endpoint.LastHealthCheck,
		})
	}
	respondOK(c, http.StatusOK, out)
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Services    int    `json:"services"`
	TaskKinds   int    `json:"taskKinds"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.hub != nil {
		resp.Connections = s.hub.ConnectionCount()
	}
	if s.registry != nil {
		resp.Services = len(s.registry.Snapshot())
	}
	resp.TaskKinds = len(s.executor.Kinds())
	c.JSON(http.StatusOK, resp)
}
