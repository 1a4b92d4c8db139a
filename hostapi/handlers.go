package hostapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/martinemde/warden/agentloop"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/policy"
)

// SessionRequest opens a session through the registrar.
type SessionRequest struct {
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceRoot string `json:"workspace_root"`
}

// TaskRequest starts a task.
type TaskRequest struct {
	Prompt       string `json:"prompt" binding:"required"`
	MaxSteps     int    `json:"max_steps" binding:"gte=0"`
	AllowNetwork bool   `json:"allow_network"`
	ApprovalMode string `json:"approval_mode" binding:"omitempty,oneof=policy strict headless"`
}

// TaskResponse names the started task.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// DecisionRequest answers a pending approval.
type DecisionRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) startSession(c *gin.Context) {
	var req SessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest(err))
			return
		}
	}
	h, err := s.registrar.Handshake(c.Request.Context(), backend.HandshakeRequest{
		WorkspaceID:   req.WorkspaceID,
		WorkspaceRoot: req.WorkspaceRoot,
		ClientVersion: s.clientVersion,
		Hostname:      s.hostname,
	})
	if err != nil {
		writeError(c, &agentloop.Error{
			Code:      agentloop.CodeBackendUnavailable,
			Message:   "handshake failed: " + err.Error(),
			Retryable: errors.Is(err, backend.ErrUnavailable),
			Err:       err,
		})
		return
	}
	if err := s.ctl.Start(c.Request.Context(), h); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.ctl.Status())
}

func (s *Server) startTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	id, err := s.ctl.StartTask(c.Request.Context(), req.Prompt, agentloop.TaskOptions{
		MaxSteps:     req.MaxSteps,
		AllowNetwork: req.AllowNetwork,
		ApprovalMode: policy.ApprovalMode(req.ApprovalMode),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, TaskResponse{TaskID: id})
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.ctl.CancelTask(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) resume(c *gin.Context) {
	if err := s.ctl.Resume(c.Request.Context(), nil); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Status())
}

func (s *Server) changes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.ctl.PendingChanges()})
}

func (s *Server) decide(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	if err := s.ctl.DecideApproval(c.Param("id"), *req.Approved, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) shutdown(c *gin.Context) {
	if err := s.ctl.Shutdown(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Status())
}

// events streams notifications until the client goes away or the session
// shuts down.
func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.ctl.Subscribe()
	defer unsubscribe()

	// The reader only watches for the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(s.writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func badRequest(err error) *agentloop.Error {
	return &agentloop.Error{Code: agentloop.CodeInvalidArgument, Message: err.Error(), Err: err}
}

func writeError(c *gin.Context, err error) {
	var e *agentloop.Error
	if !errors.As(err, &e) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: err.Error()})
		return
	}
	c.AbortWithStatusJSON(httpStatus(e.Code), ErrorResponse{
		Code:      string(e.Code),
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
	})
}

func httpStatus(code agentloop.Code) int {
	switch code {
	case agentloop.CodeInvalidArgument:
		return http.StatusBadRequest
	case agentloop.CodeNoSession, agentloop.CodeNoTask, agentloop.CodeApprovalNotFound:
		return http.StatusNotFound
	case agentloop.CodeInvalidState, agentloop.CodeSessionExists, agentloop.CodeTaskActive:
		return http.StatusConflict
	case agentloop.CodeInvalidPolicy, agentloop.CodePolicyExpired:
		return http.StatusUnprocessableEntity
	case agentloop.CodeBackendUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
