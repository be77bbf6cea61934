package web

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ladder/internal/domain"
	"github.com/vadiminshakov/ladder/internal/services/workflow"
)

const maxPayloadBytes = 64 << 10

func (s *Server) handleSignal(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.cfg.Workflow.HandleSignal(c.Request.Context(), raw)
	if err != nil {
		s.l.Warn("signal rejected",
			zap.String("ip", c.ClientIP()),
			zap.String("signal_id", resp.SignalID),
			zap.Error(err))
		s.fail(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOutcome(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.cfg.Workflow.HandleOutcome(c.Request.Context(), raw)
	if err != nil {
		s.l.Warn("outcome rejected", zap.String("ip", c.ClientIP()), zap.Error(err))
		s.fail(c, err, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListSessions(c *gin.Context) {
	f := domain.SessionFilter{
		Symbol:        strings.ToUpper(strings.TrimSpace(c.Query("symbol"))),
		OnlyActive:    queryBool(c, "active"),
		OnlyCompleted: queryBool(c, "completed"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = limit
	}

	sessions, err := s.cfg.Workflow.Sessions(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.cfg.Workflow.Session(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	executions, err := s.cfg.Workflow.Executions(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess, "executions": executions})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.admin(c, func(id string) (workflow.AdminResult, error) {
		return s.cfg.Workflow.Rename(c.Request.Context(), id, req.Name)
	})
}

type noteRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleAnnotate(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.admin(c, func(id string) (workflow.AdminResult, error) {
		return s.cfg.Workflow.Annotate(c.Request.Context(), id, req.Text)
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.admin(c, func(id string) (workflow.AdminResult, error) {
		return s.cfg.Workflow.Pause(c.Request.Context(), id)
	})
}

func (s *Server) handleResume(c *gin.Context) {
	s.admin(c, func(id string) (workflow.AdminResult, error) {
		return s.cfg.Workflow.Resume(c.Request.Context(), id)
	})
}

type confirmRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	// the body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.admin(c, func(id string) (workflow.AdminResult, error) {
		return s.cfg.Workflow.Confirm(c.Request.Context(), id, req.Note)
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Workflow.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err, nil)
		return
	}
	s.l.Info("session deleted", zap.String("session_id", id))
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) admin(c *gin.Context, fn func(id string) (workflow.AdminResult, error)) {
	id := c.Param("id")
	res, err := fn(id)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGraph(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": s.cfg.Workflow.GraphNodes()})
}

func (s *Server) handleCache(c *gin.Context) {
	if s.cfg.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mutation cache not configured"})
		return
	}
	entries := s.cfg.Cache.Entries()
	manual := 0
	for _, e := range entries {
		if e.ManualIntervention {
			manual++
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries), "manual_intervention": manual})
}

func (s *Server) handleReconcile(c *gin.Context) {
	if s.cfg.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	c.JSON(http.StatusOK, s.cfg.Reconciler.Reconcile(c.Request.Context()))
}

func (s *Server) handleOvernight(c *gin.Context) {
	if s.cfg.Registrations == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registration store not configured"})
		return
	}
	regs, err := s.cfg.Registrations.ListActiveRegistrations(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registrations": regs, "count": len(regs)})
}

// fail writes err with its mapped status. result, when set, is echoed back so
// callers can see what was recorded before the failure.
func (s *Server) fail(c *gin.Context, err error, result any) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}

	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body["reasons"] = ve.Reasons
		if len(ve.Warnings) > 0 {
			body["warnings"] = ve.Warnings
		}
	}
	var ie *domain.InvariantError
	if errors.As(err, &ie) {
		body["from"] = ie.From
		body["to"] = ie.To
	}
	var ee *domain.ExecutionError
	if errors.As(err, &ee) {
		body["attempts"] = ee.Attempts
	}
	if result != nil && status != http.StatusBadRequest {
		body["result"] = result
	}

	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		s.l.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

// statusFor maps the domain error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var (
		ve *domain.ValidationError
		ie *domain.InvariantError
		ee *domain.ExecutionError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownTrade):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateSignal),
		errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrSessionBlocked),
		errors.Is(err, domain.ErrSessionPaused),
		errors.Is(err, domain.ErrSessionConflict),
		errors.Is(err, domain.ErrSessionCompleted):
		return http.StatusConflict
	case errors.As(err, &ee):
		return http.StatusBadGateway
	case errors.As(err, &ie),
		errors.Is(err, domain.ErrEdgeUndefined),
		errors.Is(err, domain.ErrZeroPriceMove),
		errors.Is(err, workflow.ErrNoStake):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(raw) > maxPayloadBytes {
		return nil, errors.Errorf("payload larger than %d bytes", maxPayloadBytes)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("empty payload")
	}
	return raw, nil
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	return err == nil && v
}
