package webhook

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Sabbir3x/outreach/internal/auth"
	"github.com/Sabbir3x/outreach/internal/mailbox"
	"github.com/Sabbir3x/outreach/internal/outbound"
	"github.com/Sabbir3x/outreach/internal/sync"
)

type scopeRequest struct {
	Scope string `json:"scope"`
}

type ConnectRequest struct {
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}

type SendRequest struct {
	Scope    string `json:"scope"`
	Name     string `json:"name"`
	Email    string `json:"email" binding:"required,email"`
	Subject  string `json:"subject" binding:"required"`
	Body     string `json:"body" binding:"required"`
	ThreadID string `json:"thread_id"`
}

func (s *Server) scopeOrAbort(c *gin.Context, requested string) (string, bool) {
	scope, ok := s.scope(requested)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown mailbox scope"})
	}
	return scope, ok
}

// bindScope reads an optional {"scope": ...} body
func (s *Server) bindScope(c *gin.Context) (string, bool) {
	var req scopeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return "", false
		}
	}
	return s.scopeOrAbort(c, req.Scope)
}

func (s *Server) handleStatus(c *gin.Context) {
	scope, ok := s.scopeOrAbort(c, c.Query("scope"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	st, err := s.engine.Status(ctx, scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	hasCursor, err := s.engine.HasCursor(ctx, scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mailbox":    st,
		"has_cursor": hasCursor,
		"running":    s.manager.IsRunning(scope),
		"dropped":    s.manager.Dropped(),
	})
}

func (s *Server) handleConnect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, ok := s.scopeOrAbort(c, req.Scope)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	refreshToken := req.RefreshToken
	if refreshToken == "" {
		p := principal(c)
		if s.broker == nil || p == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
			return
		}
		tok, err := s.broker.GetToken(ctx, p.Token, s.provider)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, auth.ErrNoAccount) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		refreshToken = tok.RefreshToken
	}

	if err := s.engine.Connect(ctx, scope, refreshToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("scope", scope).Msg("mailbox connected")
	c.JSON(http.StatusOK, gin.H{"scope": scope, "state": "UNINITIALIZED"})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	scope, ok := s.bindScope(c)
	if !ok {
		return
	}
	if err := s.engine.Disconnect(c.Request.Context(), scope); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("scope", scope).Msg("mailbox disconnected")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSync(c *gin.Context) {
	scope, ok := s.bindScope(c)
	if !ok {
		return
	}
	res, ran, err := s.manager.SyncNow(c.Request.Context(), scope, "manual")
	if !ran {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in flight"})
		return
	}
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, sync.ErrNotSeeded) || errors.Is(err, sync.ErrDisconnected) ||
			errors.Is(err, sync.ErrNoCredential) || errors.Is(err, mailbox.ErrAuthExpired) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, ok := s.scopeOrAbort(c, req.Scope)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	contact, err := s.directory.EnsureContact(ctx, req.Name, req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	m, err := s.dispatcher.Send(ctx, scope, contact, req.Subject, req.Body, req.ThreadID)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, outbound.ErrNoRecipient), errors.Is(err, outbound.ErrEmptySubject):
			status = http.StatusBadRequest
		case errors.Is(err, mailbox.ErrAuthExpired), errors.Is(err, sync.ErrDisconnected), errors.Is(err, sync.ErrNoCredential):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUnattributed(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	replies, err := s.directory.UnattributedReplies(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"replies": replies, "count": len(replies)})
}
