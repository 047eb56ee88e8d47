package sessions

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"paperscan-backend/internal/documents"
	"paperscan-backend/internal/shared/server/middleware"
	"paperscan-backend/internal/shared/server/respond"
)

// Handler wires HTTP handlers to the orchestrator service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches session routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.start)
	rg.GET("/sessions/:id", h.get)
	rg.POST("/sessions/:id/cancel", h.cancel)
	rg.POST("/sessions/:id/resume", h.resume)
	rg.GET("/sessions/:id/result", h.result)
}

type startRequest struct {
	DocumentIDs  []string `json:"documentIds"`
	BatchSize    int      `json:"batchSize"`
	MaxRetries   int      `json:"maxRetries"`
	RetryDelayMs int      `json:"retryDelayMs"`
}

func (h *Handler) start(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	session, err := h.Svc.StartSession(ctx, userID, req.DocumentIDs, Config{
		BatchSize:  req.BatchSize,
		MaxRetries: req.MaxRetries,
		RetryDelay: time.Duration(req.RetryDelayMs) * time.Millisecond,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyInput):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case isNotFound(err):
			respond.Error(c, http.StatusNotFound, "not_found", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start session", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
	})
}

func (h *Handler) get(c *gin.Context) {
	session, ok := h.loadOwned(c)
	if !ok {
		return
	}
	respond.JSON(c, http.StatusOK, toResponse(session))
}

func (h *Handler) cancel(c *gin.Context) {
	session, ok := h.loadOwned(c)
	if !ok {
		return
	}
	cancelled := h.Svc.CancelSession(c.Request.Context(), session.ID)
	respond.JSON(c, http.StatusOK, gin.H{"cancelled": cancelled})
}

func (h *Handler) resume(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	id := c.Param("id")

	// The live copy may already be evicted; ownership is enforced against
	// whichever copy still exists.
	if session, err := h.Svc.GetSessionStatus(c.Request.Context(), id); err == nil && session.UserID != userID {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return
	}

	ctx := WithRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
	if !h.Svc.ResumeSession(ctx, id) {
		respond.Error(c, http.StatusConflict, "conflict", "nothing to resume", nil)
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"sessionId": id, "status": StatusPending})
}

func (h *Handler) result(c *gin.Context) {
	session, ok := h.loadOwned(c)
	if !ok {
		return
	}

	result, err := h.Svc.GetOrchestrationResult(c.Request.Context(), session.ID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch result", nil)
		return
	}
	if result == nil {
		respond.Error(c, http.StatusConflict, "conflict", "session has not completed", nil)
		return
	}
	respond.JSON(c, http.StatusOK, result)
}

func (h *Handler) loadOwned(c *gin.Context) (Session, bool) {
	userID := middleware.UserIDFromContext(c)
	id := c.Param("id")

	session, err := h.Svc.GetSessionStatus(c.Request.Context(), id)
	if err != nil || session.UserID != userID {
		respond.Error(c, http.StatusNotFound, "not_found", "session not found", nil)
		return Session{}, false
	}
	return session, true
}

func isNotFound(err error) bool {
	return errors.Is(err, documents.ErrNotFound)
}
