package journal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/server/middleware"
	"biomarker-session/internal/shared/server/respond"
)

// Handler serves journal history.
type Handler struct {
	Repo    Repo
	Archive *Archive
}

// NewHandler constructs a Handler. archive may be nil.
func NewHandler(repo Repo, archive *Archive) *Handler {
	return &Handler{Repo: repo, Archive: archive}
}

// RegisterRoutes attaches journal routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/journal", h.list)
	rg.GET("/journal/:sessionId", h.latest)
	rg.GET("/journal/:sessionId/result", h.result)
}

func (h *Handler) list(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	entries, err := h.Repo.List(c.Request.Context(), limit)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list journal", nil)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	respond.OK(c, gin.H{"entries": entries})
}

func (h *Handler) latest(c *gin.Context) {
	sessionID := c.Param("sessionId")
	c.Set(middleware.SessionIDKey, sessionID)
	entry, err := h.Repo.LatestForSession(c.Request.Context(), sessionID)
	if err != nil {
		h.lookupError(c, err)
		return
	}
	respond.OK(c, entry)
}

func (h *Handler) result(c *gin.Context) {
	sessionID := c.Param("sessionId")
	c.Set(middleware.SessionIDKey, sessionID)
	if h.Archive == nil {
		respond.Error(c, http.StatusNotFound, "not_found", "result archiving is disabled", nil)
		return
	}
	entry, err := h.Repo.LatestForSession(c.Request.Context(), sessionID)
	if err != nil {
		h.lookupError(c, err)
		return
	}
	if entry.ResultKey == "" {
		respond.Error(c, http.StatusNotFound, "not_found", "no archived result for session", nil)
		return
	}
	res, err := h.Archive.Load(c.Request.Context(), entry.ResultKey)
	if err != nil {
		h.lookupError(c, err)
		return
	}
	respond.OK(c, res)
}

func (h *Handler) lookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		respond.Error(c, http.StatusNotFound, "not_found", "journal entry not found", nil)
		return
	}
	respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to read journal", nil)
}
