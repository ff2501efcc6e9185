package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"chatwire.app/sessiond/internal/http/dto"
)

// SessionLister enumerates live sessions cluster-wide.
// *registry.Registry satisfies it.
type SessionLister interface {
	GetAllSessions(ctx context.Context) (map[string]string, error)
}

type SessionsHandler struct {
	sessions SessionLister
}

func NewSessionsHandler(sessions SessionLister) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

// List returns every live channel session and its owning worker.
func (h *SessionsHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	all, err := h.sessions.GetAllSessions(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "session enumeration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}

	out := make([]dto.SessionResponse, 0, len(all))
	for channelID, workerID := range all {
		out = append(out, dto.SessionResponse{ChannelID: channelID, WorkerID: workerID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
