package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chatwire.app/sessiond/internal/http/dto"
	"chatwire.app/sessiond/internal/supervisor"
)

// SessionManager is the slice of the session manager the channel handlers
// use. *supervisor.Manager satisfies it.
type SessionManager interface {
	StartSession(ctx context.Context, organizationID, channelID string, wait time.Duration) (supervisor.State, error)
	StopChannel(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, channelID, to, text string) error
	Status(channelID string) (supervisor.State, bool)
}

// Directory answers which worker owns a channel cluster-wide.
// *registry.Registry satisfies it.
type Directory interface {
	WorkerID() string
	GetSessionWorker(ctx context.Context, channelID string) (string, error)
}

type ChannelHandler struct {
	manager   SessionManager
	directory Directory

	// Wait ceiling for start requests that ask to block until connected.
	startTimeout time.Duration
}

func NewChannelHandler(manager SessionManager, directory Directory, startTimeout time.Duration) *ChannelHandler {
	return &ChannelHandler{
		manager:      manager,
		directory:    directory,
		startTimeout: startTimeout,
	}
}

// Start brings up a session for the channel on this worker. By default it
// returns 202 once the session is dialing; with ?wait=true it blocks until
// the session connects or the wait ceiling passes.
func (h *ChannelHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("org_id")
	channelID := c.Param("channel_id")

	var wait time.Duration
	if c.Query("wait") == "true" {
		wait = h.startTimeout
	}

	state, err := h.manager.StartSession(ctx, orgID, channelID, wait)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrAlreadyOwned):
			c.JSON(http.StatusConflict, gin.H{"error": "channel session is already running"})
		case errors.Is(err, supervisor.ErrStartTimeout):
			// Still pairing; the caller polls status or watches events.
			c.JSON(http.StatusAccepted, h.statusResponse(orgID, channelID, state))
		case errors.Is(err, supervisor.ErrLoggedOut),
			errors.Is(err, supervisor.ErrAttemptsExhausted),
			errors.Is(err, supervisor.ErrStopped):
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(ctx, "channel start failed", "channel_id", channelID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start channel session"})
		}
		return
	}

	status := http.StatusAccepted
	if state == supervisor.StateConnected {
		status = http.StatusOK
	}
	c.JSON(status, h.statusResponse(orgID, channelID, state))
}

func (h *ChannelHandler) Stop(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channel_id")

	if err := h.manager.StopChannel(ctx, channelID); err != nil {
		if errors.Is(err, supervisor.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session for this channel on this worker"})
			return
		}
		slog.ErrorContext(ctx, "channel stop failed", "channel_id", channelID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop channel session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *ChannelHandler) Send(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channel_id")

	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.SendMessage(ctx, channelID, req.To, req.Text); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no session for this channel on this worker"})
		case errors.Is(err, supervisor.ErrNotConnected):
			c.JSON(http.StatusConflict, gin.H{"error": "channel is not connected"})
		default:
			slog.ErrorContext(ctx, "message send failed", "channel_id", channelID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// Status reports the channel's session state. Sessions running on another
// worker are reported with that worker's id so the caller can redirect.
func (h *ChannelHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Param("org_id")
	channelID := c.Param("channel_id")

	if state, ok := h.manager.Status(channelID); ok {
		c.JSON(http.StatusOK, h.statusResponse(orgID, channelID, state))
		return
	}

	owner, err := h.directory.GetSessionWorker(ctx, channelID)
	if err != nil {
		slog.ErrorContext(ctx, "ownership lookup failed", "channel_id", channelID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up channel session"})
		return
	}
	if owner == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for this channel"})
		return
	}

	c.JSON(http.StatusOK, dto.ChannelStatusResponse{
		ChannelID:      channelID,
		OrganizationID: orgID,
		State:          "remote",
		WorkerID:       owner,
	})
}

func (h *ChannelHandler) statusResponse(orgID, channelID string, state supervisor.State) dto.ChannelStatusResponse {
	return dto.ChannelStatusResponse{
		ChannelID:      channelID,
		OrganizationID: orgID,
		State:          state.String(),
		WorkerID:       h.directory.WorkerID(),
	}
}
