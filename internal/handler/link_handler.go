// internal/handler/link_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/dialect"
	"grbl-service/internal/link"
	"grbl-service/internal/model"
	"grbl-service/internal/repository"
	"grbl-service/internal/service"
	"grbl-service/internal/utils"
)

// LinkHandler exposes the controller session over HTTP
type LinkHandler struct {
	linkService *service.LinkService
	logger      *utils.ServiceLogger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(linkService *service.LinkService, logger *zap.Logger) *LinkHandler {
	return &LinkHandler{
		linkService: linkService,
		logger:      utils.NewServiceLogger(logger, "link-handler"),
	}
}

// RegisterRoutes registers link routes
func (h *LinkHandler) RegisterRoutes(router *gin.RouterGroup) {
	linkGroup := router.Group("/link")
	{
		linkGroup.POST("/connect", h.Connect)
		linkGroup.POST("/disconnect", h.Disconnect)
		linkGroup.GET("/session", h.GetSession)
		linkGroup.GET("/sessions", h.ListSessions)
		linkGroup.GET("/sessions/:session_id", h.GetSessionRecord)

		linkGroup.POST("/commands", h.SubmitCommand)
		linkGroup.GET("/commands", h.ListCommands)
		linkGroup.POST("/jog", h.Jog)
		linkGroup.POST("/move", h.MoveAbsolute)
		linkGroup.POST("/home", h.Home)
		linkGroup.POST("/unlock", h.Unlock)

		for _, name := range []string{
			service.RealtimeHold,
			service.RealtimeResume,
			service.RealtimeReset,
			service.RealtimeStatus,
			service.RealtimeJogCancel,
		} {
			linkGroup.POST("/"+name, h.realtime(name))
		}
	}

	router.GET("/ports", h.ListPorts)
	router.GET("/dialects", h.ListDialects)
}

// Connect opens a session on the requested port
func (h *LinkHandler) Connect(c *gin.Context) {
	var req model.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	snapshot, err := h.linkService.Connect(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to connect",
			zap.Error(err),
			zap.String("port", req.Port),
		)
		respondError(c, "Failed to connect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Connected", snapshot)
}

// Disconnect closes the current session
func (h *LinkHandler) Disconnect(c *gin.Context) {
	snapshot, err := h.linkService.Disconnect()
	if err != nil {
		respondError(c, "Failed to disconnect", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Disconnected", snapshot)
}

// GetSession returns the snapshot of the current session
func (h *LinkHandler) GetSession(c *gin.Context) {
	snapshot, err := h.linkService.Snapshot()
	if err != nil {
		respondError(c, "No session", err)
		return
	}

	data := gin.H{
		"session":      snapshot,
		"reconnecting": h.linkService.IsReconnecting(),
	}
	if info, ok := h.linkService.TransportInfo(); ok {
		data["transport"] = info
	}
	utils.SuccessResponse(c, http.StatusOK, "Session retrieved", data)
}

// ListSessions returns journaled sessions
func (h *LinkHandler) ListSessions(c *gin.Context) {
	filter := &model.SessionFilter{
		Port:    c.Query("port"),
		State:   c.Query("state"),
		Page:    queryInt(c, "page"),
		PerPage: queryInt(c, "per_page"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid since timestamp", err)
			return
		}
		filter.Since = &t
	}
	filter.Normalize()

	sessions, total, err := h.linkService.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		respondError(c, "Failed to list sessions", err)
		return
	}

	utils.PaginatedResponse(c, "Sessions retrieved", sessions, total, filter.Page, filter.PerPage)
}

// GetSessionRecord returns one journaled session
func (h *LinkHandler) GetSessionRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
		return
	}

	record, err := h.linkService.GetSession(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Session not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session retrieved", record)
}

// SubmitCommand queues one line command
func (h *LinkHandler) SubmitCommand(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	handle, err := h.linkService.Submit(req.Command)
	h.respondCommand(c, handle, err, req.Wait)
}

// ListCommands returns the command journal of the current or given session
func (h *LinkHandler) ListCommands(c *gin.Context) {
	filter := &model.CommandFilter{
		Status:  model.CommandStatus(c.Query("status")),
		Page:    queryInt(c, "page"),
		PerPage: queryInt(c, "per_page"),
	}
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
			return
		}
		filter.SessionID = &id
	}
	filter.Normalize()

	commands, total, err := h.linkService.ListCommands(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to list commands", err)
		return
	}

	utils.PaginatedResponse(c, "Commands retrieved", commands, total, filter.Page, filter.PerPage)
}

// Jog queues a relative jog
func (h *LinkHandler) Jog(c *gin.Context) {
	var req model.JogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	handle, err := h.linkService.Jog(req.DX, req.DY, req.Feed)
	h.respondCommand(c, handle, err, req.Wait)
}

// MoveAbsolute queues an absolute linear move
func (h *LinkHandler) MoveAbsolute(c *gin.Context) {
	var req model.MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	handle, err := h.linkService.MoveAbsolute(req.X, req.Y, req.Feed)
	h.respondCommand(c, handle, err, req.Wait)
}

// Home queues the homing cycle
func (h *LinkHandler) Home(c *gin.Context) {
	req, ok := bindWait(c)
	if !ok {
		return
	}

	handle, err := h.linkService.Home()
	h.respondCommand(c, handle, err, req.Wait)
}

// Unlock queues the alarm unlock
func (h *LinkHandler) Unlock(c *gin.Context) {
	req, ok := bindWait(c)
	if !ok {
		return
	}

	handle, err := h.linkService.Unlock()
	h.respondCommand(c, handle, err, req.Wait)
}

func (h *LinkHandler) realtime(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.linkService.Realtime(name); err != nil {
			respondError(c, "Failed to send "+name, err)
			return
		}
		utils.SuccessResponse(c, http.StatusAccepted, "Sent "+name, gin.H{"command": name})
	}
}

// ListPorts enumerates the serial ports of the host
func (h *LinkHandler) ListPorts(c *gin.Context) {
	ports, err := h.linkService.ListPorts()
	if err != nil {
		h.logger.Error("Failed to list ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports retrieved", ports)
}

// ListDialects returns the registered dialects
func (h *LinkHandler) ListDialects(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Dialects retrieved", h.linkService.Dialects())
}

// respondCommand answers with the queued command, waiting for its
// resolution first when asked to
func (h *LinkHandler) respondCommand(c *gin.Context, handle *link.Handle, err error, wait bool) {
	if err != nil {
		respondError(c, "Command not accepted", err)
		return
	}

	if !wait {
		utils.SuccessResponse(c, http.StatusAccepted, "Command queued", commandResponse(handle))
		return
	}

	if err := h.linkService.Wait(c.Request.Context(), handle); err != nil {
		respondError(c, "Command failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Command acknowledged", commandResponse(handle))
}

// respondError maps service and link errors to HTTP statuses
func respondError(c *gin.Context, message string, err error) {
	var rejected *link.RejectedError

	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, link.ErrInvalidCommand),
		errors.Is(err, dialect.ErrInvalidArgument):
		utils.ErrorResponse(c, http.StatusBadRequest, message, err)
	case errors.Is(err, repository.ErrNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, message, err)
	case errors.Is(err, service.ErrNoSession),
		errors.Is(err, service.ErrSessionActive),
		errors.Is(err, link.ErrSessionClosed):
		utils.ErrorResponse(c, http.StatusConflict, message, err)
	case errors.As(err, &rejected):
		utils.RejectedResponse(c, message, err, rejected.Code)
	case errors.Is(err, link.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		utils.ErrorResponse(c, http.StatusGatewayTimeout, message, err)
	case errors.Is(err, link.ErrConnection),
		errors.Is(err, link.ErrIO):
		utils.ErrorResponse(c, http.StatusBadGateway, message, err)
	default:
		utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}

func commandResponse(handle *link.Handle) model.CommandResponse {
	resp := model.CommandResponse{
		ID:       handle.ID.String(),
		Command:  handle.Text,
		Status:   model.CommandStatusQueued,
		Resolved: handle.Resolved(),
	}
	if resp.Resolved {
		resp.Status = service.CommandStatus(handle.Err())
		resp.Output = handle.Output()
	}
	return resp
}

// bindWait reads the optional wait flag; an empty body means false
func bindWait(c *gin.Context) (model.WaitRequest, bool) {
	var req model.WaitRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	return req, true
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
