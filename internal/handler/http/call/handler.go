// Package call provides the HTTP API for call sessions.
package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"fitconnect-backend/internal/domain"
	"fitconnect-backend/internal/middleware"
	callservice "fitconnect-backend/internal/service/call"
	"fitconnect-backend/pkg/response"
)

// Handler serves the call session HTTP API
type Handler struct {
	service *callservice.Service
}

// NewHandler creates a call HTTP handler
func NewHandler(service *callservice.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("/initiate", h.Initiate)
		calls.GET("/history", h.History)
		calls.GET("/:id", h.Get)
		calls.POST("/:id/ring", h.Ring)
		calls.POST("/:id/answer", h.Answer)
		calls.POST("/:id/decline", h.Decline)
		calls.POST("/:id/end", h.End)
		calls.POST("/:id/connected", h.Connected)
		calls.POST("/:id/signal", h.Signal)
	}
}

// InitiateRequest is the request body for starting a call
type InitiateRequest struct {
	ReceiverID   string `json:"receiver_id" binding:"required"`
	ReceiverName string `json:"receiver_name"`
	ChatRoomID   string `json:"chat_room_id"`
	CallType     string `json:"call_type" binding:"required"`
}

// Initiate creates a new call session
func (h *Handler) Initiate(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "receiver_id must be a UUID")
		return
	}

	session, err := h.service.InitiateCall(c.Request.Context(), userID, middleware.DisplayName(c),
		receiverID, req.ReceiverName, req.ChatRoomID, domain.CallType(req.CallType))
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, session)
}

// Get returns one session, participants only
func (h *Handler) Get(c *gin.Context) {
	h.withCall(c, h.service.Get)
}

// Ring acknowledges delivery on the receiver's device
func (h *Handler) Ring(c *gin.Context) {
	h.withCall(c, h.service.Ring)
}

// Answer accepts an incoming call
func (h *Handler) Answer(c *gin.Context) {
	h.withCall(c, h.service.Answer)
}

// Decline rejects an incoming call
func (h *Handler) Decline(c *gin.Context) {
	h.withCall(c, h.service.Decline)
}

// End hangs up
func (h *Handler) End(c *gin.Context) {
	h.withCall(c, h.service.End)
}

// Connected reports that media is flowing
func (h *Handler) Connected(c *gin.Context) {
	h.withCall(c, h.service.MarkConnected)
}

// SignalRequest carries a peer's SDP and accumulated candidate list.
// Candidate submissions replace the stored list with the full union the
// peer has collected.
type SignalRequest struct {
	CallerSDP     *string  `json:"caller_sdp"`
	ReceiverSDP   *string  `json:"receiver_sdp"`
	ICECandidates []string `json:"ice_candidates"`
}

// Signal writes SDP and candidates into the session
func (h *Handler) Signal(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.CallerSDP == nil && req.ReceiverSDP == nil && req.ICECandidates == nil {
		response.ValidationError(c, "request carries no signaling fields")
		return
	}

	err := h.service.SubmitSignaling(c.Request.Context(), c.Param("id"), userID, domain.SignalingUpdate{
		CallerSDP:     req.CallerSDP,
		ReceiverSDP:   req.ReceiverSDP,
		ICECandidates: req.ICECandidates,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"call_id": c.Param("id")})
}

// History returns the user's finished calls, newest first
func (h *Handler) History(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.ValidationError(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	calls, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

// withCall runs one session operation identified by the :id parameter
func (h *Handler) withCall(c *gin.Context, op func(ctx context.Context, callID string, userID uuid.UUID) (*domain.CallSession, error)) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	session, err := op(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, session)
}
