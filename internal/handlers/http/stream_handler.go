package http

import (
	"errors"
	"net/http"
	"strings"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/signal"
	rtc "castrelay/internal/infrastructure/webrtc"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
)

// StreamHandler exposes the session-manager operations over REST. The
// websocket path carries only relay traffic; everything that mutates a
// session goes through here.
type StreamHandler struct {
	manager     *rtc.Manager
	rooms       *signal.Directory
	registry    *signal.Registry
	authService services.AuthService
}

func NewStreamHandler(manager *rtc.Manager, rooms *signal.Directory, registry *signal.Registry, authService services.AuthService) *StreamHandler {
	return &StreamHandler{
		manager:     manager,
		rooms:       rooms,
		registry:    registry,
		authService: authService,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/streams")
	{
		api.GET("/active", h.ListActive)
		api.GET("/:id", h.GetStream)

		authed := api.Group("", middleware.AuthMiddleware(h.authService))
		{
			authed.POST("/:id/leave", h.Leave)
			authed.POST("/:id/tip", h.SendTip)

			broadcaster := authed.Group("", middleware.RequireRole(services.RoleBroadcaster))
			{
				broadcaster.POST("", h.CreateStream)
				broadcaster.POST("/:id/start", h.StartBroadcast)
			}
		}

		optional := api.Group("", middleware.OptionalAuthMiddleware(h.authService))
		{
			optional.POST("/:id/join", h.JoinStream)
			optional.POST("/:id/webrtc/offer", h.AcceptOffer)
			optional.POST("/:id/webrtc/answer", h.AcceptAnswer)
			optional.POST("/:id/webrtc/ice", h.AcceptICE)
		}
	}
}

type CreateStreamRequest struct {
	Title      string `json:"title" binding:"required,max=200"`
	StreamType string `json:"stream_type"`
	MaxViewers int    `json:"max_viewers"`
}

func (h *StreamHandler) CreateStream(c *gin.Context) {
	userID, ok := middleware.UserFromContext(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}

	var req CreateStreamRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Title = strings.TrimSpace(req.Title)
	if err := validation.ValidateStreamTitle(req.Title); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateMaxViewers(req.MaxViewers); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	visibility := domain.VisibilityPublic
	if req.StreamType != "" {
		v, ok := domain.ParseVisibility(req.StreamType)
		if !ok {
			c.Error(apperrors.NewInvalidInputError("stream_type must be public, private or premium"))
			return
		}
		visibility = v
	}

	summary, err := h.manager.CreateSession(c.Request.Context(), userID, req.Title, visibility, req.MaxViewers)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, summary)
}

func (h *StreamHandler) ListActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": h.manager.ActiveSessions()})
}

func (h *StreamHandler) GetStream(c *gin.Context) {
	summary, err := h.manager.SessionInfo(domain.StreamID(c.Param("id")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *StreamHandler) StartBroadcast(c *gin.Context) {
	userID, _ := middleware.UserFromContext(c)
	streamID := domain.StreamID(c.Param("id"))

	summary, err := h.manager.StartBroadcast(c.Request.Context(), userID, streamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *StreamHandler) JoinStream(c *gin.Context) {
	userID := h.resolveUser(c)
	streamID := domain.StreamID(c.Param("id"))

	handleID, err := h.manager.JoinAsViewer(c.Request.Context(), userID, streamID)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.registry.BindHandleToUser(userID, handleID)
	c.JSON(http.StatusOK, gin.H{
		"handle_id": string(handleID),
		"stream_id": string(streamID),
	})
}

func (h *StreamHandler) Leave(c *gin.Context) {
	userID, _ := middleware.UserFromContext(c)
	streamID := domain.StreamID(c.Param("id"))

	if err := h.manager.Leave(c.Request.Context(), userID, streamID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": string(streamID)})
}

type TipRequest struct {
	Amount  float64 `json:"amount" binding:"required,gt=0"`
	Message string  `json:"message" binding:"max=500"`
}

func (h *StreamHandler) SendTip(c *gin.Context) {
	userID, _ := middleware.UserFromContext(c)
	streamID := domain.StreamID(c.Param("id"))

	var req TipRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid tip request"))
		return
	}
	if err := validation.ValidateTipAmount(req.Amount); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	total, err := h.manager.Tip(c.Request.Context(), userID, streamID, req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.rooms.NotifyTip(streamID, userID, req.Amount, req.Message)

	c.JSON(http.StatusOK, gin.H{
		"stream_id":  string(streamID),
		"amount":     req.Amount,
		"total_tips": total,
	})
}

type OfferRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

// AcceptOffer opens a negotiation for the caller and answers their
// offer in one round trip.
func (h *StreamHandler) AcceptOffer(c *gin.Context) {
	userID := h.resolveUser(c)
	streamID := domain.StreamID(c.Param("id"))

	var req OfferRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid offer"))
		return
	}

	handleID, err := h.manager.OpenNegotiation(c.Request.Context(), userID, streamID)
	if err != nil {
		h.fail(c, err)
		return
	}

	answer, err := h.manager.AcceptOffer(c.Request.Context(), handleID, req.SDP)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.registry.BindHandleToUser(userID, handleID)
	c.JSON(http.StatusOK, gin.H{
		"handle_id": string(handleID),
		"sdp":       answer,
		"type":      "answer",
	})
}

type AnswerRequest struct {
	HandleID string `json:"handle_id" binding:"required"`
	SDP      string `json:"sdp" binding:"required"`
}

func (h *StreamHandler) AcceptAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid answer"))
		return
	}

	if err := h.manager.AcceptAnswer(c.Request.Context(), domain.HandleID(req.HandleID), req.SDP); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle_id": req.HandleID})
}

type ICERequest struct {
	HandleID  string  `json:"handle_id" binding:"required"`
	Candidate string  `json:"candidate" binding:"required"`
	SDPMid    *string `json:"sdp_mid"`
	SDPMLine  *uint16 `json:"sdp_mline_index"`
}

func (h *StreamHandler) AcceptICE(c *gin.Context) {
	var req ICERequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid ICE candidate"))
		return
	}

	candidate := webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLine,
	}
	if err := h.manager.AcceptICE(c.Request.Context(), domain.HandleID(req.HandleID), candidate); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle_id": req.HandleID})
}

// resolveUser prefers the authenticated identity and falls back to the
// explicit viewer id a client without credentials supplies.
func (h *StreamHandler) resolveUser(c *gin.Context) domain.UserID {
	if userID, ok := middleware.UserFromContext(c); ok {
		return userID
	}
	if id := c.Query("user_id"); id != "" {
		return domain.UserID(id)
	}
	return domain.UserID("anonymous_" + c.ClientIP())
}

// fail translates domain sentinels into the error taxonomy the error
// middleware renders.
func (h *StreamHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		c.Error(apperrors.NewNotFoundError("stream"))
	case errors.Is(err, domain.ErrHandleNotFound):
		c.Error(apperrors.NewNotFoundError("negotiation handle"))
	case errors.Is(err, domain.ErrDuplicateSession):
		c.Error(apperrors.NewConflictError("broadcaster already has an active stream"))
	case errors.Is(err, domain.ErrSessionNotActive):
		c.Error(apperrors.NewConflictError("stream is not live"))
	case errors.Is(err, domain.ErrViewerCapacity):
		c.Error(apperrors.NewCapacityError("stream is full"))
	case errors.Is(err, domain.ErrNotBroadcaster):
		c.Error(apperrors.NewForbiddenError("not permitted"))
	default:
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream operation failed", http.StatusInternalServerError))
	}
}
