package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/middleware"
	"github.com/opencloud-community/ot-controller-sub009/internal/service"
)

type RoomHandler struct {
	rooms   *service.RoomService
	invites *service.InviteService
	log     *logrus.Entry
}

func NewRoomHandler(rooms *service.RoomService, invites *service.InviteService, logger *logrus.Logger) *RoomHandler {
	if rooms == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	if invites == nil {
		panic("InviteService cannot be nil for RoomHandler")
	}
	return &RoomHandler{
		rooms:   rooms,
		invites: invites,
		log:     logger.WithField("component", "room_handler"),
	}
}

type createRoomRequest struct {
	Password string `json:"password"`
	Tariff   string `json:"tariff"`
}

type roomResponse struct {
	ID        domain.RoomID `json:"id"`
	CreatedBy domain.UserID `json:"created_by"`
	Closed    bool          `json:"closed"`
	CreatedAt time.Time     `json:"created_at"`
}

func toRoomResponse(room *domain.Room) roomResponse {
	return roomResponse{
		ID:        room.ID,
		CreatedBy: room.CreatorID,
		Closed:    room.Closed,
		CreatedAt: room.CreatedAt,
	}
}

// Create handles POST /v1/rooms.
func (h *RoomHandler) Create(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	room, err := h.rooms.CreateRoom(c.Request.Context(), user.ID, req.Password, req.Tariff)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, toRoomResponse(room))
}

// Get handles GET /v1/rooms/:room_id.
func (h *RoomHandler) Get(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}
	room, err := h.rooms.GetRoom(c.Request.Context(), id)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, toRoomResponse(room))
}

type startRequest struct {
	Password string `json:"password"`
	Breakout string `json:"breakout_room"`
}

type startResponse struct {
	Ticket     string `json:"ticket"`
	Resumption string `json:"resumption"`
	WSURL      string `json:"websocket_url"`
}

// Start handles POST /v1/rooms/:room_id/start.
func (h *RoomHandler) Start(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	id, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	grant, err := h.rooms.Start(c.Request.Context(), user, id, req.Password, domain.BreakoutRoomID(req.Breakout))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, startResponse{
		Ticket:     grant.Ticket,
		Resumption: grant.Resumption,
		WSURL:      "/ws",
	})
}

type startInvitedRequest struct {
	InviteID    string `json:"invite_id" binding:"required"`
	Code        string `json:"code" binding:"required"`
	DisplayName string `json:"display_name"`
}

// StartInvited handles POST /v1/rooms/:room_id/start_invited, the
// unauthenticated guest entry point.
func (h *RoomHandler) StartInvited(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}
	var req startInvitedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	room, err := h.invites.Verify(c.Request.Context(), domain.InviteID(req.InviteID), req.Code)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if room != id {
		ErrorResponse(c, http.StatusNotFound, service.ErrInvalidInviteCode.Error())
		return
	}
	grant, err := h.rooms.StartInvited(c.Request.Context(), id, req.DisplayName)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, startResponse{
		Ticket:     grant.Ticket,
		Resumption: grant.Resumption,
		WSURL:      "/ws",
	})
}

type createInviteRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
	SingleUse bool       `json:"single_use"`
}

type inviteResponse struct {
	ID        domain.InviteID `json:"id"`
	RoomID    domain.RoomID   `json:"room_id"`
	Code      string          `json:"code"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	SingleUse bool            `json:"single_use"`
}

// CreateInvite handles POST /v1/rooms/:room_id/invites.
func (h *RoomHandler) CreateInvite(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	id, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}
	var req createInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	var expiresAt time.Time
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}
	invite, code, err := h.invites.CreateInvite(c.Request.Context(), user.ID, id, expiresAt, req.SingleUse)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, inviteResponse{
		ID:        invite.ID,
		RoomID:    invite.RoomID,
		Code:      code,
		ExpiresAt: invite.ExpiresAt,
		SingleUse: invite.SingleUse,
	})
}

type verifyInviteRequest struct {
	InviteID string `json:"invite_id" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

// VerifyInvite handles POST /v1/invite/verify.
func (h *RoomHandler) VerifyInvite(c *gin.Context) {
	var req verifyInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	room, err := h.invites.Verify(c.Request.Context(), domain.InviteID(req.InviteID), req.Code)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"room_id": room})
}

// Close handles DELETE /v1/rooms/:room_id.
func (h *RoomHandler) Close(c *gin.Context) {
	user, ok := middleware.UserFrom(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	id, err := domain.ParseRoomID(c.Param("room_id"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid room id")
		return
	}
	if err := h.rooms.CloseRoom(c.Request.Context(), user.ID, id); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
