package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/service"
)

// HandleServiceError maps business errors onto HTTP status codes in one
// place so handlers stay free of status logic.
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrNotRoomOwner), errors.Is(err, service.ErrBanned):
		ErrorResponse(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrWrongPassword):
		ErrorResponse(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrInvalidInviteCode):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRoomClosed):
		ErrorResponse(c, http.StatusGone, err.Error())
	default:
		logrus.WithError(err).Error("unhandled internal server error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	}
}
