package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthHandler serves the authentication discovery endpoint. Token issuing
// happens at the OIDC provider; the controller only tells clients where to
// go.
type AuthHandler struct {
	issuer   string
	clientID string
}

func NewAuthHandler(issuer, clientID string) *AuthHandler {
	return &AuthHandler{issuer: issuer, clientID: clientID}
}

// Login returns the provider metadata clients need to start an OIDC flow.
func (h *AuthHandler) Login(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{
		"oidc": gin.H{
			"issuer":    h.issuer,
			"client_id": h.clientID,
		},
	})
}
