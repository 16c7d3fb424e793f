// Package websocket upgrades /ws requests and hands each connection to a
// signaling runner. The endpoint is ticketless at the HTTP layer: the ticket
// arrives inside the first signaling frame, so the upgrade itself needs no
// auth middleware.
package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

type Handler struct {
	upgrader websocket.Upgrader
	deps     signaling.RunnerDeps
	cfg      signaling.RunnerConfig
	log      *logrus.Entry
}

func NewHandler(deps signaling.RunnerDeps, cfg signaling.RunnerConfig, logger *logrus.Logger) *Handler {
	if deps.Registry == nil {
		panic("signaling registry cannot be nil for websocket handler")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// TODO: restrict to the configured frontend origin once the
			// deployment story settles.
			return true
		},
	}
	return &Handler{
		upgrader: upgrader,
		deps:     deps,
		cfg:      cfg,
		log:      logger.WithField("component", "ws_handler"),
	}
}

// HandleConnection handles GET /ws.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	tr := signaling.NewWSTransport(conn, signaling.WSTransportConfig{}, h.log)
	runner := signaling.NewRunner(tr, h.deps, h.cfg)
	// The runner owns the connection from here; run it on this goroutine so
	// gin's request context stays alive for its whole lifetime.
	runner.Run(c.Request.Context())
}
