// Package devserver backs cmd/signald: a local stand-in for the two
// external interfaces the engine consumes — the TURN credential endpoint
// and the envelope relay. Not a production signaling server.
package devserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/adapters/signal"
	"github.com/dkeye/callkit/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(cfg *config.Config) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := newHub()

	r.GET("/calls/turn", func(c *gin.Context) {
		servers := cfg.TurnServers
		if servers == nil {
			servers = []config.TurnServer{}
		}
		c.JSON(http.StatusOK, servers)
	})

	r.GET("/ws", func(c *gin.Context) {
		handleWS(h, c)
	})

	log.Info().Str("module", "devserver").Int("turn_servers", len(cfg.TurnServers)).Msg("router setup")
	return r
}

func handleWS(h *hub, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "devserver").Msg("ws upgrade")
		return
	}
	p := &peerConn{ws: ws}
	joined := make(map[string]struct{})

	defer func() {
		h.leave(p)
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		e, err := signal.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "devserver").Msg("bad envelope")
			continue
		}
		if _, ok := joined[e.CallID]; !ok {
			h.join(e.CallID, p)
			joined[e.CallID] = struct{}{}
		}
		h.relay(p, e)
	}
}
