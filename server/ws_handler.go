package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/realtime"
	"github.com/techagentng/expertchat/services/jwt"
)

// handleWebsocket upgrades the request and serves the connection until it closes.
// The token may come from the query string, since browsers cannot set headers on
// websocket requests.
func (s *Server) handleWebsocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = getTokenFromHeader(c)
		}

		var userID string
		switch {
		case token != "":
			claims, err := jwt.ValidateAndGetClaims(token, s.Config.JWTSecret)
			if err != nil {
				respondAndAbort(c, "invalid access token", errs.New("Unauthorized", http.StatusUnauthorized))
				return
			}
			userID = claims.UserID()
		case !s.Config.WSAllowAnonymous:
			respondAndAbort(c, "missing access token", errs.New("Unauthorized", http.StatusUnauthorized))
			return
		}

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Info().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := realtime.NewClient(ws, s.Config)
		session := s.Dispatcher.Attach(client, userID)
		log.Debug().Str("conn_id", client.ID()).Str("user_id", userID).Msg("websocket connected")
		client.Run(c.Request.Context(), session)
	}
}
