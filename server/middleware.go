package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/server/response"
	"github.com/techagentng/expertchat/services/jwt"
)

const (
	ctxUserID = "userID"
	ctxClaims = "claims"
)

// Authorize requires a valid bearer token and stores the caller's id on the context.
func (s *Server) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken := getTokenFromHeader(c)
		if accessToken == "" {
			respondAndAbort(c, "missing bearer token", errs.New("Unauthorized", http.StatusUnauthorized))
			return
		}
		claims, err := jwt.ValidateAndGetClaims(accessToken, s.Config.JWTSecret)
		if err != nil {
			log.Debug().Err(err).Msg("rejected access token")
			respondAndAbort(c, "invalid access token", errs.New("Unauthorized", http.StatusUnauthorized))
			return
		}
		c.Set(ctxUserID, claims.UserID())
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RequireAdmin must run after Authorize.
func (s *Server) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(ctxClaims)
		if !ok || !claims.(*jwt.Claims).IsAdmin() {
			respondAndAbort(c, "admin role required", errs.Unauthorized("admin role required"))
			return
		}
		c.Next()
	}
}

func respondAndAbort(c *gin.Context, message string, e *errs.Error) {
	response.JSON(c, message, e.Status, nil, e)
	c.Abort()
}

func getTokenFromHeader(c *gin.Context) string {
	authHeader := c.Request.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func userIDFrom(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

// requestLogger writes one zerolog event per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("request")
	}
}
