package server

import (
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	errs "github.com/techagentng/expertchat/errors"
)

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	if s.Config.Env != "test" {
		r.Use(requestLogger())
	}
	r.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if s.allowAllOrigins() {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.allowedOrigins()
	}
	r.Use(cors.New(corsConfig))

	s.defineRoutes(r)
	return r
}

func (s *Server) defineRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth())

	apirouter := router.Group("/api/v1")
	apirouter.GET("/ws", s.handleWebsocket())

	authorized := apirouter.Group("/")
	if s.Config.APIRateLimit > 0 {
		store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
			Rate:  time.Second,
			Limit: s.Config.APIRateLimit,
		})
		authorized.Use(ratelimit.RateLimiter(store, &ratelimit.Options{
			ErrorHandler: errs.ErrorHandler,
			KeyFunc:      keyFunc,
		}))
	}
	authorized.Use(s.Authorize())
	authorized.GET("/conversations", s.handleListConversations())
	authorized.POST("/conversations", s.handleStartConversation())
	authorized.GET("/conversations/:conversationID/messages", s.handleGetMessages())
	authorized.POST("/conversations/:conversationID/read", s.handleMarkRead())

	admin := authorized.Group("/admin")
	admin.Use(s.RequireAdmin())
	admin.DELETE("/conversations/:conversationID", s.handleDeleteConversation())
}
