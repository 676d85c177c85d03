package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	errs "github.com/techagentng/expertchat/errors"
	"github.com/techagentng/expertchat/models"
	"github.com/techagentng/expertchat/server/response"
)

type listConversationsQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=0,max=200"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type startConversationRequest struct {
	ParticipantID string `json:"participantId" conform:"trim" validate:"required,max=64"`
}

func (s *Server) handleListConversations() gin.HandlerFunc {
	return func(c *gin.Context) {
		var query listConversationsQuery
		if err := c.ShouldBindQuery(&query); err != nil {
			response.Error(c, errs.Validation("invalid query: %v", err))
			return
		}
		summaries, err := s.ChatService.ListConversations(c.Request.Context(), userIDFrom(c), query.Limit, query.Offset)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, "conversations retrieved", http.StatusOK, summaries, nil)
	}
}

func (s *Server) handleStartConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request startConversationRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.Error(c, errs.Validation("invalid request body: %v", err))
			return
		}
		if err := models.Normalize(&request); err != nil {
			response.Error(c, err)
			return
		}
		conv, err := s.ChatService.StartConversation(c.Request.Context(), userIDFrom(c), request.ParticipantID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, "conversation ready", http.StatusOK, conv, nil)
	}
}

func (s *Server) handleGetMessages() gin.HandlerFunc {
	return func(c *gin.Context) {
		var page models.Page
		if err := c.ShouldBindQuery(&page); err != nil {
			response.Error(c, errs.Validation("invalid query: %v", err))
			return
		}
		result, err := s.ChatService.History(c.Request.Context(), userIDFrom(c), c.Param("conversationID"), page)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, "messages retrieved", http.StatusOK, result, nil)
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		receipt, err := s.Dispatcher.MarkRead(c.Request.Context(), userIDFrom(c), c.Param("conversationID"))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.JSON(c, "conversation marked as read", http.StatusOK, models.NewReadReceipt(receipt), nil)
	}
}

func (s *Server) handleDeleteConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, err := s.ChatService.DeleteConversation(c.Request.Context(), c.Param("conversationID"))
		if err != nil {
			response.Error(c, err)
			return
		}
		s.Dispatcher.KickConversation(conv)
		response.JSON(c, "conversation deleted", http.StatusOK, gin.H{"id": conv.ID}, nil)
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		registry := s.Dispatcher.Registry()
		data := gin.H{
			"users":       registry.Users(),
			"connections": registry.Connections(),
		}
		if err := s.DB.Ping(c.Request.Context()); err != nil {
			response.JSON(c, "database unreachable", http.StatusServiceUnavailable, data, errs.Transient(err, "database unreachable"))
			return
		}
		response.JSON(c, "ok", http.StatusOK, data, nil)
	}
}
