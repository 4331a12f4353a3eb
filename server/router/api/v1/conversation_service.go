package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/store"
)

type ConversationService struct {
	Store *store.Store
	Gate  *intervention.Controller
}

func (s *ConversationService) Register(g *echo.Group) {
	g.GET("/conversations", s.ListConversations)
	g.GET("/conversations/:id", s.GetConversation)
	g.GET("/conversations/:id/messages", s.ListMessages)
	g.POST("/conversations/:id/pause", s.PauseConversation)
	g.POST("/conversations/:id/resume", s.ResumeConversation)
}

type conversationResponse struct {
	ChatKey        string `json:"chatKey"`
	WhatsappChatID string `json:"whatsappChatId"`
	ID             int32  `json:"id"`
	LastTurn       int32  `json:"lastTurn"`
	AutoReply      bool   `json:"autoReply"`
	CreatedTs      int64  `json:"createdTs"`
	UpdatedTs      int64  `json:"updatedTs"`
}

type messageResponse struct {
	Content     string `json:"content"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	WAMessageID string `json:"waMessageId,omitempty"`
	ID          int64  `json:"id"`
	Turn        int32  `json:"turn"`
	AckStatus   int32  `json:"ackStatus"`
	CreatedTs   int64  `json:"createdTs"`
}

func (s *ConversationService) ListConversations(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	sessionUID := c.QueryParam("sessionUid")
	if sessionUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sessionUid is required")
	}
	session, err := s.Store.GetSession(ctx, &store.FindSession{UID: &sessionUID, CreatorID: &userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if session == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	limit, offset := pagination(c, 50, 200)
	conversations, err := s.Store.ListConversations(ctx, &store.FindConversation{
		SessionID: &session.ID,
		Limit:     &limit,
		Offset:    &offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	list := make([]*conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		list = append(list, convertConversation(conversation))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *ConversationService) GetConversation(c echo.Context) error {
	conversation, err := s.resolveConversation(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertConversation(conversation))
}

func (s *ConversationService) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.resolveConversation(c)
	if err != nil {
		return err
	}

	limit, offset := pagination(c, 100, 500)
	messages, err := s.Store.ListMessages(ctx, &store.FindMessage{
		ChatKey: &conversation.ChatKey,
		Limit:   &limit,
		Offset:  &offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}

	list := make([]*messageResponse, 0, len(messages))
	for _, message := range messages {
		list = append(list, &messageResponse{
			ID:          message.ID,
			Turn:        message.Turn,
			Role:        string(message.Role),
			Content:     message.Content,
			Status:      string(message.Status),
			WAMessageID: message.WAMessageID,
			AckStatus:   message.AckStatus,
			CreatedTs:   message.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *ConversationService) PauseConversation(c echo.Context) error {
	return s.setAutoReply(c, false)
}

func (s *ConversationService) ResumeConversation(c echo.Context) error {
	return s.setAutoReply(c, true)
}

func (s *ConversationService) setAutoReply(c echo.Context, allow bool) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	conversation, err := s.resolveConversation(c)
	if err != nil {
		return err
	}

	actor := fmt.Sprintf("api:user:%d", userID)
	if allow {
		err = s.Gate.ResumeConversation(ctx, conversation.ChatKey, actor)
	} else {
		err = s.Gate.PauseConversation(ctx, conversation.ChatKey, actor)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to toggle auto-reply")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "autoReply": allow})
}

// resolveConversation loads the :id conversation and enforces that its
// chat key belongs to the caller.
func (s *ConversationService) resolveConversation(c echo.Context) (*store.Conversation, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}
	id64, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	id := int32(id64)

	conversations, err := s.Store.ListConversations(c.Request().Context(), &store.FindConversation{ID: &id})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load conversation")
	}
	if len(conversations) == 0 || conversations[0].ChatKey.UserID() != userID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conversations[0], nil
}

func convertConversation(conversation *store.Conversation) *conversationResponse {
	_, _, whatsappChatID, _ := conversation.ChatKey.Parts()
	return &conversationResponse{
		ID:             conversation.ID,
		ChatKey:        conversation.ChatKey.String(),
		WhatsappChatID: whatsappChatID,
		LastTurn:       conversation.LastTurn,
		AutoReply:      conversation.AutoReply,
		CreatedTs:      conversation.CreatedTs,
		UpdatedTs:      conversation.UpdatedTs,
	}
}
