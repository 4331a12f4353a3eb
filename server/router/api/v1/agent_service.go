package v1

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hachiko-io/waflow/store"
)

type AgentService struct {
	Store *store.Store
}

func (s *AgentService) Register(g *echo.Group) {
	g.POST("/agents", s.CreateAgent)
	g.GET("/agents", s.ListAgents)
	g.GET("/agents/:uid", s.GetAgent)
	g.PATCH("/agents/:uid", s.UpdateAgent)
	g.DELETE("/agents/:uid", s.DeleteAgent)
	g.PUT("/agents/:uid/knowledge-bases/:kbUid", s.BindKnowledgeBase)
	g.DELETE("/agents/:uid/knowledge-bases/:kbUid", s.UnbindKnowledgeBase)
}

type createAgentRequest struct {
	Name         string  `json:"name"`
	SystemPrompt string  `json:"systemPrompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int32   `json:"maxTokens"`
}

type updateAgentRequest struct {
	Name         *string  `json:"name"`
	SystemPrompt *string  `json:"systemPrompt"`
	Model        *string  `json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int32   `json:"maxTokens"`
}

type agentKBLinkResponse struct {
	KnowledgeBaseUID string `json:"knowledgeBaseUid"`
	Name             string `json:"name"`
	Priority         int32  `json:"priority"`
}

type agentResponse struct {
	UID            string                 `json:"uid"`
	Name           string                 `json:"name"`
	SystemPrompt   string                 `json:"systemPrompt"`
	Model          string                 `json:"model,omitempty"`
	KnowledgeBases []*agentKBLinkResponse `json:"knowledgeBases,omitempty"`
	Temperature    float64                `json:"temperature"`
	MaxTokens      int32                  `json:"maxTokens"`
	CreatedTs      int64                  `json:"createdTs"`
	UpdatedTs      int64                  `json:"updatedTs"`
}

func (s *AgentService) CreateAgent(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := validateAgentTuning(req.Temperature, req.MaxTokens); err != nil {
		return err
	}

	now := time.Now().Unix()
	agent, err := s.Store.CreateAgent(ctx, &store.Agent{
		UID:          shortuuid.New(),
		CreatorID:    userID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		Model:        req.Model,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		CreatedTs:    now,
		UpdatedTs:    now,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create agent")
	}
	return c.JSON(http.StatusOK, convertAgent(agent, nil))
}

func (s *AgentService) ListAgents(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	agents, err := s.Store.ListAgents(ctx, &store.FindAgent{CreatorID: &userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list agents")
	}
	list := make([]*agentResponse, 0, len(agents))
	for _, agent := range agents {
		list = append(list, convertAgent(agent, nil))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *AgentService) GetAgent(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	agent, err := s.resolveAgent(c)
	if err != nil {
		return err
	}

	links, err := s.knowledgeBaseLinks(ctx, userID, agent.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load knowledge base links")
	}
	return c.JSON(http.StatusOK, convertAgent(agent, links))
}

func (s *AgentService) UpdateAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agent, err := s.resolveAgent(c)
	if err != nil {
		return err
	}

	var req updateAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	now := time.Now().Unix()
	update := &store.UpdateAgent{ID: agent.ID, UpdatedTs: &now}
	if req.Name != nil {
		if *req.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "name cannot be empty")
		}
		update.Name = req.Name
	}
	if req.SystemPrompt != nil {
		update.SystemPrompt = req.SystemPrompt
	}
	if req.Model != nil {
		update.Model = req.Model
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		temperature := agent.Temperature
		if req.Temperature != nil {
			temperature = *req.Temperature
		}
		maxTokens := agent.MaxTokens
		if req.MaxTokens != nil {
			maxTokens = *req.MaxTokens
		}
		if err := validateAgentTuning(temperature, maxTokens); err != nil {
			return err
		}
		update.Temperature = req.Temperature
		update.MaxTokens = req.MaxTokens
	}

	updated, err := s.Store.UpdateAgent(ctx, update)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update agent")
	}
	return c.JSON(http.StatusOK, convertAgent(updated, nil))
}

func (s *AgentService) DeleteAgent(c echo.Context) error {
	ctx := c.Request().Context()
	agent, err := s.resolveAgent(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteAgent(ctx, &store.DeleteAgent{ID: agent.ID}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete agent")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

type bindKnowledgeBaseRequest struct {
	Priority int32 `json:"priority"`
}

func (s *AgentService) BindKnowledgeBase(c echo.Context) error {
	ctx := c.Request().Context()
	agent, err := s.resolveAgent(c)
	if err != nil {
		return err
	}
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}

	var req bindKnowledgeBaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if err := s.Store.UpsertAgentKBLink(ctx, &store.AgentKBLink{
		AgentID:         agent.ID,
		KnowledgeBaseID: kb.ID,
		Priority:        req.Priority,
	}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to bind knowledge base")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *AgentService) UnbindKnowledgeBase(c echo.Context) error {
	ctx := c.Request().Context()
	agent, err := s.resolveAgent(c)
	if err != nil {
		return err
	}
	kb, err := s.resolveKnowledgeBase(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteAgentKBLink(ctx, agent.ID, kb.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to unbind knowledge base")
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *AgentService) resolveAgent(c echo.Context) (*store.Agent, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}
	uid := c.Param("uid")
	agent, err := s.Store.GetAgent(c.Request().Context(), &store.FindAgent{UID: &uid, CreatorID: &userID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load agent")
	}
	if agent == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "agent not found")
	}
	return agent, nil
}

func (s *AgentService) resolveKnowledgeBase(c echo.Context) (*store.KnowledgeBase, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}
	kbUID := c.Param("kbUid")
	kb, err := s.Store.ListKnowledgeBases(c.Request().Context(), &store.FindKnowledgeBase{UID: &kbUID, CreatorID: &userID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load knowledge base")
	}
	if len(kb) == 0 {
		return nil, echo.NewHTTPError(http.StatusNotFound, "knowledge base not found")
	}
	return kb[0], nil
}

func (s *AgentService) knowledgeBaseLinks(ctx context.Context, userID, agentID int32) ([]*agentKBLinkResponse, error) {
	links, err := s.Store.ListAgentKBLinks(ctx, &store.FindAgentKBLink{AgentID: &agentID})
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, nil
	}

	bases, err := s.Store.ListKnowledgeBases(ctx, &store.FindKnowledgeBase{CreatorID: &userID})
	if err != nil {
		return nil, err
	}
	byID := make(map[int32]*store.KnowledgeBase, len(bases))
	for _, kb := range bases {
		byID[kb.ID] = kb
	}

	list := make([]*agentKBLinkResponse, 0, len(links))
	for _, link := range links {
		kb, ok := byID[link.KnowledgeBaseID]
		if !ok {
			continue
		}
		list = append(list, &agentKBLinkResponse{
			KnowledgeBaseUID: kb.UID,
			Name:             kb.Name,
			Priority:         link.Priority,
		})
	}
	return list, nil
}

func validateAgentTuning(temperature float64, maxTokens int32) error {
	if temperature < 0 || temperature > 2 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("temperature %.2f out of range [0, 2]", temperature))
	}
	if maxTokens < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "maxTokens cannot be negative")
	}
	return nil
}

func convertAgent(agent *store.Agent, links []*agentKBLinkResponse) *agentResponse {
	return &agentResponse{
		UID:            agent.UID,
		Name:           agent.Name,
		SystemPrompt:   agent.SystemPrompt,
		Model:          agent.Model,
		KnowledgeBases: links,
		Temperature:    agent.Temperature,
		MaxTokens:      agent.MaxTokens,
		CreatedTs:      agent.CreatedTs,
		UpdatedTs:      agent.UpdatedTs,
	}
}
