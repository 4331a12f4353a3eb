package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/store"
)

func newAgentRig() (*fakeDriver, *echo.Echo) {
	driver := newFakeDriver()
	service := &AgentService{Store: store.New(driver, &profile.Profile{})}
	return driver, newAuthedServer(service.Register)
}

func TestCreateAgentValidation(t *testing.T) {
	testCases := []struct {
		name string
		body map[string]any
	}{
		{
			name: "MissingName",
			body: map[string]any{"systemPrompt": "be nice"},
		},
		{
			name: "TemperatureTooHigh",
			body: map[string]any{"name": "sales", "temperature": 3.0},
		},
		{
			name: "NegativeMaxTokens",
			body: map[string]any{"name": "sales", "maxTokens": -5},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, e := newAgentRig()
			rec := doJSON(t, e, 1, http.MethodPost, "/api/v1/agents", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAgentCRUD(t *testing.T) {
	_, e := newAgentRig()

	rec := doJSON(t, e, 1, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":         "sales assistant",
		"systemPrompt": "You answer product questions briefly.",
		"model":        "gpt-4o-mini",
		"temperature":  0.7,
		"maxTokens":    512,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created agentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.UID)
	assert.Equal(t, "sales assistant", created.Name)
	assert.Equal(t, 0.7, created.Temperature)

	rec = doJSON(t, e, 1, http.MethodPatch, "/api/v1/agents/"+created.UID, map[string]any{
		"systemPrompt": "You answer product questions in one sentence.",
		"temperature":  0.3,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated agentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "You answer product questions in one sentence.", updated.SystemPrompt)
	assert.Equal(t, 0.3, updated.Temperature)
	assert.Equal(t, int32(512), updated.MaxTokens)

	rec = doJSON(t, e, 1, http.MethodPatch, "/api/v1/agents/"+created.UID, map[string]any{"temperature": 2.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, 2, http.MethodGet, "/api/v1/agents/"+created.UID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "agents are tenant scoped")

	rec = doJSON(t, e, 1, http.MethodDelete, "/api/v1/agents/"+created.UID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, e, 1, http.MethodGet, "/api/v1/agents/"+created.UID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentKnowledgeBaseBinding(t *testing.T) {
	driver, e := newAgentRig()
	ctx := context.Background()

	agent, err := driver.CreateAgent(ctx, &store.Agent{UID: "agent-1", CreatorID: 1, Name: "sales"})
	require.NoError(t, err)
	kb, err := driver.CreateKnowledgeBase(ctx, &store.KnowledgeBase{UID: "kb-1", CreatorID: 1, Name: "price list"})
	require.NoError(t, err)
	_, err = driver.CreateKnowledgeBase(ctx, &store.KnowledgeBase{UID: "kb-foreign", CreatorID: 2, Name: "not yours"})
	require.NoError(t, err)

	rec := doJSON(t, e, 1, http.MethodPut, "/api/v1/agents/agent-1/knowledge-bases/kb-1", map[string]any{"priority": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	links, err := driver.ListAgentKBLinks(ctx, &store.FindAgentKBLink{AgentID: &agent.ID})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, kb.ID, links[0].KnowledgeBaseID)
	assert.Equal(t, int32(10), links[0].Priority)

	rec = doJSON(t, e, 1, http.MethodGet, "/api/v1/agents/agent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp agentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.KnowledgeBases, 1)
	assert.Equal(t, "kb-1", resp.KnowledgeBases[0].KnowledgeBaseUID)
	assert.Equal(t, "price list", resp.KnowledgeBases[0].Name)
	assert.Equal(t, int32(10), resp.KnowledgeBases[0].Priority)

	rec = doJSON(t, e, 1, http.MethodPut, "/api/v1/agents/agent-1/knowledge-bases/kb-foreign", map[string]any{"priority": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign knowledge bases must not bind")

	rec = doJSON(t, e, 1, http.MethodDelete, "/api/v1/agents/agent-1/knowledge-bases/kb-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	links, err = driver.ListAgentKBLinks(ctx, &store.FindAgentKBLink{AgentID: &agent.ID})
	require.NoError(t, err)
	assert.Empty(t, links)
}
