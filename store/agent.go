package store

// Agent holds the LLM persona bound to one or more sessions.
type Agent struct {
	UID          string
	Name         string
	SystemPrompt string
	Model        string
	CreatedTs    int64
	UpdatedTs    int64
	ID           int32
	CreatorID    int32
	MaxTokens    int32
	Temperature  float64
}

type FindAgent struct {
	ID        *int32
	UID       *string
	CreatorID *int32
}

type UpdateAgent struct {
	Name         *string
	SystemPrompt *string
	Model        *string
	Temperature  *float64
	MaxTokens    *int32
	UpdatedTs    *int64
	ID           int32
}

type DeleteAgent struct {
	ID int32
}

// AgentKBLink binds an agent to a knowledge base with a retrieval priority.
// Agent <-> KnowledgeBase is many-to-many through this explicit join table.
type AgentKBLink struct {
	AgentID         int32
	KnowledgeBaseID int32
	Priority        int32
}

type FindAgentKBLink struct {
	AgentID         *int32
	KnowledgeBaseID *int32
}
