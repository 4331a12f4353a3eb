package stage

import "github.com/hachiko-io/waflow/store"

// MergedRequest is the merger's flush product and the retrieve queue's
// payload. It carries no turn: the retrieve stage derives one from the
// conversation's last_turn so redelivered requests land on the same slot.
type MergedRequest struct {
	ChatKey      store.ChatKey `json:"chatKey"`
	AgentID      *int32        `json:"agentId,omitempty"`
	MergedText   string        `json:"mergedText"`
	SessionID    int32         `json:"sessionId"`
	StartTimeMs  int64         `json:"startTimeMs"`
	EndTimeMs    int64         `json:"endTimeMs"`
	MessageCount int           `json:"messageCount"`
	HasMedia     bool          `json:"hasMedia"`
}

// ContextChunk is one retrieved knowledge snippet, already hydrated.
type ContextChunk struct {
	Content    string  `json:"content"`
	ChunkID    int64   `json:"chunkId"`
	DocumentID int64   `json:"documentId"`
	ChunkIndex int32   `json:"chunkIndex"`
	Score      float64 `json:"score"`
}

// AgentConfig is the resolved agent snapshot the infer stage prompts with.
// Snapshotting at retrieve time keeps one turn consistent even if the agent
// row is edited mid-flight.
type AgentConfig struct {
	SystemPrompt string  `json:"systemPrompt"`
	Model        string  `json:"model"`
	AgentID      int32   `json:"agentId"`
	MaxTokens    int32   `json:"maxTokens"`
	Temperature  float64 `json:"temperature"`
}

// HistoryEntry is one prior message in chronological order.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferRequest is the retrieve stage's product and the infer queue's
// payload. Turn is the user turn; the assistant reply lands on Turn+1.
type InferRequest struct {
	ChatKey     store.ChatKey  `json:"chatKey"`
	UserMessage string         `json:"userMessage"`
	Context     []ContextChunk `json:"context,omitempty"`
	ChatHistory []HistoryEntry `json:"chatHistory,omitempty"`
	Agent       AgentConfig    `json:"agent"`
	SessionID   int32          `json:"sessionId"`
	Turn        int32          `json:"turn"`
	TimestampMs int64          `json:"timestampMs"`
}

// ReplyMetadata carries inference accounting into the reply job's result.
type ReplyMetadata struct {
	Model           string `json:"model"`
	TokensUsed      int32  `json:"tokensUsed"`
	AgentID         int32  `json:"agentId"`
	InferenceTimeMs int64  `json:"inferenceTimeMs"`
}

// ReplyRequest is the infer stage's product and the reply queue's payload.
// Turn here is the assistant turn (user turn + 1).
type ReplyRequest struct {
	ChatKey        store.ChatKey `json:"chatKey"`
	AIResponse     string        `json:"aiResponse"`
	WAAccountID    string        `json:"waAccountId"`
	WhatsappChatID string        `json:"whatsappChatId"`
	Metadata       ReplyMetadata `json:"metadata"`
	SessionID      int32         `json:"sessionId"`
	Turn           int32         `json:"turn"`
}
