package store

// UserCredential carries one tenant's LLM provider configuration. The API
// key is stored sealed and decrypted on demand, never cached.
type UserCredential struct {
	LLMProvider    string
	LLMBaseURL     string
	LLMAPIKey      string
	EmbeddingModel string
	UpdatedTs      int64
	CreatorID      int32
}

type FindUserCredential struct {
	CreatorID int32
}
