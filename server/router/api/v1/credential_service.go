package v1

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/store"
)

type CredentialService struct {
	Store  *store.Store
	Sealer *crypto.Sealer
}

func (s *CredentialService) Register(g *echo.Group) {
	g.PUT("/credentials", s.UpsertCredential)
	g.GET("/credentials", s.GetCredential)
}

type upsertCredentialRequest struct {
	LLMProvider    string `json:"llmProvider"`
	LLMBaseURL     string `json:"llmBaseUrl"`
	LLMAPIKey      string `json:"llmApiKey"`
	EmbeddingModel string `json:"embeddingModel"`
}

type credentialResponse struct {
	LLMProvider    string `json:"llmProvider"`
	LLMBaseURL     string `json:"llmBaseUrl,omitempty"`
	LLMAPIKeyMask  string `json:"llmApiKeyMask"`
	EmbeddingModel string `json:"embeddingModel,omitempty"`
	UpdatedTs      int64  `json:"updatedTs"`
}

func (s *CredentialService) UpsertCredential(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req upsertCredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.LLMAPIKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "llmApiKey is required")
	}

	sealed, err := s.Sealer.Seal(req.LLMAPIKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to seal credential")
	}
	credential, err := s.Store.UpsertUserCredential(ctx, &store.UserCredential{
		CreatorID:      userID,
		LLMProvider:    req.LLMProvider,
		LLMBaseURL:     req.LLMBaseURL,
		LLMAPIKey:      sealed,
		EmbeddingModel: req.EmbeddingModel,
		UpdatedTs:      time.Now().Unix(),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store credential")
	}
	return c.JSON(http.StatusOK, s.convertCredential(credential))
}

func (s *CredentialService) GetCredential(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	credential, err := s.Store.GetUserCredential(ctx, &store.FindUserCredential{CreatorID: userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load credential")
	}
	if credential == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no credential configured")
	}
	return c.JSON(http.StatusOK, s.convertCredential(credential))
}

func (s *CredentialService) convertCredential(credential *store.UserCredential) *credentialResponse {
	mask := "unreadable"
	if key, err := s.Sealer.Open(credential.LLMAPIKey); err == nil {
		mask = maskSecret(key)
	} else {
		slog.Warn("stored credential no longer decrypts", slog.Int("creatorId", int(credential.CreatorID)))
	}
	return &credentialResponse{
		LLMProvider:    credential.LLMProvider,
		LLMBaseURL:     credential.LLMBaseURL,
		LLMAPIKeyMask:  mask,
		EmbeddingModel: credential.EmbeddingModel,
		UpdatedTs:      credential.UpdatedTs,
	}
}

// maskSecret keeps the last four characters so operators can tell keys
// apart without exposing them.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", 8) + secret[len(secret)-4:]
}
