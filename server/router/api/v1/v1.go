package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/metrics"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline"
	"github.com/hachiko-io/waflow/plugin/notifier"
	"github.com/hachiko-io/waflow/server/auth"
	"github.com/hachiko-io/waflow/store"
)

// APIV1Service bundles the REST resource services and the webhook ingress.
type APIV1Service struct {
	SessionService      *SessionService
	ConversationService *ConversationService
	AgentService        *AgentService
	KnowledgeService    *KnowledgeService
	JobService          *JobService
	CredentialService   *CredentialService
	InterventionService *InterventionService
	StatsService        *StatsService
	WebhookService      *WebhookService

	Profile *profile.Profile
	Store   *store.Store
	Secret  string
}

func NewAPIV1Service(secret string, profile *profile.Profile, store *store.Store, pipe *pipeline.Pipeline, exporter *metrics.Exporter, sealer *crypto.Sealer) *APIV1Service {
	service := &APIV1Service{
		Secret:  secret,
		Profile: profile,
		Store:   store,
	}

	gate := pipe.Gate()
	service.SessionService = NewSessionService(store, profile, sealer, gate)
	service.ConversationService = &ConversationService{Store: store, Gate: gate}
	service.AgentService = &AgentService{Store: store}
	service.KnowledgeService = &KnowledgeService{Store: store, Backfiller: pipe.Backfiller()}
	service.JobService = &JobService{Store: store}
	service.CredentialService = &CredentialService{Store: store, Sealer: sealer}
	service.InterventionService = &InterventionService{Store: store}
	service.StatsService = &StatsService{Store: store}
	service.WebhookService = NewWebhookService(
		store,
		exporter,
		sealer,
		pipe.Merger(),
		gate,
		notifier.NewTelegram(profile.TelegramBotToken, profile.TelegramOpsChatID),
	)

	return service
}

// Register wires all routes onto the echo instance. The webhook ingress
// authenticates by HMAC signature, everything under /api/v1 by bearer token.
func (s *APIV1Service) Register(echoServer *echo.Echo) {
	echoServer.POST("/api/webhooks/waha/:waAccountId", s.WebhookService.Handle)

	apiV1 := echoServer.Group("/api/v1", auth.Middleware(s.Secret))
	s.SessionService.Register(apiV1)
	s.ConversationService.Register(apiV1)
	s.AgentService.Register(apiV1)
	s.KnowledgeService.Register(apiV1)
	s.JobService.Register(apiV1)
	s.CredentialService.Register(apiV1)
	s.InterventionService.Register(apiV1)
	s.StatsService.Register(apiV1)
}
