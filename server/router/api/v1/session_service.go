package v1

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/plugin/filter"
	"github.com/hachiko-io/waflow/plugin/waha"
	"github.com/hachiko-io/waflow/store"
)

// qrImageSize is the edge length QR codes are normalized to before serving.
const qrImageSize = 512

// wahaAPI is the slice of the WAHA client the session service consumes.
type wahaAPI interface {
	CreateSession(ctx context.Context, webhookURL, webhookSecret string) error
	GetSessionStatus(ctx context.Context) (string, error)
	RestartSession(ctx context.Context) error
	GetQRCode(ctx context.Context) ([]byte, error)
	EnsureVersion(ctx context.Context, min string) error
}

type SessionService struct {
	Store   *store.Store
	Profile *profile.Profile
	Sealer  *crypto.Sealer
	Gate    *intervention.Controller

	newWAHA func(cfg *waha.Config) wahaAPI
}

func NewSessionService(st *store.Store, p *profile.Profile, sealer *crypto.Sealer, gate *intervention.Controller) *SessionService {
	return &SessionService{
		Store:   st,
		Profile: p,
		Sealer:  sealer,
		Gate:    gate,
		newWAHA: func(cfg *waha.Config) wahaAPI { return waha.NewClient(cfg) },
	}
}

func (s *SessionService) Register(g *echo.Group) {
	g.POST("/sessions", s.CreateSession)
	g.GET("/sessions", s.ListSessions)
	g.GET("/sessions/:uid", s.GetSession)
	g.PATCH("/sessions/:uid", s.UpdateSession)
	g.DELETE("/sessions/:uid", s.DeleteSession)
	g.GET("/sessions/:uid/qr", s.GetQRCode)
	g.POST("/sessions/:uid/restart", s.RestartSession)
	g.GET("/sessions/:uid/status", s.GetStatus)
	g.POST("/sessions/:uid/pause", s.PauseSession)
	g.POST("/sessions/:uid/resume", s.ResumeSession)
}

type createSessionRequest struct {
	Name            string `json:"name"`
	WahaBaseURL     string `json:"wahaBaseUrl"`
	WahaAPIKey      string `json:"wahaApiKey"`
	WebhookSecret   string `json:"webhookSecret"`
	AgentUID        string `json:"agentUid"`
	FilterExpr      string `json:"filterExpr"`
	MergeWindowMs   int32  `json:"mergeWindowMs"`
	TypingIndicator *bool  `json:"typingIndicator"`
}

type updateSessionRequest struct {
	Name            *string `json:"name"`
	AgentUID        *string `json:"agentUid"`
	FilterExpr      *string `json:"filterExpr"`
	MergeWindowMs   *int32  `json:"mergeWindowMs"`
	TypingIndicator *bool   `json:"typingIndicator"`
}

type sessionResponse struct {
	UID              string `json:"uid"`
	Name             string `json:"name"`
	WAAccountID      string `json:"waAccountId"`
	WahaBaseURL      string `json:"wahaBaseUrl"`
	ConnectionStatus string `json:"connectionStatus"`
	AgentUID         string `json:"agentUid,omitempty"`
	FilterExpr       string `json:"filterExpr,omitempty"`
	WebhookURL       string `json:"webhookUrl"`
	MergeWindowMs    int32  `json:"mergeWindowMs"`
	AutoReply        bool   `json:"autoReply"`
	TypingIndicator  bool   `json:"typingIndicator"`
	CreatedTs        int64  `json:"createdTs"`
	UpdatedTs        int64  `json:"updatedTs"`
}

func (s *SessionService) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if _, err := url.ParseRequestURI(req.WahaBaseURL); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "wahaBaseUrl must be a valid URL")
	}
	if req.WahaAPIKey == "" || req.WebhookSecret == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "wahaApiKey and webhookSecret are required")
	}

	windowMs := req.MergeWindowMs
	if windowMs == 0 {
		windowMs = int32(s.Profile.MergeWindowMs)
	}
	if err := s.validateMergeWindow(windowMs); err != nil {
		return err
	}
	if err := filter.Validate(req.FilterExpr); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid filterExpr: %v", err))
	}
	agentID, err := s.resolveAgent(ctx, userID, req.AgentUID)
	if err != nil {
		return err
	}

	sealedKey, err := s.Sealer.Seal(req.WahaAPIKey)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to seal credentials")
	}
	sealedSecret, err := s.Sealer.Seal(req.WebhookSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to seal credentials")
	}

	waAccountID := shortuuid.New()
	webhookURL := s.webhookURL(waAccountID)

	// Register with the gateway before persisting so a dead WAHA endpoint
	// never leaves a half-provisioned session row behind.
	client := s.newWAHA(&waha.Config{
		BaseURL:   req.WahaBaseURL,
		APIKey:    req.WahaAPIKey,
		Session:   waAccountID,
		RateRPS:   s.Profile.WAHARateLimitRPS,
		RateBurst: s.Profile.WAHARateBurst,
	})
	if err := client.EnsureVersion(ctx, s.Profile.WAHAMinVersion); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("waha gateway rejected: %v", err))
	}
	if err := client.CreateSession(ctx, webhookURL, req.WebhookSecret); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("waha session create failed: %v", err))
	}

	typing := s.Profile.TypingIndicator
	if req.TypingIndicator != nil {
		typing = *req.TypingIndicator
	}
	now := time.Now().Unix()
	session, err := s.Store.CreateSession(ctx, &store.Session{
		UID:              shortuuid.New(),
		CreatorID:        userID,
		WAAccountID:      waAccountID,
		Name:             req.Name,
		WahaBaseURL:      req.WahaBaseURL,
		WahaAPIKey:       sealedKey,
		WebhookSecret:    sealedSecret,
		ConnectionStatus: store.SessionStatusConnecting,
		AutoReply:        true,
		AgentID:          agentID,
		MergeWindowMs:    windowMs,
		TypingIndicator:  typing,
		FilterExpr:       req.FilterExpr,
		CreatedTs:        now,
		UpdatedTs:        now,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create session")
	}

	slog.Info("session created",
		slog.String("uid", session.UID),
		slog.String("waAccountId", session.WAAccountID),
		slog.Int("creatorId", int(userID)),
	)
	return c.JSON(http.StatusOK, s.convertSession(ctx, session))
}

func (s *SessionService) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	sessions, err := s.Store.ListSessions(ctx, &store.FindSession{CreatorID: &userID})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}

	agentUIDs, err := s.agentUIDsByID(ctx, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list sessions")
	}
	list := make([]*sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		list = append(list, s.convertSessionWith(session, agentUIDs))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *SessionService) GetSession(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.convertSession(ctx, session))
}

func (s *SessionService) UpdateSession(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}

	var req updateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request")
	}

	now := time.Now().Unix()
	update := &store.UpdateSession{ID: session.ID, UpdatedTs: &now}
	if req.Name != nil {
		if *req.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "name cannot be empty")
		}
		update.Name = req.Name
	}
	if req.MergeWindowMs != nil {
		if err := s.validateMergeWindow(*req.MergeWindowMs); err != nil {
			return err
		}
		update.MergeWindowMs = req.MergeWindowMs
	}
	if req.TypingIndicator != nil {
		update.TypingIndicator = req.TypingIndicator
	}
	if req.FilterExpr != nil {
		if err := filter.Validate(*req.FilterExpr); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid filterExpr: %v", err))
		}
		update.FilterExpr = req.FilterExpr
	}
	if req.AgentUID != nil {
		if *req.AgentUID == "" {
			update.ClearAgent = true
		} else {
			agentID, err := s.resolveAgent(ctx, userID, *req.AgentUID)
			if err != nil {
				return err
			}
			update.AgentID = agentID
		}
	}

	updated, err := s.Store.UpdateSession(ctx, update)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update session")
	}
	return c.JSON(http.StatusOK, s.convertSession(ctx, updated))
}

func (s *SessionService) DeleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteSession(ctx, &store.DeleteSession{ID: session.ID}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete session")
	}
	slog.Info("session deleted", slog.String("uid", session.UID), slog.String("waAccountId", session.WAAccountID))
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *SessionService) GetQRCode(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}
	client, err := s.wahaClient(session)
	if err != nil {
		return err
	}

	raw, err := client.GetQRCode(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("waha qr fetch failed: %v", err))
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "waha returned an unreadable image")
	}
	// Nearest neighbor keeps the module edges sharp for scanners.
	img = imaging.Resize(img, qrImageSize, qrImageSize, imaging.NearestNeighbor)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode qr image")
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

func (s *SessionService) RestartSession(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}
	client, err := s.wahaClient(session)
	if err != nil {
		return err
	}
	if err := client.RestartSession(ctx); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("waha restart failed: %v", err))
	}

	status := store.SessionStatusConnecting
	now := time.Now().Unix()
	if _, err := s.Store.UpdateSession(ctx, &store.UpdateSession{ID: session.ID, ConnectionStatus: &status, UpdatedTs: &now}); err != nil {
		slog.Warn("session status reset failed", slog.String("uid", session.UID), slog.String("error", err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *SessionService) GetStatus(c echo.Context) error {
	ctx := c.Request().Context()
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}

	live := "unknown"
	if client, err := s.wahaClient(session); err == nil {
		if status, err := client.GetSessionStatus(ctx); err == nil {
			live = status
		} else {
			slog.Warn("waha status fetch failed", slog.String("uid", session.UID), slog.String("error", err.Error()))
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"uid":              session.UID,
		"connectionStatus": string(session.ConnectionStatus),
		"liveStatus":       live,
	})
}

func (s *SessionService) PauseSession(c echo.Context) error {
	return s.setAutoReply(c, false)
}

func (s *SessionService) ResumeSession(c echo.Context) error {
	return s.setAutoReply(c, true)
}

func (s *SessionService) setAutoReply(c echo.Context, allow bool) error {
	ctx := c.Request().Context()
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	session, err := s.resolveSession(c)
	if err != nil {
		return err
	}

	actor := fmt.Sprintf("api:user:%d", userID)
	if allow {
		err = s.Gate.ResumeSession(ctx, session.ID, actor)
	} else {
		err = s.Gate.PauseSession(ctx, session.ID, actor)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to toggle auto-reply")
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "autoReply": allow})
}

// resolveSession loads the :uid session and enforces tenant ownership.
func (s *SessionService) resolveSession(c echo.Context) (*store.Session, error) {
	userID, err := currentUserID(c)
	if err != nil {
		return nil, err
	}
	uid := c.Param("uid")
	session, err := s.Store.GetSession(c.Request().Context(), &store.FindSession{UID: &uid, CreatorID: &userID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	if session == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return session, nil
}

func (s *SessionService) resolveAgent(ctx context.Context, userID int32, agentUID string) (*int32, error) {
	if agentUID == "" {
		return nil, nil
	}
	agent, err := s.Store.GetAgent(ctx, &store.FindAgent{UID: &agentUID, CreatorID: &userID})
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load agent")
	}
	if agent == nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("agent %q not found", agentUID))
	}
	return &agent.ID, nil
}

func (s *SessionService) validateMergeWindow(windowMs int32) error {
	minMs, maxMs := int32(s.Profile.MergeWindowMinMs), int32(s.Profile.MergeWindowMaxMs)
	if windowMs < minMs || windowMs > maxMs {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("mergeWindowMs must be within [%d, %d]", minMs, maxMs))
	}
	return nil
}

func (s *SessionService) wahaClient(session *store.Session) (wahaAPI, error) {
	apiKey, err := s.Sealer.Open(session.WahaAPIKey)
	if err != nil {
		slog.Error("waha api key unreadable", slog.String("uid", session.UID), slog.String("error", err.Error()))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "session credentials unreadable")
	}
	return s.newWAHA(&waha.Config{
		BaseURL:   session.WahaBaseURL,
		APIKey:    apiKey,
		Session:   session.WAAccountID,
		RateRPS:   s.Profile.WAHARateLimitRPS,
		RateBurst: s.Profile.WAHARateBurst,
	}), nil
}

func (s *SessionService) webhookURL(waAccountID string) string {
	return strings.TrimRight(s.Profile.PublicURL, "/") + "/api/webhooks/waha/" + waAccountID
}

func (s *SessionService) agentUIDsByID(ctx context.Context, userID int32) (map[int32]string, error) {
	agents, err := s.Store.ListAgents(ctx, &store.FindAgent{CreatorID: &userID})
	if err != nil {
		return nil, err
	}
	uids := make(map[int32]string, len(agents))
	for _, agent := range agents {
		uids[agent.ID] = agent.UID
	}
	return uids, nil
}

func (s *SessionService) convertSession(ctx context.Context, session *store.Session) *sessionResponse {
	agentUIDs := map[int32]string{}
	if session.AgentID != nil {
		if agent, err := s.Store.GetAgent(ctx, &store.FindAgent{ID: session.AgentID}); err == nil && agent != nil {
			agentUIDs[agent.ID] = agent.UID
		}
	}
	return s.convertSessionWith(session, agentUIDs)
}

func (s *SessionService) convertSessionWith(session *store.Session, agentUIDs map[int32]string) *sessionResponse {
	resp := &sessionResponse{
		UID:              session.UID,
		Name:             session.Name,
		WAAccountID:      session.WAAccountID,
		WahaBaseURL:      session.WahaBaseURL,
		ConnectionStatus: string(session.ConnectionStatus),
		FilterExpr:       session.FilterExpr,
		WebhookURL:       s.webhookURL(session.WAAccountID),
		MergeWindowMs:    session.MergeWindowMs,
		AutoReply:        session.AutoReply,
		TypingIndicator:  session.TypingIndicator,
		CreatedTs:        session.CreatedTs,
		UpdatedTs:        session.UpdatedTs,
	}
	if session.AgentID != nil {
		resp.AgentUID = agentUIDs[*session.AgentID]
	}
	return resp
}
