package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachiko-io/waflow/internal/crypto"
	"github.com/hachiko-io/waflow/internal/profile"
	"github.com/hachiko-io/waflow/pipeline/intervention"
	"github.com/hachiko-io/waflow/plugin/waha"
	"github.com/hachiko-io/waflow/store"
)

// fakeWAHA records gateway calls so tests can assert provisioning order
// and the exact webhook callback handed to WAHA.
type fakeWAHA struct {
	cfg            *waha.Config
	ensuredMin     string
	createdWebhook string
	createdSecret  string
	status         string
	qr             []byte
	restarted      bool

	versionErr error
	createErr  error
	statusErr  error
	qrErr      error
	restartErr error
}

func (f *fakeWAHA) EnsureVersion(_ context.Context, min string) error {
	f.ensuredMin = min
	return f.versionErr
}

func (f *fakeWAHA) CreateSession(_ context.Context, webhookURL, webhookSecret string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.createdWebhook = webhookURL
	f.createdSecret = webhookSecret
	return nil
}

func (f *fakeWAHA) GetSessionStatus(_ context.Context) (string, error) {
	return f.status, f.statusErr
}

func (f *fakeWAHA) RestartSession(_ context.Context) error {
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarted = true
	return nil
}

func (f *fakeWAHA) GetQRCode(_ context.Context) ([]byte, error) {
	return f.qr, f.qrErr
}

type sessionRig struct {
	driver *fakeDriver
	sealer *crypto.Sealer
	waha   *fakeWAHA
	e      *echo.Echo
}

func newSessionRig(t *testing.T) *sessionRig {
	t.Helper()
	driver := newFakeDriver()
	p := &profile.Profile{
		PublicURL:        "https://waflow.example.com",
		MergeWindowMs:    2000,
		MergeWindowMinMs: 1500,
		MergeWindowMaxMs: 3000,
		TypingIndicator:  true,
		WAHAMinVersion:   "2023.12.1",
		WAHARateLimitRPS: 1,
		WAHARateBurst:    3,
	}
	st := store.New(driver, p)
	sealer := newTestSealer(t)
	service := NewSessionService(st, p, sealer, intervention.NewController(st))

	fw := &fakeWAHA{status: waha.StatusWorking}
	service.newWAHA = func(cfg *waha.Config) wahaAPI {
		fw.cfg = cfg
		return fw
	}
	return &sessionRig{
		driver: driver,
		sealer: sealer,
		waha:   fw,
		e:      newAuthedServer(service.Register),
	}
}

func (r *sessionRig) seedSession(t *testing.T, creatorID int32, uid string) *store.Session {
	t.Helper()
	session, err := r.driver.CreateSession(context.Background(), &store.Session{
		UID:              uid,
		CreatorID:        creatorID,
		WAAccountID:      "wa-" + uid,
		Name:             "seeded",
		WahaBaseURL:      "http://waha.internal:3000",
		WahaAPIKey:       sealString(t, r.sealer, "waha-key"),
		WebhookSecret:    sealString(t, r.sealer, "hook"),
		ConnectionStatus: store.SessionStatusWorking,
		AutoReply:        true,
		MergeWindowMs:    2000,
		TypingIndicator:  true,
	})
	require.NoError(t, err)
	return session
}

func validCreateSessionBody() map[string]any {
	return map[string]any{
		"name":          "support line",
		"wahaBaseUrl":   "http://waha.internal:3000",
		"wahaApiKey":    "waha-key",
		"webhookSecret": "hook",
	}
}

func TestCreateSessionValidation(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{
			name:   "MissingName",
			mutate: func(body map[string]any) { body["name"] = "" },
		},
		{
			name:   "BadBaseURL",
			mutate: func(body map[string]any) { body["wahaBaseUrl"] = "not-a-url" },
		},
		{
			name:   "MissingAPIKey",
			mutate: func(body map[string]any) { body["wahaApiKey"] = "" },
		},
		{
			name:   "MissingWebhookSecret",
			mutate: func(body map[string]any) { body["webhookSecret"] = "" },
		},
		{
			name:   "MergeWindowTooSmall",
			mutate: func(body map[string]any) { body["mergeWindowMs"] = 1000 },
		},
		{
			name:   "MergeWindowTooLarge",
			mutate: func(body map[string]any) { body["mergeWindowMs"] = 5000 },
		},
		{
			name:   "InvalidFilterExpr",
			mutate: func(body map[string]any) { body["filterExpr"] = "body ==" },
		},
		{
			name:   "UnknownAgent",
			mutate: func(body map[string]any) { body["agentUid"] = "no-such-agent" },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newSessionRig(t)
			body := validCreateSessionBody()
			tc.mutate(body)

			rec := doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, 0, rig.driver.sessionCount())
		})
	}
}

func TestCreateSession(t *testing.T) {
	rig := newSessionRig(t)

	rec := doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions", validCreateSessionBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.UID)
	assert.NotEmpty(t, resp.WAAccountID)
	assert.Equal(t, "support line", resp.Name)
	assert.Equal(t, "connecting", resp.ConnectionStatus)
	assert.True(t, resp.AutoReply)
	assert.True(t, resp.TypingIndicator)
	assert.Equal(t, int32(2000), resp.MergeWindowMs)
	assert.Equal(t, "https://waflow.example.com/api/webhooks/waha/"+resp.WAAccountID, resp.WebhookURL)

	// The gateway was provisioned before the row was written, with the
	// plaintext key and the callback URL for this account.
	assert.Equal(t, "2023.12.1", rig.waha.ensuredMin)
	assert.Equal(t, resp.WebhookURL, rig.waha.createdWebhook)
	assert.Equal(t, "hook", rig.waha.createdSecret)
	require.NotNil(t, rig.waha.cfg)
	assert.Equal(t, "waha-key", rig.waha.cfg.APIKey)
	assert.Equal(t, resp.WAAccountID, rig.waha.cfg.Session)

	// Credentials are sealed at rest and absent from the response.
	rows, err := rig.driver.ListSessions(context.Background(), &store.FindSession{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	apiKey, err := rig.sealer.Open(row.WahaAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "waha-key", apiKey)
	secret, err := rig.sealer.Open(row.WebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "hook", secret)
	assert.NotContains(t, rec.Body.String(), "waha-key")
	assert.NotContains(t, rec.Body.String(), `"webhookSecret"`)
}

func TestCreateSessionGatewayFailure(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(fw *fakeWAHA)
	}{
		{
			name:   "VersionTooOld",
			mutate: func(fw *fakeWAHA) { fw.versionErr = errors.New("version 2022.1.0 below minimum") },
		},
		{
			name:   "SessionCreateFails",
			mutate: func(fw *fakeWAHA) { fw.createErr = errors.New("gateway unreachable") },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newSessionRig(t)
			tc.mutate(rig.waha)

			rec := doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions", validCreateSessionBody())
			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.Equal(t, 0, rig.driver.sessionCount(), "a failed gateway call must not leave a session row")
		})
	}
}

func TestListSessionsScopedToTenant(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 1, "mine-1")
	rig.seedSession(t, 1, "mine-2")
	rig.seedSession(t, 2, "theirs")

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []*sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	uids := []string{list[0].UID, list[1].UID}
	assert.ElementsMatch(t, []string{"mine-1", "mine-2"}, uids)
}

func TestGetSessionTenantIsolation(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 2, "theirs")

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/sessions/theirs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateSession(t *testing.T) {
	rig := newSessionRig(t)
	seeded := rig.seedSession(t, 1, "sess-1")
	agent, err := rig.driver.CreateAgent(context.Background(), &store.Agent{UID: "agent-1", CreatorID: 1, Name: "sales"})
	require.NoError(t, err)

	t.Run("BindAgent", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"agentUid": "agent-1"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		row := rig.driver.sessionOf(seeded.ID)
		require.NotNil(t, row.AgentID)
		assert.Equal(t, agent.ID, *row.AgentID)
	})

	t.Run("ClearAgent", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"agentUid": ""})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, rig.driver.sessionOf(seeded.ID).AgentID)
	})

	t.Run("RejectsEmptyName", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"name": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RejectsBadFilter", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"filterExpr": "chatId +"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("RejectsBadWindow", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"mergeWindowMs": 100})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UpdatesWindow", func(t *testing.T) {
		rec := doJSON(t, rig.e, 1, http.MethodPatch, "/api/v1/sessions/sess-1", map[string]any{"mergeWindowMs": 2500})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(2500), rig.driver.sessionOf(seeded.ID).MergeWindowMs)
	})
}

func TestPauseResumeSession(t *testing.T) {
	rig := newSessionRig(t)
	seeded := rig.seedSession(t, 1, "sess-1")

	rec := doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions/sess-1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, rig.driver.sessionOf(seeded.ID).AutoReply)

	rec = doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions/sess-1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rig.driver.sessionOf(seeded.ID).AutoReply)

	audits := rig.driver.auditEntries()
	require.Len(t, audits, 2)
	assert.Equal(t, store.InterventionSessionPause, audits[0].Action)
	assert.Equal(t, store.InterventionSessionResume, audits[1].Action)
	for _, entry := range audits {
		assert.Equal(t, fmt.Sprintf("session:%d", seeded.ID), entry.Target)
		assert.Equal(t, "api:user:1", entry.Actor)
	}
}

func TestGetQRCodeNormalizesSize(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 1, "sess-1")

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	rig.waha.qr = buf.Bytes()

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/sessions/sess-1/qr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, qrImageSize, img.Bounds().Dx())
	assert.Equal(t, qrImageSize, img.Bounds().Dy())
}

func TestGetQRCodeGatewayError(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 1, "sess-1")
	rig.waha.qrErr = errors.New("no qr while working")

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/sessions/sess-1/qr", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestGetStatus(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 1, "sess-1")
	rig.waha.status = waha.StatusWorking

	rec := doJSON(t, rig.e, 1, http.MethodGet, "/api/v1/sessions/sess-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp["uid"])
	assert.Equal(t, "working", resp["connectionStatus"])
	assert.Equal(t, waha.StatusWorking, resp["liveStatus"])
}

func TestRestartSession(t *testing.T) {
	rig := newSessionRig(t)
	seeded := rig.seedSession(t, 1, "sess-1")

	rec := doJSON(t, rig.e, 1, http.MethodPost, "/api/v1/sessions/sess-1/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rig.waha.restarted)
	assert.Equal(t, store.SessionStatusConnecting, rig.driver.sessionOf(seeded.ID).ConnectionStatus)
}

func TestDeleteSession(t *testing.T) {
	rig := newSessionRig(t)
	rig.seedSession(t, 1, "sess-1")

	rec := doJSON(t, rig.e, 1, http.MethodDelete, "/api/v1/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, rig.driver.sessionCount())
}

func TestSessionRequiresAuth(t *testing.T) {
	rig := newSessionRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	rig.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
