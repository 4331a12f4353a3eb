package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hachiko-io/waflow/internal/version"
)

// Client talks to one WAHA instance on behalf of one session.
type Client struct {
	baseURL    string
	apiKey     string
	session    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config carries per-session connection settings. The API key arrives
// already decrypted; the client never touches the sealed form.
type Config struct {
	BaseURL   string
	APIKey    string
	Session   string
	RateRPS   float64
	RateBurst int
	Timeout   time.Duration
	// Limiter, when set, replaces the client's own rate limiter. Callers
	// that build short-lived clients share one limiter per session so the
	// send rate holds across rebuilds.
	Limiter *rate.Limiter
}

func NewClient(cfg *Config) *Client {
	session := cfg.Session
	if session == "" {
		session = "default"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := cfg.Limiter
	if limiter == nil {
		rps := cfg.RateRPS
		if rps <= 0 {
			rps = 1
		}
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 3
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		session:    session,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// CreateSession registers the session on the WAHA side, pointing its
// webhooks at webhookURL and arming HMAC signing with webhookSecret.
func (c *Client) CreateSession(ctx context.Context, webhookURL, webhookSecret string) error {
	body := map[string]any{
		"name":  c.session,
		"start": true,
		"config": map[string]any{
			"webhooks": []map[string]any{
				{
					"url":    webhookURL,
					"events": []string{EventMessage, EventSessionStatus, EventMessageAck},
					"hmac":   map[string]string{"key": webhookSecret},
				},
			},
		},
	}
	return c.do(ctx, http.MethodPost, "/api/sessions", body, nil)
}

// GetSessionStatus returns the raw WAHA status, e.g. "WORKING".
func (c *Client) GetSessionStatus(ctx context.Context) (string, error) {
	var resp struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+c.session, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) RestartSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+c.session+"/restart", nil, nil)
}

// GetQRCode fetches the pairing QR as a PNG.
func (c *Client) GetQRCode(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/"+c.session+"/auth/qr?format=image", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/png")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, httpError(http.MethodGet, "/auth/qr", resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) StartTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/startTyping", map[string]string{
		"session": c.session,
		"chatId":  chatID,
	}, nil)
}

func (c *Client) StopTyping(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, "/api/stopTyping", map[string]string{
		"session": c.session,
		"chatId":  chatID,
	}, nil)
}

// SendText sends one message and returns the WA message id for ack
// correlation. Sends pass the per-session rate limiter first.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var resp struct {
		ID json.RawMessage `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/sendText", map[string]string{
		"session": c.session,
		"chatId":  chatID,
		"text":    text,
	}, &resp)
	if err != nil {
		return "", err
	}
	return parseMessageID(resp.ID), nil
}

// EnsureVersion fails when the gateway is older than min. Empty min skips
// the check.
func (c *Client) EnsureVersion(ctx context.Context, min string) error {
	if min == "" {
		return nil
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return err
	}
	if resp.Version == "" {
		return fmt.Errorf("waha did not report a version")
	}
	if !version.IsVersionGreaterOrEqualThan(resp.Version, min) {
		return fmt.Errorf("waha version %s is older than required %s", resp.Version, min)
	}
	return nil
}

// do runs one JSON round trip. out may be nil when the response body does
// not matter.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return httpError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func httpError(method, path string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		return fmt.Errorf("waha %s %s: status %d", method, path, resp.StatusCode)
	}
	return fmt.Errorf("waha %s %s: status %d: %s", method, path, resp.StatusCode, msg)
}

// parseMessageID handles the id shapes WAHA engines produce: a plain
// string, or an object carrying "_serialized"/"id".
func parseMessageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
		ID         string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Serialized != "" {
			return obj.Serialized
		}
		return obj.ID
	}
	return ""
}
